package filterspec

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/btcsuite/btcutil/base58"
	"gopkg.in/yaml.v3"

	"github.com/PhucNguyen204/acctfilter/pkg/filter"
)

var (
	ErrInvalidFilter  = errors.New("invalid filter")
	ErrPatternTooLong = fmt.Errorf("memcmp pattern longer than %d bytes", filter.MaxMemcmpBytes)
)

const (
	EncodingBase58 = "base58"
	EncodingBase64 = "base64"
)

// RawFilter is the client-facing form of a filter:
// {"dataSize": N} or {"memcmp": {"offset": N, "bytes": ...}}.
type RawFilter struct {
	DataSize *uint64    `json:"dataSize,omitempty" yaml:"dataSize,omitempty"`
	Memcmp   *RawMemcmp `json:"memcmp,omitempty" yaml:"memcmp,omitempty"`
}

// RawMemcmp carries the pattern either as an encoded string or as a list of
// byte values.
type RawMemcmp struct {
	Offset   uint64 `json:"offset" yaml:"offset"`
	Bytes    any    `json:"bytes" yaml:"bytes"`
	Encoding string `json:"encoding,omitempty" yaml:"encoding,omitempty"`
}

// GroupSpec is a named filter group as stored in definition files.
type GroupSpec struct {
	Name        string      `json:"name" yaml:"name"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	Filters     []RawFilter `json:"filters" yaml:"filters"`
}

// Filter converts the raw form into a filter.Filter.
func (r RawFilter) Filter() (filter.Filter, error) {
	switch {
	case r.DataSize != nil && r.Memcmp != nil:
		return nil, fmt.Errorf("%w: both dataSize and memcmp set", ErrInvalidFilter)
	case r.DataSize != nil:
		return filter.DataSize(*r.DataSize), nil
	case r.Memcmp != nil:
		b, err := r.Memcmp.decodeBytes()
		if err != nil {
			return nil, err
		}
		return filter.Memcmp{Offset: r.Memcmp.Offset, Bytes: b}, nil
	default:
		return nil, fmt.Errorf("%w: expected dataSize or memcmp", ErrInvalidFilter)
	}
}

func (m RawMemcmp) decodeBytes() ([]byte, error) {
	var out []byte
	switch v := m.Bytes.(type) {
	case nil:
		out = nil
	case string:
		b, err := decodeString(v, m.Encoding)
		if err != nil {
			return nil, err
		}
		out = b
	case []any:
		if m.Encoding != "" {
			return nil, fmt.Errorf("%w: encoding %q given for a byte list", ErrInvalidFilter, m.Encoding)
		}
		out = make([]byte, 0, len(v))
		for i, it := range v {
			b, ok := toByte(it)
			if !ok {
				return nil, fmt.Errorf("%w: bytes[%d] = %v is not a byte", ErrInvalidFilter, i, it)
			}
			out = append(out, b)
		}
	default:
		return nil, fmt.Errorf("%w: bytes must be a string or a list, got %T", ErrInvalidFilter, v)
	}
	if len(out) > filter.MaxMemcmpBytes {
		return nil, ErrPatternTooLong
	}
	return out, nil
}

// DecodeString decodes s with the named encoding; empty means base58.
func DecodeString(s, encoding string) ([]byte, error) {
	return decodeString(s, encoding)
}

func decodeString(s, encoding string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", EncodingBase58:
		if s == "" {
			return nil, nil
		}
		// base58.Decode returns an empty slice for malformed input
		b := base58.Decode(s)
		if len(b) == 0 {
			return nil, fmt.Errorf("%w: malformed base58 %q", ErrInvalidFilter, s)
		}
		return b, nil
	case EncodingBase64:
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("%w: malformed base64: %v", ErrInvalidFilter, err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("%w: unknown encoding %q", ErrInvalidFilter, encoding)
	}
}

func toByte(v any) (byte, bool) {
	switch n := v.(type) {
	case int:
		return byte(n), n >= 0 && n <= math.MaxUint8
	case int64:
		return byte(n), n >= 0 && n <= math.MaxUint8
	case uint64:
		return byte(n), n <= math.MaxUint8
	case float64:
		return byte(n), n >= 0 && n <= math.MaxUint8 && n == math.Trunc(n)
	case json.Number:
		i, err := n.Int64()
		return byte(i), err == nil && i >= 0 && i <= math.MaxUint8
	default:
		return 0, false
	}
}

// ToFilters converts every raw filter, reporting the index of the first bad one.
func ToFilters(raws []RawFilter) ([]filter.Filter, error) {
	out := make([]filter.Filter, 0, len(raws))
	for i, r := range raws {
		f, err := r.Filter()
		if err != nil {
			return nil, fmt.Errorf("filter %d: %w", i, err)
		}
		out = append(out, f)
	}
	return out, nil
}

// ParseJSON decodes a JSON array of raw filters.
func ParseJSON(b []byte) ([]filter.Filter, error) {
	var raws []RawFilter
	if err := json.Unmarshal(b, &raws); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}
	return ToFilters(raws)
}

// ParseYAML decodes a YAML sequence of raw filters.
func ParseYAML(b []byte) ([]filter.Filter, error) {
	var raws []RawFilter
	if err := yaml.Unmarshal(b, &raws); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}
	return ToFilters(raws)
}

// NormalizeJSON decodes and normalizes a JSON filter array in one step.
func NormalizeJSON(b []byte) (*filter.Group, error) {
	fs, err := ParseJSON(b)
	if err != nil {
		return nil, err
	}
	return filter.NewNormalized(fs)
}

// LoadGroupYAML reads a group definition file.
func LoadGroupYAML(b []byte) (GroupSpec, error) {
	var gs GroupSpec
	if err := yaml.Unmarshal(b, &gs); err != nil {
		return GroupSpec{}, err
	}
	gs.Name = strings.TrimSpace(gs.Name)
	if gs.Name == "" {
		return GroupSpec{}, errors.New("missing group name")
	}
	if len(gs.Filters) == 0 {
		return GroupSpec{}, fmt.Errorf("group %s: %w", gs.Name, filter.ErrEmpty)
	}
	return gs, nil
}

// Group normalizes the group's filters.
func (gs GroupSpec) Group() (*filter.Group, error) {
	fs, err := ToFilters(gs.Filters)
	if err != nil {
		return nil, fmt.Errorf("group %s: %w", gs.Name, err)
	}
	g, err := filter.NewNormalized(fs)
	if err != nil {
		return nil, fmt.Errorf("group %s: %w", gs.Name, err)
	}
	return g, nil
}

// Encode renders a group in canonical raw form with base58 patterns.
func Encode(g *filter.Group) []RawFilter {
	out := make([]RawFilter, 0, g.Len())
	for _, f := range g.Filters() {
		switch v := f.(type) {
		case filter.DataSize:
			n := uint64(v)
			out = append(out, RawFilter{DataSize: &n})
		case filter.Memcmp:
			out = append(out, RawFilter{Memcmp: &RawMemcmp{
				Offset: v.Offset,
				Bytes:  base58.Encode(v.Bytes),
			}})
		}
	}
	return out
}

// MarshalGroupJSON is the canonical JSON form of a group. Equal groups
// marshal to identical bytes.
func MarshalGroupJSON(g *filter.Group) ([]byte, error) {
	return json.Marshal(Encode(g))
}
