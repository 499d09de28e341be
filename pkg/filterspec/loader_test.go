package filterspec

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/PhucNguyen204/acctfilter/pkg/filter"
)

func TestParseJSONVariants(t *testing.T) {
	in := `[
		{"dataSize": 5},
		{"memcmp": {"offset": 0, "bytes": "5T"}},
		{"memcmp": {"offset": 2, "bytes": "AQID", "encoding": "base64"}},
		{"memcmp": {"offset": 7, "bytes": [9, 8]}}
	]`
	fs, err := ParseJSON([]byte(in))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(fs) != 4 {
		t.Fatalf("len = %d, want 4", len(fs))
	}
	if fs[0] != filter.DataSize(5) {
		t.Fatalf("fs[0] = %#v", fs[0])
	}
	want := []filter.Memcmp{
		{Offset: 0, Bytes: []byte{1, 2}},
		{Offset: 2, Bytes: []byte{1, 2, 3}},
		{Offset: 7, Bytes: []byte{9, 8}},
	}
	for i, w := range want {
		got, ok := fs[i+1].(filter.Memcmp)
		if !ok {
			t.Fatalf("fs[%d] is %T", i+1, fs[i+1])
		}
		if filter.CompareMemcmp(got, w) != 0 {
			t.Fatalf("fs[%d] = %+v, want %+v", i+1, got, w)
		}
	}
}

func TestParseJSONErrors(t *testing.T) {
	long := "[" + strings.Repeat("1,", filter.MaxMemcmpBytes) + "1]"
	cases := []struct {
		in   string
		want error
	}{
		{`[{}]`, ErrInvalidFilter},
		{`[{"dataSize": 1, "memcmp": {"offset": 0, "bytes": "5T"}}]`, ErrInvalidFilter},
		{`[{"memcmp": {"offset": 0, "bytes": "0OIl"}}]`, ErrInvalidFilter},
		{`[{"memcmp": {"offset": 0, "bytes": "!!", "encoding": "base64"}}]`, ErrInvalidFilter},
		{`[{"memcmp": {"offset": 0, "bytes": "5T", "encoding": "hex"}}]`, ErrInvalidFilter},
		{`[{"memcmp": {"offset": 0, "bytes": [1], "encoding": "base58"}}]`, ErrInvalidFilter},
		{`[{"memcmp": {"offset": 0, "bytes": [256]}}]`, ErrInvalidFilter},
		{`[{"memcmp": {"offset": 0, "bytes": [1.5]}}]`, ErrInvalidFilter},
		{`[{"memcmp": {"offset": 0, "bytes": {"a": 1}}}]`, ErrInvalidFilter},
		{`{"dataSize": 1}`, ErrInvalidFilter},
		{`[{"memcmp": {"offset": 0, "bytes": ` + long + `}}]`, ErrPatternTooLong},
	}
	for _, c := range cases {
		if _, err := ParseJSON([]byte(c.in)); !errors.Is(err, c.want) {
			t.Fatalf("%s: err = %v, want %v", c.in, err, c.want)
		}
	}
}

func TestNormalizeJSON(t *testing.T) {
	g, err := NormalizeJSON([]byte(`[{"memcmp":{"offset":0,"bytes":"5T"}},{"dataSize":5}]`))
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if !g.Matches([]byte{1, 2, 0, 0, 0}) || g.Matches([]byte{1, 2, 0, 0}) {
		t.Fatalf("unexpected match result for %v", g)
	}

	_, err = NormalizeJSON([]byte(`[{"dataSize":5},{"dataSize":6}]`))
	if !errors.Is(err, filter.ErrDuplicateDataSize) {
		t.Fatalf("err = %v, want duplicate data size", err)
	}
	_, err = NormalizeJSON([]byte(`[{"memcmp":{"offset":0,"bytes":""}}]`))
	if !errors.Is(err, filter.ErrEmpty) {
		t.Fatalf("err = %v, want empty", err)
	}
	_, err = NormalizeJSON([]byte(`[]`))
	if !errors.Is(err, filter.ErrEmpty) {
		t.Fatalf("err = %v, want empty", err)
	}
}

func TestParseYAML(t *testing.T) {
	in := `
- dataSize: 165
- memcmp:
    offset: 32
    bytes: [1, 2]
- memcmp:
    offset: 0
    bytes: "15T"
`
	fs, err := ParseYAML([]byte(in))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	g, err := filter.NewNormalized(fs)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if got, want := g.String(), "{dataSize=165 memcmp@0=000102 memcmp@32=0102}"; got != want {
		t.Fatalf("group = %s, want %s", got, want)
	}
}

func TestLoadGroupYAML(t *testing.T) {
	in := `
name: token-accounts
description: SPL token accounts owned by one mint
filters:
  - dataSize: 165
  - memcmp: {offset: 0, bytes: "7YXq9G"}
`
	gs, err := LoadGroupYAML([]byte(in))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if gs.Name != "token-accounts" || len(gs.Filters) != 2 {
		t.Fatalf("unexpected spec %+v", gs)
	}
	g, err := gs.Group()
	if err != nil {
		t.Fatalf("group: %v", err)
	}
	data := make([]byte, 165)
	copy(data, []byte{0xff, 0xff, 0xff, 0xff})
	if !g.Matches(data) {
		t.Fatalf("group %v should match", g)
	}

	if _, err := LoadGroupYAML([]byte("filters: [{dataSize: 1}]")); err == nil {
		t.Fatalf("missing name should fail")
	}
	if _, err := LoadGroupYAML([]byte("name: x")); !errors.Is(err, filter.ErrEmpty) {
		t.Fatalf("no filters: err = %v", err)
	}
	bad := GroupSpec{Name: "bad", Filters: []RawFilter{{}}}
	if _, err := bad.Group(); !errors.Is(err, ErrInvalidFilter) {
		t.Fatalf("bad filter: err = %v", err)
	}
}

func TestMarshalGroupJSONCanonical(t *testing.T) {
	a, err := NormalizeJSON([]byte(`[{"memcmp":{"offset":4,"bytes":[1,2]}},{"dataSize":9},{"memcmp":{"offset":0,"bytes":"AQID","encoding":"base64"}}]`))
	if err != nil {
		t.Fatalf("a: %v", err)
	}
	b, err := NormalizeJSON([]byte(`[{"memcmp":{"offset":0,"bytes":[1,2,3]}},{"memcmp":{"offset":4,"bytes":"5T"}},{"dataSize":9},{"dataSize":9}]`))
	if err != nil {
		t.Fatalf("b: %v", err)
	}
	ja, err := MarshalGroupJSON(a)
	if err != nil {
		t.Fatalf("marshal a: %v", err)
	}
	jb, err := MarshalGroupJSON(b)
	if err != nil {
		t.Fatalf("marshal b: %v", err)
	}
	if string(ja) != string(jb) {
		t.Fatalf("canonical json differs:\n%s\n%s", ja, jb)
	}
	want := `[{"dataSize":9},{"memcmp":{"offset":0,"bytes":"Ldp"}},{"memcmp":{"offset":4,"bytes":"5T"}}]`
	if string(ja) != want {
		t.Fatalf("json = %s, want %s", ja, want)
	}

	back, err := NormalizeJSON(ja)
	if err != nil {
		t.Fatalf("re-parse: %v", err)
	}
	if !back.Equal(a) {
		t.Fatalf("re-parsed group differs: %v vs %v", back, a)
	}
}

func TestDecodeString(t *testing.T) {
	b, err := DecodeString("Ldp", "")
	if err != nil || !bytes.Equal(b, []byte{1, 2, 3}) {
		t.Fatalf("base58 default: %v %v", b, err)
	}
	b, err = DecodeString("AQID", "BASE64")
	if err != nil || !bytes.Equal(b, []byte{1, 2, 3}) {
		t.Fatalf("base64: %v %v", b, err)
	}
	if _, err := DecodeString("0OIl", EncodingBase58); !errors.Is(err, ErrInvalidFilter) {
		t.Fatalf("malformed base58 should fail, got %v", err)
	}
	if _, err := DecodeString("AQID", "hex"); !errors.Is(err, ErrInvalidFilter) {
		t.Fatalf("unknown encoding should fail, got %v", err)
	}
}
