package server

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/codahale/hdrhistogram"

	"github.com/PhucNguyen204/acctfilter/internal/registry"
	"github.com/PhucNguyen204/acctfilter/internal/store"
	"github.com/PhucNguyen204/acctfilter/pkg/filterspec"
)

const (
	maxBodyBytes = 4 << 20
	// match latencies are tracked in microseconds up to one minute
	maxLatencyUs = int64(time.Minute / time.Microsecond)
)

// SubscriptionStore persists subscriptions across restarts.
type SubscriptionStore interface {
	InsertSubscription(ctx context.Context, r store.Record) error
	DeleteSubscription(ctx context.Context, id uint64) (bool, error)
	ListSubscriptions(ctx context.Context) ([]store.Record, error)
	MaxSubscriptionID(ctx context.Context) (uint64, error)
}

type AppServer struct {
	reg   *registry.Registry
	store SubscriptionStore // nil keeps everything in memory

	latMu   sync.Mutex // histogram is not goroutine-safe
	latency *hdrhistogram.Histogram
}

func NewAppServer(reg *registry.Registry, st SubscriptionStore) *AppServer {
	return &AppServer{
		reg:     reg,
		store:   st,
		latency: hdrhistogram.New(1, maxLatencyUs, 3),
	}
}

// RegisterRoutes wires HTTP handlers.
func (s *AppServer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/v1/stats", s.handleStats)
	mux.HandleFunc("/api/v1/subscriptions", s.handleSubscriptions)
	mux.HandleFunc("/api/v1/match", s.handleMatch)
	mux.HandleFunc("/api/v1/match/batch", s.handleMatchBatch)
}

func (s *AppServer) recordLatency(d time.Duration) {
	us := d.Microseconds()
	us = max(1, min(us, maxLatencyUs))
	s.latMu.Lock()
	_ = s.latency.RecordValue(us)
	s.latMu.Unlock()
}

// ---- Handlers ----

func (s *AppServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

type latencyResp struct {
	Count int64 `json:"count"`
	P50   int64 `json:"p50"`
	P90   int64 `json:"p90"`
	P99   int64 `json:"p99"`
	Max   int64 `json:"max"`
}

func (s *AppServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	eng, err := s.reg.Engine()
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	s.latMu.Lock()
	lat := latencyResp{
		Count: s.latency.TotalCount(),
		P50:   s.latency.ValueAtQuantile(50),
		P90:   s.latency.ValueAtQuantile(90),
		P99:   s.latency.ValueAtQuantile(99),
		Max:   s.latency.Max(),
	}
	s.latMu.Unlock()

	pf := eng.PrefilterStats()
	writeJSON(w, http.StatusOK, map[string]any{
		"subscriptions": s.reg.Len(),
		"unique_groups": s.reg.UniqueGroups(),
		"strategy":      eng.Strategy().String(),
		"engine":        eng.Stats(),
		"prefilter": map[string]any{
			"patterns":     pf.PatternCount,
			"predicates":   pf.PredicateCount,
			"memory_bytes": pf.MemoryUsage,
		},
		"match_latency_us": lat,
	})
}

type subscriptionResp struct {
	ID      uint64                 `json:"id"`
	GroupID uint32                 `json:"group_id"`
	Shared  bool                   `json:"shared,omitempty"`
	Created time.Time              `json:"created"`
	Filters []filterspec.RawFilter `json:"filters"`
}

func toResp(sub registry.Subscription) subscriptionResp {
	return subscriptionResp{
		ID:      sub.ID,
		GroupID: sub.GroupID,
		Created: sub.Created,
		Filters: filterspec.Encode(sub.Group),
	}
}

// handleSubscriptions supports GET (list), POST (create from a JSON filter
// array) and DELETE (?id=N).
func (s *AppServer) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		subs := s.reg.List()
		out := make([]subscriptionResp, 0, len(subs))
		for _, sub := range subs {
			out = append(out, toResp(sub))
		}
		writeJSON(w, http.StatusOK, out)
	case http.MethodPost:
		s.createSubscription(w, r)
	case http.MethodDelete:
		s.deleteSubscription(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *AppServer) createSubscription(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	g, err := s.reg.Normalize(body)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	sub, created := s.reg.Subscribe(g)
	if s.store != nil {
		if err := s.persist(r.Context(), sub); err != nil {
			s.reg.Unsubscribe(sub.ID)
			code := http.StatusInternalServerError
			if errors.Is(err, store.ErrDuplicate) {
				code = http.StatusConflict
			}
			writeErr(w, code, err)
			return
		}
	}
	resp := toResp(sub)
	resp.Shared = !created
	writeJSON(w, http.StatusCreated, resp)
}

func (s *AppServer) persist(ctx context.Context, sub registry.Subscription) error {
	b, err := filterspec.MarshalGroupJSON(sub.Group)
	if err != nil {
		return err
	}
	return s.store.InsertSubscription(ctx, store.Record{
		ID:        sub.ID,
		GroupHash: sub.Group.Hash(),
		Filters:   b,
		CreatedAt: sub.Created,
	})
}

func (s *AppServer) deleteSubscription(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.URL.Query().Get("id"), 10, 64)
	if err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid id: %w", err))
		return
	}
	if _, ok := s.reg.Get(id); !ok {
		writeErr(w, http.StatusNotFound, fmt.Errorf("subscription %d not found", id))
		return
	}
	// the row goes first so a failed delete leaves memory and store in step
	if s.store != nil {
		if _, err := s.store.DeleteSubscription(r.Context(), id); err != nil {
			writeErr(w, http.StatusInternalServerError, err)
			return
		}
	}
	if !s.reg.Unsubscribe(id) {
		writeErr(w, http.StatusNotFound, fmt.Errorf("subscription %d not found", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

type matchReq struct {
	Data     string `json:"data"`
	Encoding string `json:"encoding"`
}

// handleMatch takes the account data either as the raw request body or as
// {"data": "...", "encoding": "base64|base58"}.
func (s *AppServer) handleMatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := readBody(w, r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	data := body
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var req matchReq
		if err := json.Unmarshal(body, &req); err != nil {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
			return
		}
		if req.Encoding == "" {
			req.Encoding = filterspec.EncodingBase64
		}
		data, err = filterspec.DecodeString(req.Data, req.Encoding)
		if err != nil {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
	}

	start := time.Now()
	ids, err := s.reg.Match(r.Context(), data)
	s.recordLatency(time.Since(start))
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	if ids == nil {
		ids = []uint64{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"matches": ids, "count": len(ids), "data_size": len(data)})
}

// handleMatchBatch accepts a JSON object or array of match requests.
func (s *AppServer) handleMatchBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := readBody(w, r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	var reqs []matchReq
	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 && trimmed[0] == '{' {
		var one matchReq
		err = json.Unmarshal(trimmed, &one)
		reqs = []matchReq{one}
	} else {
		err = json.Unmarshal(body, &reqs)
	}
	if err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
		return
	}

	bufs := make([][]byte, len(reqs))
	for i, req := range reqs {
		if req.Encoding == "" {
			req.Encoding = filterspec.EncodingBase64
		}
		if bufs[i], err = filterspec.DecodeString(req.Data, req.Encoding); err != nil {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("item %d: %w", i, err))
			return
		}
	}

	start := time.Now()
	res, err := s.reg.MatchBatch(r.Context(), bufs)
	elapsed := time.Since(start)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	type itemResp struct {
		Index   int      `json:"index"`
		Matches []uint64 `json:"matches"`
	}
	items := make([]itemResp, len(res))
	matched := 0
	for i, ids := range res {
		if ids == nil {
			ids = []uint64{}
		}
		items[i] = itemResp{Index: i, Matches: ids}
		matched += len(ids)
	}
	if len(res) > 0 {
		s.recordLatency(elapsed / time.Duration(len(res)))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"processed":          len(res),
		"matched":            matched,
		"results":            items,
		"processing_time_us": elapsed.Microseconds(),
	})
}

// ---- Helpers ----

// readBody reads at most maxBodyBytes, transparently inflating gzip bodies.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	var rd io.Reader = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if strings.EqualFold(r.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(rd)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer gz.Close()
		rd = io.LimitReader(gz, maxBodyBytes)
	}
	return io.ReadAll(rd)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("writeJSON error: %v", err)
	}
}

func writeErr(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{"error": err.Error()})
}
