// Package search implements hybrid retrieval: structured predicates narrow
// the candidate set in the Fact Store, then cosine similarity ranks it.
package search

import (
	"context"
	"iter"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"go.uber.org/atomic"

	"github.com/rcliao/agent-recall/internal/embedding"
	"github.com/rcliao/agent-recall/internal/logging"
	"github.com/rcliao/agent-recall/internal/model"
	"github.com/rcliao/agent-recall/internal/store"
)

// Mode reports how a response was ranked.
type Mode string

const (
	// ModeSemantic ranks by cosine similarity to the query.
	ModeSemantic Mode = "semantic"
	// ModeRecency ranks by created_at because no query was given.
	ModeRecency Mode = "recency"
	// ModeDegraded ranks by created_at because the embedding gateway failed.
	ModeDegraded Mode = "degraded"
)

const (
	DefaultK              = 10
	DefaultCandidateLimit = 2000
)

// Scanner is the read side of the Fact Store.
type Scanner interface {
	Scan(ctx context.Context, f model.Filter, opts store.ScanOptions) iter.Seq2[model.Record, error]
}

// Request is a hybrid query.
type Request struct {
	// Query is optional. Empty means SQL-only ranking by recency.
	Query  string
	Filter model.Filter
	// K bounds the result count. 0 means the default.
	K int
	// MinConfidence tightens Filter.MinConfidence when higher.
	MinConfidence float64
	// Now is the reference time for expiry checks. Zero means the engine clock.
	Now time.Time
	// Vector is a precomputed embedding of Query. When set the gateway is
	// not called.
	Vector embedding.Vector
}

// Result is one ranked record. Score is the cosine similarity in semantic
// mode and zero otherwise.
type Result struct {
	Record model.Record `json:"record"`
	Score  float64      `json:"score"`
}

// Response is a ranked result set.
type Response struct {
	Results    []Result `json:"results"`
	Mode       Mode     `json:"mode"`
	Candidates int      `json:"candidates"`
	// Degraded carries the gateway failure when Mode is ModeDegraded.
	Degraded string `json:"degraded,omitempty"`
	// QueryVector is the query embedding used in semantic mode.
	QueryVector embedding.Vector `json:"-"`
}

// Stats counts queries by mode.
type Stats struct {
	Queries  int64 `json:"queries"`
	Semantic int64 `json:"semantic"`
	Recency  int64 `json:"recency"`
	Degraded int64 `json:"degraded"`
}

// Options configures an Engine.
type Options struct {
	DefaultK       int
	CandidateLimit int
	Logger         *slog.Logger
	Clock          func() time.Time
}

// Engine executes hybrid queries. It holds no record state.
type Engine struct {
	store   Scanner
	gateway *embedding.Gateway
	opts    Options
	logger  *slog.Logger

	queries  atomic.Int64
	semantic atomic.Int64
	recency  atomic.Int64
	degraded atomic.Int64
}

// New creates a search engine. gateway may be nil, in which case every
// query with text degrades.
func New(s Scanner, gateway *embedding.Gateway, opts Options) *Engine {
	if opts.DefaultK <= 0 {
		opts.DefaultK = DefaultK
	}
	if opts.CandidateLimit <= 0 {
		opts.CandidateLimit = DefaultCandidateLimit
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Engine{
		store:   s,
		gateway: gateway,
		opts:    opts,
		logger:  logging.Or(opts.Logger),
	}
}

// Search runs a query. Zero matches is an empty response, not an error.
// A gateway failure degrades the call to recency ranking.
func (e *Engine) Search(ctx context.Context, req Request) (*Response, error) {
	if req.K < 0 {
		return nil, goerr.Wrap(model.ErrValidation, "k must be positive", goerr.V("k", req.K))
	}
	if req.MinConfidence < 0 || req.MinConfidence > 1 {
		return nil, goerr.Wrap(model.ErrValidation, "min_confidence must be within [0,1]", goerr.V("min_confidence", req.MinConfidence))
	}
	k := req.K
	if k == 0 {
		k = e.opts.DefaultK
	}
	if req.MinConfidence > req.Filter.MinConfidence {
		req.Filter.MinConfidence = req.MinConfidence
	}
	now := req.Now
	if now.IsZero() {
		now = e.opts.Clock()
	}
	e.queries.Inc()

	query := strings.TrimSpace(req.Query)
	if query == "" {
		e.recency.Inc()
		return e.byRecency(ctx, req.Filter, k, now, ModeRecency, "")
	}

	vec := req.Vector
	var err error
	if len(vec) == 0 {
		vec, err = e.embedQuery(ctx, query)
	}
	if err != nil {
		e.degraded.Inc()
		e.logger.Warn("search degraded to recency ranking",
			"user_id", req.Filter.UserID, "error", err)
		return e.byRecency(ctx, req.Filter, k, now, ModeDegraded, err.Error())
	}

	e.semantic.Inc()
	return e.bySimilarity(ctx, req.Filter, vec, k, now)
}

func (e *Engine) embedQuery(ctx context.Context, query string) (embedding.Vector, error) {
	if !e.gateway.Available() {
		return nil, goerr.Wrap(model.ErrGatewayTimeout, "no embedder configured")
	}
	return e.gateway.EmbedQuery(ctx, query)
}

func (e *Engine) byRecency(ctx context.Context, f model.Filter, k int, now time.Time, mode Mode, cause string) (*Response, error) {
	resp := &Response{Mode: mode, Degraded: cause, Results: []Result{}}
	for rec, err := range e.store.Scan(ctx, f, store.ScanOptions{Limit: k, Now: now, SkipVectors: true}) {
		if err != nil {
			return nil, err
		}
		resp.Results = append(resp.Results, Result{Record: rec})
	}
	resp.Candidates = len(resp.Results)
	return resp, nil
}

func (e *Engine) bySimilarity(ctx context.Context, f model.Filter, vec embedding.Vector, k int, now time.Time) (*Response, error) {
	var results []Result
	for rec, err := range e.store.Scan(ctx, f, store.ScanOptions{Limit: e.opts.CandidateLimit, Now: now}) {
		if err != nil {
			return nil, err
		}
		results = append(results, Result{
			Record: rec,
			Score:  embedding.CosineSimilarity(vec, rec.Vector),
		})
	}

	resp := &Response{Mode: ModeSemantic, Candidates: len(results), QueryVector: vec}
	SortResults(results)
	if len(results) > k {
		results = results[:k]
	}
	for i := range results {
		// Callers get text and metadata; vectors stay in the store.
		results[i].Record.Vector = nil
	}
	if results == nil {
		results = []Result{}
	}
	resp.Results = results
	return resp, nil
}

// SortResults orders by score desc, then created_at desc, then id desc so
// equal scores rank deterministically.
func SortResults(rs []Result) {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].Score != rs[j].Score {
			return rs[i].Score > rs[j].Score
		}
		a, b := &rs[i].Record, &rs[j].Record
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
}

// Stats returns a snapshot of the query counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Queries:  e.queries.Load(),
		Semantic: e.semantic.Load(),
		Recency:  e.recency.Load(),
		Degraded: e.degraded.Load(),
	}
}
