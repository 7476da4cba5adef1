package embedding

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/m-mizutani/goerr/v2"
	"go.uber.org/atomic"

	"github.com/rcliao/agent-recall/internal/logging"
	"github.com/rcliao/agent-recall/internal/model"
)

// GatewayStats counts gateway outcomes.
type GatewayStats struct {
	Calls     atomic.Int64
	Failures  atomic.Int64
	Timeouts  atomic.Int64
	CacheHits atomic.Int64
}

// GatewaySnapshot is a point-in-time copy of GatewayStats.
type GatewaySnapshot struct {
	Calls     int64 `json:"calls"`
	Failures  int64 `json:"failures"`
	Timeouts  int64 `json:"timeouts"`
	CacheHits int64 `json:"cache_hits"`
}

// Gateway is the engine's only path to the embedding model. Every call is
// bounded by a timeout, and every failure is reported as
// model.ErrGatewayTimeout so callers can degrade or retry.
type Gateway struct {
	embedder Embedder
	timeout  time.Duration
	cache    *ristretto.Cache
	logger   *slog.Logger
	stats    GatewayStats
}

// GatewayOptions configures NewGateway.
type GatewayOptions struct {
	Timeout   time.Duration
	CacheSize int64 // max cached query vectors; 0 disables the cache
	Logger    *slog.Logger
}

// NewGateway wraps e. A nil embedder yields a gateway that is always unavailable.
func NewGateway(e Embedder, opts GatewayOptions) (*Gateway, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = time.Second
	}
	g := &Gateway{
		embedder: e,
		timeout:  opts.Timeout,
		logger:   logging.Or(opts.Logger),
	}
	if opts.CacheSize > 0 && e != nil {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: opts.CacheSize * 10,
			MaxCost:     opts.CacheSize,
			BufferItems: 64,
		})
		if err != nil {
			return nil, goerr.Wrap(err, "create embedding cache")
		}
		g.cache = cache
	}
	return g, nil
}

// Available reports whether an embedder is configured.
func (g *Gateway) Available() bool {
	return g != nil && g.embedder != nil
}

// Dims returns the embedder dimension, or 0 when unavailable.
func (g *Gateway) Dims() int {
	if !g.Available() {
		return 0
	}
	return g.embedder.Dims()
}

// EmbedQuery embeds search text, serving repeats from the cache.
func (g *Gateway) EmbedQuery(ctx context.Context, text string) (Vector, error) {
	if g.cache != nil {
		if v, ok := g.cache.Get(text); ok {
			g.stats.CacheHits.Inc()
			return v.(Vector), nil
		}
	}
	vec, err := g.embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if g.cache != nil {
		g.cache.Set(text, vec, 1)
	}
	return vec, nil
}

// EmbedDocument embeds record text for storage. Documents are not cached.
func (g *Gateway) EmbedDocument(ctx context.Context, text string) (Vector, error) {
	return g.embed(ctx, text)
}

func (g *Gateway) embed(ctx context.Context, text string) (Vector, error) {
	if !g.Available() {
		return nil, goerr.Wrap(model.ErrGatewayTimeout, "no embedder configured")
	}
	g.stats.Calls.Inc()

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	vec, err := g.embedder.Embed(ctx, text)
	if err == nil && len(vec) == 0 {
		err = errors.New("empty embedding")
	}
	if err == nil && g.embedder.Dims() > 0 && len(vec) != g.embedder.Dims() {
		err = goerr.New("embedding dimension mismatch", goerr.V("want", g.embedder.Dims()), goerr.V("got", len(vec)))
	}
	if err != nil {
		g.stats.Failures.Inc()
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			g.stats.Timeouts.Inc()
		}
		return nil, goerr.Wrap(model.ErrGatewayTimeout, "embedding call failed",
			goerr.V("timeout", g.timeout), goerr.V("cause", err.Error()))
	}
	return vec, nil
}

// Stats returns a snapshot of the gateway counters.
func (g *Gateway) Stats() GatewaySnapshot {
	return GatewaySnapshot{
		Calls:     g.stats.Calls.Load(),
		Failures:  g.stats.Failures.Load(),
		Timeouts:  g.stats.Timeouts.Load(),
		CacheHits: g.stats.CacheHits.Load(),
	}
}

// Close releases the cache.
func (g *Gateway) Close() {
	if g.cache != nil {
		g.cache.Close()
	}
}
