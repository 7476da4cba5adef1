// Package consolidate promotes high-intensity interaction records into the
// temporal anchor ledger with an idempotent, failure-isolated sweep.
package consolidate

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"time"

	"go.uber.org/atomic"

	"github.com/rcliao/agent-recall/internal/anchor"
	"github.com/rcliao/agent-recall/internal/logging"
	"github.com/rcliao/agent-recall/internal/model"
	"github.com/rcliao/agent-recall/internal/store"
)

// Source is the Fact Store as seen by the sweep.
type Source interface {
	Scan(ctx context.Context, f model.Filter, opts store.ScanOptions) iter.Seq2[model.Record, error]
	Get(ctx context.Context, id string) (*model.Record, error)
}

// Ledger is the anchor ledger as seen by the sweep.
type Ledger interface {
	Promote(ctx context.Context, rec model.Record, now time.Time) (model.Anchor, bool, error)
	RecordFailure(ctx context.Context, rec model.Record, cause error, maxRetries int, now time.Time) (anchor.SweepState, error)
	SweepState(ctx context.Context, sourceID string) (*anchor.SweepState, error)
	Retries(ctx context.Context) iter.Seq2[anchor.SweepState, error]
	ClearFailure(ctx context.Context, sourceID string) error
	Cursor(ctx context.Context) (time.Time, error)
	SetCursor(ctx context.Context, t time.Time) error
}

// Options configures a Consolidator.
type Options struct {
	// Threshold is the minimum emotional_intensity for promotion.
	Threshold     float64
	MinConfidence float64
	MaxRetries    int
	Interval      time.Duration
	Overlap       time.Duration
	Logger        *slog.Logger
	Clock         func() time.Time
}

// Report summarizes one sweep.
type Report struct {
	Scanned  int `json:"scanned"`
	Promoted int `json:"promoted"`
	// Existing counts records that already had an anchor.
	Existing int       `json:"existing"`
	Skipped  int       `json:"skipped"`
	Failed   int       `json:"failed"`
	Dead     int       `json:"dead"`
	Cursor   time.Time `json:"cursor"`
}

// Consolidator runs anchor sweeps.
type Consolidator struct {
	src    Source
	ledger Ledger
	opts   Options
	logger *slog.Logger

	sweeps   atomic.Int64
	promoted atomic.Int64
	failures atomic.Int64
}

// New creates a Consolidator.
func New(src Source, ledger Ledger, opts Options) *Consolidator {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 1
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Consolidator{src: src, ledger: ledger, opts: opts, logger: logging.Or(opts.Logger)}
}

type outcome int

const (
	outcomePromoted outcome = iota
	outcomeExisting
	outcomeSkipped
	outcomeFailed
	outcomeDead
)

// Sweep scans interaction records written since the last sweep, plus any
// records awaiting a retry. One record's failure never stops the others.
// The returned error is reserved for failures of the sweep itself.
func (c *Consolidator) Sweep(ctx context.Context) (Report, error) {
	now := c.opts.Clock()
	var rep Report

	cursor, err := c.ledger.Cursor(ctx)
	if err != nil {
		return rep, err
	}
	f := model.Filter{InteractionOnly: true}
	if !cursor.IsZero() {
		f.Since = cursor.Add(-c.opts.Overlap)
	}

	seen := map[string]bool{}
	high := cursor
	for rec, err := range c.src.Scan(ctx, f, store.ScanOptions{Order: store.OldestFirst, Now: now, SkipVectors: true}) {
		if err != nil {
			return rep, err
		}
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		seen[rec.ID] = true
		rep.Scanned++
		c.tally(&rep, c.process(ctx, rec, now))
		if rec.CreatedAt.After(high) {
			high = rec.CreatedAt
		}
	}

	for st, err := range c.ledger.Retries(ctx) {
		if err != nil {
			return rep, err
		}
		if seen[st.SourceID] {
			continue
		}
		rec, err := c.src.Get(ctx, st.SourceID)
		if errors.Is(err, model.ErrNotFound) {
			// Erased before it could be promoted.
			if err := c.ledger.ClearFailure(ctx, st.SourceID); err != nil {
				c.logger.Warn("clear sweep state failed", "source_id", st.SourceID, "error", err)
			}
			continue
		}
		if err != nil {
			return rep, err
		}
		rep.Scanned++
		c.tally(&rep, c.process(ctx, *rec, now))
	}

	if high.After(cursor) {
		if err := c.ledger.SetCursor(ctx, high); err != nil {
			return rep, err
		}
	}
	rep.Cursor = high
	c.sweeps.Inc()
	return rep, nil
}

func (c *Consolidator) tally(rep *Report, o outcome) {
	switch o {
	case outcomePromoted:
		rep.Promoted++
		c.promoted.Inc()
	case outcomeExisting:
		rep.Existing++
	case outcomeSkipped:
		rep.Skipped++
	case outcomeFailed:
		rep.Failed++
		c.failures.Inc()
	case outcomeDead:
		rep.Failed++
		rep.Dead++
		c.failures.Inc()
	}
}

// Eligible reports whether rec qualifies for promotion.
func (c *Consolidator) Eligible(rec *model.Record) bool {
	return rec.Interaction() &&
		rec.Intensity() >= c.opts.Threshold &&
		rec.Confidence >= c.opts.MinConfidence
}

func (c *Consolidator) process(ctx context.Context, rec model.Record, now time.Time) outcome {
	if !c.Eligible(&rec) {
		return outcomeSkipped
	}
	logger := c.logger.With("source_id", rec.ID, "user_id", rec.UserID)

	st, err := c.ledger.SweepState(ctx, rec.ID)
	if err != nil {
		logger.Warn("read sweep state failed", "error", err)
	} else if st != nil && st.Status == anchor.SweepDead {
		return outcomeSkipped
	}

	_, created, err := c.ledger.Promote(ctx, rec, now)
	if err == nil {
		if created {
			return outcomePromoted
		}
		return outcomeExisting
	}
	if errors.Is(err, anchor.ErrErased) {
		logger.Debug("source forgotten before promotion")
		return outcomeSkipped
	}

	st2, ferr := c.ledger.RecordFailure(ctx, rec, err, c.opts.MaxRetries, now)
	if ferr != nil {
		logger.Error("record sweep failure failed", "error", ferr, "cause", err)
		return outcomeFailed
	}
	if st2.Status == anchor.SweepDead {
		logger.Error("anchor promotion permanently failed", "attempts", st2.Attempts, "error", err)
		return outcomeDead
	}
	logger.Warn("anchor promotion failed, will retry", "attempts", st2.Attempts, "error", err)
	return outcomeFailed
}

// Run sweeps immediately and then every Interval until ctx is done.
func (c *Consolidator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()
	for {
		rep, err := c.Sweep(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			c.logger.Error("anchor sweep failed", "error", err)
		case rep.Scanned > 0:
			c.logger.Info("anchor sweep", "scanned", rep.Scanned, "promoted", rep.Promoted, "failed", rep.Failed, "dead", rep.Dead)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stats is a snapshot of consolidator counters.
type Stats struct {
	Sweeps   int64 `json:"sweeps"`
	Promoted int64 `json:"promoted"`
	Failures int64 `json:"failures"`
}

// Stats returns the counters.
func (c *Consolidator) Stats() Stats {
	return Stats{
		Sweeps:   c.sweeps.Load(),
		Promoted: c.promoted.Load(),
		Failures: c.failures.Load(),
	}
}
