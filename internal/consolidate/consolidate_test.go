package consolidate

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rcliao/agent-recall/internal/anchor"
	"github.com/rcliao/agent-recall/internal/logging"
	"github.com/rcliao/agent-recall/internal/model"
	"github.com/rcliao/agent-recall/internal/store"
)

var now = time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)

// flakyLedger fails Promote for selected source ids.
type flakyLedger struct {
	*anchor.Ledger
	mu   sync.Mutex
	fail map[string]bool
	hits map[string]int
}

func (f *flakyLedger) Promote(ctx context.Context, rec model.Record, at time.Time) (model.Anchor, bool, error) {
	f.mu.Lock()
	f.hits[rec.ID]++
	fail := f.fail[rec.ID]
	f.mu.Unlock()
	if fail {
		return model.Anchor{}, false, errors.New("ledger write failed")
	}
	return f.Ledger.Promote(ctx, rec, at)
}

func (f *flakyLedger) setFail(id string, fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[id] = fail
}

func (f *flakyLedger) attempts(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[id]
}

type fixture struct {
	store  *store.SQLiteStore
	ledger *flakyLedger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "db"), store.Options{
		Shards: 2,
		Logger: logging.Discard(),
		Clock:  func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	l, err := anchor.Open(anchor.Options{InMemory: true, Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return &fixture{store: s, ledger: &flakyLedger{Ledger: l, fail: map[string]bool{}, hits: map[string]int{}}}
}

func (f *fixture) consolidator(opts Options) *Consolidator {
	if opts.Threshold == 0 {
		opts.Threshold = 0.70
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	opts.Logger = logging.Discard()
	opts.Clock = func() time.Time { return now }
	return New(f.store, f.ledger, opts)
}

func (f *fixture) interaction(t *testing.T, user, text string, intensity float64, age time.Duration) string {
	t.Helper()
	id, err := f.store.Put(context.Background(), model.Record{
		UserID:             user,
		Text:               text,
		Category:           model.CategoryEvent,
		Confidence:         0.8,
		CreatedAt:          now.Add(-age),
		EmotionalIntensity: &intensity,
		Valence:            model.ValenceMixed,
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	return id
}

func (f *fixture) anchors(t *testing.T, user string) []model.Anchor {
	t.Helper()
	as, err := f.ledger.List(context.Background(), user, anchor.ListOptions{IncludeSuperseded: true, IncludeTombstoned: true})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	return as
}

func TestSweepPromotesAboveThreshold(t *testing.T) {
	f := newFixture(t)
	strong := f.interaction(t, "u1", "got the job", 0.90, 2*time.Hour)
	f.interaction(t, "u1", "had lunch", 0.30, time.Hour)
	f.store.Put(context.Background(), model.Record{UserID: "u1", Text: "plain fact", Category: model.CategoryIdentity, Confidence: 0.9})

	c := f.consolidator(Options{})
	rep, err := c.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if rep.Scanned != 2 || rep.Promoted != 1 || rep.Skipped != 1 {
		t.Errorf("report = %+v", rep)
	}
	as := f.anchors(t, "u1")
	if len(as) != 1 || as[0].SourceID != strong {
		t.Errorf("anchors = %+v", as)
	}
}

func TestSweepIdempotent(t *testing.T) {
	f := newFixture(t)
	f.interaction(t, "u1", "a", 0.9, 3*time.Hour)
	f.interaction(t, "u1", "b", 0.8, 2*time.Hour)
	f.interaction(t, "u2", "c", 0.75, time.Hour)

	c := f.consolidator(Options{Overlap: 24 * time.Hour})
	first, err := c.Sweep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if first.Promoted != 3 {
		t.Fatalf("first sweep = %+v", first)
	}
	before := append(f.anchors(t, "u1"), f.anchors(t, "u2")...)

	second, err := c.Sweep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if second.Promoted != 0 || second.Existing != 3 {
		t.Errorf("second sweep = %+v", second)
	}

	// A fresh consolidator over the same ledger behaves the same.
	third, _ := f.consolidator(Options{Overlap: 24 * time.Hour}).Sweep(context.Background())
	if third.Promoted != 0 {
		t.Errorf("third sweep = %+v", third)
	}

	after := append(f.anchors(t, "u1"), f.anchors(t, "u2")...)
	if len(after) != len(before) {
		t.Fatalf("anchor count changed: %d -> %d", len(before), len(after))
	}
	for i := range before {
		if before[i].ID != after[i].ID {
			t.Errorf("anchor %d changed: %s -> %s", i, before[i].ID, after[i].ID)
		}
	}
}

func TestSweepThresholdConfigurable(t *testing.T) {
	f := newFixture(t)
	f.interaction(t, "u", "x", 0.90, time.Hour)

	rep, _ := f.consolidator(Options{Threshold: 0.95}).Sweep(context.Background())
	if rep.Promoted != 0 || rep.Skipped != 1 {
		t.Errorf("report = %+v", rep)
	}
}

func TestSweepIsolatesFailures(t *testing.T) {
	f := newFixture(t)
	bad := f.interaction(t, "u", "bad", 0.9, 3*time.Hour)
	f.interaction(t, "u", "good one", 0.9, 2*time.Hour)
	f.interaction(t, "v", "good two", 0.9, time.Hour)
	f.ledger.setFail(bad, true)

	rep, err := f.consolidator(Options{}).Sweep(context.Background())
	if err != nil {
		t.Fatalf("per-record failure must not fail the sweep: %v", err)
	}
	if rep.Promoted != 2 || rep.Failed != 1 || rep.Dead != 0 {
		t.Errorf("report = %+v", rep)
	}
	st, _ := f.ledger.SweepState(context.Background(), bad)
	if st == nil || st.Attempts != 1 || st.Status != anchor.SweepPending {
		t.Errorf("sweep state = %+v", st)
	}
}

func TestSweepRetriesThenDead(t *testing.T) {
	f := newFixture(t)
	bad := f.interaction(t, "u", "bad", 0.9, 2*time.Hour)
	f.interaction(t, "u", "newer", 0.9, time.Hour)
	f.ledger.setFail(bad, true)

	c := f.consolidator(Options{MaxRetries: 3})
	var last Report
	for i := 0; i < 5; i++ {
		rep, err := c.Sweep(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if i == 2 {
			last = rep
		}
	}
	if last.Dead != 1 {
		t.Errorf("third sweep should mark the record dead: %+v", last)
	}
	if got := f.ledger.attempts(bad); got != 3 {
		t.Errorf("promotion attempted %d times, want 3", got)
	}
	st, _ := f.ledger.SweepState(context.Background(), bad)
	if st == nil || st.Status != anchor.SweepDead {
		t.Errorf("sweep state = %+v", st)
	}
}

func TestSweepRetryOutsideWindow(t *testing.T) {
	f := newFixture(t)
	flaky := f.interaction(t, "u", "flaky", 0.9, 2*time.Hour)
	f.interaction(t, "u", "newer", 0.9, time.Hour)
	f.ledger.setFail(flaky, true)

	c := f.consolidator(Options{Overlap: 0})
	c.Sweep(context.Background())
	f.ledger.setFail(flaky, false)

	rep, err := c.Sweep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.Promoted != 1 {
		t.Errorf("retry should promote the record: %+v", rep)
	}
	if _, err := f.ledger.BySource(context.Background(), flaky); err != nil {
		t.Errorf("anchor missing after retry: %v", err)
	}
	st, _ := f.ledger.SweepState(context.Background(), flaky)
	if st != nil {
		t.Errorf("sweep state should be cleared, got %+v", st)
	}
}

func TestSweepDropsErasedRetries(t *testing.T) {
	f := newFixture(t)
	flaky := f.interaction(t, "u", "flaky", 0.9, 2*time.Hour)
	f.interaction(t, "u", "newer", 0.9, time.Hour)
	f.ledger.setFail(flaky, true)

	c := f.consolidator(Options{Overlap: 0})
	c.Sweep(context.Background())
	if err := f.store.Delete(context.Background(), flaky); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Sweep(context.Background()); err != nil {
		t.Fatal(err)
	}
	st, _ := f.ledger.SweepState(context.Background(), flaky)
	if st != nil {
		t.Errorf("erased record still pending: %+v", st)
	}
}

func TestSweepSkipsForgottenSource(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// Forgotten after the record was read but before promotion: the ledger
	// already holds the erasure while the row is still visible.
	id := f.interaction(t, "u", "secret", 0.9, time.Hour)
	if _, err := f.ledger.Tombstone(ctx, id, now); err != nil {
		t.Fatal(err)
	}

	rep, err := f.consolidator(Options{}).Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Promoted != 0 || rep.Skipped != 1 || rep.Failed != 0 {
		t.Errorf("report = %+v", rep)
	}
	if as := f.anchors(t, "u"); len(as) != 0 {
		t.Errorf("forgotten source promoted: %+v", as)
	}
	if st, _ := f.ledger.SweepState(ctx, id); st != nil {
		t.Errorf("erasure recorded as a failure: %+v", st)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	f.interaction(t, "u", "x", 0.9, time.Hour)
	c := f.consolidator(Options{Interval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for c.Stats().Sweeps < 2 {
		if time.Now().After(deadline) {
			t.Fatal("run never swept twice")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}
	if c.Stats().Promoted != 1 {
		t.Errorf("promoted = %d", c.Stats().Promoted)
	}
}
