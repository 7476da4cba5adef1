// Package engine wires the fact store, search, reconstruction, anchor
// consolidation and the background write queue behind one API.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/rcliao/agent-recall/internal/anchor"
	"github.com/rcliao/agent-recall/internal/config"
	"github.com/rcliao/agent-recall/internal/consolidate"
	"github.com/rcliao/agent-recall/internal/embedding"
	"github.com/rcliao/agent-recall/internal/logging"
	"github.com/rcliao/agent-recall/internal/model"
	"github.com/rcliao/agent-recall/internal/queue"
	"github.com/rcliao/agent-recall/internal/reconstruct"
	"github.com/rcliao/agent-recall/internal/search"
	"github.com/rcliao/agent-recall/internal/store"
)

// Options configures Open.
type Options struct {
	Config *config.Config
	// DataDir overrides the configured data directory.
	DataDir string
	// Embedder overrides the configured provider.
	Embedder embedding.Embedder
	// InMemoryLedger keeps anchors in memory. Used by tests.
	InMemoryLedger bool
	// Sweep runs the consolidator loop after Start.
	Sweep  bool
	Logger *slog.Logger
	Clock  func() time.Time
}

// Engine is the memory engine.
type Engine struct {
	cfg     *config.Config
	logger  *slog.Logger
	now     func() time.Time
	sweep   bool
	dataDir string

	store        *store.SQLiteStore
	gateway      *embedding.Gateway
	search       *search.Engine
	recon        *reconstruct.Reconstructor
	ledger       *anchor.Ledger
	queue        *queue.Queue
	consolidator *consolidate.Consolidator

	mu      sync.Mutex
	cancel  context.CancelFunc
	running sync.WaitGroup
	closed  bool
}

// Open opens the stores and builds the engine. Call Start before writing.
func Open(opts Options) (*Engine, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, goerr.Wrap(model.ErrValidation, "invalid config", goerr.V("cause", err.Error()))
	}
	logger := logging.Or(opts.Logger)
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	dataDir := opts.DataDir
	if dataDir == "" {
		dataDir = cfg.ResolveDataDir()
	}

	emb := opts.Embedder
	if emb == nil {
		var err error
		if emb, err = embedding.NewFromConfig(cfg.Embedding); err != nil {
			return nil, err
		}
	}
	if emb == nil {
		logger.Info("no embedding provider configured, searches run in SQL-only mode")
	}

	e := &Engine{cfg: cfg, logger: logger, now: now, sweep: opts.Sweep, dataDir: dataDir}

	var err error
	e.gateway, err = embedding.NewGateway(emb, embedding.GatewayOptions{
		Timeout:   cfg.Embedding.Timeout,
		CacheSize: cfg.Embedding.CacheSize,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	e.store, err = store.NewSQLiteStore(filepath.Join(dataDir, "facts"), store.Options{
		Shards: cfg.Store.Shards,
		Logger: logger,
		Clock:  now,
	})
	if err != nil {
		e.gateway.Close()
		return nil, err
	}

	e.ledger, err = anchor.Open(anchor.Options{
		Dir:      filepath.Join(dataDir, "anchors"),
		InMemory: opts.InMemoryLedger,
		Logger:   logger,
	})
	if err != nil {
		e.store.Close()
		e.gateway.Close()
		return nil, err
	}

	e.search = search.New(e.store, e.gateway, search.Options{
		DefaultK:       cfg.Search.DefaultK,
		CandidateLimit: cfg.Search.CandidateLimit,
		Logger:         logger,
		Clock:          now,
	})
	e.recon = reconstruct.New(e.search, e.ledger, e.store, e.gateway, reconstruct.Options{
		Config: cfg.Reconstruct,
		Logger: logger,
		Clock:  now,
	})
	e.queue = queue.New(e.persist, queue.Options{
		Workers:     cfg.Queue.Workers,
		MaxRetries:  cfg.Queue.MaxRetries,
		BackoffBase: cfg.Queue.BackoffBase,
		BackoffMax:  cfg.Queue.BackoffMax,
		History:     cfg.Queue.History,
		Compensate:  e.compensate,
		Logger:      logger,
		Clock:       now,
	})
	e.consolidator = consolidate.New(e.store, e.ledger, consolidate.Options{
		Threshold:     cfg.Anchor.Threshold,
		MinConfidence: cfg.Anchor.MinConfidence,
		MaxRetries:    cfg.Anchor.MaxRetries,
		Interval:      cfg.Anchor.SweepInterval,
		Overlap:       cfg.Anchor.Overlap,
		Logger:        logger,
		Clock:         now,
	})
	return e, nil
}

// Start launches the queue workers and, when enabled, the anchor sweep loop.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil || e.closed {
		return
	}
	ctx, e.cancel = context.WithCancel(ctx)
	e.queue.Start(ctx)
	if e.sweep {
		e.running.Add(1)
		go func() {
			defer e.running.Done()
			e.consolidator.Run(ctx)
		}()
	}
}

// Close stops background work and closes the stores. Queued writes that
// have not started are dropped.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	cancel := e.cancel
	e.mu.Unlock()

	qerr := e.queue.Close()
	if cancel != nil {
		cancel()
	}
	e.running.Wait()

	var errs []error
	if qerr != nil {
		errs = append(errs, qerr)
	}
	if err := e.ledger.Close(); err != nil {
		errs = append(errs, goerr.Wrap(model.ErrStorage, "close anchor ledger", goerr.V("cause", err.Error())))
	}
	if err := e.store.Close(); err != nil {
		errs = append(errs, err)
	}
	e.gateway.Close()
	return errors.Join(errs...)
}

// persist is the queue handler: embed, then write durably. A gateway
// failure is returned so the queue retries with backoff.
func (e *Engine) persist(ctx context.Context, rec model.Record) error {
	// A previous attempt may have committed before failing to report it.
	if _, err := e.store.Get(ctx, rec.ID); err == nil {
		return nil
	}
	if e.gateway.Available() {
		vec, err := e.gateway.EmbedDocument(ctx, rec.Text)
		if err != nil {
			return err
		}
		rec.Vector = vec
	}
	_, err := e.store.Put(ctx, rec)
	return err
}

// compensate undoes a write that committed after it was forgotten.
func (e *Engine) compensate(ctx context.Context, rec model.Record) error {
	if err := e.store.Delete(ctx, rec.ID); err != nil && !errors.Is(err, model.ErrNotFound) {
		return err
	}
	_, err := e.ledger.Tombstone(ctx, rec.ID, e.now())
	return err
}

// Fact is the input of RememberFact.
type Fact struct {
	UserID   string
	Text     string
	Category model.Category
	// Confidence defaults to store.default_confidence when nil.
	Confidence *float64
	Tags       []string
	Location   string
	Mood       string
	ValidUntil *time.Time
}

// Interaction is a fact derived from a conversational exchange.
type Interaction struct {
	Fact
	Intensity float64
	Valence   model.Valence
}

func (e *Engine) record(f Fact) model.Record {
	conf := e.cfg.Store.DefaultConfidence
	if f.Confidence != nil {
		conf = *f.Confidence
	}
	return model.Record{
		UserID:     strings.TrimSpace(f.UserID),
		Text:       f.Text,
		Category:   f.Category,
		Confidence: conf,
		Tags:       f.Tags,
		Location:   f.Location,
		Mood:       f.Mood,
		CreatedAt:  e.now().UTC(),
		ValidUntil: f.ValidUntil,
	}
}

// RememberFact validates f and enqueues its write. It never waits for the
// write; the outcome is observable through TaskStatus.
func (e *Engine) RememberFact(ctx context.Context, f Fact) (queue.Handle, error) {
	return e.enqueue(ctx, e.record(f))
}

// RememberInteraction is RememberFact for an interaction-derived record,
// which the consolidator may promote to a temporal anchor.
func (e *Engine) RememberInteraction(ctx context.Context, in Interaction) (queue.Handle, error) {
	rec := e.record(in.Fact)
	intensity := in.Intensity
	rec.EmotionalIntensity = &intensity
	rec.Valence = in.Valence
	if rec.Valence == "" {
		rec.Valence = model.ValenceUnknown
	}
	return e.enqueue(ctx, rec)
}

func (e *Engine) enqueue(ctx context.Context, rec model.Record) (queue.Handle, error) {
	if err := rec.Validate(); err != nil {
		return queue.Handle{}, err
	}
	h, err := e.queue.Enqueue(rec)
	if err != nil {
		return queue.Handle{}, err
	}
	logging.From(ctx).Debug("write enqueued", "task_id", h.TaskID, "record_id", h.RecordID, "user_id", h.UserID)
	return h, nil
}

// SearchRequest is the input of SearchMemoryFor.
type SearchRequest struct {
	UserID        string
	Query         string
	Categories    []model.Category
	Tags          []string
	Since         time.Time
	Until         time.Time
	MinConfidence float64
	K             int
}

// SearchMemoryFor runs a hybrid query over one user's records.
func (e *Engine) SearchMemoryFor(ctx context.Context, req SearchRequest) (*search.Response, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return nil, goerr.Wrap(model.ErrValidation, "user_id is required")
	}
	for _, c := range req.Categories {
		if !model.ValidCategories[c] {
			return nil, goerr.Wrap(model.ErrValidation, "unknown category", goerr.V("category", string(c)))
		}
	}
	return e.search.Search(ctx, search.Request{
		Query: req.Query,
		Filter: model.Filter{
			UserID:     req.UserID,
			Categories: req.Categories,
			Tags:       req.Tags,
			Since:      req.Since,
			Until:      req.Until,
		},
		K:             req.K,
		MinConfidence: req.MinConfidence,
	})
}

// ReconstructContext assembles a situational context bundle.
func (e *Engine) ReconstructContext(ctx context.Context, req reconstruct.Request) (*reconstruct.Bundle, error) {
	return e.recon.Reconstruct(ctx, req)
}

// ForgetOutcome says how a forgotten record was removed.
type ForgetOutcome string

const (
	// ForgetCancelled means the write was withdrawn before it ran.
	ForgetCancelled ForgetOutcome = "cancelled"
	// ForgetCompensating means the write is running and will be undone.
	ForgetCompensating ForgetOutcome = "compensating"
	// ForgetDeleted means the durable record was deleted.
	ForgetDeleted ForgetOutcome = "deleted"
)

// ForgetResult reports a Forget call.
type ForgetResult struct {
	RecordID         string        `json:"record_id"`
	Outcome          ForgetOutcome `json:"outcome"`
	AnchorTombstoned bool          `json:"anchor_tombstoned,omitempty"`
}

// Forget erases a record owned by userID, whether it is still queued,
// being written, or durable. Any anchor promoted from it is tombstoned.
// Records of other users are reported as not found.
func (e *Engine) Forget(ctx context.Context, userID, recordID string) (*ForgetResult, error) {
	if strings.TrimSpace(userID) == "" || recordID == "" {
		return nil, goerr.Wrap(model.ErrValidation, "user_id and record_id are required")
	}
	notFound := goerr.Wrap(model.ErrNotFound, "record not found", goerr.V("record_id", recordID), goerr.V("user_id", userID))

	if st, ok := e.queue.StatusByRecord(recordID); ok && st.UserID != userID {
		return nil, notFound
	}
	switch e.queue.Cancel(recordID) {
	case queue.CancelDequeued:
		e.logger.Info("queued write forgotten", "record_id", recordID, "user_id", userID)
		return &ForgetResult{RecordID: recordID, Outcome: ForgetCancelled}, nil
	case queue.CancelInFlight:
		e.logger.Info("in-flight write forgotten", "record_id", recordID, "user_id", userID)
		return &ForgetResult{RecordID: recordID, Outcome: ForgetCompensating}, nil
	}

	rec, err := e.store.Get(ctx, recordID)
	if errors.Is(err, model.ErrNotFound) {
		return nil, notFound
	}
	if err != nil {
		return nil, err
	}
	if rec.UserID != userID {
		return nil, notFound
	}
	if err := e.store.Delete(ctx, recordID); err != nil {
		return nil, err
	}
	tombstoned, err := e.ledger.Tombstone(ctx, recordID, e.now())
	if err != nil {
		return nil, err
	}
	e.logger.Info("record forgotten", "record_id", recordID, "user_id", userID, "anchor_tombstoned", tombstoned)
	return &ForgetResult{RecordID: recordID, Outcome: ForgetDeleted, AnchorTombstoned: tombstoned}, nil
}

// Get returns a durable record owned by userID.
func (e *Engine) Get(ctx context.Context, userID, recordID string) (*model.Record, error) {
	rec, err := e.store.Get(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if rec.UserID != userID {
		return nil, goerr.Wrap(model.ErrNotFound, "record not found", goerr.V("record_id", recordID), goerr.V("user_id", userID))
	}
	return rec, nil
}

// Update patches a durable record owned by userID.
func (e *Engine) Update(ctx context.Context, userID, recordID string, p model.Patch) (*model.Record, error) {
	if _, err := e.Get(ctx, userID, recordID); err != nil {
		return nil, err
	}
	return e.store.Update(ctx, recordID, p)
}

// TaskStatus returns the state of a write task.
func (e *Engine) TaskStatus(taskID string) (queue.Status, error) {
	st, ok := e.queue.Status(taskID)
	if !ok {
		return queue.Status{}, goerr.Wrap(model.ErrNotFound, "task not found", goerr.V("task_id", taskID))
	}
	return st, nil
}

// Wait blocks until the task is terminal.
func (e *Engine) Wait(ctx context.Context, taskID string) (queue.Status, error) {
	return e.queue.Wait(ctx, taskID)
}

// Drain blocks until every accepted write is terminal.
func (e *Engine) Drain(ctx context.Context) error {
	return e.queue.Drain(ctx)
}

// Anchors lists a user's temporal anchors.
func (e *Engine) Anchors(ctx context.Context, userID string, opts anchor.ListOptions) ([]model.Anchor, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, goerr.Wrap(model.ErrValidation, "user_id is required")
	}
	return e.ledger.List(ctx, userID, opts)
}

// Consolidate runs one anchor sweep now.
func (e *Engine) Consolidate(ctx context.Context) (consolidate.Report, error) {
	return e.consolidator.Sweep(ctx)
}

// Export returns every record of a user, oldest first.
func (e *Engine) Export(ctx context.Context, userID string) ([]model.Record, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, goerr.Wrap(model.ErrValidation, "user_id is required")
	}
	return e.store.ExportUser(ctx, userID)
}

// Import writes exported records directly to the store, keeping their ids.
func (e *Engine) Import(ctx context.Context, records []model.Record) (int, error) {
	return e.store.Import(ctx, records)
}

// Stats is a snapshot of every component.
type Stats struct {
	DataDir      string                    `json:"data_dir"`
	Store        *store.Stats              `json:"store"`
	Anchors      anchor.Counts             `json:"anchors"`
	Queue        queue.Stats               `json:"queue"`
	Search       search.Stats              `json:"search"`
	Gateway      embedding.GatewaySnapshot `json:"embedding"`
	Consolidator consolidate.Stats         `json:"consolidator"`
}

// Stats collects component statistics.
func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	ss, err := e.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	counts, err := e.ledger.Counts(ctx)
	if err != nil {
		return nil, err
	}
	return &Stats{
		DataDir:      e.dataDir,
		Store:        ss,
		Anchors:      counts,
		Queue:        e.queue.Stats(),
		Search:       e.search.Stats(),
		Gateway:      e.gateway.Stats(),
		Consolidator: e.consolidator.Stats(),
	}, nil
}
