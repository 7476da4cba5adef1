// Package anchor keeps the append-only ledger of temporal anchors and the
// consolidation sweep bookkeeping, backed by BadgerDB.
package anchor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sort"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/m-mizutani/goerr/v2"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/rcliao/agent-recall/internal/logging"
	"github.com/rcliao/agent-recall/internal/model"
)

// Key layout. Parts are joined with a NUL byte so user ids may contain
// any printable separator.
//
//	a  <anchorID>            -> Anchor
//	u  <userID> <anchorID>   -> (empty)      per-user index
//	s  <sourceID>            -> anchorID     dedupe by source record
//	t  <userID> <topic>      -> anchorID     latest anchor per topic
//	w  <sourceID>            -> SweepState   retry bookkeeping
//	e  <sourceID>            -> erased time  source was forgotten
//	c                        -> cursor time
const sep = 0x00

// ErrErased is returned by Promote for a source record that was forgotten.
var ErrErased = goerr.New("source record erased")

func key(parts ...string) []byte {
	var b bytes.Buffer
	for i, p := range parts {
		if i > 0 {
			b.WriteByte(sep)
		}
		b.WriteString(p)
	}
	return b.Bytes()
}

func prefix(parts ...string) []byte {
	return append(key(parts...), sep)
}

// SweepStatus is the consolidation state of a source record that failed at
// least once.
type SweepStatus string

const (
	SweepPending SweepStatus = "pending"
	SweepDead    SweepStatus = "dead"
)

// SweepState tracks promotion attempts for one source record.
type SweepState struct {
	SourceID  string      `msgpack:"source_id" json:"source_id"`
	UserID    string      `msgpack:"user_id" json:"user_id"`
	Attempts  int         `msgpack:"attempts" json:"attempts"`
	Status    SweepStatus `msgpack:"status" json:"status"`
	LastError string      `msgpack:"last_error,omitempty" json:"last_error,omitempty"`
	UpdatedAt time.Time   `msgpack:"updated_at" json:"updated_at"`
}

// Options configures Open.
type Options struct {
	// Dir holds the badger files. Ignored when InMemory is set.
	Dir      string
	InMemory bool
	Logger   *slog.Logger
}

// Ledger is the anchor store.
type Ledger struct {
	db     *badger.DB
	logger *slog.Logger
}

// Open opens or creates a ledger.
func Open(opts Options) (*Ledger, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, goerr.New("anchor: Dir is required for on-disk mode")
	}
	logger := logging.Or(opts.Logger)

	dbOpts := badger.DefaultOptions(opts.Dir).
		WithLogger(badgerLogger{logger}).
		WithSyncWrites(true)
	if opts.InMemory {
		dbOpts = dbOpts.WithDir("").WithValueDir("").WithInMemory(true)
	}
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, goerr.Wrap(model.ErrStorage, "open anchor ledger", goerr.V("dir", opts.Dir), goerr.V("cause", err.Error()))
	}
	return &Ledger{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) storageErr(err error, op string, vars ...goerr.Option) error {
	l.logger.Error("anchor ledger failure", "op", op, "error", err)
	return goerr.Wrap(model.ErrStorage, op, append(vars, goerr.V("cause", err.Error()))...)
}

// update runs fn in a read-write transaction, retrying on write conflicts
// between concurrent promotions and tombstones.
func (l *Ledger) update(fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		err = l.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func getValue(txn *badger.Txn, k []byte) ([]byte, error) {
	item, err := txn.Get(k)
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func getAnchor(txn *badger.Txn, id string) (*model.Anchor, error) {
	raw, err := getValue(txn, key("a", id))
	if err != nil {
		return nil, err
	}
	var a model.Anchor
	if err := msgpack.Unmarshal(raw, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func putAnchor(txn *badger.Txn, a *model.Anchor) error {
	raw, err := msgpack.Marshal(a)
	if err != nil {
		return err
	}
	return txn.Set(key("a", a.ID), raw)
}

// Promote records an anchor derived from rec. Promotion is idempotent per
// source record: a second call returns the existing anchor with created
// set to false. A newer anchor on the same topic supersedes the previous
// live one; the older anchor is kept and linked, never removed.
func (l *Ledger) Promote(ctx context.Context, rec model.Record, now time.Time) (model.Anchor, bool, error) {
	var out model.Anchor
	created := false

	err := l.update(func(txn *badger.Txn) error {
		created = false
		if id, err := getValue(txn, key("s", rec.ID)); err == nil {
			a, err := getAnchor(txn, string(id))
			if err != nil {
				return err
			}
			out = *a
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if _, err := getValue(txn, key("e", rec.ID)); err == nil {
			return ErrErased
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		a := model.Anchor{
			ID:         model.NewID(now),
			SourceID:   rec.ID,
			UserID:     rec.UserID,
			Topic:      model.AnchorTopic(&rec),
			Text:       rec.Text,
			Intensity:  rec.Intensity(),
			Valence:    rec.Valence,
			CreatedAt:  rec.CreatedAt,
			PromotedAt: now,
		}

		topicKey := key("t", a.UserID, a.Topic)
		if prevID, err := getValue(txn, topicKey); err == nil {
			prev, err := getAnchor(txn, string(prevID))
			if err != nil {
				return err
			}
			switch {
			case prev.Tombstoned:
				if err := txn.Set(topicKey, []byte(a.ID)); err != nil {
					return err
				}
			case prev.CreatedAt.After(a.CreatedAt):
				// Promoted late: the live anchor is already newer.
				a.SupersededBy = prev.ID
			default:
				a.Supersedes = prev.ID
				prev.SupersededBy = a.ID
				if err := putAnchor(txn, prev); err != nil {
					return err
				}
				if err := txn.Set(topicKey, []byte(a.ID)); err != nil {
					return err
				}
			}
		} else if errors.Is(err, badger.ErrKeyNotFound) {
			if err := txn.Set(topicKey, []byte(a.ID)); err != nil {
				return err
			}
		} else {
			return err
		}

		if err := putAnchor(txn, &a); err != nil {
			return err
		}
		if err := txn.Set(key("u", a.UserID, a.ID), nil); err != nil {
			return err
		}
		if err := txn.Set(key("s", a.SourceID), []byte(a.ID)); err != nil {
			return err
		}
		// A successful promotion clears any retry bookkeeping.
		if err := txn.Delete(key("w", a.SourceID)); err != nil {
			return err
		}
		out = a
		created = true
		return nil
	})
	if errors.Is(err, ErrErased) {
		return model.Anchor{}, false, goerr.Wrap(ErrErased, "promote anchor", goerr.V("source_id", rec.ID))
	}
	if err != nil {
		return model.Anchor{}, false, l.storageErr(err, "promote anchor", goerr.V("source_id", rec.ID))
	}
	if created {
		l.logger.Debug("anchor promoted", "anchor_id", out.ID, "source_id", out.SourceID, "topic", out.Topic, "supersedes", out.Supersedes)
	}
	return out, created, nil
}

// Get returns an anchor by id.
func (l *Ledger) Get(ctx context.Context, id string) (*model.Anchor, error) {
	var a *model.Anchor
	err := l.db.View(func(txn *badger.Txn) error {
		var err error
		a, err = getAnchor(txn, id)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, goerr.Wrap(model.ErrNotFound, "anchor not found", goerr.V("id", id))
	}
	if err != nil {
		return nil, l.storageErr(err, "get anchor", goerr.V("id", id))
	}
	return a, nil
}

// BySource returns the anchor promoted from a source record.
func (l *Ledger) BySource(ctx context.Context, sourceID string) (*model.Anchor, error) {
	var a *model.Anchor
	err := l.db.View(func(txn *badger.Txn) error {
		id, err := getValue(txn, key("s", sourceID))
		if err != nil {
			return err
		}
		a, err = getAnchor(txn, string(id))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, goerr.Wrap(model.ErrNotFound, "anchor not found", goerr.V("source_id", sourceID))
	}
	if err != nil {
		return nil, l.storageErr(err, "get anchor by source", goerr.V("source_id", sourceID))
	}
	return a, nil
}

// ListOptions filters List.
type ListOptions struct {
	IncludeSuperseded bool
	IncludeTombstoned bool
	// Limit caps the result. 0 means unbounded.
	Limit int
}

// List returns a user's anchors, newest created_at first.
func (l *Ledger) List(ctx context.Context, userID string, opts ListOptions) ([]model.Anchor, error) {
	var out []model.Anchor
	err := l.db.View(func(txn *badger.Txn) error {
		p := prefix("u", userID)
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.PrefetchValues = false
		iterOpts.Prefix = p
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			id := string(it.Item().Key()[len(p):])
			a, err := getAnchor(txn, id)
			if err != nil {
				return err
			}
			if a.Tombstoned && !opts.IncludeTombstoned {
				continue
			}
			if a.SupersededBy != "" && !opts.IncludeSuperseded {
				continue
			}
			out = append(out, *a)
		}
		return nil
	})
	if err != nil {
		return nil, l.storageErr(err, "list anchors", goerr.V("user_id", userID))
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// Tombstone erases the anchor derived from sourceID: its text is scrubbed
// and it is flagged, but the entry and its supersession links stay.
// The source is marked erased even when no anchor exists yet, so a sweep
// that read it earlier can no longer promote it. Reports whether an
// anchor existed.
func (l *Ledger) Tombstone(ctx context.Context, sourceID string, now time.Time) (bool, error) {
	found := false
	erasedAt, err := msgpack.Marshal(now)
	if err != nil {
		return false, l.storageErr(err, "encode erasure time", goerr.V("source_id", sourceID))
	}
	err = l.update(func(txn *badger.Txn) error {
		found = false
		if err := txn.Delete(key("w", sourceID)); err != nil {
			return err
		}
		if err := txn.Set(key("e", sourceID), erasedAt); err != nil {
			return err
		}
		id, err := getValue(txn, key("s", sourceID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		a, err := getAnchor(txn, string(id))
		if err != nil {
			return err
		}
		found = true
		if a.Tombstoned {
			return nil
		}
		a.Tombstoned = true
		a.Text = ""
		a.ErasedAt = now
		return putAnchor(txn, a)
	})
	if err != nil {
		return false, l.storageErr(err, "tombstone anchor", goerr.V("source_id", sourceID))
	}
	if found {
		l.logger.Info("anchor tombstoned", "source_id", sourceID)
	}
	return found, nil
}

// RecordFailure bumps the attempt count for a source record. Once attempts
// reach maxRetries the record is marked dead and never retried.
func (l *Ledger) RecordFailure(ctx context.Context, rec model.Record, cause error, maxRetries int, now time.Time) (SweepState, error) {
	var st SweepState
	err := l.update(func(txn *badger.Txn) error {
		k := key("w", rec.ID)
		raw, err := getValue(txn, k)
		switch {
		case err == nil:
			if err := msgpack.Unmarshal(raw, &st); err != nil {
				return err
			}
		case errors.Is(err, badger.ErrKeyNotFound):
			st = SweepState{SourceID: rec.ID, UserID: rec.UserID, Status: SweepPending}
		default:
			return err
		}
		st.Attempts++
		st.LastError = cause.Error()
		st.UpdatedAt = now
		if st.Attempts >= maxRetries {
			st.Status = SweepDead
		}
		out, err := msgpack.Marshal(&st)
		if err != nil {
			return err
		}
		return txn.Set(k, out)
	})
	if err != nil {
		return SweepState{}, l.storageErr(err, "record sweep failure", goerr.V("source_id", rec.ID))
	}
	return st, nil
}

// SweepState returns the retry bookkeeping for a source record, if any.
func (l *Ledger) SweepState(ctx context.Context, sourceID string) (*SweepState, error) {
	var st *SweepState
	err := l.db.View(func(txn *badger.Txn) error {
		raw, err := getValue(txn, key("w", sourceID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		st = &SweepState{}
		return msgpack.Unmarshal(raw, st)
	})
	if err != nil {
		return nil, l.storageErr(err, "get sweep state", goerr.V("source_id", sourceID))
	}
	return st, nil
}

// Retries yields the source records still pending after a failure.
func (l *Ledger) Retries(ctx context.Context) iter.Seq2[SweepState, error] {
	return func(yield func(SweepState, error) bool) {
		var pending []SweepState
		err := l.db.View(func(txn *badger.Txn) error {
			p := prefix("w")
			iterOpts := badger.DefaultIteratorOptions
			iterOpts.Prefix = p
			it := txn.NewIterator(iterOpts)
			defer it.Close()
			for it.Seek(p); it.ValidForPrefix(p); it.Next() {
				raw, err := it.Item().ValueCopy(nil)
				if err != nil {
					return err
				}
				var st SweepState
				if err := msgpack.Unmarshal(raw, &st); err != nil {
					return err
				}
				if st.Status == SweepPending {
					pending = append(pending, st)
				}
			}
			return nil
		})
		if err != nil {
			yield(SweepState{}, l.storageErr(err, "list sweep retries"))
			return
		}
		for _, st := range pending {
			if !yield(st, nil) {
				return
			}
		}
	}
}

// ClearFailure drops retry bookkeeping for a source record, e.g. when the
// record no longer exists.
func (l *Ledger) ClearFailure(ctx context.Context, sourceID string) error {
	err := l.update(func(txn *badger.Txn) error {
		return txn.Delete(key("w", sourceID))
	})
	if err != nil {
		return l.storageErr(err, "clear sweep state", goerr.V("source_id", sourceID))
	}
	return nil
}

// Cursor returns the created_at high-water mark of the last sweep.
func (l *Ledger) Cursor(ctx context.Context) (time.Time, error) {
	var t time.Time
	err := l.db.View(func(txn *badger.Txn) error {
		raw, err := getValue(txn, key("c"))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return msgpack.Unmarshal(raw, &t)
	})
	if err != nil {
		return time.Time{}, l.storageErr(err, "get sweep cursor")
	}
	return t, nil
}

// SetCursor stores the sweep high-water mark.
func (l *Ledger) SetCursor(ctx context.Context, t time.Time) error {
	raw, err := msgpack.Marshal(t)
	if err != nil {
		return goerr.Wrap(err, "encode cursor")
	}
	err = l.update(func(txn *badger.Txn) error {
		return txn.Set(key("c"), raw)
	})
	if err != nil {
		return l.storageErr(err, "set sweep cursor")
	}
	return nil
}

// Counts summarizes the ledger.
type Counts struct {
	Anchors    int `json:"anchors"`
	Live       int `json:"live"`
	Superseded int `json:"superseded"`
	Tombstoned int `json:"tombstoned"`
	Pending    int `json:"pending_retries"`
	Dead       int `json:"dead"`
	Erased     int `json:"erased_sources"`
}

// Counts walks the ledger and tallies anchors and sweep states.
func (l *Ledger) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := l.db.View(func(txn *badger.Txn) error {
		ap := prefix("a")
		it := txn.NewIterator(badger.IteratorOptions{Prefix: ap, PrefetchValues: true, PrefetchSize: 100})
		for it.Seek(ap); it.ValidForPrefix(ap); it.Next() {
			raw, err := it.Item().ValueCopy(nil)
			if err != nil {
				it.Close()
				return err
			}
			var a model.Anchor
			if err := msgpack.Unmarshal(raw, &a); err != nil {
				it.Close()
				return err
			}
			c.Anchors++
			switch {
			case a.Tombstoned:
				c.Tombstoned++
			case a.SupersededBy != "":
				c.Superseded++
			default:
				c.Live++
			}
		}
		it.Close()

		ep := prefix("e")
		it = txn.NewIterator(badger.IteratorOptions{Prefix: ep})
		for it.Seek(ep); it.ValidForPrefix(ep); it.Next() {
			c.Erased++
		}
		it.Close()

		wp := prefix("w")
		it = txn.NewIterator(badger.IteratorOptions{Prefix: wp, PrefetchValues: true, PrefetchSize: 100})
		defer it.Close()
		for it.Seek(wp); it.ValidForPrefix(wp); it.Next() {
			raw, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var st SweepState
			if err := msgpack.Unmarshal(raw, &st); err != nil {
				return err
			}
			if st.Status == SweepDead {
				c.Dead++
			} else {
				c.Pending++
			}
		}
		return nil
	})
	if err != nil {
		return Counts{}, l.storageErr(err, "count anchors")
	}
	return c, nil
}

// badgerLogger routes badger's internal logging to slog, dropping
// info and debug chatter.
type badgerLogger struct{ l *slog.Logger }

func (b badgerLogger) Errorf(f string, v ...interface{})   { b.l.Error("badger: " + fmt.Sprintf(f, v...)) }
func (b badgerLogger) Warningf(f string, v ...interface{}) { b.l.Warn("badger: " + fmt.Sprintf(f, v...)) }
func (badgerLogger) Infof(string, ...interface{})          {}
func (badgerLogger) Debugf(string, ...interface{})         {}
