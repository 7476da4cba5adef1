// Package store provides the Fact Store: durable, user-partitioned storage
// of memory records with predicate scans evaluated before vector work.
package store

import (
	"context"
	"iter"
	"time"

	"github.com/rcliao/agent-recall/internal/model"
)

// Order selects the created_at ordering of a scan.
type Order int

const (
	// NewestFirst orders by created_at DESC, id DESC.
	NewestFirst Order = iota
	// OldestFirst orders by created_at ASC, id ASC.
	OldestFirst
)

// ScanOptions controls ordering and size of a scan.
type ScanOptions struct {
	Order Order
	// Limit caps the number of records. 0 means unbounded.
	Limit int
	// SkipVectors avoids loading vector blobs for recency-only reads.
	SkipVectors bool
	// Now is the reference time for valid_until checks. Zero means wall clock.
	Now time.Time
}

// Store defines the Fact Store contract.
type Store interface {
	// Put validates and durably stores a record, returning its id.
	// Records without an id get a fresh ULID.
	Put(ctx context.Context, rec model.Record) (string, error)

	// Get returns a record by id or model.ErrNotFound.
	Get(ctx context.Context, id string) (*model.Record, error)

	// Update applies a patch to the mutable fields of a record.
	Update(ctx context.Context, id string, p model.Patch) (*model.Record, error)

	// Delete physically removes a record. Returns model.ErrNotFound if absent.
	Delete(ctx context.Context, id string) error

	// Scan lazily yields records matching the filter.
	Scan(ctx context.Context, f model.Filter, opts ScanOptions) iter.Seq2[model.Record, error]

	// Close closes the store.
	Close() error
}
