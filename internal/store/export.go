package store

import (
	"context"
	"errors"

	"github.com/rcliao/agent-recall/internal/model"
)

// ExportUser returns every record of a user, expired ones included, oldest first.
// An empty userID exports all users.
func (s *SQLiteStore) ExportUser(ctx context.Context, userID string) ([]model.Record, error) {
	var out []model.Record
	f := model.Filter{UserID: userID, IncludeExpired: true}
	for rec, err := range s.Scan(ctx, f, ScanOptions{Order: OldestFirst}) {
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Import stores records from an export, keeping their ids.
// Records whose id already exists are skipped.
func (s *SQLiteStore) Import(ctx context.Context, records []model.Record) (int, error) {
	imported := 0
	for _, rec := range records {
		if rec.ID != "" {
			if _, err := s.Get(ctx, rec.ID); err == nil {
				continue
			} else if !errors.Is(err, model.ErrNotFound) {
				return imported, err
			}
		}
		if _, err := s.Put(ctx, rec); err != nil {
			return imported, err
		}
		imported++
	}
	return imported, nil
}
