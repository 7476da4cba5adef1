package store

import (
	"context"
	"os"
	"path/filepath"
	"sort"
)

// Stats holds database statistics.
type Stats struct {
	DBDir        string          `json:"db_dir"`
	DBSizeBytes  int64           `json:"db_size_bytes"`
	Shards       int             `json:"shards"`
	TotalRecords int             `json:"total_records"`
	Interactions int             `json:"interactions"`
	Expired      int             `json:"expired"`
	Users        int             `json:"users"`
	Categories   []CategoryStats `json:"categories"`
}

// CategoryStats holds per-category counts.
type CategoryStats struct {
	Category string `json:"category"`
	Count    int    `json:"count"`
}

// Stats returns database statistics aggregated across shards.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{DBDir: s.dir, Shards: len(s.shards)}

	if matches, err := filepath.Glob(filepath.Join(s.dir, "facts-*.db*")); err == nil {
		for _, m := range matches {
			if info, err := os.Stat(m); err == nil {
				st.DBSizeBytes += info.Size()
			}
		}
	}

	now := s.now().UnixNano()
	byCategory := map[string]int{}
	for _, db := range s.shards {
		var total, interactions, expired, users int
		err := db.QueryRowContext(ctx, `
			SELECT COUNT(*),
			       COUNT(emotional_intensity),
			       COALESCE(SUM(CASE WHEN valid_until IS NOT NULL AND valid_until <= ? THEN 1 ELSE 0 END), 0),
			       COUNT(DISTINCT user_id)
			FROM records`, now).Scan(&total, &interactions, &expired, &users)
		if err != nil {
			return nil, s.storageErr(err, "stats", "")
		}
		st.TotalRecords += total
		st.Interactions += interactions
		st.Expired += expired
		// Users hash to exactly one shard, so per-shard counts add up.
		st.Users += users

		rows, err := db.QueryContext(ctx, `SELECT category, COUNT(*) FROM records GROUP BY category`)
		if err != nil {
			return nil, s.storageErr(err, "stats", "")
		}
		for rows.Next() {
			var cat string
			var n int
			if err := rows.Scan(&cat, &n); err != nil {
				rows.Close()
				return nil, s.storageErr(err, "stats", "")
			}
			byCategory[cat] += n
		}
		rows.Close()
	}

	for cat, n := range byCategory {
		st.Categories = append(st.Categories, CategoryStats{Category: cat, Count: n})
	}
	sort.Slice(st.Categories, func(i, j int) bool {
		if st.Categories[i].Count != st.Categories[j].Count {
			return st.Categories[i].Count > st.Categories[j].Count
		}
		return st.Categories[i].Category < st.Categories[j].Category
	})
	return st, nil
}
