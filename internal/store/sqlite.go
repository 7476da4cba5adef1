package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"iter"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	_ "modernc.org/sqlite"

	"github.com/rcliao/agent-recall/internal/logging"
	"github.com/rcliao/agent-recall/internal/model"
)

// Options configures NewSQLiteStore.
type Options struct {
	// Shards is the number of SQLite files records are partitioned across.
	// Users hash to a shard, so writes for different users in different
	// shards never contend for the same writer lock.
	Shards int
	Logger *slog.Logger
	// Clock overrides the time source for valid_until checks.
	Clock func() time.Time
}

// SQLiteStore implements Store using sharded SQLite databases.
type SQLiteStore struct {
	dir    string
	shards []*sql.DB
	logger *slog.Logger
	now    func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens or creates the shard databases under dir.
func NewSQLiteStore(dir string, opts Options) (*SQLiteStore, error) {
	if opts.Shards <= 0 {
		opts.Shards = 1
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, goerr.Wrap(err, "create db dir", goerr.V("dir", dir))
	}

	s := &SQLiteStore{dir: dir, logger: logging.Or(opts.Logger), now: opts.Clock}
	for i := 0; i < opts.Shards; i++ {
		path := filepath.Join(dir, fmt.Sprintf("facts-%02d.db", i))
		// synchronous(full) fsyncs the WAL on every commit, so an
		// acknowledged write survives a crash.
		db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=synchronous(full)&_pragma=busy_timeout(5000)")
		if err != nil {
			s.Close()
			return nil, goerr.Wrap(err, "open db", goerr.V("path", path))
		}
		s.shards = append(s.shards, db)
		if err := migrate(db); err != nil {
			s.Close()
			return nil, goerr.Wrap(err, "migrate", goerr.V("path", path))
		}
	}
	return s, nil
}

func migrate(db *sql.DB) error {
	cats := make([]string, len(model.Categories))
	for i, c := range model.Categories {
		cats[i] = "'" + string(c) + "'"
	}

	schema := `
	CREATE TABLE IF NOT EXISTS records (
		id                  TEXT PRIMARY KEY,
		user_id             TEXT NOT NULL,
		text                TEXT NOT NULL,
		vector              BLOB,
		category            TEXT NOT NULL CHECK (category IN (` + strings.Join(cats, ",") + `)),
		confidence          REAL NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
		tags                TEXT,
		location            TEXT,
		mood                TEXT,
		created_at          INTEGER NOT NULL,
		valid_until         INTEGER,
		emotional_intensity REAL,
		valence             TEXT,
		updated_at          INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_records_user_created ON records(user_id, created_at DESC, id DESC);
	CREATE INDEX IF NOT EXISTS idx_records_user_category ON records(user_id, category, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_records_interaction ON records(created_at) WHERE emotional_intensity IS NOT NULL;
	`
	_, err := db.Exec(schema)
	return err
}

// shardFor returns the shard index owning a user's records.
func (s *SQLiteStore) shardFor(userID string) int {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return int(h.Sum32() % uint32(len(s.shards)))
}

func (s *SQLiteStore) storageErr(err error, op, id string) error {
	s.logger.Error("storage failure", "op", op, "id", id, "error", err)
	return goerr.Wrap(model.ErrStorage, op, goerr.V("id", id), goerr.V("cause", err.Error()))
}

func (s *SQLiteStore) Put(ctx context.Context, rec model.Record) (string, error) {
	if rec.ID == "" {
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = s.now()
		}
		rec.ID = model.NewID(rec.CreatedAt)
	}
	if rec.CreatedAt.IsZero() {
		if t, ok := model.IDTime(rec.ID); ok {
			rec.CreatedAt = t
		} else {
			rec.CreatedAt = s.now()
		}
	}
	if err := rec.Validate(); err != nil {
		return "", err
	}

	var tagsJSON *string
	if len(rec.Tags) > 0 {
		b, _ := json.Marshal(rec.Tags)
		t := string(b)
		tagsJSON = &t
	}
	var validUntil *int64
	if rec.ValidUntil != nil {
		n := rec.ValidUntil.UnixNano()
		validUntil = &n
	}
	var valence *string
	if rec.Valence != "" {
		v := string(rec.Valence)
		valence = &v
	}

	db := s.shards[s.shardFor(rec.UserID)]
	_, err := db.ExecContext(ctx,
		`INSERT INTO records (id, user_id, text, vector, category, confidence, tags, location, mood,
		                      created_at, valid_until, emotional_intensity, valence)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, rec.Text, encodeVector(rec.Vector), string(rec.Category), rec.Confidence,
		tagsJSON, nullString(rec.Location), nullString(rec.Mood),
		rec.CreatedAt.UnixNano(), validUntil, rec.EmotionalIntensity, valence)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return "", goerr.Wrap(model.ErrValidation, "duplicate record id", goerr.V("id", rec.ID))
		}
		return "", s.storageErr(err, "insert record", rec.ID)
	}
	return rec.ID, nil
}

const selectColumns = `id, user_id, text, vector, category, confidence, tags, location, mood,
	created_at, valid_until, emotional_intensity, valence`

const selectColumnsNoVector = `id, user_id, text, NULL, category, confidence, tags, location, mood,
	created_at, valid_until, emotional_intensity, valence`

// locate finds the shard holding id.
func (s *SQLiteStore) locate(ctx context.Context, id string) (*sql.DB, *model.Record, error) {
	for _, db := range s.shards {
		row := db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM records WHERE id = ?`, id)
		rec, err := scanRecord(row)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, nil, s.storageErr(err, "get record", id)
		}
		return db, &rec, nil
	}
	return nil, nil, goerr.Wrap(model.ErrNotFound, "record not found", goerr.V("id", id))
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*model.Record, error) {
	_, rec, err := s.locate(ctx, id)
	return rec, err
}

func (s *SQLiteStore) Update(ctx context.Context, id string, p model.Patch) (*model.Record, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	db, cur, err := s.locate(ctx, id)
	if err != nil {
		return nil, err
	}
	next := p.Apply(*cur)
	if err := next.Validate(); err != nil {
		return nil, err
	}

	var tagsJSON *string
	if len(next.Tags) > 0 {
		b, _ := json.Marshal(next.Tags)
		t := string(b)
		tagsJSON = &t
	}
	var validUntil *int64
	if next.ValidUntil != nil {
		n := next.ValidUntil.UnixNano()
		validUntil = &n
	}

	res, err := db.ExecContext(ctx,
		`UPDATE records SET confidence = ?, tags = ?, valid_until = ?, updated_at = ? WHERE id = ?`,
		next.Confidence, tagsJSON, validUntil, s.now().UnixNano(), id)
	if err != nil {
		return nil, s.storageErr(err, "update record", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Deleted between locate and update.
		return nil, goerr.Wrap(model.ErrNotFound, "record not found", goerr.V("id", id))
	}
	return &next, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	for _, db := range s.shards {
		res, err := db.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id)
		if err != nil {
			return s.storageErr(err, "delete record", id)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
	}
	return goerr.Wrap(model.ErrNotFound, "record not found", goerr.V("id", id))
}

// compileFilter turns a Filter into a WHERE clause.
func compileFilter(f model.Filter, now time.Time) (string, []interface{}) {
	where := []string{"1 = 1"}
	var args []interface{}

	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if len(f.Categories) > 0 {
		marks := make([]string, len(f.Categories))
		for i, c := range f.Categories {
			marks[i] = "?"
			args = append(args, string(c))
		}
		where = append(where, "category IN ("+strings.Join(marks, ",")+")")
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since.UnixNano())
	}
	if !f.Until.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, f.Until.UnixNano())
	}
	for _, tag := range f.Tags {
		where = append(where, `tags LIKE ? ESCAPE '\'`)
		args = append(args, "%"+likeEscape(jsonString(tag))+"%")
	}
	if f.MinConfidence > 0 {
		where = append(where, "confidence >= ?")
		args = append(args, f.MinConfidence)
	}
	if f.Location != "" {
		where = append(where, "location = ?")
		args = append(args, f.Location)
	}
	if f.Mood != "" {
		where = append(where, "mood = ?")
		args = append(args, f.Mood)
	}
	if f.InteractionOnly {
		where = append(where, "emotional_intensity IS NOT NULL")
	}
	if !f.IncludeExpired {
		where = append(where, "(valid_until IS NULL OR valid_until > ?)")
		args = append(args, now.UnixNano())
	}
	return strings.Join(where, " AND "), args
}

func (s *SQLiteStore) Scan(ctx context.Context, f model.Filter, opts ScanOptions) iter.Seq2[model.Record, error] {
	now := opts.Now
	if now.IsZero() {
		now = s.now()
	}
	cols := selectColumns
	if opts.SkipVectors {
		cols = selectColumnsNoVector
	}
	order := "created_at DESC, id DESC"
	if opts.Order == OldestFirst {
		order = "created_at ASC, id ASC"
	}
	where, args := compileFilter(f, now)
	query := `SELECT ` + cols + ` FROM records WHERE ` + where + ` ORDER BY ` + order
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}

	if f.UserID != "" {
		return s.scanShard(ctx, s.shards[s.shardFor(f.UserID)], query, args)
	}
	return s.scanAll(ctx, query, args, opts)
}

func (s *SQLiteStore) scanShard(ctx context.Context, db *sql.DB, query string, args []interface{}) iter.Seq2[model.Record, error] {
	return func(yield func(model.Record, error) bool) {
		rows, err := db.QueryContext(ctx, query, args...)
		if err != nil {
			yield(model.Record{}, s.storageErr(err, "scan records", ""))
			return
		}
		defer rows.Close()
		for rows.Next() {
			rec, err := scanRecord(rows)
			if err != nil {
				yield(model.Record{}, s.storageErr(err, "scan row", ""))
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(model.Record{}, s.storageErr(err, "scan records", ""))
		}
	}
}

// scanAll merges a cross-user scan over every shard. Each shard applies
// the same limit, so the merged prefix is exact.
func (s *SQLiteStore) scanAll(ctx context.Context, query string, args []interface{}, opts ScanOptions) iter.Seq2[model.Record, error] {
	return func(yield func(model.Record, error) bool) {
		var all []model.Record
		for _, db := range s.shards {
			for rec, err := range s.scanShard(ctx, db, query, args) {
				if err != nil {
					yield(model.Record{}, err)
					return
				}
				all = append(all, rec)
			}
		}
		sort.Slice(all, func(i, j int) bool {
			if opts.Order == OldestFirst {
				return recordBefore(&all[i], &all[j])
			}
			return recordBefore(&all[j], &all[i])
		})
		if opts.Limit > 0 && len(all) > opts.Limit {
			all = all[:opts.Limit]
		}
		for _, rec := range all {
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// recordBefore orders by created_at then id.
func recordBefore(a, b *model.Record) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (s *SQLiteStore) Close() error {
	var errs []error
	for _, db := range s.shards {
		if err := db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (model.Record, error) {
	var r model.Record
	var vec []byte
	var category string
	var tagsJSON, location, mood, valence sql.NullString
	var createdAt int64
	var validUntil sql.NullInt64
	var intensity sql.NullFloat64

	err := row.Scan(
		&r.ID, &r.UserID, &r.Text, &vec, &category, &r.Confidence, &tagsJSON,
		&location, &mood, &createdAt, &validUntil, &intensity, &valence,
	)
	if err != nil {
		return r, err
	}

	r.Category = model.Category(category)
	r.Vector = decodeVector(vec)
	r.CreatedAt = time.Unix(0, createdAt).UTC()
	r.Location = location.String
	r.Mood = mood.String
	if tagsJSON.Valid {
		if err := json.Unmarshal([]byte(tagsJSON.String), &r.Tags); err != nil {
			return r, fmt.Errorf("decode tags of %s: %w", r.ID, err)
		}
	}
	if validUntil.Valid {
		t := time.Unix(0, validUntil.Int64).UTC()
		r.ValidUntil = &t
	}
	if intensity.Valid {
		f := intensity.Float64
		r.EmotionalIntensity = &f
	}
	if valence.Valid {
		r.Valence = model.Valence(valence.String)
	}
	return r, nil
}

// encodeVector packs a vector as little-endian float32s.
func encodeVector(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	if len(b) < 4 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func likeEscape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
