package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rcliao/agent-recall/internal/logging"
	"github.com/rcliao/agent-recall/internal/model"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	s, err := NewSQLiteStore(filepath.Join(dir, "db"), Options{
		Shards: 3,
		Logger: logging.Discard(),
		Clock:  func() time.Time { return baseTime },
	})
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func fact(user, text string, cat model.Category, age time.Duration) model.Record {
	return model.Record{
		UserID:     user,
		Text:       text,
		Category:   cat,
		Confidence: 0.8,
		CreatedAt:  baseTime.Add(-age),
	}
}

func collect(t *testing.T, s *SQLiteStore, f model.Filter, opts ScanOptions) []model.Record {
	t.Helper()
	var out []model.Record
	for rec, err := range s.Scan(context.Background(), f, opts) {
		if err != nil {
			t.Fatalf("scan: %v", err)
		}
		out = append(out, rec)
	}
	return out
}

func TestPutAndGet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	intensity := 0.9
	until := baseTime.Add(48 * time.Hour)
	rec := model.Record{
		UserID:             "u1",
		Text:               "moved to Lisbon",
		Vector:             []float32{0.25, -0.5, 1},
		Category:           model.CategoryEvent,
		Confidence:         0.7,
		Tags:               []string{"home", "travel"},
		Location:           "lisbon",
		Mood:               "excited",
		CreatedAt:          baseTime.Add(-time.Hour),
		ValidUntil:         &until,
		EmotionalIntensity: &intensity,
		Valence:            model.ValencePositive,
	}
	id, err := s.Put(ctx, rec)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if id == "" {
		t.Fatal("expected non-empty ID")
	}

	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Text != rec.Text || got.UserID != "u1" || got.Category != model.CategoryEvent {
		t.Errorf("unexpected record: %+v", got)
	}
	if got.Confidence != 0.7 {
		t.Errorf("confidence = %v", got.Confidence)
	}
	if len(got.Vector) != 3 || got.Vector[0] != 0.25 || got.Vector[1] != -0.5 || got.Vector[2] != 1 {
		t.Errorf("vector = %v", got.Vector)
	}
	if len(got.Tags) != 2 || got.Tags[0] != "home" {
		t.Errorf("tags = %v", got.Tags)
	}
	if !got.CreatedAt.Equal(rec.CreatedAt) {
		t.Errorf("created_at = %v, want %v", got.CreatedAt, rec.CreatedAt)
	}
	if got.ValidUntil == nil || !got.ValidUntil.Equal(until) {
		t.Errorf("valid_until = %v", got.ValidUntil)
	}
	if got.Intensity() != 0.9 || got.Valence != model.ValencePositive {
		t.Errorf("interaction fields = %v %v", got.Intensity(), got.Valence)
	}
	if got.Location != "lisbon" || got.Mood != "excited" {
		t.Errorf("context fields = %q %q", got.Location, got.Mood)
	}
}

func TestPutAssignsIDAndTime(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id, err := s.Put(ctx, model.Record{UserID: "u", Text: "x", Category: model.CategoryOther, Confidence: 0.5})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	got, _ := s.Get(ctx, id)
	if !got.CreatedAt.Equal(baseTime) {
		t.Errorf("created_at = %v, want clock time", got.CreatedAt)
	}
}

func TestPutValidation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	tests := []struct {
		name string
		rec  model.Record
	}{
		{"bad category", model.Record{UserID: "u", Text: "x", Category: "mood", Confidence: 0.5}},
		{"confidence high", model.Record{UserID: "u", Text: "x", Category: model.CategoryOther, Confidence: 1.5}},
		{"no user", model.Record{Text: "x", Category: model.CategoryOther, Confidence: 0.5}},
		{"no text", model.Record{UserID: "u", Category: model.CategoryOther, Confidence: 0.5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Put(ctx, tt.rec)
			if !errors.Is(err, model.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}

	st, _ := s.Stats(ctx)
	if st.TotalRecords != 0 {
		t.Errorf("rejected writes must not persist, got %d records", st.TotalRecords)
	}
}

func TestPutDuplicateID(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	rec := fact("u", "a", model.CategoryOther, 0)
	rec.ID = model.NewID(rec.CreatedAt)
	if _, err := s.Put(ctx, rec); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := s.Put(ctx, rec); !errors.Is(err, model.ErrValidation) {
		t.Fatalf("expected validation error on duplicate id, got %v", err)
	}
}

func TestGetNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "missing")
	if !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCorruptTagsSurfaceAsStorageError(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	rec := fact("u1", "likes tea", model.CategoryPreference, time.Hour)
	rec.Tags = []string{"drink"}
	id, err := s.Put(ctx, rec)
	if err != nil {
		t.Fatal(err)
	}
	db := s.shards[s.shardFor("u1")]
	if _, err := db.ExecContext(ctx, `UPDATE records SET tags = '{not json' WHERE id = ?`, id); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Get(ctx, id); !errors.Is(err, model.ErrStorage) {
		t.Errorf("get: expected storage error, got %v", err)
	}
	var scanErr error
	for _, err := range s.Scan(ctx, model.Filter{UserID: "u1"}, ScanOptions{}) {
		if err != nil {
			scanErr = err
			break
		}
	}
	if !errors.Is(scanErr, model.ErrStorage) {
		t.Errorf("scan: expected storage error, got %v", scanErr)
	}
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	rec := fact("u", "likes tea", model.CategoryPreference, time.Hour)
	rec.Vector = []float32{1, 0}
	id, _ := s.Put(ctx, rec)

	conf := 0.95
	tags := []string{"drinks"}
	got, err := s.Update(ctx, id, model.Patch{Confidence: &conf, Tags: &tags})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Confidence != 0.95 || len(got.Tags) != 1 {
		t.Errorf("patched = %+v", got)
	}

	reread, _ := s.Get(ctx, id)
	if reread.Confidence != 0.95 || reread.Tags[0] != "drinks" {
		t.Errorf("update not persisted: %+v", reread)
	}
	if reread.Category != model.CategoryPreference || len(reread.Vector) != 2 {
		t.Errorf("immutable fields changed: %+v", reread)
	}

	bad := 2.0
	if _, err := s.Update(ctx, id, model.Patch{Confidence: &bad}); !errors.Is(err, model.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
	if _, err := s.Update(ctx, "missing", model.Patch{Confidence: &conf}); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestUpdateExpiry(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id, _ := s.Put(ctx, fact("u", "temp", model.CategoryEvent, time.Hour))
	past := baseTime.Add(-time.Minute)
	if _, err := s.Update(ctx, id, model.Patch{ValidUntil: &past}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if got := collect(t, s, model.Filter{UserID: "u"}, ScanOptions{}); len(got) != 0 {
		t.Errorf("expired record returned by default scan: %d", len(got))
	}
	if got := collect(t, s, model.Filter{UserID: "u", IncludeExpired: true}, ScanOptions{}); len(got) != 1 {
		t.Errorf("expected expired record with IncludeExpired, got %d", len(got))
	}

	if _, err := s.Update(ctx, id, model.Patch{ClearValidUntil: true}); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if got := collect(t, s, model.Filter{UserID: "u"}, ScanOptions{}); len(got) != 1 {
		t.Errorf("cleared expiry should make record visible, got %d", len(got))
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id, _ := s.Put(ctx, fact("u", "gone soon", model.CategoryOther, 0))
	if err := s.Delete(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, id); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected not found after delete, got %v", err)
	}
	if err := s.Delete(ctx, id); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected not found on second delete, got %v", err)
	}
}

func TestScanFilters(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	r1 := fact("u", "sister is Ana", model.CategoryRelationship, 72*time.Hour)
	r1.Tags = []string{"family"}
	r1.Location = "home"
	r2 := fact("u", "prefers mornings", model.CategoryPreference, 48*time.Hour)
	r2.Confidence = 0.3
	r3 := fact("u", "argued at work", model.CategoryEvent, 24*time.Hour)
	r3.Mood = "tense"
	intensity := 0.8
	r3.EmotionalIntensity = &intensity
	r4 := fact("other", "someone else", model.CategoryRelationship, time.Hour)
	for _, r := range []model.Record{r1, r2, r3, r4} {
		if _, err := s.Put(ctx, r); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	tests := []struct {
		name   string
		filter model.Filter
		want   []string
	}{
		{"user", model.Filter{UserID: "u"}, []string{r3.Text, r2.Text, r1.Text}},
		{"category", model.Filter{UserID: "u", Categories: []model.Category{model.CategoryRelationship}}, []string{r1.Text}},
		{"since", model.Filter{UserID: "u", Since: baseTime.Add(-50 * time.Hour)}, []string{r3.Text, r2.Text}},
		{"until exclusive", model.Filter{UserID: "u", Until: r2.CreatedAt}, []string{r1.Text}},
		{"tag", model.Filter{UserID: "u", Tags: []string{"family"}}, []string{r1.Text}},
		{"min confidence", model.Filter{UserID: "u", MinConfidence: 0.5}, []string{r3.Text, r1.Text}},
		{"location", model.Filter{UserID: "u", Location: "home"}, []string{r1.Text}},
		{"mood", model.Filter{UserID: "u", Mood: "tense"}, []string{r3.Text}},
		{"interaction", model.Filter{UserID: "u", InteractionOnly: true}, []string{r3.Text}},
		{"all users", model.Filter{Categories: []model.Category{model.CategoryRelationship}}, []string{r4.Text, r1.Text}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := collect(t, s, tt.filter, ScanOptions{})
			if len(got) != len(tt.want) {
				t.Fatalf("got %d records, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i].Text != tt.want[i] {
					t.Errorf("[%d] = %q, want %q", i, got[i].Text, tt.want[i])
				}
			}
		})
	}
}

func TestScanTagLiteral(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a := fact("u", "a", model.CategoryOther, 0)
	a.Tags = []string{"100%"}
	b := fact("u", "b", model.CategoryOther, time.Minute)
	b.Tags = []string{"1000"}
	s.Put(ctx, a)
	s.Put(ctx, b)

	got := collect(t, s, model.Filter{UserID: "u", Tags: []string{"100%"}}, ScanOptions{})
	if len(got) != 1 || got[0].Text != "a" {
		t.Errorf("wildcard in tag should match literally, got %v", got)
	}
}

func TestScanOrderAndLimit(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for i := 0; i < 5; i++ {
		s.Put(ctx, fact("u", fmt.Sprintf("r%d", i), model.CategoryOther, time.Duration(i)*time.Hour))
	}
	got := collect(t, s, model.Filter{UserID: "u"}, ScanOptions{Limit: 2})
	if len(got) != 2 || got[0].Text != "r0" || got[1].Text != "r1" {
		t.Errorf("newest-first limit = %v", got)
	}
	got = collect(t, s, model.Filter{UserID: "u"}, ScanOptions{Order: OldestFirst, Limit: 1, SkipVectors: true})
	if len(got) != 1 || got[0].Text != "r4" {
		t.Errorf("oldest-first = %v", got)
	}
}

func TestScanEarlyBreak(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	for i := 0; i < 4; i++ {
		s.Put(ctx, fact("u", "x", model.CategoryOther, time.Duration(i)*time.Minute))
	}
	n := 0
	for _, err := range s.Scan(ctx, model.Filter{UserID: "u"}, ScanOptions{}) {
		if err != nil {
			t.Fatal(err)
		}
		n++
		if n == 2 {
			break
		}
	}
	if n != 2 {
		t.Errorf("n = %d", n)
	}
	// The store stays usable after an abandoned iterator.
	if _, err := s.Put(ctx, fact("u", "after", model.CategoryOther, 0)); err != nil {
		t.Fatalf("put after break: %v", err)
	}
}

func TestConcurrentPutsAcrossUsers(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	const users, perUser = 6, 15
	var wg sync.WaitGroup
	errs := make(chan error, users*perUser)
	for u := 0; u < users; u++ {
		wg.Add(1)
		go func(u int) {
			defer wg.Done()
			for i := 0; i < perUser; i++ {
				rec := fact(fmt.Sprintf("user-%d", u), fmt.Sprintf("fact %d", i), model.CategoryOther, time.Duration(i)*time.Second)
				if _, err := s.Put(ctx, rec); err != nil {
					errs <- err
				}
			}
		}(u)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent put: %v", err)
	}

	for u := 0; u < users; u++ {
		got := collect(t, s, model.Filter{UserID: fmt.Sprintf("user-%d", u)}, ScanOptions{})
		if len(got) != perUser {
			t.Errorf("user-%d has %d records, want %d", u, len(got), perUser)
		}
	}
}

func TestDurableAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "nested", "db")
	opts := Options{Shards: 2, Logger: logging.Discard()}

	s, err := NewSQLiteStore(dir, opts)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	id, err := s.Put(ctx, fact("u", "persisted", model.CategoryIdentity, 0))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	s.Close()

	if _, err := os.Stat(filepath.Join(dir, "facts-00.db")); err != nil {
		t.Fatalf("expected shard file: %v", err)
	}

	s2, err := NewSQLiteStore(dir, opts)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	got, err := s2.Get(ctx, id)
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if got.Text != "persisted" {
		t.Errorf("text = %q", got.Text)
	}
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	intensity := 0.5
	r := fact("a", "x", model.CategoryEvent, 0)
	r.EmotionalIntensity = &intensity
	s.Put(ctx, r)
	s.Put(ctx, fact("a", "y", model.CategoryEvent, 0))
	s.Put(ctx, fact("b", "z", model.CategorySkill, 0))

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.TotalRecords != 3 || st.Interactions != 1 || st.Users != 2 || st.Shards != 3 {
		t.Errorf("stats = %+v", st)
	}
	if len(st.Categories) != 2 || st.Categories[0].Category != "event" || st.Categories[0].Count != 2 {
		t.Errorf("categories = %+v", st.Categories)
	}
}

func TestExportImport(t *testing.T) {
	ctx := context.Background()
	src := newTestStore(t)

	src.Put(ctx, fact("u", "first", model.CategoryIdentity, 2*time.Hour))
	src.Put(ctx, fact("u", "second", model.CategorySkill, time.Hour))
	src.Put(ctx, fact("v", "not exported", model.CategorySkill, time.Hour))

	recs, err := src.ExportUser(ctx, "u")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if len(recs) != 2 || recs[0].Text != "first" {
		t.Fatalf("export = %+v", recs)
	}

	dst := newTestStore(t)
	n, err := dst.Import(ctx, recs)
	if err != nil || n != 2 {
		t.Fatalf("import: n=%d err=%v", n, err)
	}
	n, err = dst.Import(ctx, recs)
	if err != nil || n != 0 {
		t.Fatalf("re-import should skip existing: n=%d err=%v", n, err)
	}
	got, err := dst.Get(ctx, recs[1].ID)
	if err != nil || got.Text != "second" {
		t.Errorf("imported record = %+v, %v", got, err)
	}
}
