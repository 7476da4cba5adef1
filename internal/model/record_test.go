package model

import (
	"errors"
	"math"
	"testing"
	"time"
)

func validRecord() Record {
	return Record{
		UserID:     "u1",
		Text:       "prefers tea over coffee",
		Category:   CategoryPreference,
		Confidence: 0.8,
	}
}

func TestRecordValidate(t *testing.T) {
	intensity := func(f float64) *float64 { return &f }
	now := time.Now()
	before := now.Add(-time.Hour)

	tests := []struct {
		name   string
		mutate func(*Record)
		ok     bool
	}{
		{"valid", func(*Record) {}, true},
		{"confidence zero", func(r *Record) { r.Confidence = 0 }, true},
		{"confidence one", func(r *Record) { r.Confidence = 1 }, true},
		{"confidence above one", func(r *Record) { r.Confidence = 1.01 }, false},
		{"confidence negative", func(r *Record) { r.Confidence = -0.1 }, false},
		{"confidence NaN", func(r *Record) { r.Confidence = math.NaN() }, false},
		{"free text category", func(r *Record) { r.Category = "hobby" }, false},
		{"empty category", func(r *Record) { r.Category = "" }, false},
		{"missing user", func(r *Record) { r.UserID = " " }, false},
		{"missing text", func(r *Record) { r.Text = "" }, false},
		{"interaction", func(r *Record) { r.EmotionalIntensity = intensity(0.9); r.Valence = ValenceMixed }, true},
		{"intensity out of range", func(r *Record) { r.EmotionalIntensity = intensity(1.5) }, false},
		{"valence without intensity", func(r *Record) { r.Valence = ValencePositive }, false},
		{"bad valence", func(r *Record) { r.EmotionalIntensity = intensity(0.2); r.Valence = "elated" }, false},
		{"expiry before creation", func(r *Record) { r.CreatedAt = now; r.ValidUntil = &before }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validRecord()
			tt.mutate(&r)
			err := r.Validate()
			if tt.ok && err != nil {
				t.Errorf("expected valid, got %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestParseCategory(t *testing.T) {
	for _, c := range Categories {
		got, err := ParseCategory(" " + string(c) + " ")
		if err != nil || got != c {
			t.Errorf("ParseCategory(%q) = %q, %v", c, got, err)
		}
	}
	if _, err := ParseCategory("Emotional-Anchor"); err != nil {
		t.Errorf("category parsing should be case-insensitive: %v", err)
	}
	if _, err := ParseCategory("gossip"); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

func TestParseValence(t *testing.T) {
	v, err := ParseValence("")
	if err != nil || v != ValenceUnknown {
		t.Errorf("empty valence should be unknown, got %q %v", v, err)
	}
	if _, err := ParseValence("ecstatic"); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

func TestPatch(t *testing.T) {
	r := validRecord()
	until := time.Now().Add(time.Hour)
	conf := 0.3
	tags := []string{"work"}

	p := Patch{Confidence: &conf, Tags: &tags, ValidUntil: &until}
	if err := p.Validate(); err != nil {
		t.Fatal(err)
	}
	got := p.Apply(r)
	if got.Confidence != 0.3 || !got.HasTag("work") || got.ValidUntil == nil {
		t.Errorf("patch not applied: %+v", got)
	}
	if got.Category != r.Category || got.Text != r.Text {
		t.Error("patch must not touch identity fields")
	}

	cleared := Patch{ClearValidUntil: true}.Apply(got)
	if cleared.ValidUntil != nil {
		t.Error("expected valid_until cleared")
	}

	bad := 2.0
	if err := (Patch{Confidence: &bad}).Validate(); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
	if !(Patch{}).Empty() {
		t.Error("zero patch should be empty")
	}
}

func TestFilterMatch(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	expired := now.Add(-time.Minute)
	r := Record{
		UserID: "u1", Text: "x", Category: CategoryEvent, Confidence: 0.6,
		Tags: []string{"trip", "family"}, Location: "paris",
		CreatedAt: now.Add(-24 * time.Hour),
	}

	tests := []struct {
		name string
		f    Filter
		want bool
	}{
		{"empty", Filter{}, true},
		{"user", Filter{UserID: "u2"}, false},
		{"category hit", Filter{Categories: []Category{CategoryIdentity, CategoryEvent}}, true},
		{"category miss", Filter{Categories: []Category{CategoryIdentity}}, false},
		{"since", Filter{Since: now.Add(-2 * time.Hour)}, false},
		{"until exclusive", Filter{Until: r.CreatedAt}, false},
		{"tags all", Filter{Tags: []string{"trip", "family"}}, true},
		{"tags missing", Filter{Tags: []string{"work"}}, false},
		{"confidence floor", Filter{MinConfidence: 0.7}, false},
		{"location", Filter{Location: "paris"}, true},
		{"interaction only", Filter{InteractionOnly: true}, false},
	}
	for _, tt := range tests {
		if got := tt.f.Match(&r, now); got != tt.want {
			t.Errorf("%s: got %v want %v", tt.name, got, tt.want)
		}
	}

	r.ValidUntil = &expired
	if (Filter{}).Match(&r, now) {
		t.Error("expired record should not match by default")
	}
	if !(Filter{IncludeExpired: true}).Match(&r, now) {
		t.Error("expired record should match with IncludeExpired")
	}
}

func TestNewIDOrdered(t *testing.T) {
	ts := time.Now()
	a := NewID(ts)
	b := NewID(ts)
	if !(a < b) {
		t.Errorf("ids minted in the same millisecond must increase: %s >= %s", a, b)
	}
	got, ok := IDTime(a)
	if !ok || got.UnixMilli() != ts.UnixMilli() {
		t.Errorf("IDTime = %v, %v; want %v", got, ok, ts)
	}
	if _, ok := IDTime("not-a-ulid"); ok {
		t.Error("expected parse failure")
	}
}

func TestAnchorTopic(t *testing.T) {
	r := Record{Category: CategoryEmotionalAnchor}
	if AnchorTopic(&r) != "emotional-anchor" {
		t.Errorf("expected category topic, got %q", AnchorTopic(&r))
	}
	r.Tags = []string{"move-to-berlin", "x"}
	if AnchorTopic(&r) != "move-to-berlin" {
		t.Errorf("expected first tag topic, got %q", AnchorTopic(&r))
	}
}
