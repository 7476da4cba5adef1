// Package model defines the core memory data types.
package model

import (
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
)

// Category is the closed taxonomy tag carried by every record.
type Category string

const (
	CategoryIdentity           Category = "identity"
	CategoryPreference         Category = "preference"
	CategoryEvent              Category = "event"
	CategoryRelationship       Category = "relationship"
	CategorySkill              Category = "skill"
	CategoryEmotionalAnchor    Category = "emotional-anchor"
	CategoryUnresolvedQuestion Category = "unresolved-question"
	CategoryOther              Category = "other"
)

// Categories lists the allowed categories in canonical order.
var Categories = []Category{
	CategoryIdentity,
	CategoryPreference,
	CategoryEvent,
	CategoryRelationship,
	CategorySkill,
	CategoryEmotionalAnchor,
	CategoryUnresolvedQuestion,
	CategoryOther,
}

// ValidCategories are the allowed memory categories.
var ValidCategories = map[Category]bool{
	CategoryIdentity:           true,
	CategoryPreference:         true,
	CategoryEvent:              true,
	CategoryRelationship:       true,
	CategorySkill:              true,
	CategoryEmotionalAnchor:    true,
	CategoryUnresolvedQuestion: true,
	CategoryOther:              true,
}

// ParseCategory converts user input into a Category.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if !ValidCategories[c] {
		return "", goerr.Wrap(ErrValidation, "unknown category", goerr.V("category", s))
	}
	return c, nil
}

// Valence is the emotional polarity of an interaction-derived record.
type Valence string

const (
	ValencePositive Valence = "positive"
	ValenceNegative Valence = "negative"
	ValenceMixed    Valence = "mixed"
	ValenceUnknown  Valence = "unknown"
	ValenceNeutral  Valence = "neutral"
)

// ValidValences are the allowed valence values.
var ValidValences = map[Valence]bool{
	ValencePositive: true,
	ValenceNegative: true,
	ValenceMixed:    true,
	ValenceUnknown:  true,
	ValenceNeutral:  true,
}

// ParseValence converts user input into a Valence. Empty input is unknown.
func ParseValence(s string) (Valence, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ValenceUnknown, nil
	}
	v := Valence(s)
	if !ValidValences[v] {
		return "", goerr.Wrap(ErrValidation, "unknown valence", goerr.V("valence", s))
	}
	return v, nil
}

// DefaultConfidence is applied when the caller does not assert one.
const DefaultConfidence = 0.5

// Record is a single stored unit of agent memory.
type Record struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	Text       string     `json:"text"`
	Vector     []float32  `json:"vector,omitempty"`
	Category   Category   `json:"category"`
	Confidence float64    `json:"confidence"`
	Tags       []string   `json:"tags,omitempty"`
	Location   string     `json:"location,omitempty"`
	Mood       string     `json:"mood,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ValidUntil *time.Time `json:"valid_until,omitempty"`

	// Set only on interaction-derived records.
	EmotionalIntensity *float64 `json:"emotional_intensity,omitempty"`
	Valence            Valence  `json:"valence,omitempty"`
}

// Interaction reports whether the record was derived from an interaction.
func (r *Record) Interaction() bool {
	return r.EmotionalIntensity != nil
}

// Intensity returns the emotional intensity, or 0 for plain facts.
func (r *Record) Intensity() float64 {
	if r.EmotionalIntensity == nil {
		return 0
	}
	return *r.EmotionalIntensity
}

// Expired reports whether the record is past its valid_until at t.
func (r *Record) Expired(t time.Time) bool {
	return r.ValidUntil != nil && !t.Before(*r.ValidUntil)
}

// HasTag reports whether the record carries tag.
func (r *Record) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Validate checks the record invariants that must hold before a write is accepted.
func (r *Record) Validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return goerr.Wrap(ErrValidation, "user_id is required")
	}
	if strings.TrimSpace(r.Text) == "" {
		return goerr.Wrap(ErrValidation, "text is required", goerr.V("user_id", r.UserID))
	}
	if !ValidCategories[r.Category] {
		return goerr.Wrap(ErrValidation, "unknown category", goerr.V("category", string(r.Category)))
	}
	if !validUnit(r.Confidence) {
		return goerr.Wrap(ErrValidation, "confidence must be within [0,1]", goerr.V("confidence", r.Confidence))
	}
	if r.EmotionalIntensity != nil && !validUnit(*r.EmotionalIntensity) {
		return goerr.Wrap(ErrValidation, "emotional_intensity must be within [0,1]", goerr.V("emotional_intensity", *r.EmotionalIntensity))
	}
	if r.Valence != "" {
		if !ValidValences[r.Valence] {
			return goerr.Wrap(ErrValidation, "unknown valence", goerr.V("valence", string(r.Valence)))
		}
		if r.EmotionalIntensity == nil {
			return goerr.Wrap(ErrValidation, "valence requires emotional_intensity")
		}
	}
	if r.ValidUntil != nil && !r.CreatedAt.IsZero() && r.ValidUntil.Before(r.CreatedAt) {
		return goerr.Wrap(ErrValidation, "valid_until precedes created_at", goerr.V("valid_until", *r.ValidUntil))
	}
	return nil
}

func validUnit(f float64) bool {
	// NaN fails both comparisons.
	return f >= 0 && f <= 1
}

// Patch carries the only fields a record may change after creation.
// Vector and category define identity and are never patched.
type Patch struct {
	Confidence      *float64
	Tags            *[]string
	ValidUntil      *time.Time
	ClearValidUntil bool
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Confidence == nil && p.Tags == nil && p.ValidUntil == nil && !p.ClearValidUntil
}

// Validate checks patch values.
func (p Patch) Validate() error {
	if p.Confidence != nil && !validUnit(*p.Confidence) {
		return goerr.Wrap(ErrValidation, "confidence must be within [0,1]", goerr.V("confidence", *p.Confidence))
	}
	if p.ValidUntil != nil && p.ClearValidUntil {
		return goerr.Wrap(ErrValidation, "valid_until set and cleared in the same patch")
	}
	return nil
}

// Apply returns a copy of r with the patch applied.
func (p Patch) Apply(r Record) Record {
	if p.Confidence != nil {
		r.Confidence = *p.Confidence
	}
	if p.Tags != nil {
		r.Tags = append([]string(nil), (*p.Tags)...)
	}
	if p.ValidUntil != nil {
		t := *p.ValidUntil
		r.ValidUntil = &t
	}
	if p.ClearValidUntil {
		r.ValidUntil = nil
	}
	return r
}

// Filter is a conjunction of structured predicates evaluated before any
// vector comparison. Zero values mean "no constraint".
type Filter struct {
	UserID          string
	Categories      []Category
	Since           time.Time
	Until           time.Time
	Tags            []string
	MinConfidence   float64
	Location        string
	Mood            string
	InteractionOnly bool
	IncludeExpired  bool
}

// Match evaluates the filter in memory. The store compiles the same
// predicates to SQL; this is used for records that never hit the store.
func (f Filter) Match(r *Record, now time.Time) bool {
	if f.UserID != "" && r.UserID != f.UserID {
		return false
	}
	if len(f.Categories) > 0 {
		ok := false
		for _, c := range f.Categories {
			if r.Category == c {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if !f.Since.IsZero() && r.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !r.CreatedAt.Before(f.Until) {
		return false
	}
	for _, t := range f.Tags {
		if !r.HasTag(t) {
			return false
		}
	}
	if r.Confidence < f.MinConfidence {
		return false
	}
	if f.Location != "" && r.Location != f.Location {
		return false
	}
	if f.Mood != "" && r.Mood != f.Mood {
		return false
	}
	if f.InteractionOnly && !r.Interaction() {
		return false
	}
	if !f.IncludeExpired && r.Expired(now) {
		return false
	}
	return true
}
