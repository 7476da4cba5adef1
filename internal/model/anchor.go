package model

import "time"

// Anchor is a promoted record marking a before/after turning point.
// Anchors are derived: each references exactly one source record and is
// never removed from the ledger. Erasure of the source tombstones it.
type Anchor struct {
	ID           string    `json:"id" msgpack:"id"`
	SourceID     string    `json:"source_id" msgpack:"source_id"`
	UserID       string    `json:"user_id" msgpack:"user_id"`
	Topic        string    `json:"topic" msgpack:"topic"`
	Text         string    `json:"text,omitempty" msgpack:"text,omitempty"`
	Intensity    float64   `json:"intensity" msgpack:"intensity"`
	Valence      Valence   `json:"valence,omitempty" msgpack:"valence,omitempty"`
	CreatedAt    time.Time `json:"created_at" msgpack:"created_at"`
	PromotedAt   time.Time `json:"promoted_at" msgpack:"promoted_at"`
	Supersedes   string    `json:"supersedes,omitempty" msgpack:"supersedes,omitempty"`
	SupersededBy string    `json:"superseded_by,omitempty" msgpack:"superseded_by,omitempty"`
	Tombstoned   bool      `json:"tombstoned,omitempty" msgpack:"tombstoned,omitempty"`
	ErasedAt     time.Time `json:"erased_at,omitzero" msgpack:"erased_at,omitempty"`
}

// Live reports whether the anchor is current: neither superseded nor erased.
func (a *Anchor) Live() bool {
	return a.SupersededBy == "" && !a.Tombstoned
}

// AnchorTopic derives the supersession topic of a record: its first tag,
// falling back to the category.
func AnchorTopic(r *Record) string {
	if len(r.Tags) > 0 {
		return r.Tags[0]
	}
	return string(r.Category)
}
