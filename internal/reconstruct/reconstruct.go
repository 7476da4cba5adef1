// Package reconstruct assembles a bounded, ranked memory bundle for a
// situational query at a given focus level.
package reconstruct

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/rcliao/agent-recall/internal/anchor"
	"github.com/rcliao/agent-recall/internal/config"
	"github.com/rcliao/agent-recall/internal/embedding"
	"github.com/rcliao/agent-recall/internal/excerpt"
	"github.com/rcliao/agent-recall/internal/logging"
	"github.com/rcliao/agent-recall/internal/model"
	"github.com/rcliao/agent-recall/internal/search"
)

// Searcher runs the hybrid candidate query.
type Searcher interface {
	Search(ctx context.Context, req search.Request) (*search.Response, error)
}

// AnchorSource lists a user's anchors.
type AnchorSource interface {
	List(ctx context.Context, userID string, opts anchor.ListOptions) ([]model.Anchor, error)
}

// RecordGetter loads anchor source records for relevance scoring.
type RecordGetter interface {
	Get(ctx context.Context, id string) (*model.Record, error)
}

// Request is a situational reconstruction query.
type Request struct {
	UserID   string
	Query    string
	Location string
	Mood     string
	// At biases toward records near this time instead of the most recent.
	At    *time.Time
	Focus int
}

// Item is one record in a bundle.
type Item struct {
	Record        model.Record `json:"record"`
	Score         float64      `json:"score"`
	LocationMatch bool         `json:"location_match,omitempty"`
	MoodMatch     bool         `json:"mood_match,omitempty"`
	Excerpt       bool         `json:"excerpt,omitempty"`
}

// AnchorItem is one temporal anchor in a bundle.
type AnchorItem struct {
	Anchor  model.Anchor `json:"anchor"`
	Score   float64      `json:"score"`
	Excerpt bool         `json:"excerpt,omitempty"`
}

// Richness buckets how much context a bundle carries.
type Richness string

const (
	RichnessEmpty    Richness = "empty"
	RichnessThin     Richness = "thin"
	RichnessModerate Richness = "moderate"
	RichnessRich     Richness = "rich"
)

// Quality summarizes a bundle for the caller.
type Quality struct {
	Level           int              `json:"level"`
	Budget          int              `json:"budget"`
	AnchorBudget    int              `json:"anchor_budget"`
	Returned        int              `json:"returned"`
	Anchors         int              `json:"anchors"`
	Fill            float64          `json:"fill"`
	MeanScore       float64          `json:"mean_score"`
	MeanConfidence  float64          `json:"mean_confidence"`
	Categories      []model.Category `json:"categories"`
	Richness        Richness         `json:"richness"`
	Mode            search.Mode      `json:"mode"`
	Degraded        bool             `json:"degraded"`
	NoLocationMatch bool             `json:"no_location_match,omitempty"`
	NoMoodMatch     bool             `json:"no_mood_match,omitempty"`
}

// Bundle is the reconstructed context.
type Bundle struct {
	UserID  string       `json:"user_id"`
	Query   string       `json:"query,omitempty"`
	At      *time.Time   `json:"at,omitempty"`
	Items   []Item       `json:"items"`
	Anchors []AnchorItem `json:"anchors"`
	Quality Quality      `json:"quality"`
}

// Options configures a Reconstructor.
type Options struct {
	Config config.ReconstructConfig
	Logger *slog.Logger
	// Clock supplies the expiry reference time.
	Clock func() time.Time
}

// Reconstructor builds bundles. It holds no record state.
type Reconstructor struct {
	search  Searcher
	anchors AnchorSource
	records RecordGetter
	gateway *embedding.Gateway
	cfg     config.ReconstructConfig
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a Reconstructor. anchors, records and gateway may be nil.
func New(s Searcher, anchors AnchorSource, records RecordGetter, gateway *embedding.Gateway, opts Options) *Reconstructor {
	cfg := opts.Config
	def := config.Default().Reconstruct
	if len(cfg.Focus) != config.FocusLevels {
		cfg.Focus = def.Focus
	}
	if cfg.PoolFactor <= 0 {
		cfg.PoolFactor = def.PoolFactor
	}
	if cfg.TemporalWindow <= 0 {
		cfg.TemporalWindow = def.TemporalWindow
	}
	if cfg.AnchorWindow <= 0 {
		cfg.AnchorWindow = def.AnchorWindow
	}
	if cfg.MaxItemChars <= 0 {
		cfg.MaxItemChars = def.MaxItemChars
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Reconstructor{
		search:  s,
		anchors: anchors,
		records: records,
		gateway: gateway,
		cfg:     cfg,
		logger:  logging.Or(opts.Logger),
		now:     opts.Clock,
	}
}

// Reconstruct assembles the bundle for req. Identical requests against an
// unchanged store yield identical bundles.
func (r *Reconstructor) Reconstruct(ctx context.Context, req Request) (*Bundle, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return nil, goerr.Wrap(model.ErrValidation, "user_id is required")
	}
	if req.Focus < 0 || req.Focus >= len(r.cfg.Focus) {
		return nil, goerr.Wrap(model.ErrValidation, "focus level out of range",
			goerr.V("focus", req.Focus), goerr.V("max", len(r.cfg.Focus)-1))
	}
	row := r.cfg.Focus[req.Focus]
	query := strings.TrimSpace(req.Query)

	b := &Bundle{
		UserID:  req.UserID,
		Query:   query,
		At:      req.At,
		Items:   []Item{},
		Anchors: []AnchorItem{},
	}
	q := &b.Quality
	q.Level = req.Focus
	q.Budget = row.Records
	q.AnchorBudget = row.Anchors
	q.Mode = search.ModeRecency

	var matched softMatch
	// qv is embedded at most once per call and shared by every ranking step.
	qv := queryVector{}
	if row.Records > 0 {
		items, m, err := r.rankRecords(ctx, req, query, row, &qv)
		if err != nil {
			return nil, err
		}
		b.Items = items
		q.Mode = qv.mode
		matched = m
	}
	if row.Anchors > 0 && r.anchors != nil {
		anchors, err := r.rankAnchors(ctx, req, query, row.Anchors, &qv)
		if err != nil {
			return nil, err
		}
		b.Anchors = anchors
	}

	r.summarize(b)
	q.NoLocationMatch = req.Location != "" && !matched.location
	q.NoMoodMatch = req.Mood != "" && !matched.mood
	return b, nil
}

// softMatch records whether any candidate in the pool matched a soft filter.
type softMatch struct {
	location bool
	mood     bool
}

// queryVector carries the outcome of the single query embedding made for a
// reconstruction.
type queryVector struct {
	resolved bool
	mode     search.Mode
	vec      embedding.Vector
}

func (r *Reconstructor) rankRecords(ctx context.Context, req Request, query string, row config.FocusLevel, qv *queryVector) ([]Item, softMatch, error) {
	pool := row.Records * r.cfg.PoolFactor
	base := model.Filter{UserID: req.UserID, Categories: row.Categories}
	if req.At != nil {
		base.Until = req.At.Add(r.cfg.TemporalWindow)
	}
	now := r.now()

	resp, err := r.search.Search(ctx, search.Request{Query: query, Filter: base, K: pool, Now: now})
	if err != nil {
		return nil, softMatch{}, err
	}
	qv.resolved = true
	qv.mode = resp.Mode
	qv.vec = resp.QueryVector
	candidates := resp.Results

	// The widening pools are ranked the same way as the base pool: by the
	// same vector when it is semantic, by recency otherwise.
	extraReq := func(f model.Filter) search.Request {
		if qv.mode == search.ModeSemantic {
			return search.Request{Query: query, Vector: qv.vec, Filter: f, K: pool, Now: now}
		}
		return search.Request{Filter: f, K: pool, Now: now}
	}

	// Soft filters widen the pool with matching records so a boost can
	// reach them, but never narrow it.
	if req.Location != "" {
		f := base
		f.Location = req.Location
		extra, err := r.search.Search(ctx, extraReq(f))
		if err != nil {
			return nil, softMatch{}, err
		}
		candidates = mergeResults(candidates, extra.Results)
	}
	if req.Mood != "" {
		f := base
		f.Mood = req.Mood
		extra, err := r.search.Search(ctx, extraReq(f))
		if err != nil {
			return nil, softMatch{}, err
		}
		candidates = mergeResults(candidates, extra.Results)
	}

	items := r.score(candidates, req, qv.mode == search.ModeSemantic)
	var m softMatch
	for _, it := range items {
		m.location = m.location || it.LocationMatch
		m.mood = m.mood || it.MoodMatch
	}
	sortItems(items)
	if len(items) > row.Records {
		items = items[:row.Records]
	}
	for i := range items {
		ex := excerpt.Excerpt(items[i].Record.Text, excerpt.Options{MaxChars: r.cfg.MaxItemChars, Query: query})
		items[i].Record.Text = ex.Text
		items[i].Excerpt = ex.Truncated
	}
	return items, m, nil
}

func mergeResults(a, b []search.Result) []search.Result {
	seen := make(map[string]bool, len(a))
	for _, r := range a {
		seen[r.Record.ID] = true
	}
	for _, r := range b {
		if !seen[r.Record.ID] {
			seen[r.Record.ID] = true
			a = append(a, r)
		}
	}
	return a
}

// score combines the base relevance with temporal proximity and soft
// filter boosts.
func (r *Reconstructor) score(candidates []search.Result, req Request, semantic bool) []Item {
	// Recency is measured from the newest candidate, not the wall clock.
	var ref time.Time
	for _, c := range candidates {
		if c.Record.CreatedAt.After(ref) {
			ref = c.Record.CreatedAt
		}
	}
	window := float64(r.cfg.TemporalWindow)

	items := make([]Item, 0, len(candidates))
	for _, c := range candidates {
		rec := c.Record
		var s float64
		switch {
		case req.At != nil:
			prox := proximity(rec.CreatedAt, *req.At, window)
			if semantic {
				s = 0.5*c.Score + 0.5*prox
			} else {
				s = prox
			}
		case semantic:
			s = c.Score
		default:
			s = proximity(rec.CreatedAt, ref, window)
		}

		it := Item{Record: rec}
		if req.Location != "" && rec.Location == req.Location {
			it.LocationMatch = true
			s += r.cfg.LocationBoost
		}
		if req.Mood != "" && rec.Mood == req.Mood {
			it.MoodMatch = true
			s += r.cfg.MoodBoost
		}
		it.Score = round(s)
		it.Record.Vector = nil
		items = append(items, it)
	}
	return items
}

// proximity decays exponentially with the distance between t and ref.
func proximity(t, ref time.Time, window float64) float64 {
	d := math.Abs(float64(t.Sub(ref)))
	return math.Exp(-d / window)
}

// round trims float noise so equal scores compare equal.
func round(f float64) float64 {
	return math.Round(f*1e9) / 1e9
}

func sortItems(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Score != items[j].Score {
			return items[i].Score > items[j].Score
		}
		a, b := &items[i].Record, &items[j].Record
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
}

func (r *Reconstructor) rankAnchors(ctx context.Context, req Request, query string, limit int, qv *queryVector) ([]AnchorItem, error) {
	live, err := r.anchors.List(ctx, req.UserID, anchor.ListOptions{})
	if err != nil {
		return nil, err
	}

	var items []AnchorItem
	switch {
	case req.At != nil:
		window := float64(r.cfg.AnchorWindow)
		for _, a := range live {
			if math.Abs(float64(a.CreatedAt.Sub(*req.At))) > window {
				continue
			}
			items = append(items, AnchorItem{Anchor: a, Score: round(proximity(a.CreatedAt, *req.At, window))})
		}
	case query != "":
		items = r.anchorsBySimilarity(ctx, live, query, qv)
	default:
		for _, a := range live {
			items = append(items, AnchorItem{Anchor: a, Score: round(a.Intensity)})
		}
	}

	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Score != items[j].Score {
			return items[i].Score > items[j].Score
		}
		a, b := &items[i].Anchor, &items[j].Anchor
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
	if len(items) > limit {
		items = items[:limit]
	}
	for i := range items {
		ex := excerpt.Excerpt(items[i].Anchor.Text, excerpt.Options{MaxChars: r.cfg.MaxItemChars, Query: query})
		items[i].Anchor.Text = ex.Text
		items[i].Excerpt = ex.Truncated
	}
	if items == nil {
		items = []AnchorItem{}
	}
	return items, nil
}

// anchorsBySimilarity scores anchors by their source record's vector.
// Without a working gateway anchors fall back to intensity. The query is
// embedded here only when record ranking did not already try.
func (r *Reconstructor) anchorsBySimilarity(ctx context.Context, live []model.Anchor, query string, qv *queryVector) []AnchorItem {
	var qvec embedding.Vector
	switch {
	case r.records == nil:
	case qv.resolved:
		if qv.mode == search.ModeSemantic {
			qvec = qv.vec
		}
	case r.gateway.Available():
		v, err := r.gateway.EmbedQuery(ctx, query)
		if err != nil {
			r.logger.Warn("anchor ranking degraded to intensity", "error", err)
		} else {
			qvec = v
		}
	}

	items := make([]AnchorItem, 0, len(live))
	for _, a := range live {
		score := a.Intensity
		if qvec != nil {
			rec, err := r.records.Get(ctx, a.SourceID)
			switch {
			case err == nil:
				score = embedding.CosineSimilarity(qvec, rec.Vector)
			case errors.Is(err, model.ErrNotFound):
				score = 0
			default:
				r.logger.Warn("anchor source lookup failed", "anchor_id", a.ID, "source_id", a.SourceID, "error", err)
				score = 0
			}
		}
		items = append(items, AnchorItem{Anchor: a, Score: round(score)})
	}
	return items
}

func (r *Reconstructor) summarize(b *Bundle) {
	q := &b.Quality
	q.Returned = len(b.Items)
	q.Anchors = len(b.Anchors)
	q.Degraded = q.Mode == search.ModeDegraded

	want := q.Budget + q.AnchorBudget
	got := q.Returned + q.Anchors
	if want > 0 {
		q.Fill = round(float64(got) / float64(want))
	}

	seen := map[model.Category]bool{}
	var scoreSum, confSum float64
	for _, it := range b.Items {
		scoreSum += it.Score
		confSum += it.Record.Confidence
		seen[it.Record.Category] = true
	}
	if q.Returned > 0 {
		q.MeanScore = round(scoreSum / float64(q.Returned))
		q.MeanConfidence = round(confSum / float64(q.Returned))
	}
	q.Categories = []model.Category{}
	for _, c := range model.Categories {
		if seen[c] {
			q.Categories = append(q.Categories, c)
		}
	}

	switch {
	case got == 0:
		q.Richness = RichnessEmpty
	case q.Fill < 0.34:
		q.Richness = RichnessThin
	case q.Fill < 0.67:
		q.Richness = RichnessModerate
	default:
		q.Richness = RichnessRich
	}
}
