// Package excerpt trims long memory text to a budget for context bundles.
package excerpt

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultMaxChars is used when Options.MaxChars is zero.
const DefaultMaxChars = 600

// Ellipsis marks text cut from an excerpt.
const Ellipsis = "…"

// Options configures excerpting.
type Options struct {
	// MaxChars caps the excerpt length in runes.
	MaxChars int
	// Query, when set, picks the passage sharing the most words with it
	// instead of the leading one.
	Query string
}

// Result is an excerpt of a longer text.
type Result struct {
	Text      string
	Truncated bool
	// Passage is the index of the chosen passage within Split's output.
	Passage int
}

// Excerpt returns text unchanged when it fits, otherwise the best passage
// cut on a word boundary.
func Excerpt(text string, opts Options) Result {
	if opts.MaxChars <= 0 {
		opts.MaxChars = DefaultMaxChars
	}
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) <= opts.MaxChars {
		return Result{Text: text}
	}

	passages := Split(text, opts.MaxChars)
	best := 0
	if opts.Query != "" {
		terms := words(opts.Query)
		bestScore := 0
		for i, p := range passages {
			if s := overlap(terms, p); s > bestScore {
				best, bestScore = i, s
			}
		}
	}

	return Result{
		Text:      clip(passages[best], opts.MaxChars),
		Truncated: true,
		Passage:   best,
	}
}

// Split breaks text into passages of at most maxChars runes, preferring
// paragraph breaks, then sentence ends. Adjacent small pieces are merged
// back up to the limit. A single sentence longer than maxChars is left
// whole for the caller to clip.
func Split(text string, maxChars int) []string {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var pieces []string
	for _, para := range splitParagraphs(text) {
		if utf8.RuneCountInString(para) <= maxChars {
			pieces = append(pieces, para)
			continue
		}
		pieces = append(pieces, splitSentences(para)...)
	}
	return merge(pieces, maxChars)
}

// splitParagraphs splits on blank lines and markdown headings.
func splitParagraphs(text string) []string {
	var out []string
	var current []string

	flush := func() {
		t := strings.TrimSpace(strings.Join(current, "\n"))
		if t != "" {
			out = append(out, t)
		}
		current = nil
	}

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			flush()
			continue
		}
		if strings.HasPrefix(trimmed, "#") && len(current) > 0 {
			flush()
		}
		current = append(current, line)
	}
	flush()
	return out
}

func splitSentences(para string) []string {
	var out []string
	start := 0
	runes := []rune(para)
	for i, r := range runes {
		end := r == '.' || r == '!' || r == '?' || r == '\n'
		if end && (i+1 == len(runes) || unicode.IsSpace(runes[i+1])) {
			if s := strings.TrimSpace(string(runes[start : i+1])); s != "" {
				out = append(out, s)
			}
			start = i + 1
		}
	}
	if s := strings.TrimSpace(string(runes[start:])); s != "" {
		out = append(out, s)
	}
	return out
}

func merge(pieces []string, maxChars int) []string {
	var out []string
	var accum string
	for _, p := range pieces {
		if accum == "" {
			accum = p
			continue
		}
		combined := accum + " " + p
		if utf8.RuneCountInString(combined) <= maxChars {
			accum = combined
			continue
		}
		out = append(out, accum)
		accum = p
	}
	if accum != "" {
		out = append(out, accum)
	}
	return out
}

// clip cuts s to at most maxChars runes including the ellipsis, backing up
// to the last space when one is near.
func clip(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	cut := maxChars - 1
	if cut < 1 {
		return string(runes[:maxChars])
	}
	for i := cut; i > cut*3/4; i-- {
		if unicode.IsSpace(runes[i]) {
			cut = i
			break
		}
	}
	return strings.TrimRightFunc(string(runes[:cut]), unicode.IsSpace) + Ellipsis
}

func words(s string) map[string]bool {
	out := map[string]bool{}
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}) {
		if len(w) > 2 {
			out[w] = true
		}
	}
	return out
}

func overlap(terms map[string]bool, passage string) int {
	n := 0
	for w := range words(passage) {
		if terms[w] {
			n++
		}
	}
	return n
}
