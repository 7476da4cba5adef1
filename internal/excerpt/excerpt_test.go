package excerpt

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestExcerpt_Empty(t *testing.T) {
	r := Excerpt("   ", Options{})
	if r.Text != "" || r.Truncated {
		t.Errorf("expected empty result, got %+v", r)
	}
}

func TestExcerpt_ShortContent(t *testing.T) {
	text := "Prefers tea over coffee."
	r := Excerpt(text, Options{MaxChars: 100})
	if r.Text != text || r.Truncated {
		t.Errorf("expected unchanged text, got %+v", r)
	}
}

func TestExcerpt_RespectsMaxChars(t *testing.T) {
	text := strings.Repeat("word ", 200)
	r := Excerpt(text, Options{MaxChars: 50})
	if !r.Truncated {
		t.Fatal("expected truncation")
	}
	if n := utf8.RuneCountInString(r.Text); n > 50 {
		t.Errorf("excerpt has %d runes, want <= 50", n)
	}
	if !strings.HasSuffix(r.Text, Ellipsis) {
		t.Errorf("expected ellipsis suffix, got %q", r.Text)
	}
	if !strings.HasSuffix(r.Text, "word"+Ellipsis) {
		t.Errorf("expected cut on word boundary, got %q", r.Text)
	}
}

func TestExcerpt_MultibyteSafe(t *testing.T) {
	text := strings.Repeat("日本語のテキスト", 30)
	r := Excerpt(text, Options{MaxChars: 20})
	if !utf8.ValidString(r.Text) {
		t.Errorf("excerpt is not valid UTF-8: %q", r.Text)
	}
	if n := utf8.RuneCountInString(r.Text); n > 20 {
		t.Errorf("excerpt has %d runes", n)
	}
}

func TestExcerpt_QueryPicksPassage(t *testing.T) {
	filler := strings.Repeat("Nothing much happened today at all. ", 4)
	text := filler + "\n\n" + "The garden tomatoes finally ripened after weeks of rain." + "\n\n" + filler
	r := Excerpt(text, Options{MaxChars: 160, Query: "how are the tomatoes in the garden"})
	if !strings.Contains(r.Text, "tomatoes") {
		t.Errorf("expected the matching passage, got %q", r.Text)
	}
	if r.Passage != 1 {
		t.Errorf("passage = %d, want 1", r.Passage)
	}
}

func TestExcerpt_DefaultsToLeadingPassage(t *testing.T) {
	text := "First paragraph here.\n\n" + strings.Repeat("Second paragraph text. ", 20)
	r := Excerpt(text, Options{MaxChars: 60})
	if !strings.HasPrefix(r.Text, "First paragraph here.") {
		t.Errorf("expected leading passage, got %q", r.Text)
	}
}

func TestSplit_Paragraphs(t *testing.T) {
	section := strings.Repeat("Some content filling space. ", 12)
	text := "# One\n\n" + section + "\n\n# Two\n\n" + section
	got := Split(text, 400)
	if len(got) < 2 {
		t.Fatalf("expected at least 2 passages, got %d", len(got))
	}
	if !strings.Contains(got[0], "# One") {
		t.Errorf("first passage should hold the first heading, got %q", got[0])
	}
	for i, p := range got {
		if n := utf8.RuneCountInString(p); n > 400 {
			t.Errorf("passage %d has %d runes", i, n)
		}
	}
}

func TestSplit_MergesSmallPieces(t *testing.T) {
	got := Split("a.\n\nb.\n\nc.", 100)
	if len(got) != 1 || got[0] != "a. b. c." {
		t.Errorf("got %q", got)
	}
}

func TestSplit_Empty(t *testing.T) {
	if got := Split("", 10); got != nil {
		t.Errorf("expected nil, got %v", got)
	}
}
