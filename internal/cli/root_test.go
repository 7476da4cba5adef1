package cli

import (
	"testing"
	"time"
)

func TestSplitTags(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"a, b ,,c", 3},
		{" , ", 0},
	}
	for _, tt := range tests {
		if got := splitTags(tt.in); len(got) != tt.want {
			t.Errorf("splitTags(%q) = %v, want %d tags", tt.in, got, tt.want)
		}
	}
}

func TestParseTime(t *testing.T) {
	got, err := parseTime("2026-03-01T12:00:00+02:00")
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC); !got.Equal(want) || got.Location() != time.UTC {
		t.Errorf("rfc3339 = %v", got)
	}

	got, err = parseTime("2026-03-01")
	if err != nil || !got.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("date = %v, %v", got, err)
	}

	before := time.Now()
	got, err = parseTime("-24h")
	if err != nil {
		t.Fatal(err)
	}
	if d := before.Sub(got); d < 23*time.Hour || d > 25*time.Hour {
		t.Errorf("relative offset = %v", d)
	}

	if got, err := parseTime(""); err != nil || !got.IsZero() {
		t.Errorf("empty = %v, %v", got, err)
	}
	if _, err := parseTime("yesterday"); err == nil {
		t.Error("expected error for unparseable time")
	}
}
