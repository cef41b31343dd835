package main

import (
	"testing"
	"time"
)

func TestParseDue(t *testing.T) {
	// Wednesday
	now := time.Date(2024, 3, 6, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		in   string
		want time.Time
	}{
		{"2024-03-10T17:00:00Z", time.Date(2024, 3, 10, 17, 0, 0, 0, time.UTC)},
		{"2024-03-10", time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)},
		{"tomorrow", time.Time{}},
	}
	for _, tt := range tests {
		got, err := parseDue(tt.in, now)
		if err != nil {
			t.Errorf("parseDue(%q) failed: %v", tt.in, err)
			continue
		}
		if tt.in == "tomorrow" {
			if got.Year() != 2024 || got.Month() != 3 || got.Day() != 7 {
				t.Errorf("parseDue(%q) = %v, want 2024-03-07", tt.in, got)
			}
			continue
		}
		if !got.Equal(tt.want) {
			t.Errorf("parseDue(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}

	if _, err := parseDue("qqq zzz", now); err == nil {
		t.Error("parseDue() accepted gibberish")
	}
}
