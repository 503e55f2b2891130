package soul

import (
	"testing"
	"time"
)

func TestParseWindow(t *testing.T) {
	w, err := ParseWindow("22:30-02:15", []string{"fri", "Saturday"})
	if err != nil {
		t.Fatal(err)
	}
	if w.Start != 22*time.Hour+30*time.Minute || w.End != 2*time.Hour+15*time.Minute {
		t.Errorf("parsed %v-%v", w.Start, w.End)
	}
	if len(w.Weekdays) != 2 || w.Weekdays[0] != time.Friday || w.Weekdays[1] != time.Saturday {
		t.Errorf("weekdays: %v", w.Weekdays)
	}
	if w.String() != "22:30-02:15" {
		t.Errorf("String: %s", w.String())
	}

	for _, bad := range []string{"", "10:00", "25:00-01:00", "10:00-10:00", "aa:bb-cc:dd"} {
		if _, err := ParseWindow(bad, nil); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
	if _, err := ParseWindow("01:00-02:00", []string{"someday"}); err == nil {
		t.Error("expected error for unknown weekday")
	}
}

func TestWindowContains(t *testing.T) {
	// 2026-03-02 is a Monday.
	at := func(day, hour, min int) time.Time {
		return time.Date(2026, 3, day, hour, min, 0, 0, time.UTC)
	}
	daily := Window{Start: 1 * time.Hour, End: 3 * time.Hour}
	wrap := Window{Start: 23 * time.Hour, End: 1 * time.Hour}
	mondayNight := Window{Start: 23 * time.Hour, End: 1 * time.Hour, Weekdays: []time.Weekday{time.Monday}}

	tests := []struct {
		name string
		w    Window
		t    time.Time
		want bool
	}{
		{"inside", daily, at(2, 2, 0), true},
		{"start inclusive", daily, at(2, 1, 0), true},
		{"end exclusive", daily, at(2, 3, 0), false},
		{"outside", daily, at(2, 12, 0), false},
		{"wrap late part", wrap, at(2, 23, 30), true},
		{"wrap early part", wrap, at(3, 0, 30), true},
		{"wrap outside", wrap, at(2, 12, 0), false},
		{"weekday late part", mondayNight, at(2, 23, 30), true},
		{"weekday early part belongs to monday", mondayNight, at(3, 0, 30), true},
		{"weekday early part of monday belongs to sunday", mondayNight, at(2, 0, 30), false},
		{"other day", mondayNight, at(3, 23, 30), false},
		{"non-UTC input", daily, time.Date(2026, 3, 2, 4, 0, 0, 0, time.FixedZone("X", 2*3600)), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.w.Contains(tt.t); got != tt.want {
				t.Errorf("Contains(%s) = %v, want %v", tt.t, got, tt.want)
			}
		})
	}
}
