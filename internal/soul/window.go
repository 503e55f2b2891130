package soul

import (
	"fmt"
	"strings"
	"time"
)

// Window is a daily maintenance window in UTC. End before Start wraps midnight.
// With Weekdays set, only windows starting on those days apply.
type Window struct {
	Start    time.Duration // offset from midnight
	End      time.Duration
	Weekdays []time.Weekday
}

// ParseWindow parses "HH:MM-HH:MM" and optional weekday names ("mon", "Tuesday", ...).
func ParseWindow(span string, weekdays []string) (Window, error) {
	parts := strings.Split(strings.TrimSpace(span), "-")
	if len(parts) != 2 {
		return Window{}, fmt.Errorf("maintenance window %q: want HH:MM-HH:MM", span)
	}
	start, err := parseClock(parts[0])
	if err != nil {
		return Window{}, fmt.Errorf("maintenance window %q: %w", span, err)
	}
	end, err := parseClock(parts[1])
	if err != nil {
		return Window{}, fmt.Errorf("maintenance window %q: %w", span, err)
	}
	if start == end {
		return Window{}, fmt.Errorf("maintenance window %q is empty", span)
	}

	w := Window{Start: start, End: end}
	for _, name := range weekdays {
		d, err := parseWeekday(name)
		if err != nil {
			return Window{}, err
		}
		w.Weekdays = append(w.Weekdays, d)
	}
	return w, nil
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	t = t.UTC()
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	offset := t.Sub(midnight)

	if w.Start < w.End {
		return offset >= w.Start && offset < w.End && w.onDay(t.Weekday())
	}
	// Wrapping: the late part belongs to today's window, the early part to yesterday's.
	if offset >= w.Start {
		return w.onDay(t.Weekday())
	}
	if offset < w.End {
		return w.onDay(midnight.Add(-time.Hour).Weekday())
	}
	return false
}

func (w Window) String() string {
	return fmt.Sprintf("%s-%s", clock(w.Start), clock(w.End))
}

func (w Window) onDay(d time.Weekday) bool {
	if len(w.Weekdays) == 0 {
		return true
	}
	for _, wd := range w.Weekdays {
		if wd == d {
			return true
		}
	}
	return false
}

func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid time %q", s)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func clock(d time.Duration) string {
	return fmt.Sprintf("%02d:%02d", int(d.Hours()), int(d.Minutes())%60)
}

func parseWeekday(s string) (time.Weekday, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for d := time.Sunday; d <= time.Saturday; d++ {
		full := strings.ToLower(d.String())
		if name == full || name == full[:3] {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown weekday %q", s)
}
