// Package dosing describes when a medication is due and expands a schedule
// into concrete dose times.
package dosing

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

// TimeOfDay is a wall-clock time in the schedule's location. It encodes as
// "HH:MM".
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses "HH:MM" (24h).
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q: expected HH:MM", s)
	}
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}, nil
}

func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute) }

func (t TimeOfDay) minutes() int { return t.Hour*60 + t.Minute }

func (t TimeOfDay) MarshalJSON() ([]byte, error) { return json.Marshal(t.String()) }

func (t *TimeOfDay) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParseTimeOfDay(s)
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Schedule is a set of daily dose times, optionally limited to some weekdays.
type Schedule struct {
	Times []TimeOfDay `json:"times"`
	// Weekdays limits doses to these days. Empty means every day.
	Weekdays []time.Weekday `json:"weekdays,omitempty"`
	// Timezone is an IANA name. Empty means UTC.
	Timezone string `json:"timezone,omitempty"`
}

var (
	ErrNoTimes        = errors.New("schedule requires at least one time of day")
	ErrInvalidWeekday = errors.New("weekday must be between 0 (Sunday) and 6 (Saturday)")
)

func (s Schedule) Validate() error {
	if len(s.Times) == 0 {
		return ErrNoTimes
	}
	for _, t := range s.Times {
		if t.Hour < 0 || t.Hour > 23 || t.Minute < 0 || t.Minute > 59 {
			return fmt.Errorf("invalid time of day %02d:%02d", t.Hour, t.Minute)
		}
	}
	for _, d := range s.Weekdays {
		if d < time.Sunday || d > time.Saturday {
			return ErrInvalidWeekday
		}
	}
	if _, err := s.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves Timezone.
func (s Schedule) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", s.Timezone, err)
	}
	return loc, nil
}

func (s Schedule) appliesOn(d time.Weekday) bool {
	if len(s.Weekdays) == 0 {
		return true
	}
	for _, w := range s.Weekdays {
		if w == d {
			return true
		}
	}
	return false
}

// PerDay returns the number of distinct dose times in a scheduled day.
func (s Schedule) PerDay() int { return len(s.sortedTimes()) }

func (s Schedule) sortedTimes() []TimeOfDay {
	seen := make(map[int]bool, len(s.Times))
	out := make([]TimeOfDay, 0, len(s.Times))
	for _, t := range s.Times {
		if seen[t.minutes()] {
			continue
		}
		seen[t.minutes()] = true
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].minutes() < out[j].minutes() })
	return out
}

// Occurrences returns every scheduled dose in [from, to], ascending. An
// invalid timezone falls back to UTC.
func (s Schedule) Occurrences(from, to time.Time) []time.Time {
	if to.Before(from) {
		return nil
	}
	loc, err := s.Location()
	if err != nil {
		loc = time.UTC
	}
	times := s.sortedTimes()

	lf := from.In(loc)
	day := time.Date(lf.Year(), lf.Month(), lf.Day(), 0, 0, 0, 0, loc)
	var out []time.Time
	for !day.After(to) {
		if s.appliesOn(day.Weekday()) {
			for _, t := range times {
				at := time.Date(day.Year(), day.Month(), day.Day(), t.Hour, t.Minute, 0, 0, loc)
				if at.Before(from) || at.After(to) {
					continue
				}
				out = append(out, at)
			}
		}
		day = day.AddDate(0, 0, 1)
	}
	return out
}

// Window is the active period of a medication. A nil End means open-ended.
type Window struct {
	Start time.Time
	End   *time.Time
}

// Clamp intersects [from, to] with the window.
func (w Window) Clamp(from, to time.Time) (time.Time, time.Time, bool) {
	if !w.Start.IsZero() && from.Before(w.Start) {
		from = w.Start
	}
	if w.End != nil && to.After(*w.End) {
		to = *w.End
	}
	return from, to, !to.Before(from)
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	if !w.Start.IsZero() && t.Before(w.Start) {
		return false
	}
	return w.End == nil || !t.After(*w.End)
}
