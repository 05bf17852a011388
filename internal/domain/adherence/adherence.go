// Package adherence computes dose adherence and streaks from a schedule and
// its dose log. It is pure: callers supply "now" and all data.
package adherence

import (
	"time"

	"github.com/healthvault/healthvault/internal/domain/dosing"
)

// Status of a dose slot.
type Status string

const (
	StatusPending Status = "pending"
	StatusTaken   Status = "taken"
	StatusMissed  Status = "missed"
	StatusSkipped Status = "skipped"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusTaken, StatusMissed, StatusSkipped:
		return true
	}
	return false
}

// Entry is one logged dose event.
type Entry struct {
	ScheduledAt time.Time
	Status      Status
}

// Input is everything Compute needs.
type Input struct {
	Schedule dosing.Schedule
	Window   dosing.Window
	From     time.Time
	To       time.Time
	Now      time.Time
	Logs     []Entry
}

// Report is the adherence summary over a range.
type Report struct {
	From          time.Time  `json:"from"`
	To            time.Time  `json:"to"`
	Total         int        `json:"total"`
	Taken         int        `json:"taken"`
	Missed        int        `json:"missed"`
	Skipped       int        `json:"skipped"`
	Unscheduled   int        `json:"unscheduled"`
	Rate          float64    `json:"rate"`
	Streak        int        `json:"streak"`
	LongestStreak int        `json:"longest_streak"`
	LastScheduled *time.Time `json:"last_scheduled,omitempty"`
}

// Slot is a scheduled occurrence with its resolved status.
type Slot struct {
	At     time.Time `json:"at"`
	Status Status    `json:"status"`
}

// precedence picks which log decides a slot when several share it.
var precedence = map[Status]int{
	StatusPending: 0,
	StatusMissed:  1,
	StatusSkipped: 2,
	StatusTaken:   3,
}

func slotKey(t time.Time) int64 { return t.Unix() / 60 }

// Slots resolves every due occurrence in the input range. Only occurrences
// at or before Now are due. A due occurrence without a log, or whose log is
// still pending, is missed. The second return value counts logs that match
// no occurrence in the range.
func Slots(in Input) ([]Slot, int) {
	to := in.To
	if !in.Now.IsZero() && in.Now.Before(to) {
		to = in.Now
	}
	from, to, ok := in.Window.Clamp(in.From, to)
	if !ok {
		return nil, countInRange(in.Logs, in.From, in.To)
	}

	occ := in.Schedule.Occurrences(from, to)
	byKey := make(map[int64]Status, len(in.Logs))
	for _, l := range in.Logs {
		k := slotKey(l.ScheduledAt)
		if cur, ok := byKey[k]; !ok || precedence[l.Status] > precedence[cur] {
			byKey[k] = l.Status
		}
	}

	slots := make([]Slot, 0, len(occ))
	matched := 0
	for _, at := range occ {
		st, ok := byKey[slotKey(at)]
		if ok {
			matched++
			delete(byKey, slotKey(at))
		}
		if !ok || st == StatusPending || !st.Valid() {
			st = StatusMissed
		}
		slots = append(slots, Slot{At: at, Status: st})
	}

	unscheduled := 0
	for _, l := range in.Logs {
		if _, ok := byKey[slotKey(l.ScheduledAt)]; ok && !l.ScheduledAt.Before(in.From) && !l.ScheduledAt.After(in.To) {
			unscheduled++
		}
	}
	return slots, unscheduled
}

func countInRange(logs []Entry, from, to time.Time) int {
	n := 0
	for _, l := range logs {
		if !l.ScheduledAt.Before(from) && !l.ScheduledAt.After(to) {
			n++
		}
	}
	return n
}

// Compute returns the adherence report for in.
//
// Rate is Taken*100/Total and is 0 when Total is 0. Streak counts
// consecutive taken slots ending at the most recent due slot; a missed or
// skipped slot ends it.
func Compute(in Input) Report {
	slots, unscheduled := Slots(in)
	r := Report{From: in.From, To: in.To, Total: len(slots), Unscheduled: unscheduled}

	run := 0
	for _, s := range slots {
		switch s.Status {
		case StatusTaken:
			r.Taken++
			run++
			if run > r.LongestStreak {
				r.LongestStreak = run
			}
		case StatusSkipped:
			r.Skipped++
			run = 0
		default:
			r.Missed++
			run = 0
		}
	}
	r.Streak = run
	if r.Total > 0 {
		r.Rate = float64(r.Taken) * 100 / float64(r.Total)
		last := slots[len(slots)-1].At
		r.LastScheduled = &last
	}
	return r
}
