package clock

import (
	"sync"
	"time"
)

// DayLayout is the format of day partition keys (YYYY-MM-DD).
const DayLayout = "2006-01-02"

// Clock supplies the current time and the calendar it is read in.
type Clock interface {
	Now() time.Time
	Location() *time.Location
}

// DayKey formats t as a calendar day in loc. A nil loc means time.Local.
func DayKey(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return t.In(loc).Format(DayLayout)
}

// Today is DayKey(c.Now(), c.Location()).
func Today(c Clock) string {
	return DayKey(c.Now(), c.Location())
}

// StartOfDay returns local midnight of t's calendar day in loc.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

type System struct {
	loc *time.Location
}

// NewSystem returns the wall clock read in loc (time.Local when nil).
func NewSystem(loc *time.Location) System {
	if loc == nil {
		loc = time.Local
	}
	return System{loc: loc}
}

func (s System) Now() time.Time           { return time.Now().In(s.loc) }
func (s System) Location() *time.Location { return s.loc }

// Fixed is a manually driven clock for tests and replay tools.
type Fixed struct {
	mu  sync.Mutex
	now time.Time
	loc *time.Location
}

func NewFixed(now time.Time) *Fixed {
	loc := now.Location()
	if loc == nil {
		loc = time.UTC
	}
	return &Fixed{now: now, loc: loc}
}

func (f *Fixed) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fixed) Location() *time.Location { return f.loc }

func (f *Fixed) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

func (f *Fixed) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}
