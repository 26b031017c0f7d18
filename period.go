package querygate

import "time"

// Period is a calendar-day quota bucket formatted as YYYY-MM-DD.
type Period string

const periodLayout = "2006-01-02"

// PeriodClock maps wall-clock time to periods in a fixed reference timezone.
type PeriodClock struct {
	Location *time.Location
	// Now defaults to time.Now.
	Now func() time.Time
}

// NewPeriodClock creates a clock for the given location (UTC when nil).
func NewPeriodClock(loc *time.Location) PeriodClock {
	if loc == nil {
		loc = time.UTC
	}
	return PeriodClock{Location: loc, Now: time.Now}
}

// Current returns the period containing now.
func (c PeriodClock) Current() Period {
	return c.PeriodAt(c.now())
}

// PeriodAt returns the period containing t.
func (c PeriodClock) PeriodAt(t time.Time) Period {
	return Period(t.In(c.location()).Format(periodLayout))
}

// End returns the instant the current period rolls over.
func (c PeriodClock) End() time.Time {
	t := c.now().In(c.location())
	return time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, c.location())
}

func (c PeriodClock) now() time.Time {
	if c.Now == nil {
		return time.Now()
	}
	return c.Now()
}

func (c PeriodClock) location() *time.Location {
	if c.Location == nil {
		return time.UTC
	}
	return c.Location
}
