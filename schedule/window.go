package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Clock is a time of day with minute precision.
type Clock struct {
	Hour   int
	Minute int
}

// ParseClock parses "HH:MM" in 24h notation.
func ParseClock(value string) (Clock, error) {
	value = strings.TrimSpace(value)
	hh, mm, ok := strings.Cut(value, ":")
	if !ok {
		return Clock{}, fmt.Errorf("clock %q: expected HH:MM", value)
	}
	hour, err := strconv.Atoi(hh)
	if err != nil || hour < 0 || hour > 23 {
		return Clock{}, fmt.Errorf("clock %q: invalid hour", value)
	}
	minute, err := strconv.Atoi(mm)
	if err != nil || minute < 0 || minute > 59 {
		return Clock{}, fmt.Errorf("clock %q: invalid minute", value)
	}
	return Clock{Hour: hour, Minute: minute}, nil
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

func (c Clock) offset() time.Duration {
	return time.Duration(c.Hour)*time.Hour + time.Duration(c.Minute)*time.Minute
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tues": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thur": time.Thursday, "thurs": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

// ParseWeekdays turns names like "tue" or "Thursday" into weekdays.
// Duplicates are collapsed; the result is ordered Sunday first.
func ParseWeekdays(values []string) ([]time.Weekday, error) {
	var set [7]bool
	for _, raw := range values {
		name := strings.ToLower(strings.TrimSpace(raw))
		if name == "" {
			continue
		}
		day, ok := weekdayNames[name]
		if !ok {
			return nil, fmt.Errorf("unknown weekday %q", raw)
		}
		set[day] = true
	}

	days := make([]time.Weekday, 0, 7)
	for d, on := range set {
		if on {
			days = append(days, time.Weekday(d))
		}
	}
	if len(days) == 0 {
		return nil, fmt.Errorf("no weekdays given")
	}
	return days, nil
}

// Window is the recurring weekday and time-of-day range in which the mailbox
// is polled. Both Start and End are inclusive.
type Window struct {
	Weekdays []time.Weekday
	Start    Clock
	End      Clock
	Location *time.Location
}

// DefaultWindow is Tuesday to Thursday, 10:00 to 23:59 local time.
func DefaultWindow() Window {
	return Window{
		Weekdays: []time.Weekday{time.Tuesday, time.Wednesday, time.Thursday},
		Start:    Clock{Hour: 10},
		End:      Clock{Hour: 23, Minute: 59},
		Location: time.Local,
	}
}

func (w Window) Validate() error {
	if len(w.Weekdays) == 0 {
		return fmt.Errorf("window has no weekdays")
	}
	if w.End.offset() < w.Start.offset() {
		return fmt.Errorf("window end %s is before start %s", w.End, w.Start)
	}
	return nil
}

func (w Window) location() *time.Location {
	if w.Location == nil {
		return time.Local
	}
	return w.Location
}

func (w Window) hasDay(day time.Weekday) bool {
	for _, d := range w.Weekdays {
		if d == day {
			return true
		}
	}
	return false
}

// Contains reports whether t falls on a valid weekday between Start and End.
func (w Window) Contains(t time.Time) bool {
	t = t.In(w.location())
	if !w.hasDay(t.Weekday()) {
		return false
	}
	tod := time.Duration(t.Hour())*time.Hour +
		time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second +
		time.Duration(t.Nanosecond())
	return tod >= w.Start.offset() && tod <= w.End.offset()
}

// cycleDay is the weekday a new cycle begins on: the first valid day, in
// Monday-first order, whose previous day is not valid.
func (w Window) cycleDay() time.Weekday {
	for i := 0; i < 7; i++ {
		day := time.Weekday((i + 1) % 7)
		prev := time.Weekday((int(day) + 6) % 7)
		if w.hasDay(day) && !w.hasDay(prev) {
			return day
		}
	}
	return time.Monday
}

func (w Window) String() string {
	names := make([]string, 0, len(w.Weekdays))
	for _, d := range w.Weekdays {
		names = append(names, d.String()[:3])
	}
	return fmt.Sprintf("%s %s-%s %s", strings.Join(names, ","), w.Start, w.End, w.location())
}
