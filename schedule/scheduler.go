package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	cronv3 "github.com/robfig/cron/v3"

	"github.com/dhcgn/payslip-imap/model"
)

// DefaultInterval is the re-check delay while inside an active window.
const DefaultInterval = 2 * time.Hour

type Mode int

const (
	Poll Mode = iota
	Dormant
)

func (m Mode) String() string {
	if m == Poll {
		return "poll"
	}
	return "dormant"
}

// WakeDecision tells the driving loop when to look at the mailbox next.
type WakeDecision struct {
	Mode   Mode
	Delay  time.Duration
	WakeAt time.Time
}

// Wait returns how long to sleep from now, never negative.
func (d WakeDecision) Wait(now time.Time) time.Duration {
	if d.Mode == Poll {
		return d.Delay
	}
	wait := d.WakeAt.Sub(now)
	if wait < 0 {
		return 0
	}
	return wait
}

// Scheduler is a pure function of time over a fixed Window. It performs no I/O.
type Scheduler struct {
	window   Window
	interval time.Duration
	starts   cronv3.Schedule
	cycles   cronv3.Schedule
}

func New(window Window, interval time.Duration) (*Scheduler, error) {
	if err := window.Validate(); err != nil {
		return nil, err
	}
	if interval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive")
	}

	days := make([]string, 0, len(window.Weekdays))
	for _, d := range window.Weekdays {
		days = append(days, strconv.Itoa(int(d)))
	}

	starts, err := cronv3.ParseStandard(fmt.Sprintf("%d %d * * %s", window.Start.Minute, window.Start.Hour, strings.Join(days, ",")))
	if err != nil {
		return nil, fmt.Errorf("window start schedule: %w", err)
	}
	cycles, err := cronv3.ParseStandard(fmt.Sprintf("%d %d * * %d", window.Start.Minute, window.Start.Hour, window.cycleDay()))
	if err != nil {
		return nil, fmt.Errorf("cycle start schedule: %w", err)
	}

	return &Scheduler{
		window:   window,
		interval: interval,
		starts:   starts,
		cycles:   cycles,
	}, nil
}

func (s *Scheduler) Window() Window {
	return s.window
}

func (s *Scheduler) InsideWindow(now time.Time) bool {
	return s.window.Contains(now)
}

// NextWindowStart returns the earliest instant at or after now that lies
// inside the window. Inside the window that is now itself.
func (s *Scheduler) NextWindowStart(now time.Time) time.Time {
	if s.window.Contains(now) {
		return now
	}
	return s.starts.Next(now.In(s.window.location()))
}

// NextCycleStart returns the first window start of the next cycle strictly
// after now, e.g. the coming Tuesday 10:00 for a Tue-Thu window.
func (s *Scheduler) NextCycleStart(now time.Time) time.Time {
	return s.cycles.Next(now.In(s.window.location()))
}

func (s *Scheduler) NextPollDelay() time.Duration {
	return s.interval
}

// Decide picks the next wake time from the current time and the outcome of
// the previous run. A drained cycle sleeps until the next cycle starts.
func (s *Scheduler) Decide(now time.Time, last model.Outcome) WakeDecision {
	if last.Drained() {
		return WakeDecision{Mode: Dormant, WakeAt: s.NextCycleStart(now)}
	}
	if s.window.Contains(now) {
		return WakeDecision{Mode: Poll, Delay: s.interval, WakeAt: now.Add(s.interval)}
	}
	return WakeDecision{Mode: Dormant, WakeAt: s.NextWindowStart(now)}
}

// Upcoming lists the next n window starts after now, for display.
func (s *Scheduler) Upcoming(now time.Time, n int) []time.Time {
	out := make([]time.Time, 0, n)
	t := now
	for len(out) < n {
		t = s.starts.Next(t.In(s.window.location()))
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out
}
