package schedule

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/payslip-imap/model"
)

// 2026-10-13 is a Tuesday.
func at(day, hour, minute int) time.Time {
	return time.Date(2026, time.October, day, hour, minute, 0, 0, time.UTC)
}

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	w := DefaultWindow()
	w.Location = time.UTC
	s, err := New(w, DefaultInterval)
	require.NoError(t, err)
	return s
}

func TestWindow_Contains(t *testing.T) {
	s := newTestScheduler(t)

	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"monday noon", at(12, 12, 0), false},
		{"tuesday before start", at(13, 9, 59), false},
		{"tuesday at start", at(13, 10, 0), true},
		{"wednesday afternoon", at(14, 14, 0), true},
		{"thursday at end", at(15, 23, 59), true},
		{"thursday after end", at(15, 23, 59).Add(30 * time.Second), false},
		{"friday", at(16, 12, 0), false},
		{"saturday", at(17, 12, 0), false},
		{"sunday", at(18, 12, 0), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.InsideWindow(tt.now))
		})
	}
}

func TestScheduler_NextWindowStart(t *testing.T) {
	s := newTestScheduler(t)

	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{"valid day before start", at(14, 8, 30), at(14, 10, 0)},
		{"valid day past end", at(14, 23, 59).Add(time.Second), at(15, 10, 0)},
		{"last valid day past end", at(15, 23, 59).Add(time.Second), at(20, 10, 0)},
		{"saturday", at(17, 12, 0), at(20, 10, 0)},
		{"monday", at(12, 9, 0), at(13, 10, 0)},
		{"inside window", at(14, 14, 0), at(14, 14, 0)},
		{"exactly at start", at(13, 10, 0), at(13, 10, 0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.want.Equal(s.NextWindowStart(tt.now)), "got %s", s.NextWindowStart(tt.now))
		})
	}
}

func TestScheduler_NextWindowStartIsMinimal(t *testing.T) {
	s := newTestScheduler(t)

	start := at(12, 0, 0)
	for now := start; now.Before(start.Add(7 * 24 * time.Hour)); now = now.Add(37 * time.Minute) {
		next := s.NextWindowStart(now)
		require.False(t, next.Before(now), "next %s before now %s", next, now)
		require.True(t, s.InsideWindow(next), "next %s outside window", next)

		for probe := now; probe.Before(next); probe = probe.Add(time.Minute) {
			require.False(t, s.InsideWindow(probe), "earlier %s already inside window (now %s)", probe, now)
		}
	}
}

func TestScheduler_Decide(t *testing.T) {
	s := newTestScheduler(t)

	t.Run("outside window sleeps until next start", func(t *testing.T) {
		now := at(17, 12, 0)
		d := s.Decide(now, model.Outcome{})
		assert.Equal(t, Dormant, d.Mode)
		assert.True(t, at(20, 10, 0).Equal(d.WakeAt))
		assert.Equal(t, at(20, 10, 0).Sub(now), d.Wait(now))
	})

	t.Run("empty mailbox inside window keeps polling", func(t *testing.T) {
		now := at(13, 10, 5)
		d := s.Decide(now, model.Outcome{Kind: model.FoundNothing})
		assert.Equal(t, Poll, d.Mode)
		assert.Equal(t, DefaultInterval, d.Delay)
		assert.Equal(t, DefaultInterval, d.Wait(now))
	})

	t.Run("transient error inside window keeps polling", func(t *testing.T) {
		now := at(14, 14, 0)
		d := s.Decide(now, model.Outcome{Kind: model.TransientError, Err: errors.New("dial")})
		assert.Equal(t, Poll, d.Mode)
	})

	t.Run("drained cycle skips to next cycle", func(t *testing.T) {
		now := at(14, 14, 0)
		d := s.Decide(now, model.Outcome{Kind: model.ProcessedSome, Processed: 1})
		assert.Equal(t, Dormant, d.Mode)
		assert.True(t, at(20, 10, 0).Equal(d.WakeAt), "got %s", d.WakeAt)
	})

	t.Run("drained on cycle day before start wakes same day", func(t *testing.T) {
		now := at(13, 9, 0)
		d := s.Decide(now, model.Outcome{Kind: model.ProcessedSome, Processed: 2})
		assert.True(t, at(13, 10, 0).Equal(d.WakeAt), "got %s", d.WakeAt)
	})
}

func TestScheduler_Upcoming(t *testing.T) {
	s := newTestScheduler(t)
	got := s.Upcoming(at(14, 14, 0), 3)
	require.Len(t, got, 3)
	assert.True(t, at(15, 10, 0).Equal(got[0]))
	assert.True(t, at(20, 10, 0).Equal(got[1]))
	assert.True(t, at(21, 10, 0).Equal(got[2]))
}

func TestNew_RejectsBadInput(t *testing.T) {
	w := DefaultWindow()
	_, err := New(w, 0)
	assert.Error(t, err)

	w.End = Clock{Hour: 9}
	_, err = New(w, time.Hour)
	assert.Error(t, err)

	_, err = New(Window{Start: Clock{Hour: 1}, End: Clock{Hour: 2}}, time.Hour)
	assert.Error(t, err)
}

func TestParseWeekdays(t *testing.T) {
	days, err := ParseWeekdays([]string{"Thu", " tue", "wednesday", "tue"})
	require.NoError(t, err)
	assert.Equal(t, []time.Weekday{time.Tuesday, time.Wednesday, time.Thursday}, days)

	_, err = ParseWeekdays([]string{"funday"})
	assert.Error(t, err)

	_, err = ParseWeekdays(nil)
	assert.Error(t, err)
}

func TestParseClock(t *testing.T) {
	c, err := ParseClock("09:05")
	require.NoError(t, err)
	assert.Equal(t, Clock{Hour: 9, Minute: 5}, c)
	assert.Equal(t, "09:05", c.String())

	for _, bad := range []string{"", "9", "24:00", "10:60", "ab:cd"} {
		_, err := ParseClock(bad)
		assert.Error(t, err, bad)
	}
}

func TestWindow_CycleDay(t *testing.T) {
	assert.Equal(t, time.Tuesday, DefaultWindow().cycleDay())
	assert.Equal(t, time.Saturday, Window{Weekdays: []time.Weekday{time.Sunday, time.Saturday, time.Monday}}.cycleDay())
	all := Window{Weekdays: []time.Weekday{0, 1, 2, 3, 4, 5, 6}}
	assert.Equal(t, time.Monday, all.cycleDay())
}
