package stats

import (
	"sync"
	"time"
)

type EventType string

const (
	EventTypeCandidate EventType = "candidate"
	EventTypeSkipped   EventType = "skipped"
	EventTypeAttached  EventType = "attachment"
	EventTypeIgnored   EventType = "ignored"
	EventTypeDecrypted EventType = "decrypted"
	EventTypeDryRun    EventType = "dry_run"
	EventTypeFailed    EventType = "failed"
	EventTypeMarked    EventType = "marked"
	EventTypeError     EventType = "error"
)

type Event struct {
	Type       EventType
	UID        uint32
	Attachment string
	Err        error
}

// Summary is the per-run tally written to the log after every mailbox run.
type Summary struct {
	Candidates  int
	Skipped     int
	Attachments int
	Ignored     int
	Decrypted   int
	DryRun      int
	Failed      int
	Marked      int
	Errors      int
	LastError   error
	Duration    time.Duration
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"candidates", s.Candidates,
		"skipped", s.Skipped,
		"attachments", s.Attachments,
		"ignored", s.Ignored,
		"decrypted", s.Decrypted,
		"dryRun", s.DryRun,
		"failed", s.Failed,
		"marked", s.Marked,
		"errors", s.Errors,
		"duration", s.Duration,
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
	started time.Time
}

func NewCollector() *Collector {
	return &Collector{started: time.Now()}
}

func (c *Collector) Emit(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeCandidate:
		c.summary.Candidates++
	case EventTypeSkipped:
		c.summary.Skipped++
	case EventTypeAttached:
		c.summary.Attachments++
	case EventTypeIgnored:
		c.summary.Ignored++
	case EventTypeDecrypted:
		c.summary.Decrypted++
	case EventTypeDryRun:
		c.summary.DryRun++
	case EventTypeFailed:
		c.summary.Failed++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	case EventTypeMarked:
		c.summary.Marked++
	case EventTypeError:
		c.summary.Errors++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	summary.Duration = time.Since(c.started)
	return summary
}
