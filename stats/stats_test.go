package stats

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCollector_Emit(t *testing.T) {
	c := NewCollector()
	boom := errors.New("bad password")

	c.Emit(Event{Type: EventTypeCandidate, UID: 1})
	c.Emit(Event{Type: EventTypeCandidate, UID: 2})
	c.Emit(Event{Type: EventTypeSkipped, UID: 2})
	c.Emit(Event{Type: EventTypeAttached, UID: 1, Attachment: "a.pdf"})
	c.Emit(Event{Type: EventTypeAttached, UID: 1, Attachment: "b.pdf"})
	c.Emit(Event{Type: EventTypeFailed, UID: 1, Attachment: "a.pdf", Err: boom})
	c.Emit(Event{Type: EventTypeDecrypted, UID: 1, Attachment: "b.pdf"})
	c.Emit(Event{Type: EventTypeMarked, UID: 1})

	s := c.Snapshot()
	assert.Equal(t, 2, s.Candidates)
	assert.Equal(t, 1, s.Skipped)
	assert.Equal(t, 2, s.Attachments)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 1, s.Decrypted)
	assert.Equal(t, 1, s.Marked)
	assert.Equal(t, 0, s.Errors)
	assert.ErrorIs(t, s.LastError, boom)

	attrs := s.LogAttrs()
	assert.Contains(t, attrs, "lastError")
	assert.Contains(t, attrs, "bad password")
}
