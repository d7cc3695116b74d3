package model

import "fmt"

// Candidate is a mailbox message that matched the sender filter.
type Candidate struct {
	UID    uint32
	Labels []string
}

// Attachment is a named payload taken from a candidate message.
type Attachment struct {
	Filename string
	Data     []byte
}

// OutcomeKind classifies the result of one mailbox run.
type OutcomeKind int

const (
	FoundNothing OutcomeKind = iota
	ProcessedSome
	TransientError
)

func (k OutcomeKind) String() string {
	switch k {
	case FoundNothing:
		return "found_nothing"
	case ProcessedSome:
		return "processed_some"
	case TransientError:
		return "transient_error"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// Outcome is what a mailbox run reports back to the scheduler.
type Outcome struct {
	Kind      OutcomeKind
	Processed int
	Err       error
}

// Drained reports whether the run exhausted the eligible work of the current cycle.
func (o Outcome) Drained() bool {
	return o.Kind == ProcessedSome
}
