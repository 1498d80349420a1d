package document

import "fmt"

// Status is the ingestion state of a document.
type Status string

const (
	StatusPending    Status = "pending"
	StatusSplitting  Status = "splitting"
	StatusOCRRunning Status = "ocr_running"
	StatusChunking   Status = "chunking"
	StatusEmbedding  Status = "embedding"
	StatusReady      Status = "ready"
	StatusFailed     Status = "failed"
)

// transitions lists the allowed next states for each state.
// Any non-terminal state may fail; terminal states may restart for re-ingestion.
var transitions = map[Status][]Status{
	StatusPending:    {StatusSplitting, StatusFailed},
	StatusSplitting:  {StatusOCRRunning, StatusFailed},
	StatusOCRRunning: {StatusChunking, StatusFailed},
	StatusChunking:   {StatusEmbedding, StatusFailed},
	StatusEmbedding:  {StatusReady, StatusFailed},
	StatusReady:      {StatusPending},
	StatusFailed:     {StatusPending},
}

// ParseStatus converts a stored string into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if _, ok := transitions[st]; !ok {
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidInput, s)
	}
	return st, nil
}

// Terminal reports whether no ingestion run is active in this state.
func (s Status) Terminal() bool {
	return s == StatusReady || s == StatusFailed
}

// CanTransition reports whether moving from s to next follows the pipeline order.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Transition validates a status change.
func (s Status) Transition(next Status) error {
	if !s.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s, next)
	}
	return nil
}
