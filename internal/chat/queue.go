package chat

import (
	"context"
	"sync"
)

// turnQueue serializes turns per conversation in arrival order. Each turn
// waits for the one queued before it; turns of other conversations are
// independent.
type turnQueue struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
}

func newTurnQueue() *turnQueue {
	return &turnQueue{tails: make(map[string]chan struct{})}
}

// acquire blocks until every earlier turn of the conversation finished.
// The returned release must be called exactly once when the turn ends.
// If ctx ends first, the turn leaves the queue without blocking later turns.
func (q *turnQueue) acquire(ctx context.Context, conversationID string) (func(), error) {
	q.mu.Lock()
	prev := q.tails[conversationID]
	done := make(chan struct{})
	q.tails[conversationID] = done
	q.mu.Unlock()

	release := func() {
		close(done)
		q.mu.Lock()
		if q.tails[conversationID] == done {
			delete(q.tails, conversationID)
		}
		q.mu.Unlock()
	}

	if prev == nil {
		return release, nil
	}
	select {
	case <-prev:
		return release, nil
	case <-ctx.Done():
		// Successors wait on done, which must only close after prev.
		go func() {
			<-prev
			release()
		}()
		return nil, ctx.Err()
	}
}

// pending reports the number of conversations with queued or running turns.
func (q *turnQueue) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tails)
}
