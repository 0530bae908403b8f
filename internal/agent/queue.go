package agent

import (
	"context"
	"sync"
)

// SequentialQueue serializes work per agent. Each agent gets a FIFO: Run
// admits callers in enqueue order, and Clear rejects everything still
// waiting with ErrQueueCleared.
type SequentialQueue struct {
	mu      sync.Mutex
	tails   map[string]chan struct{}
	cleared map[string]chan struct{}
	waiting map[string]int
}

// NewSequentialQueue creates an empty queue set.
func NewSequentialQueue() *SequentialQueue {
	return &SequentialQueue{
		tails:   make(map[string]chan struct{}),
		cleared: make(map[string]chan struct{}),
		waiting: make(map[string]int),
	}
}

// Run executes fn after every previously enqueued item for the agent has
// finished. It returns fn's result, ErrQueueCleared if the queue was cleared
// while waiting, or the context error on cancellation.
//
// A rejected or cancelled waiter releases its queue slot only after its
// predecessor finishes, so items enqueued later never overlap an execution
// admitted earlier.
func (q *SequentialQueue) Run(ctx context.Context, agentID string, fn func(ctx context.Context) (any, error)) (any, error) {
	q.mu.Lock()
	prev := q.tails[agentID]
	turn := make(chan struct{})
	q.tails[agentID] = turn
	clearedCh := q.cleared[agentID]
	if clearedCh == nil {
		clearedCh = make(chan struct{})
		q.cleared[agentID] = clearedCh
	}
	q.waiting[agentID]++
	q.mu.Unlock()

	leave := func(owned bool) {
		if owned {
			close(turn)
		} else if prev != nil {
			// Keep the chain intact for successors: our slot opens when
			// the predecessor's does.
			go func() {
				<-prev
				close(turn)
			}()
		} else {
			close(turn)
		}
		q.mu.Lock()
		q.waiting[agentID]--
		if q.waiting[agentID] <= 0 {
			delete(q.waiting, agentID)
			if q.tails[agentID] == turn {
				delete(q.tails, agentID)
			}
		}
		q.mu.Unlock()
	}

	if prev != nil {
		select {
		case <-prev:
		case <-clearedCh:
			leave(false)
			return nil, ErrQueueCleared
		case <-ctx.Done():
			leave(false)
			return nil, ctx.Err()
		}
	}

	// The queue may have been cleared between admission and this turn.
	select {
	case <-clearedCh:
		leave(true)
		return nil, ErrQueueCleared
	case <-ctx.Done():
		leave(true)
		return nil, ctx.Err()
	default:
	}

	out, err := fn(ctx)
	leave(true)
	return out, err
}

// Clear rejects the agent's pending items with ErrQueueCleared. The item
// currently executing is not interrupted; items enqueued after the clear
// run normally once it finishes.
func (q *SequentialQueue) Clear(agentID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if ch, ok := q.cleared[agentID]; ok {
		close(ch)
	}
	q.cleared[agentID] = make(chan struct{})
}

// ClearAll rejects pending items for every agent.
func (q *SequentialQueue) ClearAll() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for agentID, ch := range q.cleared {
		close(ch)
		q.cleared[agentID] = make(chan struct{})
	}
}

// Waiting returns the number of items enqueued or running for the agent.
func (q *SequentialQueue) Waiting(agentID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.waiting[agentID]
}
