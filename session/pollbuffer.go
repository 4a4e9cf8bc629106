package session

import (
	"context"
	"sync"
	"time"
)

const (
	DefaultMaxPending = 1024
	DefaultIdleTTL    = 10 * time.Minute
)

// PollBuffer holds messages that could not be pushed, until a viewer polls for them.
// Each token's queue holds at most MaxPending messages, dropping the oldest on overflow.
// Queues not touched for IdleTTL are evicted.
type PollBuffer struct {
	MaxPending int
	IdleTTL    time.Duration

	mut     sync.Mutex
	now     func() time.Time
	queues  map[string]*pollQueue
	dropped uint64
}

type pollQueue struct {
	msgs       []string
	lastAccess time.Time
	// ready is closed when a message arrives, waking long pollers
	ready chan struct{}
}

func NewPollBuffer() *PollBuffer {
	return &PollBuffer{
		MaxPending: DefaultMaxPending,
		IdleTTL:    DefaultIdleTTL,
		now:        time.Now,
		queues:     map[string]*pollQueue{},
	}
}

// queue returns the queue for the token, creating it if needed. Must hold mut.
func (b *PollBuffer) queue(token string) *pollQueue {
	now := b.now()
	b.sweep(now, token)
	q, ok := b.queues[token]
	if !ok {
		q = &pollQueue{}
		b.queues[token] = q
	}
	q.lastAccess = now
	return q
}

func (b *PollBuffer) sweep(now time.Time, keep string) {
	if b.IdleTTL <= 0 {
		return
	}
	for token, q := range b.queues {
		if token != keep && now.Sub(q.lastAccess) > b.IdleTTL {
			delete(b.queues, token)
		}
	}
}

func (b *PollBuffer) Push(token, msg string) {
	b.mut.Lock()
	defer b.mut.Unlock()
	q := b.queue(token)
	if b.MaxPending > 0 && len(q.msgs) >= b.MaxPending {
		drop := len(q.msgs) - b.MaxPending + 1
		q.msgs = q.msgs[drop:]
		b.dropped += uint64(drop)
	}
	q.msgs = append(q.msgs, msg)
	if q.ready != nil {
		close(q.ready)
		q.ready = nil
	}
}

// Drain returns and removes all pending messages for the token.
func (b *PollBuffer) Drain(token string) []string {
	b.mut.Lock()
	defer b.mut.Unlock()
	q := b.queue(token)
	msgs := q.msgs
	q.msgs = nil
	return msgs
}

// Wait drains the token's messages, waiting up to wait for the first one to arrive.
func (b *PollBuffer) Wait(ctx context.Context, token string, wait time.Duration) []string {
	b.mut.Lock()
	q := b.queue(token)
	if len(q.msgs) > 0 || wait <= 0 {
		msgs := q.msgs
		q.msgs = nil
		b.mut.Unlock()
		return msgs
	}
	if q.ready == nil {
		q.ready = make(chan struct{})
	}
	ready := q.ready
	b.mut.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ready:
	case <-timer.C:
	case <-ctx.Done():
	}
	return b.Drain(token)
}

func (b *PollBuffer) Pending(token string) int {
	b.mut.Lock()
	defer b.mut.Unlock()
	q, ok := b.queues[token]
	if !ok {
		return 0
	}
	return len(q.msgs)
}

// Dropped is the number of messages discarded because a queue was full.
func (b *PollBuffer) Dropped() uint64 {
	b.mut.Lock()
	defer b.mut.Unlock()
	return b.dropped
}
