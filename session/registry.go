package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Registry maps session tokens to live push channels.
// Messages for tokens without a live channel go to the poll buffer.
// It is safe for concurrent use.
type Registry struct {
	log    *zap.SugaredLogger
	buffer *PollBuffer

	mut   sync.RWMutex
	conns map[string]Conn
}

type RegistryOption func(r *Registry)

func WithRegistryLogger(l *zap.SugaredLogger) RegistryOption {
	return func(r *Registry) {
		r.log = l.Named("session_registry")
	}
}

func WithPollBuffer(b *PollBuffer) RegistryOption {
	return func(r *Registry) {
		r.buffer = b
	}
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		log:    zap.NewNop().Sugar(),
		buffer: NewPollBuffer(),
		conns:  map[string]Conn{},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Find returns the open conn for the token. A closed conn is dropped from the registry.
func (r *Registry) Find(token string) (Conn, bool) {
	r.mut.RLock()
	c, ok := r.conns[token]
	r.mut.RUnlock()
	if !ok {
		return nil, false
	}
	if !c.IsOpen() {
		r.RemoveConn(token, c)
		return nil, false
	}
	return c, true
}

// Add binds the conn to the token, replacing any previous binding.
func (r *Registry) Add(token string, c Conn) {
	r.mut.Lock()
	defer r.mut.Unlock()
	r.conns[token] = c
	r.log.Debugw("added conn", "Token", token, "ConnID", c.ID())
}

func (r *Registry) Remove(token string) {
	r.mut.Lock()
	defer r.mut.Unlock()
	delete(r.conns, token)
}

// RemoveConn unbinds the token only if it is still bound to c.
func (r *Registry) RemoveConn(token string, c Conn) {
	r.mut.Lock()
	defer r.mut.Unlock()
	if cur, ok := r.conns[token]; ok && cur.ID() == c.ID() {
		delete(r.conns, token)
		r.log.Debugw("removed conn", "Token", token, "ConnID", c.ID())
	}
}

func (r *Registry) Len() int {
	r.mut.RLock()
	defer r.mut.RUnlock()
	return len(r.conns)
}

// Send pushes msg to the token's conn and returns it.
// If there is no open conn or the push fails, msg is queued for polling and ok is false.
func (r *Registry) Send(ctx context.Context, token, msg string) (c Conn, ok bool) {
	c, ok = r.Find(token)
	if ok {
		err := c.Send(ctx, msg)
		if err == nil {
			return c, true
		}
		r.log.Debugw("push failed, queueing for polling", "Token", token, "Error", err)
	}
	r.buffer.Push(token, msg)
	return nil, false
}

// Enqueue queues msg for polling without attempting a push.
func (r *Registry) Enqueue(token, msg string) {
	r.buffer.Push(token, msg)
}

// Poll returns the queued messages of the token, waiting up to wait for the first one.
func (r *Registry) Poll(ctx context.Context, token string, wait time.Duration) []string {
	return r.buffer.Wait(ctx, token, wait)
}

func (r *Registry) Buffer() *PollBuffer { return r.buffer }
