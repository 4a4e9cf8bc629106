// Package sessiontest provides an in-memory session.Conn for tests.
package sessiontest

import (
	"context"
	"errors"
	"sync"

	"github.com/geoweaver/gwrelay/session"
	"github.com/google/uuid"
)

var ErrSendFailed = errors.New("send failed")

// Conn records every message pushed to it.
type Conn struct {
	id string

	mut    sync.Mutex
	closed bool
	fail   bool
	msgs   []string
}

func NewConn() *Conn {
	return &Conn{id: uuid.NewString()}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) IsOpen() bool {
	c.mut.Lock()
	defer c.mut.Unlock()
	return !c.closed
}

func (c *Conn) Send(ctx context.Context, msg string) error {
	c.mut.Lock()
	defer c.mut.Unlock()
	if c.closed {
		return session.ErrConnClosed
	}
	if c.fail {
		return ErrSendFailed
	}
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *Conn) Close() error {
	c.mut.Lock()
	defer c.mut.Unlock()
	c.closed = true
	return nil
}

// FailSends makes Send return an error while still reporting the conn as open.
func (c *Conn) FailSends(fail bool) {
	c.mut.Lock()
	defer c.mut.Unlock()
	c.fail = fail
}

func (c *Conn) Messages() []string {
	c.mut.Lock()
	defer c.mut.Unlock()
	return append([]string(nil), c.msgs...)
}
