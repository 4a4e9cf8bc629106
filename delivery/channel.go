/*
Package delivery sends messages addressed by session token to a remote viewer.

A send first resolves the token's push channel through the session registry. If one is open the
message is pushed over it, otherwise (or if the push fails) the message is queued for the viewer to
poll. Sends never fail from the caller's point of view, and are attempted at most once: a message that
is neither pushed nor ever polled is lost.

Channels store only the token, never the connection, so a dead connection is not kept alive and a
reconnecting viewer is picked up on the next send.
*/
package delivery

import (
	"context"
	"sync"

	"github.com/geoweaver/gwrelay/session"
	"go.uber.org/zap"
)

// Deliverer delivers one message for a token.
type Deliverer interface {
	Deliver(ctx context.Context, token, msg string) error
}

// PushDeliverer pushes over a live connection.
type PushDeliverer struct {
	Conn session.Conn
}

func (d PushDeliverer) Deliver(ctx context.Context, token, msg string) error {
	return d.Conn.Send(ctx, msg)
}

type Enqueuer interface {
	Enqueue(token, msg string)
}

// PollDeliverer queues the message for a later poll. It always succeeds.
type PollDeliverer struct {
	Queue Enqueuer
}

func (d PollDeliverer) Deliver(ctx context.Context, token, msg string) error {
	d.Queue.Enqueue(token, msg)
	return nil
}

// Sessions is the part of the session registry a Channel uses.
type Sessions interface {
	Find(token string) (session.Conn, bool)
	Enqueue(token, msg string)
}

// Channel delivers messages for one session token.
type Channel struct {
	log      *zap.SugaredLogger
	token    string
	sessions Sessions

	mut        sync.Mutex
	lastConnID string
	fallback   bool
	pushed     int
	polled     int
}

func NewChannel(token string, sessions Sessions, log *zap.SugaredLogger) *Channel {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Channel{
		log:      log.Named("delivery").With("Token", token),
		token:    token,
		sessions: sessions,
	}
}

// resolve picks the deliverer for the current state of the token's session.
func (c *Channel) resolve() (Deliverer, string) {
	conn, ok := c.sessions.Find(c.token)
	if !ok {
		return PollDeliverer{Queue: c.sessions}, ""
	}
	return PushDeliverer{Conn: conn}, conn.ID()
}

// Send delivers msg by push if possible, else by poll. It never fails.
func (c *Channel) Send(ctx context.Context, msg string) {
	c.mut.Lock()
	defer c.mut.Unlock()

	d, connID := c.resolve()
	switch {
	case connID != "" && c.lastConnID != "" && connID != c.lastConnID:
		c.log.Debugw("reconnected to new push channel", "ConnID", connID)
	case connID != "" && c.lastConnID == "" && c.fallback:
		c.log.Debugw("push channel available again", "ConnID", connID)
	case connID == "" && !c.fallback:
		c.log.Debug("no live push channel, using poll fallback")
	}

	err := d.Deliver(ctx, c.token, msg)
	if err != nil {
		c.log.Debugf("push failed, using poll fallback: %s", err)
		_ = PollDeliverer{Queue: c.sessions}.Deliver(ctx, c.token, msg)
		connID = ""
	}

	c.lastConnID = connID
	c.fallback = connID == ""
	if c.fallback {
		c.polled++
	} else {
		c.pushed++
	}
}

// SendRecord formats and sends a payload of a record.
func (c *Channel) SendRecord(ctx context.Context, recordID, payload string) {
	c.Send(ctx, Format(recordID, payload))
}

// Fallback reports whether the last send went through the poll fallback.
func (c *Channel) Fallback() bool {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.fallback
}

// Counts returns how many messages were pushed and how many were queued for polling.
func (c *Channel) Counts() (pushed, polled int) {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.pushed, c.polled
}
