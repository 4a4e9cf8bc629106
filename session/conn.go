package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Conn is a live push channel to one viewer.
type Conn interface {
	ID() string
	IsOpen() bool
	// Send pushes one text message. An error means the message was not delivered.
	Send(ctx context.Context, msg string) error
	Close() error
}

var ErrConnClosed = errors.New("connection closed")

const defaultWriteTimeout = 5 * time.Second

// WSConn is a Conn over a WebSocket connection.
type WSConn struct {
	id           string
	log          *zap.SugaredLogger
	conn         *websocket.Conn
	writeTimeout time.Duration

	closed    atomic.Bool
	closeOnce sync.Once
}

func NewWSConn(conn *websocket.Conn, log *zap.SugaredLogger) *WSConn {
	id := uuid.NewString()
	return &WSConn{
		id:           id,
		log:          log.Named("ws_conn").With("ConnID", id),
		conn:         conn,
		writeTimeout: defaultWriteTimeout,
	}
}

func (c *WSConn) ID() string { return c.id }

func (c *WSConn) IsOpen() bool { return !c.closed.Load() }

func (c *WSConn) Send(ctx context.Context, msg string) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	ctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	err := c.conn.Write(ctx, websocket.MessageText, []byte(msg))
	if err != nil {
		c.log.Debugf("write error, marking closed: %s", err)
		c.closed.Store(true)
		return fmt.Errorf("writing to WebSocket: %w", err)
	}
	return nil
}

// Hold reads from the connection until the peer goes away or ctx is done.
// Reading is required for the WebSocket library to handle pings and the close handshake.
// Messages sent by the viewer are ignored.
func (c *WSConn) Hold(ctx context.Context) error {
	defer c.closed.Store(true)
	for {
		_, _, err := c.conn.Read(ctx)
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure || websocket.CloseStatus(err) == websocket.StatusGoingAway {
			c.log.Debug("viewer closed the connection")
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (c *WSConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.conn.Close(websocket.StatusNormalClosure, "")
		if err != nil {
			c.log.Debugf("error closing conn: %s", err)
		}
	})
	return err
}
