package session_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/geoweaver/gwrelay/session"
	"github.com/geoweaver/gwrelay/session/sessiontest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"nhooyr.io/websocket"
)

func TestRegistrySendPushesToOpenConn(t *testing.T) {
	ctx := context.Background()
	r := session.NewRegistry(session.WithRegistryLogger(zaptest.NewLogger(t).Sugar()))
	conn := sessiontest.NewConn()
	r.Add("tok", conn)

	c, ok := r.Send(ctx, "tok", "hello")
	require.True(t, ok)
	assert.Equal(t, conn.ID(), c.ID())
	assert.Equal(t, []string{"hello"}, conn.Messages())
	assert.Equal(t, 0, r.Buffer().Pending("tok"))
}

func TestRegistrySendFallsBack(t *testing.T) {
	cases := []struct {
		name  string
		setup func(r *session.Registry)
	}{
		{
			name:  "no conn",
			setup: func(r *session.Registry) {},
		},
		{
			name: "closed conn",
			setup: func(r *session.Registry) {
				c := sessiontest.NewConn()
				c.Close()
				r.Add("tok", c)
			},
		},
		{
			name: "failing conn",
			setup: func(r *session.Registry) {
				c := sessiontest.NewConn()
				c.FailSends(true)
				r.Add("tok", c)
			},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			r := session.NewRegistry()
			c.setup(r)

			conn, ok := r.Send(context.Background(), "tok", "hello")
			assert.False(t, ok)
			assert.Nil(t, conn)
			assert.Equal(t, []string{"hello"}, r.Poll(context.Background(), "tok", 0))
		})
	}
}

func TestRegistryFindPrunesClosedConn(t *testing.T) {
	r := session.NewRegistry()
	c := sessiontest.NewConn()
	r.Add("tok", c)
	require.Equal(t, 1, r.Len())

	c.Close()
	_, ok := r.Find("tok")
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())
}

func TestRegistryRemoveConnKeepsNewerBinding(t *testing.T) {
	r := session.NewRegistry()
	old := sessiontest.NewConn()
	newer := sessiontest.NewConn()
	r.Add("tok", old)
	r.Add("tok", newer)

	r.RemoveConn("tok", old)
	c, ok := r.Find("tok")
	require.True(t, ok)
	assert.Equal(t, newer.ID(), c.ID())

	r.Remove("tok")
	_, ok = r.Find("tok")
	assert.False(t, ok)
}

func TestWSConn(t *testing.T) {
	log := zaptest.NewLogger(t).Sugar()
	connCh := make(chan *session.WSConn, 1)
	holdDone := make(chan error, 1)
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wsConn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		c := session.NewWSConn(wsConn, log)
		connCh <- c
		holdDone <- c.Hold(r.Context())
	}))
	t.Cleanup(s.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	clientConn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(s.URL, "http"), nil)
	require.NoError(t, err)

	serverConn := <-connCh
	require.True(t, serverConn.IsOpen())
	require.NoError(t, serverConn.Send(ctx, "id*_*hello"))

	typ, b, err := clientConn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, websocket.MessageText, typ)
	assert.Equal(t, "id*_*hello", string(b))

	require.NoError(t, clientConn.Close(websocket.StatusNormalClosure, ""))
	require.NoError(t, <-holdDone)
	assert.False(t, serverConn.IsOpen())
	assert.ErrorIs(t, serverConn.Send(ctx, "late"), session.ErrConnClosed)
}
