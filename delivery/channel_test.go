package delivery

import (
	"context"
	"testing"

	"github.com/geoweaver/gwrelay/session"
	"github.com/geoweaver/gwrelay/session/sessiontest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestParse(t *testing.T) {
	cases := []struct {
		name       string
		msg        string
		expID      string
		expPayload string
		expOK      bool
	}{
		{name: "simple", msg: Format("h1", "hello"), expID: "h1", expPayload: "hello", expOK: true},
		{name: "separator in payload", msg: Format("h1", "a*_*b"), expID: "h1", expPayload: "a*_*b", expOK: true},
		{name: "empty payload", msg: Format("h1", ""), expID: "h1", expPayload: "", expOK: true},
		{name: "no separator", msg: "garbage", expID: "garbage", expOK: false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			id, payload, ok := Parse(c.msg)
			assert.Equal(t, c.expID, id)
			assert.Equal(t, c.expPayload, payload)
			assert.Equal(t, c.expOK, ok)
		})
	}
}

func TestDeliverers(t *testing.T) {
	ctx := context.Background()

	conn := sessiontest.NewConn()
	require.NoError(t, PushDeliverer{Conn: conn}.Deliver(ctx, "tok", "m"))
	assert.Equal(t, []string{"m"}, conn.Messages())

	conn.FailSends(true)
	assert.Error(t, PushDeliverer{Conn: conn}.Deliver(ctx, "tok", "m2"))

	reg := session.NewRegistry()
	require.NoError(t, PollDeliverer{Queue: reg}.Deliver(ctx, "tok", "m"))
	assert.Equal(t, []string{"m"}, reg.Buffer().Drain("tok"))
}

func TestChannelPush(t *testing.T) {
	ctx := context.Background()
	reg := session.NewRegistry()
	conn := sessiontest.NewConn()
	reg.Add("tok", conn)
	c := NewChannel("tok", reg, zaptest.NewLogger(t).Sugar())

	c.SendRecord(ctx, "h1", "hello")
	assert.False(t, c.Fallback())
	assert.Equal(t, []string{"h1*_*hello"}, conn.Messages())
	assert.Equal(t, 0, reg.Buffer().Pending("tok"))
}

func TestChannelFallbackWithoutConn(t *testing.T) {
	ctx := context.Background()
	reg := session.NewRegistry()
	c := NewChannel("tok", reg, zaptest.NewLogger(t).Sugar())

	for _, m := range []string{"a", "b", "c"} {
		c.Send(ctx, m)
		assert.True(t, c.Fallback())
	}
	assert.Equal(t, []string{"a", "b", "c"}, reg.Buffer().Drain("tok"))
	pushed, polled := c.Counts()
	assert.Equal(t, 0, pushed)
	assert.Equal(t, 3, polled)
}

func TestChannelPushFailureFallsBack(t *testing.T) {
	ctx := context.Background()
	reg := session.NewRegistry()
	conn := sessiontest.NewConn()
	conn.FailSends(true)
	reg.Add("tok", conn)
	c := NewChannel("tok", reg, nil)

	c.Send(ctx, "a")
	assert.True(t, c.Fallback())
	assert.Empty(t, conn.Messages())
	assert.Equal(t, []string{"a"}, reg.Buffer().Drain("tok"))
}

func TestChannelReconnects(t *testing.T) {
	ctx := context.Background()
	reg := session.NewRegistry()
	c := NewChannel("tok", reg, zaptest.NewLogger(t).Sugar())

	first := sessiontest.NewConn()
	reg.Add("tok", first)
	c.Send(ctx, "1")

	first.Close()
	c.Send(ctx, "2")
	assert.True(t, c.Fallback())

	second := sessiontest.NewConn()
	reg.Add("tok", second)
	c.Send(ctx, "3")
	assert.False(t, c.Fallback())

	assert.Equal(t, []string{"1"}, first.Messages())
	assert.Equal(t, []string{"3"}, second.Messages())
	assert.Equal(t, []string{"2"}, reg.Buffer().Drain("tok"))
}
