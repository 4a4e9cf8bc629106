package session

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPollBufferDropsOldest(t *testing.T) {
	b := NewPollBuffer()
	b.MaxPending = 3
	for i := 0; i < 5; i++ {
		b.Push("tok", fmt.Sprintf("m%d", i))
	}
	assert.Equal(t, 3, b.Pending("tok"))
	assert.Equal(t, uint64(2), b.Dropped())
	assert.Equal(t, []string{"m2", "m3", "m4"}, b.Drain("tok"))
	assert.Empty(t, b.Drain("tok"))
}

func TestPollBufferEvictsIdleQueues(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	b := NewPollBuffer()
	b.now = func() time.Time { return now }

	b.Push("old", "m")
	now = now.Add(b.IdleTTL + time.Second)
	b.Push("new", "m")

	assert.Equal(t, 0, b.Pending("old"))
	assert.Equal(t, 1, b.Pending("new"))
}

func TestPollBufferWait(t *testing.T) {
	cases := []struct {
		name    string
		push    bool
		wait    time.Duration
		expMsgs []string
	}{
		{name: "message arrives while waiting", push: true, wait: 5 * time.Second, expMsgs: []string{"hello"}},
		{name: "times out empty", push: false, wait: 20 * time.Millisecond, expMsgs: nil},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			b := NewPollBuffer()
			if c.push {
				go func() {
					time.Sleep(20 * time.Millisecond)
					b.Push("tok", "hello")
				}()
			}
			assert.Equal(t, c.expMsgs, b.Wait(context.Background(), "tok", c.wait))
		})
	}
}

func TestPollBufferWaitReturnsPendingImmediately(t *testing.T) {
	b := NewPollBuffer()
	b.Push("tok", "a")
	b.Push("tok", "b")

	start := time.Now()
	msgs := b.Wait(context.Background(), "tok", time.Minute)
	assert.Equal(t, []string{"a", "b"}, msgs)
	assert.Less(t, time.Since(start), time.Second)
}

func TestPollBufferWaitCanceled(t *testing.T) {
	b := NewPollBuffer()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Empty(t, b.Wait(ctx, "tok", time.Minute))
}
