package stream_test

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"strconv"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	"github.com/geoweaver/gwrelay/delivery"
	"github.com/geoweaver/gwrelay/history"
	"github.com/geoweaver/gwrelay/history/memstore"
	"github.com/geoweaver/gwrelay/session"
	"github.com/geoweaver/gwrelay/session/sessiontest"
	"github.com/geoweaver/gwrelay/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type harness struct {
	t        *testing.T
	manager  *history.Manager
	registry *session.Registry
	conn     *sessiontest.Conn
	channel  *delivery.Channel
}

func newHarness(t *testing.T, connected bool) *harness {
	log := zaptest.NewLogger(t).Sugar()
	h := &harness{
		t:        t,
		manager:  history.NewManager(memstore.New(), nil, history.WithManagerLogger(log)),
		registry: session.NewRegistry(session.WithRegistryLogger(log)),
		conn:     sessiontest.NewConn(),
	}
	if connected {
		h.registry.Add("tok", h.conn)
	}
	h.channel = delivery.NewChannel("tok", h.registry, log)
	return h
}

func (h *harness) streamer(r io.Reader, opts ...stream.Option) *stream.Streamer {
	opts = append([]stream.Option{stream.WithLogger(zaptest.NewLogger(h.t).Sugar())}, opts...)
	return stream.New("h1", r, h.manager, h.channel, opts...)
}

func (h *harness) record() *history.Record {
	r, err := h.manager.Get(context.Background(), "h1")
	require.NoError(h.t, err)
	return r
}

// payloads strips the record id from every pushed message.
func (h *harness) payloads() []string {
	var out []string
	for _, m := range h.conn.Messages() {
		id, payload, ok := delivery.Parse(m)
		require.True(h.t, ok)
		require.Equal(h.t, "h1", id)
		out = append(out, payload)
	}
	return out
}

func TestStreamerEndsAfterEmptyLineStreak(t *testing.T) {
	h := newHarness(t, true)
	input := "build started\n" + strings.Repeat("\n", 10) + stream.DefaultEndMarker + "\ndone\n"

	status, err := h.streamer(strings.NewReader(input)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, history.StatusDone, status)

	r := h.record()
	assert.Equal(t, history.StatusDone, r.Status)
	assert.Equal(t, "build started\n", r.Output)
	assert.NotNil(t, r.EndTime)

	assert.Equal(t, []string{
		"Process h1 Started",
		"build started",
		"The process h1 is finished.",
		"======= Process h1 ended",
	}, h.payloads())
}

func TestStreamerResetsEmptyLineStreak(t *testing.T) {
	h := newHarness(t, true)
	input := strings.Repeat("\n", 9) + "x\n" + strings.Repeat("\n", 10) + "after\n"

	status, err := h.streamer(strings.NewReader(input)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, history.StatusDone, status)
	assert.Equal(t, "x\n", h.record().Output)
}

func TestStreamerDropsEndMarker(t *testing.T) {
	h := newHarness(t, true)
	input := "a\n" + stream.DefaultEndMarker + "\nb\n"

	status, err := h.streamer(strings.NewReader(input)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, history.StatusDone, status)
	assert.Equal(t, "a\nb\n", h.record().Output)
	for _, p := range h.payloads() {
		assert.NotContains(t, p, stream.DefaultEndMarker)
	}
}

func TestStreamerLogMatchesDeliveredLines(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 20; i++ {
		h := newHarness(t, true)

		var (
			input    strings.Builder
			expected strings.Builder
		)
		for j := 0; j < 50; j++ {
			input.WriteString(strings.Repeat("\n", rng.Intn(9)))
			line := randomLine(rng)
			input.WriteString(line + "\n")
			expected.WriteString(line + "\n")
		}

		status, err := h.streamer(strings.NewReader(input.String())).Run(context.Background())
		require.NoError(t, err)
		require.Equal(t, history.StatusDone, status)

		var delivered strings.Builder
		for _, p := range h.payloads() {
			if strings.HasPrefix(p, "Process h1") || strings.HasPrefix(p, "The process h1") || strings.HasPrefix(p, "======= Process h1") {
				continue
			}
			delivered.WriteString(p + "\n")
		}
		assert.Equal(t, expected.String(), h.record().Output)
		assert.Equal(t, expected.String(), delivered.String())
	}
}

func randomLine(rng *rand.Rand) string {
	const chars = "abcdefghijklmnopqrstuvwxyz0123456789 =*_"
	b := make([]byte, 1+rng.Intn(40))
	for i := range b {
		b[i] = chars[rng.Intn(len(chars))]
	}
	return strings.TrimSpace(string(b)) + "."
}

func TestStreamerStopUnblocksRead(t *testing.T) {
	h := newHarness(t, true)
	pr, pw := io.Pipe()
	defer pw.Close()
	s := h.streamer(pr)

	type result struct {
		status history.Status
		err    error
	}
	results := make(chan result, 1)
	go func() {
		status, err := s.Run(context.Background())
		results <- result{status: status, err: err}
	}()

	_, err := pw.Write([]byte("hello\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return h.record().Output == "hello\n"
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, h.manager.Stop(context.Background(), "h1"))

	select {
	case res := <-results:
		require.NoError(t, res.err)
		assert.Equal(t, history.StatusStopped, res.status)
	case <-time.After(5 * time.Second):
		t.Fatal("streamer did not stop")
	}

	r := h.record()
	assert.Equal(t, history.StatusStopped, r.Status)
	assert.Equal(t, "hello\n", r.Output)
	assert.Contains(t, h.payloads(), "======= Process h1 ended")
}

func TestStreamerStopBeforeRun(t *testing.T) {
	h := newHarness(t, true)
	pr, pw := io.Pipe()
	defer pw.Close()
	s := h.streamer(pr)
	s.Stop()

	status, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, history.StatusStopped, status)
}

func TestStreamerEndWithCode(t *testing.T) {
	cases := []struct {
		code      int
		expStatus history.Status
	}{
		{code: 0, expStatus: history.StatusDone},
		{code: 7, expStatus: history.StatusFailed},
	}
	for _, c := range cases {
		t.Run(c.expStatus.String(), func(t *testing.T) {
			h := newHarness(t, true)
			s := h.streamer(strings.NewReader(""))

			require.NoError(t, s.EndWithCode(context.Background(), c.code))

			r := h.record()
			assert.Equal(t, c.expStatus, r.Status)
			assert.NotNil(t, r.EndTime)
			assert.Equal(t, []string{"Exit Code: " + strconv.Itoa(c.code)}, h.payloads())
		})
	}
}

// failingRecords fails Running saves whose output contains a marker.
type failingRecords struct {
	*history.Manager
	marker string
}

func (f failingRecords) Save(ctx context.Context, r *history.Record) error {
	if r.Status == history.StatusRunning && strings.Contains(r.Output, f.marker) {
		return errors.New("store unavailable")
	}
	return f.Manager.Save(ctx, r)
}

func TestStreamerFailsOnLineError(t *testing.T) {
	h := newHarness(t, true)
	records := failingRecords{Manager: h.manager, marker: "boom"}
	s := stream.New("h1", strings.NewReader("ok\nboom\nnever\n"), records, h.channel,
		stream.WithLogger(zaptest.NewLogger(t).Sugar()))

	status, err := s.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store unavailable")
	assert.Equal(t, history.StatusFailed, status)

	r := h.record()
	assert.Equal(t, history.StatusFailed, r.Status)
	assert.True(t, strings.HasPrefix(r.Output, "ok\nboom\n"))
	assert.Contains(t, r.Output, "store unavailable")
	assert.NotContains(t, r.Output, "never")
}

func TestStreamerFailsOnReadError(t *testing.T) {
	h := newHarness(t, true)
	r := io.MultiReader(strings.NewReader("a\n"), iotest.ErrReader(errors.New("disk gone")))

	status, err := h.streamer(r).Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, history.StatusFailed, status)

	rec := h.record()
	assert.Equal(t, history.StatusFailed, rec.Status)
	assert.Contains(t, rec.Output, "disk gone")
	assert.Contains(t, h.payloads(), "======= Process h1 ended")
}

func TestStreamerPersistEvery(t *testing.T) {
	h := newHarness(t, true)
	counting := &countingRecords{Manager: h.manager}
	input := "1\n2\n3\n4\n5\n6\n7\n"
	s := stream.New("h1", strings.NewReader(input), counting, h.channel, stream.WithPersistEvery(3))

	status, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, history.StatusDone, status)
	// the initial Running save, two periodic saves, the final save
	assert.Equal(t, 4, counting.saves)
	assert.Equal(t, input, h.record().Output)
}

type countingRecords struct {
	*history.Manager
	saves    int
	statuses []history.Status
}

func (c *countingRecords) Save(ctx context.Context, r *history.Record) error {
	c.saves++
	c.statuses = append(c.statuses, r.Status)
	return c.Manager.Save(ctx, r)
}

func TestStreamerFallsBackToPolling(t *testing.T) {
	h := newHarness(t, false)

	status, err := h.streamer(strings.NewReader("queued\n")).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, history.StatusDone, status)
	assert.True(t, h.channel.Fallback())

	msgs := h.registry.Buffer().Drain("tok")
	assert.Contains(t, msgs, delivery.Format("h1", "queued"))
	assert.Equal(t, delivery.Format("h1", "======= Process h1 ended"), msgs[len(msgs)-1])
}

type fakeProcess struct {
	alive     bool
	destroyed bool
	code      int
}

func (p *fakeProcess) IsAlive() bool { return p.alive }

func (p *fakeProcess) Destroy() error {
	p.destroyed = true
	p.alive = false
	return nil
}

func (p *fakeProcess) ExitValue() (int, error) { return p.code, nil }

func TestStreamerFinishesProcess(t *testing.T) {
	cases := []struct {
		name      string
		proc      *fakeProcess
		expStatus history.Status
	}{
		{name: "exited ok", proc: &fakeProcess{code: 0}, expStatus: history.StatusDone},
		{name: "exited with error", proc: &fakeProcess{code: 2}, expStatus: history.StatusFailed},
		{name: "still alive", proc: &fakeProcess{alive: true, code: 137}, expStatus: history.StatusFailed},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			h := newHarness(t, true)
			wasAlive := c.proc.alive

			status, err := h.streamer(strings.NewReader("out\n"), stream.WithProcess(c.proc)).Run(context.Background())
			require.NoError(t, err)
			assert.Equal(t, c.expStatus, status)
			assert.Equal(t, wasAlive, c.proc.destroyed)

			assert.Equal(t, status, h.record().Status)
			assert.Contains(t, h.payloads(), "Exit Code: "+strconv.Itoa(c.proc.code))
		})
	}
}

func TestStreamerSavesOneTerminalStatus(t *testing.T) {
	h := newHarness(t, true)
	counting := &countingRecords{Manager: h.manager}
	proc := &fakeProcess{code: 7}
	s := stream.New("h1", strings.NewReader("out\n"), counting, h.channel, stream.WithProcess(proc))

	status, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, history.StatusFailed, status)
	assert.Equal(t, status, h.record().Status)

	var terminal []history.Status
	for _, st := range counting.statuses {
		if st.Terminal() {
			terminal = append(terminal, st)
		}
	}
	assert.Equal(t, []history.Status{history.StatusFailed}, terminal)

	payloads := h.payloads()
	require.GreaterOrEqual(t, len(payloads), 3)
	assert.Equal(t, []string{delivery.ExitCode(7), delivery.Finished("h1"), delivery.Ended("h1")}, payloads[len(payloads)-3:])
}

func TestStreamerKeepsStoppedStatusOverExitCode(t *testing.T) {
	h := newHarness(t, true)
	pr, pw := io.Pipe()
	defer pw.Close()
	proc := &fakeProcess{alive: true, code: 0}
	s := h.streamer(pr, stream.WithProcess(proc))
	s.Stop()

	status, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, history.StatusStopped, status)
	assert.True(t, proc.destroyed)
	assert.Equal(t, history.StatusStopped, h.record().Status)
	assert.Contains(t, h.payloads(), "Exit Code: 0")
}
