/*
Package stream delivers the output of one running process to one viewer session and keeps the
process's history record up to date.

A Streamer reads the output line by line. Every non-empty line is appended to the record's log,
delivered to the session, and persisted. The stream ends when:

 1. the output reaches end of file,
 2. NullLimit empty lines are read in a row, which is taken as the producer having gone away, or
 3. the streamer is stopped.

The end-of-output marker line is recognized and dropped but does not end the stream by itself.
An error while handling a line aborts the whole stream and marks the record Failed.

When the stream ends and a process is attached, the process is killed if still alive and its
exit code is read. The record is then finalized with a single terminal save, and the exit code
is reported.
*/
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/geoweaver/gwrelay/delivery"
	"github.com/geoweaver/gwrelay/history"
	"go.uber.org/zap"
)

const (
	DefaultNullLimit = 10
	DefaultEndMarker = "==== Geoweaver Bash Output Finished ===="
)

// Records is the part of the history manager a Streamer uses.
type Records interface {
	Get(ctx context.Context, id string) (*history.Record, error)
	Save(ctx context.Context, r *history.Record) error
	OnStop(id string, f func()) (unregister func())
}

// Sender delivers messages to the viewer session.
type Sender interface {
	SendRecord(ctx context.Context, recordID, payload string)
	Fallback() bool
}

type Streamer struct {
	log      *zap.SugaredLogger
	recordID string
	lines    *LineReader
	records  Records
	sender   Sender
	proc     Process

	nullLimit    int
	endMarker    string
	persistEvery int

	logs     strings.Builder
	appended int

	cancelMut sync.Mutex
	cancel    func()
	stopped   atomic.Bool
}

type Option func(s *Streamer)

func WithProcess(p Process) Option {
	return func(s *Streamer) {
		s.proc = p
	}
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Streamer) {
		s.log = l.Named("output_streamer").With("RecordID", s.recordID)
	}
}

func WithNullLimit(n int) Option {
	return func(s *Streamer) {
		s.nullLimit = n
	}
}

func WithEndMarker(m string) Option {
	return func(s *Streamer) {
		s.endMarker = m
	}
}

// WithPersistEvery persists the log after every n appended lines.
func WithPersistEvery(n int) Option {
	return func(s *Streamer) {
		s.persistEvery = n
	}
}

func New(recordID string, output io.Reader, records Records, sender Sender, opts ...Option) *Streamer {
	s := &Streamer{
		log:          zap.NewNop().Sugar(),
		recordID:     recordID,
		lines:        NewLineReader(output),
		records:      records,
		sender:       sender,
		nullLimit:    DefaultNullLimit,
		endMarker:    DefaultEndMarker,
		persistEvery: 1,
	}
	for _, o := range opts {
		o(s)
	}
	if s.persistEvery < 1 {
		s.persistEvery = 1
	}
	return s
}

// Stop ends the stream. A read blocked on the output is abandoned.
func (s *Streamer) Stop() {
	s.stopped.Store(true)
	s.cancelMut.Lock()
	defer s.cancelMut.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Streamer) send(ctx context.Context, payload string) {
	s.sender.SendRecord(ctx, s.recordID, payload)
}

// Run streams the output until it ends and returns the final status of the record.
// The returned error is the cause of a Failed status, if any.
func (s *Streamer) Run(ctx context.Context) (history.Status, error) {
	// record and viewer updates must outlive a canceled read
	persistCtx := context.WithoutCancel(ctx)
	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.cancelMut.Lock()
	s.cancel = cancel
	s.cancelMut.Unlock()
	if s.stopped.Load() {
		cancel()
	}

	unregister := s.records.OnStop(s.recordID, s.Stop)
	defer unregister()
	defer s.lines.Close()
	defer s.send(persistCtx, delivery.Ended(s.recordID))

	s.log.Info("output streamer started")

	status, err := s.start(persistCtx)
	if err == nil {
		status, err = s.readLoop(readCtx, persistCtx)
	}
	if err != nil {
		s.log.Debugw("stream failed", "Error", err)
		s.logs.WriteString("\n" + err.Error())
	}

	code, exited := 0, false
	if s.proc != nil {
		code, exited = s.finishProcess()
		if exited && status == history.StatusDone {
			status = history.ExitStatus(code)
		}
	}

	if saveErr := s.UpdateStatus(persistCtx, s.logs.String(), status); saveErr != nil {
		s.log.Warnw("error finalizing record", "Error", saveErr)
	}
	if exited {
		s.send(persistCtx, delivery.ExitCode(code))
	}

	s.send(persistCtx, delivery.Finished(s.recordID))
	s.log.Infow("output streamer ended", "Status", status)
	return status, err
}

func (s *Streamer) start(ctx context.Context) (history.Status, error) {
	err := s.UpdateStatus(ctx, "", history.StatusRunning)
	s.send(ctx, delivery.Started(s.recordID))
	if err != nil {
		return history.StatusFailed, fmt.Errorf("marking record running: %w", err)
	}
	return history.StatusRunning, nil
}

func (s *Streamer) readLoop(readCtx, ctx context.Context) (history.Status, error) {
	nulls := 0
	for {
		line, err := s.lines.ReadLine(readCtx)
		if readCtx.Err() != nil {
			s.log.Debug("stream stopped")
			return history.StatusStopped, nil
		}
		if errors.Is(err, io.EOF) {
			return history.StatusDone, nil
		}
		if err != nil {
			return history.StatusFailed, fmt.Errorf("reading output: %w", err)
		}

		if line == "" {
			nulls++
			if nulls >= s.nullLimit {
				s.log.Debugf("%d empty lines in a row, treating output as disconnected", nulls)
				return history.StatusDone, nil
			}
			continue
		}
		nulls = 0

		if strings.Contains(line, s.endMarker) {
			continue
		}

		err = s.handleLine(ctx, line)
		if err != nil {
			if s.stopped.Load() {
				return history.StatusStopped, nil
			}
			return history.StatusFailed, err
		}
	}
}

func (s *Streamer) handleLine(ctx context.Context, line string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic handling output line: %v", r)
		}
	}()

	s.log.Debug(line)
	s.logs.WriteString(line)
	s.logs.WriteByte('\n')
	s.appended++

	s.send(ctx, line)
	if s.sender.Fallback() {
		s.log.Debug("line delivered through poll fallback")
	}

	if s.appended%s.persistEvery == 0 {
		err := s.UpdateStatus(ctx, s.logs.String(), history.StatusRunning)
		if err != nil {
			return fmt.Errorf("persisting output: %w", err)
		}
	}
	return nil
}

// finishProcess kills the process if it is still running and returns its exit code.
// The exit code decides the final status only if the stream itself ended normally.
func (s *Streamer) finishProcess() (int, bool) {
	if s.proc.IsAlive() {
		if err := s.proc.Destroy(); err != nil {
			s.log.Debugf("error destroying process: %s", err)
		}
	}
	code, err := s.proc.ExitValue()
	if err != nil {
		s.log.Errorf("the process did not end well: %s", err)
		return 0, false
	}
	return code, true
}

// EndWithCode stops the stream and finalizes the record from an exit code reported from outside,
// e.g. by a remote runner.
func (s *Streamer) EndWithCode(ctx context.Context, code int) error {
	s.Stop()

	r, err := s.records.Get(ctx, s.recordID)
	if err != nil {
		return err
	}
	r.Status = history.ExitStatus(code)
	end := time.Now()
	r.EndTime = &end
	err = s.records.Save(ctx, r)

	s.send(ctx, delivery.ExitCode(code))
	return err
}

// UpdateStatus persists the log and status of the record, creating the record if it does not exist.
func (s *Streamer) UpdateStatus(ctx context.Context, logs string, status history.Status) error {
	r, err := s.records.Get(ctx, s.recordID)
	if err != nil {
		return err
	}
	if r.Status == history.StatusUnset && r.BeginTime.IsZero() {
		r.BeginTime = time.Now()
	}
	r.Output = logs
	r.Status = status
	return s.records.Save(ctx, r)
}

// Log is the output captured so far. It must not be called concurrently with Run.
func (s *Streamer) Log() string { return s.logs.String() }
