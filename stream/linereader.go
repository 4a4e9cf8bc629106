package stream

import (
	"bufio"
	"context"
	"io"
	"strings"
	"sync"
)

type lineResult struct {
	line string
	err  error
}

// LineReader reads lines on a background goroutine so that a blocked read can be abandoned
// by canceling the context passed to ReadLine.
// The goroutine itself only exits once the underlying reader returns, so callers that own the
// reader should close it when they are done.
type LineReader struct {
	results   chan lineResult
	done      chan struct{}
	closeOnce sync.Once
}

func NewLineReader(r io.Reader) *LineReader {
	l := &LineReader{
		results: make(chan lineResult),
		done:    make(chan struct{}),
	}
	go l.read(bufio.NewReader(r))
	return l
}

func (l *LineReader) read(br *bufio.Reader) {
	defer close(l.results)
	for {
		line, err := br.ReadString('\n')
		if line != "" || err == nil {
			if !l.deliver(lineResult{line: strings.TrimRight(line, "\r\n")}) {
				return
			}
		}
		if err != nil {
			l.deliver(lineResult{err: err})
			return
		}
	}
}

func (l *LineReader) deliver(res lineResult) bool {
	select {
	case l.results <- res:
		return true
	case <-l.done:
		return false
	}
}

// ReadLine returns the next line without its line ending, or io.EOF at the end of the input.
// It returns ctx.Err() if ctx is done first.
func (l *LineReader) ReadLine(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res, ok := <-l.results:
		if !ok {
			return "", io.EOF
		}
		return res.line, res.err
	}
}

// Close abandons any pending line.
func (l *LineReader) Close() {
	l.closeOnce.Do(func() { close(l.done) })
}
