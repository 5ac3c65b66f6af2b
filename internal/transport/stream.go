// Package transport carries newline delimited JSON-RPC frames over a pair of
// pipes, typically the standard input and output of a spawned MCP server.
package transport

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
)

// DefaultMaxFrameSize bounds a single inbound line.
const DefaultMaxFrameSize = 16 << 20

var (
	// ErrFrameTooLarge means the peer wrote a line longer than the maximum
	// frame size. The stream cannot be resynchronised after this.
	ErrFrameTooLarge = errors.New("transport: frame exceeds maximum size")
	// ErrClosed is returned by operations on a closed stream.
	ErrClosed = errors.New("transport: closed")
	// ErrEmbeddedNewline is returned when an outbound frame would break framing.
	ErrEmbeddedNewline = errors.New("transport: frame contains a newline")
)

// Stream frames messages over an arbitrary reader and writer. ReadMessage
// must only be called from a single goroutine; WriteMessage is safe for
// concurrent use.
type Stream struct {
	r  io.ReadCloser
	w  io.WriteCloser
	sc *bufio.Scanner

	wmu    sync.Mutex
	closed atomic.Bool

	closeOnce sync.Once
	closeErr  error
}

// StreamOption customizes a Stream.
type StreamOption func(*streamConfig)

type streamConfig struct {
	maxFrame int
}

// WithMaxFrameSize overrides DefaultMaxFrameSize.
func WithMaxFrameSize(n int) StreamOption {
	return func(c *streamConfig) {
		if n > 0 {
			c.maxFrame = n
		}
	}
}

// NewStream wraps r and w. Closing the stream closes both.
func NewStream(r io.ReadCloser, w io.WriteCloser, opts ...StreamOption) *Stream {
	cfg := streamConfig{maxFrame: DefaultMaxFrameSize}
	for _, opt := range opts {
		opt(&cfg)
	}

	sc := bufio.NewScanner(r)
	initial := 64 * 1024
	if initial > cfg.maxFrame {
		initial = cfg.maxFrame
	}
	sc.Buffer(make([]byte, 0, initial), cfg.maxFrame)

	return &Stream{r: r, w: w, sc: sc}
}

// ReadMessage blocks until a complete frame is available. Blank lines are
// skipped and a trailing carriage return is dropped. It returns io.EOF once
// the peer closes its end.
func (s *Stream) ReadMessage() ([]byte, error) {
	for s.sc.Scan() {
		line := bytes.TrimRight(s.sc.Bytes(), "\r")
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		out := make([]byte, len(line))
		copy(out, line)
		return out, nil
	}

	err := s.sc.Err()
	switch {
	case err == nil:
		return nil, io.EOF
	case errors.Is(err, bufio.ErrTooLong):
		return nil, ErrFrameTooLarge
	case errors.Is(err, io.ErrClosedPipe), errors.Is(err, os.ErrClosed):
		return nil, io.EOF
	default:
		return nil, fmt.Errorf("transport: read failed: %w", err)
	}
}

// WriteMessage appends the frame delimiter and writes the frame in a single
// call while holding the write lock, so concurrent frames never interleave.
// A write blocked on a peer that stopped reading returns once the stream is
// closed.
func (s *Stream) WriteMessage(frame []byte) error {
	if bytes.IndexByte(frame, '\n') >= 0 {
		return ErrEmbeddedNewline
	}

	buf := make([]byte, 0, len(frame)+1)
	buf = append(buf, frame...)
	buf = append(buf, '\n')

	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.closed.Load() {
		return ErrClosed
	}
	if _, err := s.w.Write(buf); err != nil {
		if s.closed.Load() || errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
			return ErrClosed
		}
		return fmt.Errorf("transport: write failed: %w", err)
	}
	return nil
}

// CloseWrite closes only the outbound half, signalling EOF to the peer. It
// does not wait for the write lock, so it also aborts a write in progress.
func (s *Stream) CloseWrite() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.w.Close()
}

// Close closes both halves. Repeated calls return the first result.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		werr := s.CloseWrite()
		rerr := s.r.Close()
		s.closeErr = errors.Join(werr, rerr)
	})
	return s.closeErr
}
