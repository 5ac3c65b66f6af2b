package transport

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

func TestStreamReadFrames(t *testing.T) {
	in := "{\"a\":1}\r\n\n   \n{\"b\":2}\n{\"c\":3}"
	s := NewStream(io.NopCloser(strings.NewReader(in)), nopWriteCloser{io.Discard})

	var got []string
	for {
		frame, err := s.ReadMessage()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, string(frame))
	}
	assert.Equal(t, []string{`{"a":1}`, `{"b":2}`, `{"c":3}`}, got)
}

func TestStreamFrameTooLarge(t *testing.T) {
	in := strings.Repeat("x", 100) + "\n"
	s := NewStream(io.NopCloser(strings.NewReader(in)), nopWriteCloser{io.Discard}, WithMaxFrameSize(16))

	_, err := s.ReadMessage()
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestStreamWriteAppendsDelimiter(t *testing.T) {
	var buf bytes.Buffer
	s := NewStream(io.NopCloser(strings.NewReader("")), nopWriteCloser{&buf})

	require.NoError(t, s.WriteMessage([]byte(`{"jsonrpc":"2.0"}`)))
	assert.Equal(t, "{\"jsonrpc\":\"2.0\"}\n", buf.String())
}

func TestStreamRejectsEmbeddedNewline(t *testing.T) {
	s := NewStream(io.NopCloser(strings.NewReader("")), nopWriteCloser{io.Discard})
	require.ErrorIs(t, s.WriteMessage([]byte("a\nb")), ErrEmbeddedNewline)
}

func TestStreamConcurrentWritesDoNotInterleave(t *testing.T) {
	var buf bytes.Buffer
	s := NewStream(io.NopCloser(strings.NewReader("")), nopWriteCloser{&buf})

	const n = 50
	var want []string
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		frame := fmt.Sprintf(`{"n":%d,"pad":%q}`, i, strings.Repeat("p", i*10))
		want = append(want, frame)
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.WriteMessage([]byte(frame)))
		}()
	}
	wg.Wait()

	got := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	sort.Strings(got)
	sort.Strings(want)
	assert.Equal(t, want, got)
}

func TestStreamWriteAfterClose(t *testing.T) {
	s := NewStream(io.NopCloser(strings.NewReader("")), nopWriteCloser{io.Discard})
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	require.ErrorIs(t, s.WriteMessage([]byte("{}")), ErrClosed)
}

func TestStreamCloseAbortsBlockedWrite(t *testing.T) {
	r, w := io.Pipe()
	defer r.Close()
	s := NewStream(io.NopCloser(strings.NewReader("")), w)

	// Nobody reads r, so the write blocks.
	wrote := make(chan error, 1)
	go func() { wrote <- s.WriteMessage([]byte(`{"jsonrpc":"2.0","method":"ping"}`)) }()
	time.Sleep(50 * time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- s.Close() }()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close waited for a blocked write")
	}

	select {
	case err := <-wrote:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("blocked write was not released")
	}
}

func TestStreamPipeCloseReadsEOF(t *testing.T) {
	pr, pw := io.Pipe()
	s := NewStream(pr, nopWriteCloser{io.Discard})

	go func() {
		_, _ = pw.Write([]byte("{}\n"))
		_ = pw.Close()
	}()

	frame, err := s.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "{}", string(frame))

	_, err = s.ReadMessage()
	assert.Equal(t, io.EOF, err)
}
