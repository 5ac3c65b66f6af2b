package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpguard/mcphack/internal/jsonrpc"
	"github.com/mcpguard/mcphack/internal/transport"
)

var testClient = Implementation{Name: "mcphack-test", Version: "0.0.0"}

// fakeServer is the far end of an in-memory transport. Every frame the client
// writes is decoded onto frames so client writes never block on the test.
type fakeServer struct {
	frames chan *jsonrpc.Message
	out    *io.PipeWriter
	wmu    sync.Mutex
}

func newPipeSession(t *testing.T, opts ...Option) (*Session, *fakeServer) {
	t.Helper()
	return newWrappedSession(t, func(tr Transport) Transport { return tr }, opts...)
}

// newWrappedSession is newPipeSession with the client transport passed
// through wrap first.
func newWrappedSession(t *testing.T, wrap func(Transport) Transport, opts ...Option) (*Session, *fakeServer) {
	t.Helper()

	c2sR, c2sW := io.Pipe()
	s2cR, s2cW := io.Pipe()

	srv := &fakeServer{frames: make(chan *jsonrpc.Message, 256), out: s2cW}
	go func() {
		defer close(srv.frames)
		sc := bufio.NewScanner(c2sR)
		for sc.Scan() {
			var m jsonrpc.Message
			if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
				continue
			}
			srv.frames <- &m
		}
	}()

	s := NewSession(wrap(transport.NewStream(s2cR, c2sW)), opts...)
	t.Cleanup(func() {
		_ = s.Close()
		_ = c2sR.Close()
		_ = s2cW.Close()
	})
	return s, srv
}

func (f *fakeServer) recv(t *testing.T) *jsonrpc.Message {
	t.Helper()
	select {
	case m, ok := <-f.frames:
		require.True(t, ok, "client closed its output")
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a client frame")
		return nil
	}
}

func (f *fakeServer) send(t *testing.T, frame string) {
	t.Helper()
	f.wmu.Lock()
	defer f.wmu.Unlock()
	_, err := io.WriteString(f.out, frame+"\n")
	require.NoError(t, err)
}

func (f *fakeServer) reply(t *testing.T, id json.RawMessage, result string) {
	t.Helper()
	f.send(t, fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"result":%s}`, id, result))
}

func (f *fakeServer) replyError(t *testing.T, id json.RawMessage, code int, msg string) {
	t.Helper()
	f.send(t, fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"error":{"code":%d,"message":%q}}`, id, code, msg))
}

func handshake(t *testing.T, s *Session, srv *fakeServer) {
	t.Helper()
	errCh := make(chan error, 1)
	go func() {
		_, err := s.Initialize(context.Background(), testClient, ClientCapabilities{})
		errCh <- err
	}()
	req := srv.recv(t)
	require.Equal(t, MethodInitialize, req.Method)
	srv.reply(t, req.ID, `{"protocolVersion":"2025-06-18","capabilities":{"tools":{}},"serverInfo":{"name":"fake","version":"1.0.0"}}`)
	require.Equal(t, MethodInitialized, srv.recv(t).Method)
	require.NoError(t, <-errCh)
}

type callOutcome struct {
	result json.RawMessage
	err    error
}

func goCall(s *Session, ctx context.Context, method string, params any, timeout time.Duration) <-chan callOutcome {
	ch := make(chan callOutcome, 1)
	go func() {
		res, err := s.Call(ctx, method, params, timeout)
		ch <- callOutcome{res, err}
	}()
	return ch
}

func TestInitialize(t *testing.T) {
	s, srv := newPipeSession(t)
	assert.Equal(t, StateUninitialized, s.State())

	type initOutcome struct {
		res *InitializeResult
		err error
	}
	done := make(chan initOutcome, 1)
	go func() {
		res, err := s.Initialize(context.Background(), testClient, ClientCapabilities{})
		done <- initOutcome{res, err}
	}()

	req := srv.recv(t)
	require.Equal(t, MethodInitialize, req.Method)
	var params InitializeParams
	require.NoError(t, json.Unmarshal(req.Params, &params))
	assert.Equal(t, LatestProtocolVersion, params.ProtocolVersion)
	assert.Equal(t, testClient, params.ClientInfo)

	srv.reply(t, req.ID, `{"protocolVersion":"2024-11-05","capabilities":{"tools":{}},"serverInfo":{"name":"srv","version":"0.1"},"instructions":"be nice"}`)

	note := srv.recv(t)
	assert.Equal(t, MethodInitialized, note.Method)
	assert.Empty(t, note.ID)

	out := <-done
	require.NoError(t, out.err)
	assert.Equal(t, "2024-11-05", out.res.ProtocolVersion)
	assert.Equal(t, StateReady, s.State())
	assert.Equal(t, "2024-11-05", s.ProtocolVersion())
	assert.Equal(t, Implementation{Name: "srv", Version: "0.1"}, s.ServerInfo())
	assert.NotNil(t, s.ServerCapabilities().Tools)
	assert.Nil(t, s.ServerCapabilities().Prompts)
	assert.Equal(t, "be nice", s.Instructions())
}

func TestInitializeUnsupportedVersion(t *testing.T) {
	s, srv := newPipeSession(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Initialize(context.Background(), testClient, ClientCapabilities{})
		errCh <- err
	}()
	req := srv.recv(t)
	srv.reply(t, req.ID, `{"protocolVersion":"1999-01-01","capabilities":{},"serverInfo":{"name":"old","version":"0"}}`)

	err := <-errCh
	var verr *ProtocolVersionError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "1999-01-01", verr.Got)

	<-s.Done()
	assert.Equal(t, StateClosed, s.State())
}

func TestInitializeRemoteError(t *testing.T) {
	s, srv := newPipeSession(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Initialize(context.Background(), testClient, ClientCapabilities{})
		errCh <- err
	}()
	req := srv.recv(t)
	srv.replyError(t, req.ID, -32602, "bad params")

	var rerr *RemoteError
	require.ErrorAs(t, <-errCh, &rerr)
	assert.Equal(t, jsonrpc.CodeInvalidParams, rerr.Code)
	assert.Equal(t, StateClosed, s.State())
}

func TestInitializeTwice(t *testing.T) {
	s, srv := newPipeSession(t)
	handshake(t, s, srv)

	_, err := s.Initialize(context.Background(), testClient, ClientCapabilities{})
	assert.ErrorIs(t, err, ErrAlreadyInitialized)
	assert.Equal(t, StateReady, s.State())
}

func TestCallBeforeReady(t *testing.T) {
	s, srv := newPipeSession(t)

	_, err := s.Call(context.Background(), MethodToolsList, nil, 0)
	var nerr *NotReadyError
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, StateUninitialized, nerr.State)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Initialize(context.Background(), testClient, ClientCapabilities{})
		errCh <- err
	}()
	req := srv.recv(t)

	_, err = s.Call(context.Background(), MethodToolsList, nil, 0)
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, StateInitializing, nerr.State)
	assert.ErrorAs(t, s.Notify("notifications/cancelled", nil), &nerr)

	srv.reply(t, req.ID, `{"protocolVersion":"2025-06-18","capabilities":{},"serverInfo":{"name":"s","version":"1"}}`)
	srv.recv(t)
	require.NoError(t, <-errCh)
}

func TestConcurrentCallsAnsweredOutOfOrder(t *testing.T) {
	s, srv := newPipeSession(t)
	handshake(t, s, srv)

	const n = 20
	outcomes := make([]<-chan callOutcome, n)
	for i := 0; i < n; i++ {
		outcomes[i] = goCall(s, context.Background(), "test/echo", map[string]int{"n": i}, 0)
	}

	reqs := make([]*jsonrpc.Message, 0, n)
	seen := map[string]bool{}
	for i := 0; i < n; i++ {
		req := srv.recv(t)
		assert.False(t, seen[string(req.ID)], "duplicate id %s", req.ID)
		seen[string(req.ID)] = true
		reqs = append(reqs, req)
	}
	for i := len(reqs) - 1; i >= 0; i-- {
		srv.reply(t, reqs[i].ID, string(reqs[i].Params))
	}

	for i, ch := range outcomes {
		out := <-ch
		require.NoError(t, out.err)
		assert.JSONEq(t, fmt.Sprintf(`{"n":%d}`, i), string(out.result))
	}
	assert.Zero(t, s.PendingCount())
}

func TestIgnoresMalformedAndUnknownFrames(t *testing.T) {
	s, srv := newPipeSession(t)
	handshake(t, s, srv)

	out := goCall(s, context.Background(), MethodToolsList, nil, 0)
	req := srv.recv(t)

	srv.send(t, `this is not json`)
	srv.send(t, `{"jsonrpc":"1.0","id":1,"result":{}}`)
	srv.send(t, `{"jsonrpc":"2.0","id":999999,"result":{}}`)
	srv.send(t, `{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"Parse error"}}`)
	srv.reply(t, req.ID, `{"tools":[]}`)

	res := <-out
	require.NoError(t, res.err)
	assert.JSONEq(t, `{"tools":[]}`, string(res.result))
	assert.Equal(t, StateReady, s.State())
}

func TestCallTimeout(t *testing.T) {
	s, srv := newPipeSession(t)
	handshake(t, s, srv)

	const timeout = 50 * time.Millisecond
	start := time.Now()
	out := goCall(s, context.Background(), MethodToolsCall, CallToolParams{Name: "slow"}, timeout)
	req := srv.recv(t)

	res := <-out
	elapsed := time.Since(start)
	var terr *TimeoutError
	require.ErrorAs(t, res.err, &terr)
	assert.Equal(t, MethodToolsCall, terr.Method)
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Zero(t, s.PendingCount())

	// A late reply must be dropped without disturbing the next call.
	srv.reply(t, req.ID, `{"content":[]}`)

	next := goCall(s, context.Background(), MethodToolsList, nil, 0)
	req2 := srv.recv(t)
	assert.NotEqual(t, string(req.ID), string(req2.ID))
	srv.reply(t, req2.ID, `{"tools":[]}`)
	require.NoError(t, (<-next).err)
}

func TestCallRemoteError(t *testing.T) {
	s, srv := newPipeSession(t)
	handshake(t, s, srv)

	out := goCall(s, context.Background(), "nope/missing", nil, 0)
	req := srv.recv(t)
	srv.replyError(t, req.ID, -32601, "Method not found")

	res := <-out
	var rerr *RemoteError
	require.ErrorAs(t, res.err, &rerr)
	assert.Equal(t, jsonrpc.CodeMethodNotFound, rerr.Code)
	assert.Equal(t, "Method not found", rerr.Message)
	assert.Equal(t, StateReady, s.State())
}

func TestCallContextCancelled(t *testing.T) {
	s, srv := newPipeSession(t)
	handshake(t, s, srv)

	ctx, cancel := context.WithCancel(context.Background())
	out := goCall(s, ctx, MethodToolsList, nil, 0)
	srv.recv(t)
	cancel()

	assert.ErrorIs(t, (<-out).err, context.Canceled)
	assert.Zero(t, s.PendingCount())
	assert.Equal(t, StateReady, s.State())
}

func TestCloseFailsPendingCalls(t *testing.T) {
	s, srv := newPipeSession(t)
	handshake(t, s, srv)

	out := goCall(s, context.Background(), MethodToolsCall, CallToolParams{Name: "hang"}, time.Minute)
	srv.recv(t)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	res := <-out
	var cerr *SessionClosedError
	require.ErrorAs(t, res.err, &cerr)
	assert.ErrorIs(t, res.err, errClosedByClient)
	assert.Equal(t, StateClosed, s.State())
	assert.Zero(t, s.PendingCount())

	_, err := s.Call(context.Background(), MethodToolsList, nil, 0)
	assert.ErrorAs(t, err, &cerr)
}

func TestServerEOFClosesSession(t *testing.T) {
	s, srv := newPipeSession(t)
	handshake(t, s, srv)

	out := goCall(s, context.Background(), MethodToolsList, nil, 0)
	srv.recv(t)
	require.NoError(t, srv.out.Close())

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not close after EOF")
	}

	res := <-out
	var cerr *SessionClosedError
	require.ErrorAs(t, res.err, &cerr)
	assert.True(t, errors.Is(res.err, io.EOF))
	assert.Equal(t, StateClosed, s.State())
}

func TestNotificationHandler(t *testing.T) {
	type note struct {
		method string
		params string
	}
	got := make(chan note, 1)
	s, srv := newPipeSession(t, WithNotificationHandler(func(method string, params json.RawMessage) {
		got <- note{method, string(params)}
	}))
	handshake(t, s, srv)

	srv.send(t, `{"jsonrpc":"2.0","method":"notifications/message","params":{"level":"info","data":"hi"}}`)

	select {
	case n := <-got:
		assert.Equal(t, "notifications/message", n.method)
		assert.JSONEq(t, `{"level":"info","data":"hi"}`, n.params)
	case <-time.After(5 * time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestServerRequests(t *testing.T) {
	s, srv := newPipeSession(t)
	handshake(t, s, srv)

	srv.send(t, `{"jsonrpc":"2.0","id":"srv-1","method":"ping"}`)
	pong := srv.recv(t)
	assert.JSONEq(t, `"srv-1"`, string(pong.ID))
	assert.JSONEq(t, `{}`, string(pong.Result))
	assert.Nil(t, pong.Error)

	srv.send(t, `{"jsonrpc":"2.0","id":7,"method":"sampling/createMessage","params":{}}`)
	rej := srv.recv(t)
	assert.JSONEq(t, `7`, string(rej.ID))
	require.NotNil(t, rej.Error)
	assert.Equal(t, jsonrpc.CodeMethodNotFound, rej.Error.Code)
	assert.Equal(t, StateReady, s.State())
}

// stallingTransport stops accepting writes once stalled is set, like a
// server that no longer reads its stdin. Blocked writes return on Close.
type stallingTransport struct {
	Transport
	stalled atomic.Bool
	closed  chan struct{}
	once    sync.Once
}

func (st *stallingTransport) WriteMessage(frame []byte) error {
	if st.stalled.Load() {
		<-st.closed
		return transport.ErrClosed
	}
	return st.Transport.WriteMessage(frame)
}

func (st *stallingTransport) Close() error {
	st.once.Do(func() { close(st.closed) })
	return st.Transport.Close()
}

func newStallingSession(t *testing.T) (*Session, *stallingTransport) {
	t.Helper()
	var st *stallingTransport
	s, srv := newWrappedSession(t, func(tr Transport) Transport {
		st = &stallingTransport{Transport: tr, closed: make(chan struct{})}
		return st
	})
	handshake(t, s, srv)
	st.stalled.Store(true)
	return s, st
}

func TestCallTimeoutWhileWriteBlocked(t *testing.T) {
	s, _ := newStallingSession(t)

	start := time.Now()
	var out callOutcome
	select {
	case out = <-goCall(s, context.Background(), MethodToolsCall, map[string]any{"name": "big"}, 150*time.Millisecond):
	case <-time.After(5 * time.Second):
		t.Fatal("call ignored its timeout while the write was blocked")
	}
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)

	var timeout *TimeoutError
	require.ErrorAs(t, out.err, &timeout)
	assert.Equal(t, MethodToolsCall, timeout.Method)

	// The stream may hold half a frame, so the session cannot be reused.
	assert.Equal(t, StateClosed, s.State())
	_, err := s.Call(context.Background(), MethodPing, nil, time.Second)
	var closed *SessionClosedError
	require.ErrorAs(t, err, &closed)
	assert.ErrorIs(t, err, errWriteStalled)
}

func TestCallContextCancelledWhileWriteBlocked(t *testing.T) {
	s, _ := newStallingSession(t)

	ctx, cancel := context.WithCancel(context.Background())
	ch := goCall(s, ctx, MethodPing, nil, time.Minute)
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case out := <-ch:
		assert.ErrorIs(t, out.err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("call ignored cancellation while the write was blocked")
	}
	assert.Zero(t, s.PendingCount())

	closed := make(chan error, 1)
	go func() { closed <- s.Close() }()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close blocked behind a stalled write")
	}
	assert.Equal(t, StateClosed, s.State())
}
