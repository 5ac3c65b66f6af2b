package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mcpguard/mcphack/internal/jsonrpc"
)

// DefaultTimeout applies to calls made with a zero timeout.
const DefaultTimeout = 30 * time.Second

const tracerName = "github.com/mcpguard/mcphack/internal/mcp"

// Transport moves whole frames. ReadMessage is only ever called from the
// session's read loop; WriteMessage must be safe for concurrent use.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(frame []byte) error
	Close() error
}

// NotificationHandler receives server notifications. It runs on the read
// loop and must not block.
type NotificationHandler func(method string, params json.RawMessage)

// State is the session lifecycle. Transitions only move forward.
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

type pendingCall struct {
	method string
	sent   time.Time
	ch     chan *jsonrpc.Message
}

// Session is one MCP client connection. Callers may issue Call concurrently;
// responses are correlated by id and may arrive in any order.
type Session struct {
	t           Transport
	id          string
	log         *logrus.Entry
	tracer      trace.Tracer
	timeout     time.Duration
	initTimeout time.Duration

	nextID atomic.Int64

	mu              sync.Mutex
	state           State
	pending         map[int64]*pendingCall
	protocolVersion string
	serverInfo      Implementation
	capabilities    ServerCapabilities
	instructions    string
	onNotification  NotificationHandler
	closeCause      error
	closeErr        error

	done      chan struct{}
	closeOnce sync.Once
}

// Option customizes a Session.
type Option func(*Session)

// WithLogger sets the logger. A "session" field is added to it.
func WithLogger(l *logrus.Entry) Option {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

// WithDefaultTimeout sets the timeout used by calls that pass zero.
func WithDefaultTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithInitTimeout bounds the initialize request. It defaults to the call
// timeout.
func WithInitTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.initTimeout = d
		}
	}
}

// WithNotificationHandler installs h at construction time.
func WithNotificationHandler(h NotificationHandler) Option {
	return func(s *Session) {
		s.onNotification = h
	}
}

// WithTracerProvider overrides the global OpenTelemetry provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Session) {
		if tp != nil {
			s.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithSessionID overrides the generated session tag used in logs.
func WithSessionID(id string) Option {
	return func(s *Session) {
		if id != "" {
			s.id = id
		}
	}
}

// NewSession wraps t and starts draining it. The session starts
// Uninitialized; Initialize must succeed before Call is allowed.
func NewSession(t Transport, opts ...Option) *Session {
	s := &Session{
		t:       t,
		id:      uuid.NewString(),
		log:     logrus.NewEntry(logrus.StandardLogger()),
		tracer:  otel.GetTracerProvider().Tracer(tracerName),
		timeout: DefaultTimeout,
		pending: make(map[int64]*pendingCall),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.initTimeout == 0 {
		s.initTimeout = s.timeout
	}
	s.log = s.log.WithField("session", s.id)

	go s.readLoop()
	return s
}

// ID returns the session tag.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ProtocolVersion returns the negotiated protocol revision, empty before the
// handshake completes.
func (s *Session) ProtocolVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocolVersion
}

func (s *Session) ServerInfo() Implementation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverInfo
}

func (s *Session) ServerCapabilities() ServerCapabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capabilities
}

func (s *Session) Instructions() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.instructions
}

// PendingCount returns the number of requests awaiting a response.
func (s *Session) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Done is closed when the session reaches StateClosed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// SetNotificationHandler replaces the notification handler. nil discards
// notifications.
func (s *Session) SetNotificationHandler(h NotificationHandler) {
	s.mu.Lock()
	s.onNotification = h
	s.mu.Unlock()
}

// Initialize performs the handshake. It must be the first operation on the
// session. Any failure closes the session.
func (s *Session) Initialize(ctx context.Context, clientInfo Implementation, caps ClientCapabilities) (*InitializeResult, error) {
	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return nil, s.closedError(MethodInitialize)
	case StateInitializing, StateReady:
		s.mu.Unlock()
		return nil, ErrAlreadyInitialized
	}
	s.state = StateInitializing
	s.mu.Unlock()

	params := InitializeParams{
		ProtocolVersion: LatestProtocolVersion,
		Capabilities:    caps,
		ClientInfo:      clientInfo,
	}
	raw, err := s.call(ctx, MethodInitialize, params, s.initTimeout)
	if err != nil {
		s.closeWith(fmt.Errorf("initialize failed: %w", err))
		return nil, err
	}

	var res InitializeResult
	if err := json.Unmarshal(raw, &res); err != nil {
		err = fmt.Errorf("mcp: failed to decode initialize result: %w", err)
		s.closeWith(err)
		return nil, err
	}
	if !IsSupportedVersion(res.ProtocolVersion) {
		verr := &ProtocolVersionError{Requested: LatestProtocolVersion, Got: res.ProtocolVersion}
		s.closeWith(verr)
		return nil, verr
	}

	if err := s.notify(MethodInitialized, nil); err != nil {
		s.closeWith(err)
		return nil, s.closedError(MethodInitialized)
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil, s.closedError(MethodInitialize)
	}
	s.protocolVersion = res.ProtocolVersion
	s.serverInfo = res.ServerInfo
	s.capabilities = res.Capabilities
	s.instructions = res.Instructions
	s.state = StateReady
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"protocol_version": res.ProtocolVersion,
		"server":           res.ServerInfo.Name,
		"server_version":   res.ServerInfo.Version,
	}).Info("handshake complete")

	return &res, nil
}

// Call sends a request and waits for its response, the timeout (zero means
// the session default), ctx cancellation, or session closure. It returns the
// raw result document.
func (s *Session) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if err := s.checkReady(method); err != nil {
		return nil, err
	}
	return s.call(ctx, method, params, timeout)
}

// Notify sends a notification to the server.
func (s *Session) Notify(method string, params any) error {
	if err := s.checkReady(method); err != nil {
		return err
	}
	return s.notify(method, params)
}

// Close closes the transport and fails every pending call with a
// SessionClosedError. Repeated calls have no further effect.
func (s *Session) Close() error {
	s.closeWith(errClosedByClient)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

func (s *Session) checkReady(method string) error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	switch state {
	case StateReady:
		return nil
	case StateClosed:
		return s.closedError(method)
	default:
		return &NotReadyError{Method: method, State: state}
	}
}

func (s *Session) call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = s.timeout
	}

	id := s.nextID.Add(1)
	frame, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	ctx, span := s.tracer.Start(ctx, "mcp.call",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("rpc.system", "jsonrpc"),
			attribute.String("rpc.method", method),
			attribute.Int64("rpc.jsonrpc.request_id", id),
			attribute.String("mcp.session", s.id),
		))
	defer span.End()

	result, err := s.roundTrip(ctx, id, method, frame, timeout)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}

func (s *Session) roundTrip(ctx context.Context, id int64, method string, frame []byte, timeout time.Duration) (json.RawMessage, error) {
	log := s.log.WithFields(logrus.Fields{"method": method, "id": id})

	pc := &pendingCall{method: method, sent: time.Now(), ch: make(chan *jsonrpc.Message, 1)}
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil, s.closedError(method)
	}
	s.pending[id] = pc
	s.mu.Unlock()

	log.Tracef(">> %s", frame)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	// wrote is nil once the request is fully on the wire.
	wrote := s.write(frame)
	for {
		select {
		case err := <-wrote:
			if err != nil {
				s.forget(id)
				log.WithError(err).Warn("write failed, closing session")
				s.closeWith(err)
				return nil, s.closedError(method)
			}
			wrote = nil
		case msg := <-pc.ch:
			return s.finish(log, pc, msg)
		case <-s.done:
			// A response that was delivered before closure still counts.
			select {
			case msg := <-pc.ch:
				return s.finish(log, pc, msg)
			default:
			}
			return nil, s.closedError(method)
		case <-timer.C:
			if wrote != nil {
				// The server stopped reading its input. The frame may be
				// half written, so nothing more can be sent on this stream.
				s.forget(id)
				log.WithField("timeout", timeout).Warn("request could not be written in time, closing session")
				s.closeWith(errWriteStalled)
				return nil, &TimeoutError{Method: method, ID: id, After: timeout}
			}
			if s.forget(id) {
				log.WithField("timeout", timeout).Debug("call timed out")
				return nil, &TimeoutError{Method: method, ID: id, After: timeout}
			}
			return s.settle(log, pc)
		case <-ctx.Done():
			if s.forget(id) {
				return nil, ctx.Err()
			}
			return s.settle(log, pc)
		}
	}
}

// write hands frame to the transport on its own goroutine so that a peer
// which stopped reading cannot block the caller past its deadline.
func (s *Session) write(frame []byte) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- s.t.WriteMessage(frame) }()
	return ch
}

// settle handles a call whose pending entry was already removed by someone
// else: either the read loop delivered a response or the session closed.
func (s *Session) settle(log *logrus.Entry, pc *pendingCall) (json.RawMessage, error) {
	select {
	case msg := <-pc.ch:
		return s.finish(log, pc, msg)
	case <-s.done:
		select {
		case msg := <-pc.ch:
			return s.finish(log, pc, msg)
		default:
		}
		return nil, s.closedError(pc.method)
	}
}

func (s *Session) finish(log *logrus.Entry, pc *pendingCall, msg *jsonrpc.Message) (json.RawMessage, error) {
	log = log.WithField("elapsed", time.Since(pc.sent))
	if msg.Error != nil {
		log.WithField("code", msg.Error.Code).Debug("call failed remotely")
		return nil, &RemoteError{
			Method:  pc.method,
			Code:    msg.Error.Code,
			Message: msg.Error.Message,
			Data:    msg.Error.Data,
		}
	}
	log.Debug("call completed")
	if len(msg.Result) == 0 {
		return json.RawMessage("null"), nil
	}
	return msg.Result, nil
}

// forget removes a pending entry and reports whether this caller removed it.
func (s *Session) forget(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[id]; !ok {
		return false
	}
	delete(s.pending, id)
	return true
}

func (s *Session) notify(method string, params any) error {
	frame, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	s.log.WithField("method", method).Tracef(">> %s", frame)

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	select {
	case err := <-s.write(frame):
		return err
	case <-s.done:
		return s.closedError(method)
	case <-timer.C:
		s.log.WithField("method", method).Warn("notification could not be written in time, closing session")
		s.closeWith(errWriteStalled)
		return s.closedError(method)
	}
}

func (s *Session) readLoop() {
	for {
		frame, err := s.t.ReadMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.log.Debug("transport reached EOF")
			} else {
				s.log.WithError(err).Warn("transport read failed")
			}
			s.closeWith(err)
			return
		}
		s.dispatch(frame)
	}
}

func (s *Session) dispatch(frame []byte) {
	s.log.Tracef("<< %s", frame)

	msg, kind, err := jsonrpc.Decode(frame)
	if err != nil {
		s.log.WithError(err).Warn("skipping malformed message")
		return
	}

	switch kind {
	case jsonrpc.KindResponse:
		s.deliver(msg)
	case jsonrpc.KindNotification:
		s.mu.Lock()
		h := s.onNotification
		s.mu.Unlock()
		if h == nil {
			s.log.WithField("method", msg.Method).Debug("discarding notification")
			return
		}
		h(msg.Method, msg.Params)
	case jsonrpc.KindRequest:
		go s.answer(msg)
	}
}

func (s *Session) deliver(msg *jsonrpc.Message) {
	id, ok := jsonrpc.IntID(msg.ID)
	if !ok {
		entry := s.log.WithField("id", string(msg.ID))
		if msg.Error != nil {
			entry = entry.WithField("code", msg.Error.Code).WithField("message", msg.Error.Message)
		}
		entry.Warn("discarding response without a usable id")
		return
	}

	s.mu.Lock()
	pc, found := s.pending[id]
	if found {
		delete(s.pending, id)
	}
	s.mu.Unlock()

	if !found {
		s.log.WithField("id", id).Debug("discarding response for unknown or expired id")
		return
	}
	pc.ch <- msg
}

// answer replies to server-initiated requests. Only ping is supported; this
// client advertises no capabilities that would invite anything else.
func (s *Session) answer(msg *jsonrpc.Message) {
	var (
		frame []byte
		err   error
	)
	switch msg.Method {
	case MethodPing:
		frame, err = jsonrpc.NewResult(msg.ID, struct{}{})
	default:
		frame, err = jsonrpc.NewError(msg.ID, jsonrpc.CodeMethodNotFound, "Method not found")
	}
	if err != nil {
		s.log.WithError(err).Warn("failed to encode reply to server request")
		return
	}
	if err := s.t.WriteMessage(frame); err != nil {
		s.log.WithError(err).WithField("method", msg.Method).Debug("failed to reply to server request")
	}
}

func (s *Session) closeWith(cause error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.closeCause = cause
		abandoned := len(s.pending)
		s.pending = make(map[int64]*pendingCall)
		s.mu.Unlock()

		close(s.done)

		err := s.t.Close()
		s.mu.Lock()
		s.closeErr = err
		s.mu.Unlock()

		s.log.WithFields(logrus.Fields{"pending": abandoned, "cause": cause}).Debug("session closed")
	})
}

func (s *Session) closedError(method string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &SessionClosedError{Method: method, Cause: s.closeCause}
}
