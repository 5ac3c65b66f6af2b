package transport

import (
	"bufio"
	"errors"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mcpguard/mcphack/internal/target"
)

// DefaultGracePeriod is how long Close waits for the child to exit after
// asking it to terminate.
const DefaultGracePeriod = 2 * time.Second

// Process is a spawned MCP server whose stdin and stdout carry the framed
// stream.
type Process struct {
	*Stream

	cmd   *exec.Cmd
	grace time.Duration
	log   *logrus.Entry

	streamOpts []StreamOption

	exited  chan struct{}
	waitErr error

	closeOnce sync.Once
	closeErr  error
}

// Option customizes a spawned Process.
type Option func(*Process)

// WithGracePeriod overrides DefaultGracePeriod.
func WithGracePeriod(d time.Duration) Option {
	return func(p *Process) {
		if d > 0 {
			p.grace = d
		}
	}
}

// WithLogger sets the logger that receives the child's stderr lines.
func WithLogger(l *logrus.Entry) Option {
	return func(p *Process) {
		if l != nil {
			p.log = l
		}
	}
}

// WithStreamOptions passes options through to the underlying Stream.
func WithStreamOptions(opts ...StreamOption) Option {
	return func(p *Process) {
		p.streamOpts = append(p.streamOpts, opts...)
	}
}

// Spawn starts the target process. The child inherits the parent environment
// plus t.Env. A *SpawnError is returned when the command cannot be resolved or
// started.
func Spawn(t target.Target, opts ...Option) (*Process, error) {
	p := &Process{
		grace:  DefaultGracePeriod,
		log:    logrus.NewEntry(logrus.StandardLogger()),
		exited: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	if t.Remote() {
		return nil, &SpawnError{Command: t.Original, Err: ErrRemoteTarget}
	}
	path, err := exec.LookPath(t.Command)
	if err != nil {
		return nil, &SpawnError{Command: t.Command, Err: err}
	}

	// Plain os.Pipe pairs rather than cmd.StdoutPipe: Wait must not close the
	// read ends while the session is still draining them.
	inR, inW, err := os.Pipe()
	if err != nil {
		return nil, &SpawnError{Command: t.Command, Err: err}
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		closeAll(inR, inW)
		return nil, &SpawnError{Command: t.Command, Err: err}
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		closeAll(inR, inW, outR, outW)
		return nil, &SpawnError{Command: t.Command, Err: err}
	}

	cmd := exec.Command(path, t.Args...)
	cmd.Env = append(os.Environ(), t.Env...)
	cmd.Stdin = inR
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		closeAll(inR, inW, outR, outW, errR, errW)
		return nil, &SpawnError{Command: t.Command, Err: err}
	}
	// The child holds its own copies now.
	closeAll(inR, outW, errW)

	p.cmd = cmd
	p.Stream = NewStream(outR, inW, p.streamOpts...)
	p.log = p.log.WithField("pid", cmd.Process.Pid)
	p.log.WithField("command", t.String()).Debug("spawned target process")

	go p.forwardStderr(errR)
	go func() {
		p.waitErr = cmd.Wait()
		close(p.exited)
	}()

	return p, nil
}

// Pid returns the operating system process id of the child.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Exited is closed once the child has been reaped.
func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

// Close asks the child to stop by closing its stdin and sending SIGTERM,
// waits up to the grace period, then kills it. It is idempotent.
func (p *Process) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.shutdown()
	})
	return p.closeErr
}

func (p *Process) shutdown() error {
	_ = p.Stream.CloseWrite()

	var killErr error
	select {
	case <-p.exited:
	default:
		if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			// Platforms without SIGTERM go straight to Kill.
			p.log.WithError(err).Debug("terminate signal failed")
		}
		select {
		case <-p.exited:
		case <-time.After(p.grace):
			p.log.WithField("grace", p.grace).Warn("target did not exit in time, killing")
			if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				killErr = err
			}
			<-p.exited
		}
	}

	if err := p.Stream.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		p.log.WithError(err).Debug("closing pipes")
	}
	if p.waitErr != nil {
		p.log.WithError(p.waitErr).Debug("target exited")
	}
	return killErr
}

func (p *Process) forwardStderr(r *os.File) {
	defer r.Close()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		p.log.WithField("stream", "stderr").Debug(sc.Text())
	}
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}
