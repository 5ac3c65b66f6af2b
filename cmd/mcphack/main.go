package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mcpguard/mcphack/internal/config"
	"github.com/mcpguard/mcphack/internal/logging"
	"github.com/mcpguard/mcphack/internal/mcp"
	"github.com/mcpguard/mcphack/internal/render"
	"github.com/mcpguard/mcphack/internal/target"
	"github.com/mcpguard/mcphack/internal/toolkit"
	"github.com/mcpguard/mcphack/internal/transport"
)

var version = "dev"

var errNoTarget = errors.New("no target specified (use --target or MCP_TARGET)")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes one command line and returns the process exit code.
func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	a := &app{
		v:      config.New(),
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
	}
	root := a.rootCommand()
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}

	var reported *reportedError
	if !errors.As(err, &reported) {
		a.renderer().Error(err)
	}
	if a.log != nil {
		a.log.WithError(err).Debug("command failed")
	}
	return exitCode(err)
}

type app struct {
	v      *viper.Viper
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	cfg    *config.Config
	log    *logrus.Logger
	render *render.Renderer
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "mcphack",
		Short:         "mcphack - probe and exercise Model Context Protocol servers",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringP(config.KeyTarget, "t", "", "target MCP server command line (falls back to MCP_TARGET)")
	pf.CountP(config.KeyVerbose, "v", "increase log verbosity (-v info, -vv debug, -vvv wire trace)")
	pf.BoolP(config.KeyQuiet, "q", false, "only log errors")
	pf.Bool(config.KeyJSON, false, "print machine readable JSON")
	pf.String(config.KeyTimeout, "30s", "per request timeout")
	pf.String(config.KeyInitTimeout, "", "handshake timeout (defaults to --timeout)")
	pf.String(config.KeyGracePeriod, "2s", "time the server gets to exit before it is killed")
	pf.StringArray(config.KeyEnv, nil, "extra KEY=VALUE environment for the server, repeatable")
	pf.String(config.KeyDetectionRules, "", "gitleaks TOML rules used by --scan (defaults to built-in rules)")
	pf.String("config", "", "config file (YAML, TOML or JSON)")

	if err := config.BindFlags(a.v, pf); err != nil {
		panic(err)
	}

	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{err: err}
	})

	root.AddCommand(
		a.listCommand(),
		a.getCommand(),
		a.execCommand(),
		a.fuzzCommand(),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	if err := config.LoadDotEnv(".env"); err != nil {
		return err
	}
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		if err := config.ReadFile(a.v, path); err != nil {
			return &usageError{err: err}
		}
	}

	cfg, err := config.Load(a.v)
	if err != nil {
		return &usageError{err: err}
	}
	a.cfg = cfg
	a.log = logging.New(cfg.Verbosity, cfg.Quiet, a.stderr)
	a.render = render.New(a.stdout, a.stderr, cfg.JSON)

	a.log.WithFields(logrus.Fields{"run": cfg.RunID, "command": cmd.CommandPath()}).Debug("configuration loaded")
	return nil
}

// renderer falls back to plain output when setup never ran.
func (a *app) renderer() *render.Renderer {
	if a.render != nil {
		return a.render
	}
	return render.New(a.stdout, a.stderr, a.v.GetBool(config.KeyJSON))
}

// connect spawns the configured target and completes the handshake.
func (a *app) connect(ctx context.Context) (*mcp.Session, error) {
	if a.cfg.Target == "" {
		return nil, errNoTarget
	}
	tg, err := target.Parse(a.cfg.Target)
	if err != nil {
		return nil, &usageError{err: fmt.Errorf("failed to parse target %q: %w", a.cfg.Target, err)}
	}
	tg = tg.WithEnv(a.cfg.Env...)

	entry := a.log.WithFields(logrus.Fields{"run": a.cfg.RunID, "target": tg.String()})

	proc, err := transport.Spawn(tg,
		transport.WithLogger(entry),
		transport.WithGracePeriod(a.cfg.GracePeriod),
	)
	if err != nil {
		return nil, err
	}
	entry.WithField("pid", proc.Pid()).Info("server started")

	sess := mcp.NewSession(proc,
		mcp.WithLogger(entry),
		mcp.WithDefaultTimeout(a.cfg.Timeout),
		mcp.WithInitTimeout(a.cfg.InitTimeout),
		mcp.WithNotificationHandler(func(method string, _ json.RawMessage) {
			entry.WithField("method", method).Debug("server notification")
		}),
	)

	client := mcp.Implementation{Name: a.cfg.ClientName, Version: a.cfg.ClientVersion}
	if _, err := sess.Initialize(ctx, client, mcp.ClientCapabilities{}); err != nil {
		_ = sess.Close()
		return nil, &handshakeError{err: err}
	}
	return sess, nil
}

func (a *app) tools(sess *mcp.Session) *toolkit.Client {
	return toolkit.New(sess,
		toolkit.WithTimeout(a.cfg.Timeout),
		toolkit.WithLogger(a.log.WithFields(logrus.Fields{"run": a.cfg.RunID, "session": sess.ID()})),
	)
}

func closeSession(log *logrus.Logger, sess *mcp.Session) {
	if err := sess.Close(); err != nil {
		log.WithError(err).Debug("server shutdown reported an error")
	}
}
