package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mcpguard/mcphack/internal/detection"
	"github.com/mcpguard/mcphack/internal/logging"
	"github.com/mcpguard/mcphack/internal/mcp"
	"github.com/mcpguard/mcphack/internal/params"
	"github.com/mcpguard/mcphack/internal/render"
)

type execOptions struct {
	params      []string
	paramFile   string
	interactive bool
	validate    bool
	raw         bool
	scan        bool
}

func (a *app) execCommand() *cobra.Command {
	var opts execOptions

	cmd := &cobra.Command{
		Use:   "exec [tool] <name> [KEY=VALUE...]",
		Short: "Invoke a single tool",
		Example: "  mcphack exec tool search_nodes query=alice -t ./server\n" +
			"  mcphack exec read_file --param path=/etc/hosts --scan --json",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, pairs, err := a.toolArgs(cmd, args)
			if err != nil {
				return err
			}
			return a.runExec(cmd.Context(), name, append(opts.params, pairs...), opts)
		},
	}

	f := cmd.Flags()
	f.StringArrayVarP(&opts.params, "param", "p", nil, "tool parameter KEY=VALUE, repeatable")
	f.StringVar(&opts.paramFile, "param-file", "", "JSON or YAML file of parameters (--param entries override it)")
	f.BoolVarP(&opts.interactive, "interactive", "i", false, "prompt for missing required parameters")
	f.BoolVar(&opts.validate, "validate", false, "validate arguments against the tool's input schema before calling")
	f.BoolVar(&opts.raw, "raw", false, "print the full call result instead of a summary")
	f.BoolVar(&opts.scan, "scan", false, "scan arguments and output for secrets")
	return cmd
}

// toolArgs strips the optional subject word and splits the tool name from
// trailing KEY=VALUE arguments.
func (a *app) toolArgs(cmd *cobra.Command, args []string) (string, []string, error) {
	if isToolSubject(args[0]) {
		if len(args) == 1 {
			return "", nil, &usageError{err: fmt.Errorf("%s: missing tool name", cmd.Name())}
		}
		if strings.EqualFold(args[0], "tools") {
			a.log.Warn("subject 'tools' is deprecated here; use 'tool'")
		}
		args = args[1:]
	}

	name := strings.TrimSpace(args[0])
	if name == "" {
		return "", nil, &usageError{err: errors.New("tool name cannot be empty")}
	}
	for _, kv := range args[1:] {
		if !strings.Contains(kv, "=") {
			return "", nil, &usageError{err: fmt.Errorf("%s: unexpected argument %q (expected KEY=VALUE)", cmd.Name(), kv)}
		}
	}
	return name, args[1:], nil
}

// collectParams merges the parameter file with explicit pairs.
func collectParams(pairs []string, paramFile string) (map[string]string, error) {
	explicit, err := params.ParsePairs(pairs)
	if err != nil {
		return nil, err
	}
	if paramFile == "" {
		return explicit, nil
	}
	fromFile, err := params.LoadFile(paramFile)
	if err != nil {
		return nil, &usageError{err: err}
	}
	return params.Merge(fromFile, explicit), nil
}

func (a *app) runExec(ctx context.Context, name string, pairs []string, opts execOptions) error {
	provided, err := collectParams(pairs, opts.paramFile)
	if err != nil {
		return err
	}

	var engine *detection.Engine
	if opts.scan {
		if engine, err = detection.NewEngine(a.cfg.DetectionRules); err != nil {
			return &usageError{err: err}
		}
	}

	sess, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer closeSession(a.log, sess)

	tk := a.tools(sess)
	tool, err := tk.GetTool(ctx, name)
	if err != nil {
		return err
	}

	if opts.interactive {
		if err := a.promptMissing(tool.InputSchema, provided); err != nil {
			return err
		}
	}

	arguments, err := params.Build(tool.InputSchema, provided)
	if err != nil {
		return err
	}
	if opts.validate {
		if err := params.Validate(tool.InputSchema, arguments); err != nil {
			return &usageError{err: err}
		}
	}

	start := time.Now()
	res, callErr := tk.ExecTool(ctx, tool.Name, arguments)
	rep := render.ExecReport{
		Target:    a.cfg.Target,
		Tool:      tool.Name,
		Elapsed:   time.Since(start),
		Arguments: arguments,
		Result:    res,
		Err:       callErr,
		Raw:       opts.raw,
		Scanned:   engine != nil,
	}
	if engine != nil {
		rep.Findings = engine.ScanCall(mcp.CallToolParams{Name: tool.Name, Arguments: arguments}, res)
	}

	if err := a.render.Exec(rep); err != nil {
		return err
	}
	if callErr != nil {
		return &reportedError{err: callErr}
	}
	return nil
}

// promptMissing asks for every required parameter that has no value yet.
// Prompting only happens when stdin is a terminal.
func (a *app) promptMissing(schema []byte, provided map[string]string) error {
	missing := params.MissingRequired(schema, provided)
	if len(missing) == 0 {
		return nil
	}
	if !logging.IsTerminal(a.stdin) {
		a.log.Warn("--interactive ignored: stdin is not a terminal")
		return nil
	}
	return prompt(a.stdin, a.stderr, missing, provided)
}

func prompt(in io.Reader, out io.Writer, missing []params.Param, provided map[string]string) error {
	r := bufio.NewReader(in)
	for _, p := range missing {
		for {
			fmt.Fprintf(out, "Enter value for required param '%s' (type: %s): ", p.Name, p.Type)
			line, err := r.ReadString('\n')
			val := strings.TrimSpace(line)
			if val != "" {
				provided[p.Name] = val
				break
			}
			if err != nil {
				return fmt.Errorf("reading value for %s: %w", p.Name, err)
			}
			fmt.Fprintln(out, "  (value required)")
		}
	}
	return nil
}
