package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/mcpguard/mcphack/internal/detection"
	"github.com/mcpguard/mcphack/internal/mcp"
	"github.com/mcpguard/mcphack/internal/params"
	"github.com/mcpguard/mcphack/internal/render"
	"github.com/mcpguard/mcphack/internal/toolkit"
)

type fuzzOptions struct {
	wordlist    string
	placeholder string
	params      []string
	paramFile   string
	concurrency int
	rate        float64
	raw         bool
	scan        bool
}

func (a *app) fuzzCommand() *cobra.Command {
	var opts fuzzOptions

	cmd := &cobra.Command{
		Use:   "fuzz [tool] <name> -w <wordlist> [KEY=VALUE...]",
		Short: "Call a tool once per wordlist entry, substituting a placeholder",
		Example: "  mcphack fuzz tool read_file -w words.txt --param path=/srv/FUZZ -t ./server\n" +
			"  mcphack fuzz search query=FUZZ -w payloads.txt --concurrency 8 --rate 20 --scan\n" +
			"  mcphack fuzz tool lookup -w ids.txt -p @@ --param id=@@ -t ./server",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, pairs, err := a.toolArgs(cmd, args)
			if err != nil {
				return err
			}
			return a.runFuzz(cmd.Context(), name, append(opts.params, pairs...), opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.wordlist, "wordlist", "w", "", "file with one payload per line")
	f.StringVarP(&opts.placeholder, "placeholder", "p", "FUZZ", "marker replaced by each payload in parameter keys and values")
	f.StringArrayVar(&opts.params, "param", nil, "tool parameter KEY=VALUE, repeatable")
	f.StringVar(&opts.paramFile, "param-file", "", "JSON or YAML file of parameters (--param entries override it)")
	f.IntVarP(&opts.concurrency, "concurrency", "c", 4, "maximum calls in flight")
	f.Float64Var(&opts.rate, "rate", 0, "maximum calls per second (0 for unlimited)")
	f.BoolVar(&opts.raw, "raw", false, "include the full call result in each line")
	f.BoolVar(&opts.scan, "scan", false, "scan arguments and output for secrets")
	return cmd
}

func readWordlist(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open wordlist: %w", err)
	}
	defer f.Close()

	var words []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		w := strings.TrimRight(sc.Text(), "\r")
		if w == "" {
			continue
		}
		words = append(words, w)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read wordlist: %w", err)
	}
	return words, nil
}

func (a *app) runFuzz(ctx context.Context, name string, pairs []string, opts fuzzOptions) error {
	if opts.wordlist == "" {
		return &usageError{err: errors.New("--wordlist is required")}
	}
	if opts.placeholder == "" {
		return &usageError{err: errors.New("--placeholder cannot be empty")}
	}
	if opts.concurrency < 1 {
		return &usageError{err: errors.New("--concurrency must be at least 1")}
	}
	if opts.rate < 0 {
		return &usageError{err: errors.New("--rate cannot be negative")}
	}

	words, err := readWordlist(opts.wordlist)
	if err != nil {
		return &usageError{err: err}
	}
	if len(words) == 0 {
		return &usageError{err: fmt.Errorf("wordlist %s is empty", opts.wordlist)}
	}

	template, err := collectParams(pairs, opts.paramFile)
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
	if _, err := params.Build(tool.InputSchema, template); err != nil {
		return err
	}

	limit := rate.Inf
	if opts.rate > 0 {
		limit = rate.Limit(opts.rate)
	}
	limiter := rate.NewLimiter(limit, 1)

	log := a.log.WithFields(logrus.Fields{"run": a.cfg.RunID, "tool": tool.Name, "words": len(words)})
	log.WithFields(logrus.Fields{"concurrency": opts.concurrency, "rate": opts.rate}).Info("fuzzing started")
	a.render.FuzzStart(tool.Name, len(words))

	var (
		mu       sync.Mutex
		failures int
		lastErr  error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.concurrency)

	for i, word := range words {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := limiter.Wait(gctx); err != nil {
				return err
			}

			rep := a.fuzzOne(gctx, tk, tool, engine, template, opts, word)
			rep.Index, rep.Total = i, len(words)

			mu.Lock()
			defer mu.Unlock()
			if rep.Err != nil {
				failures++
				lastErr = rep.Err
			}
			if err := a.render.FuzzLine(rep); err != nil {
				return err
			}
			return fatalFuzzError(rep.Err)
		})
	}

	err = g.Wait()
	log.WithField("failures", failures).Info("fuzzing finished")
	if err != nil {
		return err
	}
	if failures == len(words) {
		// Every line is already printed; the exit code follows the last failure.
		log.Warn("every fuzz request failed")
		return &reportedError{err: fmt.Errorf("all %d fuzz requests failed: %w", failures, lastErr)}
	}
	return nil
}

func (a *app) fuzzOne(ctx context.Context, tk *toolkit.Client, tool *mcp.Tool, engine *detection.Engine, template map[string]string, opts fuzzOptions, word string) render.FuzzReport {
	rep := render.FuzzReport{
		Word: word,
		ExecReport: render.ExecReport{
			Target:  a.cfg.Target,
			Tool:    tool.Name,
			Raw:     opts.raw,
			Scanned: engine != nil,
		},
	}

	arguments, err := params.Build(tool.InputSchema, params.Substitute(template, opts.placeholder, word))
	if err != nil {
		rep.Err = err
		return rep
	}
	rep.Arguments = arguments

	start := time.Now()
	rep.Result, rep.Err = tk.ExecTool(ctx, tool.Name, arguments)
	rep.Elapsed = time.Since(start)

	if engine != nil {
		rep.Findings = engine.ScanCall(mcp.CallToolParams{Name: tool.Name, Arguments: arguments}, rep.Result)
	}
	return rep
}

// fatalFuzzError reports errors that make further calls pointless. Per-word
// failures such as tool errors or timeouts are only reported.
func fatalFuzzError(err error) error {
	var closed *mcp.SessionClosedError
	if errors.As(err, &closed) {
		return err
	}
	return nil
}
