package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func (a *app) listCommand() *cobra.Command {
	return &cobra.Command{
		Use:       "list tools",
		Short:     "List the tools a server exposes",
		Example:   "  mcphack list tools -t \"npx -y @modelcontextprotocol/server-memory\"",
		ValidArgs: []string{"tools", "tool"},
		Args:      subjectArgs(1, 1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sess, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer closeSession(a.log, sess)

			start := time.Now()
			tools, err := a.tools(sess).ListTools(ctx)
			if err != nil {
				return err
			}
			return a.render.ToolList(a.cfg.Target, time.Since(start), tools)
		},
	}
}

// subjectArgs requires args[0] to name the tool subject and bounds the
// remaining arguments.
func subjectArgs(lo, hi int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return &usageError{err: fmt.Errorf("%s: missing subject (expected \"tools\" or \"tool\")", cmd.Name())}
		}
		if !isToolSubject(args[0]) {
			return &usageError{err: fmt.Errorf("%s: unsupported subject %q (expected \"tools\" or \"tool\")", cmd.Name(), args[0])}
		}
		if n := len(args); n < lo || (hi >= 0 && n > hi) {
			return &usageError{err: fmt.Errorf("%s: unexpected arguments %q", cmd.Name(), args[1:])}
		}
		return nil
	}
}

func isToolSubject(s string) bool {
	switch strings.ToLower(s) {
	case "tools", "tool":
		return true
	}
	return false
}
