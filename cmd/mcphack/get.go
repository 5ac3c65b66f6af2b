package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func (a *app) getCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get tools | get tool <name>",
		Short: "Show tools with their parameters and input schema",
		Example: "  mcphack get tools -t ./server\n" +
			"  mcphack get tool read_graph -t ./server --json",
		Args: subjectArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			single := strings.EqualFold(args[0], "tool")
			if single && len(args) != 2 {
				return &usageError{err: fmt.Errorf("get tool: expected exactly one tool name")}
			}
			if !single && len(args) != 1 {
				return &usageError{err: fmt.Errorf("get tools: unexpected arguments %q (use \"get tool <name>\")", args[1:])}
			}

			ctx := cmd.Context()
			sess, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer closeSession(a.log, sess)

			tk := a.tools(sess)
			start := time.Now()
			if !single {
				tools, err := tk.ListTools(ctx)
				if err != nil {
					return err
				}
				return a.render.ToolDetails(a.cfg.Target, time.Since(start), tools)
			}

			tool, err := tk.GetTool(ctx, strings.TrimSpace(args[1]))
			if err != nil {
				return err
			}
			return a.render.Tool(a.cfg.Target, time.Since(start), tool)
		},
	}
}
