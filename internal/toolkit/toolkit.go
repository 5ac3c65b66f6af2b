// Package toolkit implements the tool operations exposed by the CLI on top of
// any MCP request caller.
package toolkit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mcpguard/mcphack/internal/mcp"
)

// Caller issues one request and returns its raw result. *mcp.Session
// satisfies it.
type Caller interface {
	Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error)
}

// maxPages stops a server that keeps handing out cursors.
const maxPages = 1000

type Client struct {
	caller  Caller
	timeout time.Duration
	log     *logrus.Entry
}

type Option func(*Client)

// WithTimeout sets the per-request timeout. Zero leaves the caller's default.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

func WithLogger(l *logrus.Entry) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

func New(caller Caller, opts ...Option) *Client {
	c := &Client{
		caller: caller,
		log:    logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListTools returns every tool the server advertises, in server order,
// following pagination cursors until the server stops returning one.
func (c *Client) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	var (
		tools  []mcp.Tool
		cursor string
		seen   = map[string]bool{}
	)
	for page := 0; ; page++ {
		if page >= maxPages {
			return nil, &ResultShapeError{Method: mcp.MethodToolsList, Reason: fmt.Sprintf("more than %d pages", maxPages)}
		}

		raw, err := c.caller.Call(ctx, mcp.MethodToolsList, mcp.ListToolsParams{Cursor: cursor}, c.timeout)
		if err != nil {
			return nil, err
		}
		batch, next, err := decodeToolsPage(raw)
		if err != nil {
			return nil, err
		}
		tools = append(tools, batch...)

		c.log.WithFields(logrus.Fields{"page": page, "count": len(batch), "next_cursor": next}).Debug("listed tools")

		if next == "" {
			return tools, nil
		}
		if seen[next] {
			return nil, &ResultShapeError{Method: mcp.MethodToolsList, Reason: fmt.Sprintf("cursor %q repeated", next)}
		}
		seen[next] = true
		cursor = next
	}
}

func decodeToolsPage(raw json.RawMessage) ([]mcp.Tool, string, error) {
	shapeErr := func(format string, args ...any) error {
		return &ResultShapeError{Method: mcp.MethodToolsList, Reason: fmt.Sprintf(format, args...)}
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return nil, "", shapeErr("result is not an object")
	}

	rawTools, ok := obj["tools"]
	if !ok {
		return nil, "", shapeErr("missing tools array")
	}
	var items []json.RawMessage
	if err := json.Unmarshal(rawTools, &items); err != nil || items == nil {
		return nil, "", shapeErr("tools is not an array")
	}

	tools := make([]mcp.Tool, 0, len(items))
	for i, item := range items {
		if !bytes.HasPrefix(bytes.TrimSpace(item), []byte("{")) {
			return nil, "", shapeErr("tool %d is not an object", i)
		}
		var tool mcp.Tool
		if err := json.Unmarshal(item, &tool); err != nil {
			return nil, "", shapeErr("tool %d: %v", i, err)
		}
		if tool.Name == "" {
			return nil, "", shapeErr("tool %d has no name", i)
		}
		tools = append(tools, tool)
	}

	var next string
	if rc, ok := obj["nextCursor"]; ok && !bytes.Equal(rc, []byte("null")) {
		if err := json.Unmarshal(rc, &next); err != nil {
			return nil, "", shapeErr("nextCursor is not a string")
		}
	}
	return tools, next, nil
}

// GetTool returns the tool whose name matches exactly. The input schema is
// returned as the server sent it.
func (c *Client) GetTool(ctx context.Context, name string) (*mcp.Tool, error) {
	tools, err := c.ListTools(ctx)
	if err != nil {
		return nil, err
	}

	nf := &NotFoundError{Name: name}
	for i := range tools {
		if tools[i].Name == name {
			return &tools[i], nil
		}
		if nf.Suggestion == "" && strings.EqualFold(tools[i].Name, name) {
			nf.Suggestion = tools[i].Name
		}
	}
	return nil, nf
}

// ExecTool invokes a tool. When the tool reports failure the decoded result is
// returned together with a *ToolExecutionError.
func (c *Client) ExecTool(ctx context.Context, name string, arguments map[string]any) (*mcp.CallToolResult, error) {
	if arguments == nil {
		arguments = map[string]any{}
	}

	start := time.Now()
	raw, err := c.caller.Call(ctx, mcp.MethodToolsCall, mcp.CallToolParams{Name: name, Arguments: arguments}, c.timeout)
	if err != nil {
		return nil, err
	}

	var res mcp.CallToolResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, &ResultShapeError{Method: mcp.MethodToolsCall, Reason: err.Error()}
	}

	c.log.WithFields(logrus.Fields{
		"tool":     name,
		"is_error": res.IsError,
		"items":    len(res.Content),
		"elapsed":  time.Since(start),
	}).Debug("tool call returned")

	if res.IsError {
		return &res, &ToolExecutionError{Tool: name, Content: res.Content}
	}
	return &res, nil
}
