package toolkit

import (
	"fmt"
	"strings"

	"github.com/mcpguard/mcphack/internal/mcp"
)

// NotFoundError is returned by GetTool when no tool carries the exact name.
// Suggestion holds a tool whose name differs only by case, if any.
type NotFoundError struct {
	Name       string
	Suggestion string
}

func (e *NotFoundError) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("tool %q not found (did you mean %q?)", e.Name, e.Suggestion)
	}
	return fmt.Sprintf("tool %q not found", e.Name)
}

// ToolExecutionError reports a tool that ran and signalled failure through
// isError. The transport and protocol both worked; the server's diagnostic is
// in Content.
type ToolExecutionError struct {
	Tool    string
	Content []mcp.Content
}

func (e *ToolExecutionError) Error() string {
	var texts []string
	for _, c := range e.Content {
		if c.Type == "text" && c.Text != "" {
			texts = append(texts, c.Text)
		}
	}
	if len(texts) == 0 {
		return fmt.Sprintf("tool %q reported an error", e.Tool)
	}
	return fmt.Sprintf("tool %q reported an error: %s", e.Tool, strings.Join(texts, "; "))
}

// ResultShapeError means a result document did not have the structure the
// method requires.
type ResultShapeError struct {
	Method string
	Reason string
}

func (e *ResultShapeError) Error() string {
	return fmt.Sprintf("malformed %s result: %s", e.Method, e.Reason)
}
