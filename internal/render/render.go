// Package render prints command results either as JSON documents or as
// human readable text.
package render

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mcpguard/mcphack/internal/detection"
	"github.com/mcpguard/mcphack/internal/logging"
	"github.com/mcpguard/mcphack/internal/mcp"
	"github.com/mcpguard/mcphack/internal/params"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	okStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	errStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	dimStyle   = lipgloss.NewStyle().Faint(true)
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

type Renderer struct {
	out    io.Writer
	errOut io.Writer
	json   bool
	styled bool
}

// New returns a renderer. Styling is applied only when out is a terminal and
// JSON output was not requested.
func New(out, errOut io.Writer, jsonMode bool) *Renderer {
	return &Renderer{
		out:    out,
		errOut: errOut,
		json:   jsonMode,
		styled: !jsonMode && logging.IsTerminal(out),
	}
}

func (r *Renderer) style(s lipgloss.Style, text string) string {
	if !r.styled {
		return text
	}
	return s.Render(text)
}

func (r *Renderer) header(title, subtitle string) {
	if !r.styled {
		fmt.Fprintln(r.out, title)
		if subtitle != "" {
			fmt.Fprintln(r.out, subtitle)
		}
		fmt.Fprintln(r.out)
		return
	}
	body := titleStyle.Render(title)
	if subtitle != "" {
		body += "\n" + dimStyle.Render(subtitle)
	}
	fmt.Fprintln(r.out, boxStyle.Render(body))
}

func (r *Renderer) writeJSON(v any, indent bool) error {
	var (
		b   []byte
		err error
	)
	if indent {
		b, err = json.MarshalIndent(v, "", "  ")
	} else {
		b, err = json.Marshal(v)
	}
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	_, err = fmt.Fprintln(r.out, string(b))
	return err
}

func ms(d time.Duration) int64 { return d.Milliseconds() }

func subtitle(target string, elapsed time.Duration) string {
	return fmt.Sprintf("target=%s • %d ms", target, ms(elapsed))
}

type toolSummary struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  []params.Param `json:"parameters,omitempty"`
}

// ToolList prints tool names and descriptions.
func (r *Renderer) ToolList(target string, elapsed time.Duration, tools []mcp.Tool) error {
	if r.json {
		items := make([]toolSummary, 0, len(tools))
		for _, t := range tools {
			items = append(items, toolSummary{Name: t.Name, Description: t.Description})
		}
		return r.writeJSON(map[string]any{
			"status":     "ok",
			"subject":    "tools",
			"target":     target,
			"elapsed_ms": ms(elapsed),
			"count":      len(tools),
			"tools":      items,
		}, true)
	}

	r.header(fmt.Sprintf("Tools (%d)", len(tools)), subtitle(target, elapsed))
	if len(tools) == 0 {
		fmt.Fprintln(r.out, r.style(dimStyle, "No tools available."))
		return nil
	}
	tw := tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tDESCRIPTION")
	for _, t := range tools {
		fmt.Fprintf(tw, "%s\t%s\n", t.Name, firstLine(t.Description))
	}
	return tw.Flush()
}

// ToolDetails prints every tool together with its parameters.
func (r *Renderer) ToolDetails(target string, elapsed time.Duration, tools []mcp.Tool) error {
	if r.json {
		items := make([]toolSummary, 0, len(tools))
		for _, t := range tools {
			items = append(items, toolSummary{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params.Describe(t.InputSchema),
			})
		}
		return r.writeJSON(map[string]any{
			"status":     "ok",
			"subject":    "tools",
			"target":     target,
			"elapsed_ms": ms(elapsed),
			"count":      len(tools),
			"tools":      items,
		}, true)
	}

	r.header(fmt.Sprintf("Tools (%d)", len(tools)), subtitle(target, elapsed))
	for i, t := range tools {
		if i > 0 {
			fmt.Fprintln(r.out)
		}
		fmt.Fprintln(r.out, r.style(okStyle, t.Name))
		if t.Description != "" {
			fmt.Fprintln(r.out, "  "+firstLine(t.Description))
		}
		if err := r.paramTable(params.Describe(t.InputSchema), "  "); err != nil {
			return err
		}
	}
	return nil
}

// Tool prints a single tool with its verbatim definition.
func (r *Renderer) Tool(target string, elapsed time.Duration, tool *mcp.Tool) error {
	ps := params.Describe(tool.InputSchema)
	if r.json {
		return r.writeJSON(map[string]any{
			"status":     "ok",
			"subject":    "tool",
			"target":     target,
			"elapsed_ms": ms(elapsed),
			"name":       tool.Name,
			"tool":       tool,
			"parameters": ps,
		}, true)
	}

	r.header("Tool: "+tool.Name, subtitle(target, elapsed))
	if tool.Description != "" {
		fmt.Fprintln(r.out, tool.Description)
		fmt.Fprintln(r.out)
	}
	if err := r.paramTable(ps, ""); err != nil {
		return err
	}
	if len(tool.InputSchema) > 0 {
		fmt.Fprintln(r.out)
		fmt.Fprintln(r.out, r.style(titleStyle, "Input schema:"))
		fmt.Fprintln(r.out, pretty(tool.InputSchema))
	}
	return nil
}

func (r *Renderer) paramTable(ps []params.Param, indent string) error {
	if len(ps) == 0 {
		fmt.Fprintln(r.out, indent+r.style(dimStyle, "(no parameters)"))
		return nil
	}
	tw := tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "%sPARAM\tTYPE\tREQUIRED\tDESCRIPTION\n", indent)
	for _, p := range ps {
		req := "no"
		if p.Required {
			req = "yes"
		}
		fmt.Fprintf(tw, "%s%s\t%s\t%s\t%s\n", indent, p.Name, p.Type, req, firstLine(p.Description))
	}
	return tw.Flush()
}

// ExecReport is the outcome of one tool invocation.
type ExecReport struct {
	Target    string
	Tool      string
	Elapsed   time.Duration
	Arguments map[string]any
	Result    *mcp.CallToolResult
	Err       error
	Raw       bool
	Scanned   bool
	Findings  []detection.Result
}

// Summarize reduces a tool result to its text and item count.
func Summarize(res *mcp.CallToolResult) map[string]any {
	if res == nil {
		return nil
	}
	texts := []string{}
	types := []string{}
	for _, c := range res.Content {
		types = append(types, c.Type)
		if c.Type == "text" {
			texts = append(texts, c.Text)
		}
	}
	out := map[string]any{
		"is_error":      res.IsError,
		"content_items": len(res.Content),
		"content_types": types,
		"text":          texts,
	}
	if len(res.StructuredContent) > 0 {
		out["structured_content"] = res.StructuredContent
	}
	return out
}

func (rep ExecReport) document() map[string]any {
	doc := map[string]any{
		"status":     "ok",
		"subject":    "tool",
		"tool":       rep.Tool,
		"target":     rep.Target,
		"elapsed_ms": ms(rep.Elapsed),
		"arguments":  rep.Arguments,
	}
	if rep.Err != nil {
		doc["status"] = "error"
		doc["error"] = rep.Err.Error()
	}
	if rep.Result != nil {
		if rep.Raw {
			doc["result"] = rep.Result
		} else {
			doc["result_summary"] = Summarize(rep.Result)
		}
	}
	if rep.Scanned {
		findings := rep.Findings
		if findings == nil {
			findings = []detection.Result{}
		}
		doc["findings"] = findings
	}
	return doc
}

// Exec prints the outcome of exec.
func (r *Renderer) Exec(rep ExecReport) error {
	if r.json {
		return r.writeJSON(rep.document(), true)
	}

	if rep.Err != nil {
		r.header(r.style(errStyle, "Exec Error ("+rep.Tool+")"), subtitle(rep.Target, rep.Elapsed))
		fmt.Fprintln(r.out, r.style(errStyle, rep.Err.Error()))
		fmt.Fprintln(r.out)
	} else {
		r.header(r.style(okStyle, "Exec Success ("+rep.Tool+")"), subtitle(rep.Target, rep.Elapsed))
	}

	if len(rep.Arguments) == 0 {
		fmt.Fprintln(r.out, r.style(dimStyle, "No arguments supplied"))
	} else {
		fmt.Fprintln(r.out, r.style(titleStyle, "Arguments:"))
		tw := tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tVALUE")
		for _, k := range sortedKeys(rep.Arguments) {
			fmt.Fprintf(tw, "%s\t%s\n", k, valueString(rep.Arguments[k]))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	if rep.Result != nil {
		fmt.Fprintln(r.out)
		if rep.Raw {
			fmt.Fprintln(r.out, r.style(titleStyle, "Raw Result:"))
			b, err := json.MarshalIndent(rep.Result, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to encode result: %w", err)
			}
			fmt.Fprintln(r.out, string(b))
		} else {
			fmt.Fprintln(r.out, r.style(titleStyle, "Result:"))
			for _, c := range rep.Result.Content {
				if c.Type == "text" {
					fmt.Fprintln(r.out, c.Text)
				} else {
					fmt.Fprintln(r.out, r.style(dimStyle, "["+c.Type+" content]"))
				}
			}
			if len(rep.Result.StructuredContent) > 0 {
				fmt.Fprintln(r.out, pretty(rep.Result.StructuredContent))
			}
			fmt.Fprintln(r.out)
			fmt.Fprintln(r.out, r.style(dimStyle, "Use --raw to see the full call result payload"))
		}
	}

	if rep.Scanned {
		fmt.Fprintln(r.out)
		return r.findings(rep.Findings)
	}
	return nil
}

func (r *Renderer) findings(fs []detection.Result) error {
	if len(fs) == 0 {
		fmt.Fprintln(r.out, r.style(okStyle, "No secrets detected"))
		return nil
	}
	fmt.Fprintln(r.out, r.style(errStyle, fmt.Sprintf("Secrets detected (%d):", len(fs))))
	tw := tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tRULE\tDESCRIPTION")
	for _, f := range fs {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", f.Source, f.RuleID, f.Description)
	}
	return tw.Flush()
}

// FuzzReport is the outcome of one fuzz request.
type FuzzReport struct {
	ExecReport
	Index int
	Total int
	Word  string
}

// FuzzStart announces a fuzz run in human mode.
func (r *Renderer) FuzzStart(tool string, total int) {
	if r.json {
		return
	}
	fmt.Fprintln(r.out, r.style(titleStyle, fmt.Sprintf("Starting fuzz session: %d requests for tool '%s'", total, tool)))
}

// FuzzLine prints one line per fuzz request.
func (r *Renderer) FuzzLine(rep FuzzReport) error {
	if r.json {
		doc := rep.document()
		delete(doc, "subject")
		doc["request_index"] = rep.Index
		doc["total_requests"] = rep.Total
		doc["word"] = rep.Word
		return r.writeJSON(doc, false)
	}

	mark := r.style(okStyle, "ok ")
	var detail string
	switch {
	case rep.Err != nil:
		mark = r.style(errStyle, "err")
		detail = rep.Err.Error()
	case rep.Result != nil:
		b, err := json.Marshal(Summarize(rep.Result))
		if err != nil {
			return fmt.Errorf("failed to encode summary: %w", err)
		}
		detail = string(b)
	}
	line := fmt.Sprintf("%s Request %d/%d: word='%s' (%d ms) -> %s", mark, rep.Index+1, rep.Total, rep.Word, ms(rep.Elapsed), detail)
	if rep.Scanned && len(rep.Findings) > 0 {
		rules := make([]string, 0, len(rep.Findings))
		for _, f := range rep.Findings {
			rules = append(rules, f.Source+":"+f.RuleID)
		}
		line += r.style(errStyle, " [secrets: "+strings.Join(rules, ", ")+"]")
	}
	_, err := fmt.Fprintln(r.out, line)
	return err
}

// Error reports a failure that produced no other output.
func (r *Renderer) Error(err error) {
	if r.json {
		_ = r.writeJSON(map[string]any{"status": "error", "error": err.Error()}, true)
		return
	}
	fmt.Fprintln(r.errOut, r.style(errStyle, "Error:")+" "+err.Error())
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i]) + " …"
	}
	return s
}

func pretty(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(raw)
	}
	return string(b)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func valueString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
