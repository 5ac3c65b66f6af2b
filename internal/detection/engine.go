package detection

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/viper"
	"github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"

	"github.com/mcpguard/mcphack/internal/mcp"
)

// Result is one secret found in tool traffic.
type Result struct {
	Source      string `json:"source"`
	RuleID      string `json:"rule_id"`
	Description string `json:"description"`
}

type Engine struct {
	mu       sync.Mutex
	detector *detect.Detector
}

// NewEngine creates a detection engine from a gitleaks TOML rules file, or
// from the gitleaks default rules when rulesPath is empty.
func NewEngine(rulesPath string) (*Engine, error) {
	v := viper.New()
	v.SetConfigType("toml")

	if rulesPath != "" {
		v.SetConfigFile(rulesPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else if err := v.ReadConfig(strings.NewReader(config.DefaultConfig)); err != nil {
		return nil, fmt.Errorf("failed to read default config: %w", err)
	}

	var vc config.ViperConfig
	if err := v.Unmarshal(&vc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg, err := vc.Translate()
	if err != nil {
		return nil, fmt.Errorf("failed to translate config: %w", err)
	}

	return &Engine{
		detector: detect.NewDetector(cfg),
	}, nil
}

// Scan runs the rules over text. source labels where the text came from.
func (e *Engine) Scan(source, text string) []Result {
	if text == "" {
		return nil
	}

	e.mu.Lock()
	findings := e.detector.DetectString(text)
	e.mu.Unlock()

	var results []Result
	for _, f := range findings {
		results = append(results, Result{
			Source:      source,
			RuleID:      f.RuleID,
			Description: f.Description,
		})
	}
	return results
}

// ScanCall scans the string arguments of a tool call and the text returned by
// it. result may be nil.
func (e *Engine) ScanCall(params mcp.CallToolParams, result *mcp.CallToolResult) []Result {
	var results []Result

	keys := make([]string, 0, len(params.Arguments))
	for k := range params.Arguments {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		results = append(results, e.scanValue("arguments."+k, params.Arguments[k])...)
	}

	if result == nil {
		return results
	}
	for i, c := range result.Content {
		if c.Type == "text" {
			results = append(results, e.Scan(fmt.Sprintf("content[%d]", i), c.Text)...)
		}
	}
	if len(result.StructuredContent) > 0 {
		results = append(results, e.Scan("structuredContent", string(result.StructuredContent))...)
	}
	return results
}

func (e *Engine) scanValue(source string, v any) []Result {
	switch val := v.(type) {
	case string:
		return e.Scan(source, val)
	case []any:
		var out []Result
		for i, item := range val {
			out = append(out, e.scanValue(fmt.Sprintf("%s[%d]", source, i), item)...)
		}
		return out
	case map[string]any:
		b, err := json.Marshal(val)
		if err != nil {
			return nil
		}
		return e.Scan(source, string(b))
	default:
		return nil
	}
}
