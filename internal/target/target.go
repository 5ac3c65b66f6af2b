// Package target turns a user supplied target string into something that
// can be spawned.
package target

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/mattn/go-shellwords"
)

// ErrEmpty is returned for blank target strings.
var ErrEmpty = errors.New("target string is empty")

// Target describes an MCP server to connect to.
type Target struct {
	// Original is the string the user supplied.
	Original string
	Command  string
	Args     []string
	// Env is appended to the parent environment when the process is spawned.
	Env []string

	// URL is set for http(s)/ws(s) targets, which are recognised but not
	// spawnable.
	URL *url.URL
}

// Remote reports whether the target names a remote endpoint.
func (t Target) Remote() bool {
	return t.URL != nil
}

func (t Target) String() string {
	if t.Remote() {
		return "remote: " + t.URL.String()
	}
	if len(t.Args) == 0 {
		return "local: " + t.Command
	}
	return "local: " + t.Command + " " + strings.Join(t.Args, " ")
}

// Parse classifies raw as either a remote URL or a local command line. URLs
// with schemes other than http, https, ws and wss fall back to command
// parsing.
func Parse(raw string) (Target, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Target{}, ErrEmpty
	}

	if u, err := url.Parse(trimmed); err == nil {
		switch u.Scheme {
		case "http", "https", "ws", "wss":
			if u.Host == "" {
				return Target{}, fmt.Errorf("remote target %q has no host", raw)
			}
			return Target{Original: raw, URL: u}, nil
		}
	}

	parser := shellwords.NewParser()
	parser.ParseEnv = true
	parts, err := parser.Parse(trimmed)
	if err != nil {
		return Target{}, fmt.Errorf("failed to parse local command line: %w", err)
	}
	if len(parts) == 0 || parts[0] == "" {
		return Target{}, fmt.Errorf("no program in target %q", raw)
	}

	return Target{
		Original: raw,
		Command:  parts[0],
		Args:     parts[1:],
	}, nil
}

// WithEnv returns a copy of t with extra KEY=VALUE entries for the child
// environment.
func (t Target) WithEnv(env ...string) Target {
	t.Env = append(append([]string(nil), t.Env...), env...)
	return t
}
