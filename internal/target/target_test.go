package target

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		command string
		args    []string
		remote  bool
	}{
		{name: "simple", raw: "my-server --flag", command: "my-server", args: []string{"--flag"}},
		{name: "quoted", raw: `my-server --path "/tmp/my dir"`, command: "my-server", args: []string{"--path", "/tmp/my dir"}},
		{name: "npx", raw: "  npx -y @modelcontextprotocol/server-everything ", command: "npx", args: []string{"-y", "@modelcontextprotocol/server-everything"}},
		{name: "https", raw: "https://example.com/mcp", remote: true},
		{name: "wss", raw: "wss://mcp.example/ws", remote: true},
		{name: "unknown scheme falls back", raw: "ftp://example.com/resource", command: "ftp://example.com/resource"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.remote, got.Remote())
			assert.Equal(t, tt.raw, got.Original)
			if tt.remote {
				return
			}
			assert.Equal(t, tt.command, got.Command)
			if len(tt.args) == 0 {
				assert.Empty(t, got.Args)
			} else {
				assert.Equal(t, tt.args, got.Args)
			}
		})
	}
}

func TestParseEmpty(t *testing.T) {
	_, err := Parse("   ")
	require.ErrorIs(t, err, ErrEmpty)
}

func TestParseUnbalancedQuote(t *testing.T) {
	_, err := Parse(`server "unterminated`)
	require.Error(t, err)
}

func TestWithEnvCopies(t *testing.T) {
	base := Target{Command: "srv", Env: []string{"A=1"}}
	derived := base.WithEnv("B=2")
	assert.Equal(t, []string{"A=1"}, base.Env)
	assert.Equal(t, []string{"A=1", "B=2"}, derived.Env)
}

func TestString(t *testing.T) {
	tg, err := Parse("srv a b")
	require.NoError(t, err)
	assert.Equal(t, "local: srv a b", tg.String())

	tg, err = Parse("http://localhost:8080/sse")
	require.NoError(t, err)
	assert.Equal(t, "remote: http://localhost:8080/sse", tg.String())
}
