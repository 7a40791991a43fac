package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/wasmbridge/internal/config"
	"github.com/jkaninda/wasmbridge/internal/domain"
)

// newInProcessServer builds an MCP server with three tools: echo returns its
// arguments as JSON text, greet returns plain text, fail reports a tool error.
func newInProcessServer() *server.MCPServer {
	s := server.NewMCPServer("test-tools", "1.0.0", server.WithToolCapabilities(true))

	s.AddTool(mcp.NewTool("echo",
		mcp.WithDescription("Echo the arguments back"),
		mcp.WithString("msg", mcp.Required()),
	), func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		b, err := json.Marshal(req.GetArguments())
		if err != nil {
			return nil, err
		}
		return mcp.NewToolResultText(string(b)), nil
	})

	s.AddTool(mcp.NewTool("greet", mcp.WithDescription("Say hello")),
		func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultText("hello"), nil
		})

	s.AddTool(mcp.NewTool("fail", mcp.WithDescription("Always fails")),
		func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultError("upstream unavailable"), nil
		})
	return s
}

// inProcessDialer connects every server id to a fresh in-process MCP server.
func inProcessDialer() Dialer {
	return DialerFunc(func(ctx context.Context, _ string, _ LaunchSpec) (Transport, error) {
		c, err := mcpclient.NewInProcessClient(newInProcessServer())
		if err != nil {
			return nil, err
		}
		return startMCPTransport(ctx, c, MCPDialer{}.clientInfo())
	})
}

func TestMCPTransport_EndToEnd(t *testing.T) {
	b := newTestBridge(t, inProcessDialer())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := b.ConnectCommand(ctx, "tools", "test-tools"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	tools, err := b.ListTools(ctx, "tools")
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	if got := strings.Join(names, ","); !strings.Contains(got, "echo") || !strings.Contains(got, "greet") {
		t.Errorf("tools = %s", got)
	}

	res, err := b.CallTool(ctx, "tools", "echo", json.RawMessage(`{"msg":"hi"}`))
	if err != nil {
		t.Fatalf("CallTool echo: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(res, &decoded); err != nil || decoded["msg"] != "hi" {
		t.Errorf("echo result = %s (%v)", res, err)
	}

	res, err = b.CallTool(ctx, "tools", "greet", nil)
	if err != nil {
		t.Fatalf("CallTool greet: %v", err)
	}
	if string(res) != `"hello"` {
		t.Errorf("plain text should become a JSON string, got %s", res)
	}

	_, err = b.CallTool(ctx, "tools", "fail", nil)
	var te *ToolError
	if !errors.As(err, &te) || !strings.Contains(te.Message, "upstream unavailable") {
		t.Fatalf("error = %v, want ToolError", err)
	}
	if b.CacheStats().Size != 2 {
		t.Errorf("cache Size = %d, want 2 (tool errors are not cached)", b.CacheStats().Size)
	}
}

func TestResultJSON(t *testing.T) {
	tests := []struct {
		name string
		res  *mcp.CallToolResult
		want string
	}{
		{"structured", &mcp.CallToolResult{StructuredContent: map[string]int{"n": 1}}, `{"n":1}`},
		{"json text", mcp.NewToolResultText(`[1,2]`), `[1,2]`},
		{"plain text", mcp.NewToolResultText("ok"), `"ok"`},
		{"empty", &mcp.CallToolResult{}, `null`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resultJSON(tt.res)
			if err != nil {
				t.Fatal(err)
			}
			if string(got) != tt.want {
				t.Errorf("resultJSON = %s, want %s", got, tt.want)
			}
		})
	}
}

// --- Launch ---

func TestNormalizeSpec_SplitsCommand(t *testing.T) {
	spec, err := normalizeSpec(LaunchSpec{Command: " npx server-filesystem ", Args: []string{"/tmp"}})
	if err != nil {
		t.Fatal(err)
	}
	if spec.Transport != TransportStdio || spec.Command != "npx" {
		t.Errorf("spec = %+v", spec)
	}
	if fmt.Sprint(spec.Args) != "[server-filesystem /tmp]" {
		t.Errorf("Args = %v", spec.Args)
	}
}

func TestNormalizeSpec_RejectsBadEnv(t *testing.T) {
	_, err := normalizeSpec(LaunchSpec{Command: "server", Env: map[string]string{"A=B": "x"}})
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("error = %v, want validation error", err)
	}
}

func TestLaunchCommand(t *testing.T) {
	t.Setenv("WASMBRIDGE_TEST_SECRET", "s3cret")

	cmd, err := launchCommand(context.Background(), "github-mcp-server", []string{"TOKEN=abc"}, []string{"stdio"})
	if err != nil {
		t.Fatal(err)
	}
	env := strings.Join(cmd.Env, "\n")
	if strings.Contains(env, "s3cret") {
		t.Error("host environment leaked into the server process")
	}
	if !strings.Contains(env, "TOKEN=abc") {
		t.Error("configured env missing")
	}
	if cmd.SysProcAttr == nil || !cmd.SysProcAttr.Setpgid {
		t.Error("server must run in its own process group")
	}

	if _, err := launchCommand(context.Background(), "sh -c 'id'", nil, nil); !errors.Is(err, domain.ErrSecurityViolation) {
		t.Errorf("unsafe command error = %v", err)
	}
}

func TestSpecFromConfig(t *testing.T) {
	t.Setenv("GH_TOKEN", "tok")
	spec := SpecFromConfig(config.ServerConfig{
		Name:      "github",
		Transport: "streamable_http",
		URL:       "https://api.example.com/mcp",
		Headers:   map[string]string{"Authorization": "Bearer ${GH_TOKEN}"},
	})
	if spec.Headers["Authorization"] != "Bearer tok" {
		t.Errorf("header = %q", spec.Headers["Authorization"])
	}
	if spec.URL != "https://api.example.com/mcp" {
		t.Errorf("URL = %q", spec.URL)
	}
}
