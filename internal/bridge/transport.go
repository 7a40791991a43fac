package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

// Transport kinds accepted in a LaunchSpec.
const (
	TransportStdio          = "stdio"
	TransportSSE            = "sse"
	TransportStreamableHTTP = "streamable_http"
)

// LaunchSpec describes how to reach a tool server.
type LaunchSpec struct {
	Transport string            `json:"transport,omitempty"` // "stdio" (default), "sse" or "streamable_http".
	Command   string            `json:"command,omitempty"`   // stdio only; validated before any spawn.
	Args      []string          `json:"args,omitempty"`      // stdio only; passed as argv, never through a shell.
	Env       map[string]string `json:"env,omitempty"`       // stdio only; added to a minimal base environment.
	URL       string            `json:"url,omitempty"`       // sse/streamable_http only.
	Headers   map[string]string `json:"headers,omitempty"`   // sse/streamable_http only.
}

// ToolInfo describes one tool exposed by a server.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// Transport is an open connection to one tool server.
type Transport interface {
	CallTool(ctx context.Context, tool string, params json.RawMessage) (json.RawMessage, error)
	ListTools(ctx context.Context) ([]ToolInfo, error)
	Close() error
}

// Dialer opens transports. The LaunchSpec it receives is already validated.
type Dialer interface {
	Dial(ctx context.Context, serverID string, spec LaunchSpec) (Transport, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, serverID string, spec LaunchSpec) (Transport, error)

func (f DialerFunc) Dial(ctx context.Context, serverID string, spec LaunchSpec) (Transport, error) {
	return f(ctx, serverID, spec)
}

// ToolError reports a tool-level failure: the server answered, but the
// tool itself failed. It is never cached.
type ToolError struct {
	Tool    string
	Message string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %q failed: %s", e.Tool, e.Message)
}

// MCPDialer connects to MCP servers with mark3labs/mcp-go.
type MCPDialer struct {
	ClientName    string
	ClientVersion string
}

func (d MCPDialer) Dial(ctx context.Context, serverID string, spec LaunchSpec) (Transport, error) {
	c, err := d.newClient(spec)
	if err != nil {
		return nil, err
	}
	return startMCPTransport(ctx, c, d.clientInfo())
}

func (d MCPDialer) clientInfo() mcp.Implementation {
	info := mcp.Implementation{Name: d.ClientName, Version: d.ClientVersion}
	if info.Name == "" {
		info.Name = "wasmbridge"
	}
	if info.Version == "" {
		info.Version = "dev"
	}
	return info
}

func (d MCPDialer) newClient(spec LaunchSpec) (*mcpclient.Client, error) {
	switch spec.Transport {
	case TransportStdio:
		t := transport.NewStdioWithOptions(spec.Command, envList(spec.Env), spec.Args,
			transport.WithCommandFunc(launchCommand),
		)
		return mcpclient.NewClient(t), nil

	case TransportSSE:
		var opts []transport.ClientOption
		if len(spec.Headers) > 0 {
			opts = append(opts, transport.WithHeaders(spec.Headers))
		}
		return mcpclient.NewSSEMCPClient(spec.URL, opts...)

	case TransportStreamableHTTP:
		var opts []transport.StreamableHTTPCOption
		if len(spec.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(spec.Headers))
		}
		return mcpclient.NewStreamableHttpClient(spec.URL, opts...)

	default:
		return nil, fmt.Errorf("unsupported transport: %s", spec.Transport)
	}
}

// mcpTransport adapts an initialized mcp-go client.
type mcpTransport struct {
	client *mcpclient.Client
	// cancel ends the connection-lifetime context the client was started
	// with; the dial context only bounds the handshake.
	cancel context.CancelFunc
}

func startMCPTransport(ctx context.Context, c *mcpclient.Client, info mcp.Implementation) (*mcpTransport, error) {
	connCtx, cancel := context.WithCancel(context.Background())
	if err := c.Start(connCtx); err != nil {
		cancel()
		_ = c.Close()
		return nil, fmt.Errorf("starting transport: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = info
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	if _, err := c.Initialize(ctx, initReq); err != nil {
		cancel()
		_ = c.Close()
		return nil, fmt.Errorf("initialize handshake: %w", err)
	}
	return &mcpTransport{client: c, cancel: cancel}, nil
}

func (t *mcpTransport) CallTool(ctx context.Context, tool string, params json.RawMessage) (json.RawMessage, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = params

	res, err := t.client.CallTool(ctx, req)
	if err != nil {
		return nil, err
	}
	if res.IsError {
		return nil, &ToolError{Tool: tool, Message: contentText(res.Content)}
	}
	return resultJSON(res)
}

func (t *mcpTransport) ListTools(ctx context.Context) ([]ToolInfo, error) {
	res, err := t.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, err
	}
	out := make([]ToolInfo, 0, len(res.Tools))
	for _, tool := range res.Tools {
		schema, err := json.Marshal(tool.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("encoding schema of %s: %w", tool.Name, err)
		}
		out = append(out, ToolInfo{Name: tool.Name, Description: tool.Description, InputSchema: schema})
	}
	return out, nil
}

func (t *mcpTransport) Close() error {
	defer t.cancel()
	return t.client.Close()
}

// resultJSON converts a tool result into one JSON value: structured content
// as-is, a single text item holding JSON as that JSON, plain text as a JSON
// string, anything else as the content array.
func resultJSON(res *mcp.CallToolResult) (json.RawMessage, error) {
	if res.StructuredContent != nil {
		return marshalResult(res.StructuredContent)
	}
	if len(res.Content) == 1 {
		if tc, ok := mcp.AsTextContent(res.Content[0]); ok {
			if text := strings.TrimSpace(tc.Text); text != "" && json.Valid([]byte(text)) {
				return json.RawMessage(text), nil
			}
			return marshalResult(tc.Text)
		}
	}
	if len(res.Content) == 0 {
		return json.RawMessage("null"), nil
	}
	return marshalResult(res.Content)
}

func marshalResult(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding tool result: %w", err)
	}
	return b, nil
}

// contentText joins the text items of a result for error messages.
func contentText(content []mcp.Content) string {
	var parts []string
	for _, c := range content {
		if tc, ok := mcp.AsTextContent(c); ok {
			parts = append(parts, tc.Text)
		}
	}
	if len(parts) == 0 {
		return "no error message"
	}
	return strings.Join(parts, "\n")
}

var errConnectInProgress = errors.New("connect already in progress")
