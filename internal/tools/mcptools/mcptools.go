// Package mcptools imports tools from external Model Context Protocol
// servers and adapts them to the registry's [tools.Tool] type.
//
// Servers are reached via stdio (a spawned subprocess) or streamable-HTTP
// transports using the official MCP Go SDK. Imported handlers proxy each
// call through the server session and concatenate the text content of the
// result:
//
//	c := mcptools.New(logger)
//	imported, err := c.Connect(ctx, mcptools.ServerConfig{
//	    Name:    "search",
//	    Command: "/usr/local/bin/mcp-search-server --index /data",
//	})
//	for _, t := range imported {
//	    _ = reg.Register(t)
//	}
//	defer c.Close()
package mcptools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/voxpipe/voxpipe/internal/tools"
	"github.com/voxpipe/voxpipe/pkg/types"
)

// ServerConfig describes one MCP server to import tools from. Exactly one of
// Command (stdio transport) or URL (streamable-HTTP transport) must be set.
type ServerConfig struct {
	// Name identifies the server in logs and session bookkeeping.
	Name string

	// Command is the command line to spawn for a stdio server, split on
	// whitespace into executable and arguments.
	Command string

	// URL is the endpoint of a streamable-HTTP server.
	URL string

	// Token is a static Bearer token sent with every streamable-HTTP
	// request. Ignored for stdio servers.
	Token string

	// Env holds additional environment variables for stdio servers.
	Env map[string]string
}

// Client owns the MCP sessions opened by [Client.Connect]. A single SDK
// client manages all sessions; Close shuts them down together.
type Client struct {
	log    *slog.Logger
	client *mcpsdk.Client

	mu       sync.Mutex
	sessions map[string]*mcpsdk.ClientSession
}

// New returns a Client ready to connect to servers. A nil logger falls back
// to [slog.Default].
func New(log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		log: log,
		client: mcpsdk.NewClient(
			&mcpsdk.Implementation{Name: "voxpipe", Version: "1.0.0"},
			nil,
		),
		sessions: make(map[string]*mcpsdk.ClientSession),
	}
}

// Connect dials the server described by cfg, lists its tool catalogue, and
// returns one adapted [tools.Tool] per discovered tool. Connecting a server
// name that is already connected closes the old session first.
func (c *Client) Connect(ctx context.Context, cfg ServerConfig) ([]tools.Tool, error) {
	if cfg.Name == "" {
		return nil, errors.New("mcptools: server config must have a non-empty name")
	}

	var transport mcpsdk.Transport
	switch {
	case cfg.Command != "":
		executable, args := splitCommand(cfg.Command)
		if executable == "" {
			return nil, fmt.Errorf("mcptools: server %q has an empty command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, executable, args...)
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}

	case cfg.URL != "":
		st := &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
		if cfg.Token != "" {
			st.HTTPClient = &http.Client{Transport: bearerTransport{token: cfg.Token}}
		}
		transport = st

	default:
		return nil, fmt.Errorf("mcptools: server %q needs either a command or a URL", cfg.Name)
	}

	session, err := c.client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("mcptools: connect to server %q: %w", cfg.Name, err)
	}

	var imported []tools.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return nil, fmt.Errorf("mcptools: list tools for server %q: %w", cfg.Name, err)
		}
		imported = append(imported, c.adapt(session, *tool))
	}

	c.mu.Lock()
	if old, ok := c.sessions[cfg.Name]; ok {
		_ = old.Close()
	}
	c.sessions[cfg.Name] = session
	c.mu.Unlock()

	c.log.Info("imported MCP tools", "server", cfg.Name, "tools", len(imported))
	return imported, nil
}

// adapt wraps one discovered MCP tool in a registry-compatible handler that
// proxies calls through the session.
func (c *Client) adapt(session *mcpsdk.ClientSession, t mcpsdk.Tool) tools.Tool {
	name := t.Name
	return tools.Tool{
		Definition: types.ToolDefinition{
			Name:        name,
			Description: t.Description,
			Parameters:  schemaToMap(t.InputSchema),
		},
		Handler: func(ctx context.Context, args string) (string, error) {
			var argsMap map[string]any
			if args != "" && args != "{}" {
				if err := json.Unmarshal([]byte(args), &argsMap); err != nil {
					return "", fmt.Errorf("mcptools: invalid args JSON for tool %q: %w", name, err)
				}
			}

			result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
				Name:      name,
				Arguments: argsMap,
			})
			if err != nil {
				return "", fmt.Errorf("mcptools: call to tool %q failed: %w", name, err)
			}

			var sb strings.Builder
			for _, content := range result.Content {
				if tc, ok := content.(*mcpsdk.TextContent); ok {
					sb.WriteString(tc.Text)
				}
			}
			if result.IsError {
				return "", fmt.Errorf("mcptools: tool %q reported an error: %s", name, sb.String())
			}

			// Tool results always travel as JSON; prose becomes a JSON string.
			text := sb.String()
			if json.Valid([]byte(text)) {
				return text, nil
			}
			quoted, _ := json.Marshal(text)
			return string(quoted), nil
		},
	}
}

// Ping probes every connected server session and returns the first failure,
// identifying the server by name. With no sessions connected it returns nil.
// Serves as a readiness check for the MCP bridge.
func (c *Client) Ping(ctx context.Context) error {
	c.mu.Lock()
	sessions := make(map[string]*mcpsdk.ClientSession, len(c.sessions))
	for name, session := range c.sessions {
		sessions[name] = session
	}
	c.mu.Unlock()

	for name, session := range sessions {
		if err := session.Ping(ctx, nil); err != nil {
			return fmt.Errorf("mcptools: ping server %q: %w", name, err)
		}
	}
	return nil
}

// Close shuts down all server sessions. The first error encountered is
// returned; remaining sessions are still closed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for name, session := range c.sessions {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("mcptools: close server %q: %w", name, err)
		}
		delete(c.sessions, name)
	}
	return firstErr
}

// bearerTransport adds an Authorization header to every outgoing request.
type bearerTransport struct {
	token string
}

func (t bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+t.token)
	return http.DefaultTransport.RoundTrip(clone)
}

// splitCommand splits a command string into executable and arguments,
// e.g. "/bin/foo --bar baz" → ("/bin/foo", ["--bar", "baz"]).
func splitCommand(command string) (executable string, args []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}

// schemaToMap converts whatever schema representation the SDK hands back into
// a plain map via a JSON round-trip, falling back to a permissive object
// schema when conversion fails.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}
