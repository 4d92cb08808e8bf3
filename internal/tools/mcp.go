package tools

import (
	"context"
	"fmt"
	"os/exec"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/sidekick-labs/sidekick/internal/llm"
)

// MCPServerConfig describes one MCP server whose tools are exposed to
// the agent.
type MCPServerConfig struct {
	Name      string   `json:"name" yaml:"name"`
	Transport string   `json:"transport" yaml:"transport"` // only "stdio" for now
	Command   string   `json:"command" yaml:"command"`
	Args      []string `json:"args,omitempty" yaml:"args,omitempty"`
}

// MCPBridge holds a live session to one MCP server and projects its
// tools into a Registry.
type MCPBridge struct {
	config  MCPServerConfig
	client  *mcpsdk.Client
	session *mcpsdk.ClientSession
}

// NewMCPBridge creates an unconnected bridge for the given server.
func NewMCPBridge(config MCPServerConfig) *MCPBridge {
	return &MCPBridge{config: config}
}

// Connect establishes the MCP session.
func (b *MCPBridge) Connect(ctx context.Context) error {
	impl := &mcpsdk.Implementation{
		Name:    "sidekick",
		Version: "0.1.0",
	}
	b.client = mcpsdk.NewClient(impl, nil)

	switch b.config.Transport {
	case "stdio", "":
		cmd := exec.CommandContext(ctx, b.config.Command, b.config.Args...)
		transport := &mcpsdk.CommandTransport{Command: cmd}
		session, err := b.client.Connect(ctx, transport, nil)
		if err != nil {
			return fmt.Errorf("mcp connect to %s: %w", b.config.Name, err)
		}
		b.session = session
	default:
		return fmt.Errorf("unsupported MCP transport: %s", b.config.Transport)
	}
	return nil
}

// RegisterTools lists the server's tools and registers each one under
// a server-prefixed name so tools from different servers cannot
// collide.
func (b *MCPBridge) RegisterTools(ctx context.Context, reg *Registry) error {
	if b.session == nil {
		return fmt.Errorf("mcp bridge %s not connected", b.config.Name)
	}
	for tool, err := range b.session.Tools(ctx, nil) {
		if err != nil {
			return fmt.Errorf("mcp list tools on %s: %w", b.config.Name, err)
		}
		schema := map[string]any{"type": "object"}
		reg.Register(&mcpTool{
			bridge: b,
			remote: tool.Name,
			def: llm.ToolDefinition{
				Name:        b.config.Name + "__" + tool.Name,
				Description: tool.Description,
				InputSchema: schema,
			},
		})
	}
	return nil
}

// Close closes the session.
func (b *MCPBridge) Close() error {
	if b.session != nil {
		return b.session.Close()
	}
	return nil
}

type mcpTool struct {
	bridge *MCPBridge
	remote string
	def    llm.ToolDefinition
}

func (t *mcpTool) Definition() llm.ToolDefinition { return t.def }

func (t *mcpTool) Execute(ctx context.Context, _ Context, input map[string]any) (string, error) {
	session := t.bridge.session
	if session == nil {
		return "", fmt.Errorf("mcp server %s not connected", t.bridge.config.Name)
	}

	result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      t.remote,
		Arguments: input,
	})
	if err != nil {
		return "", fmt.Errorf("mcp call %s: %w", t.remote, err)
	}
	if result.IsError {
		return "", fmt.Errorf("mcp tool %s reported an error", t.remote)
	}

	var text string
	for _, content := range result.Content {
		if tc, ok := content.(*mcpsdk.TextContent); ok {
			if text != "" {
				text += "\n"
			}
			text += tc.Text
		}
	}
	return text, nil
}
