package mcpmux

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mcpmux/mcpmux/internal/errors"
)

const (
	serverName    = "mcpmux"
	serverVersion = "0.1.0"
)

// ServeStdio exposes the merged catalog as one MCP server over stdin and
// stdout. It blocks until the context is cancelled or the client disconnects.
//
// The advertised tool list is the catalog at serve time; calls made through
// the server always route against the current catalog, so a rebuild takes
// effect for routing immediately.
func (p *Proxy) ServeStdio(ctx context.Context) error {
	server, err := p.frontend()
	if err != nil {
		return err
	}

	return server.Run(ctx, &mcp.StdioTransport{})
}

// Serve runs the merged catalog over a custom MCP transport. Useful for
// in-memory transports in tests.
func (p *Proxy) Serve(ctx context.Context, transport mcp.Transport) error {
	server, err := p.frontend()
	if err != nil {
		return err
	}

	return server.Run(ctx, transport)
}

// frontend builds the caller-facing MCP server, one registered tool per
// catalog entry. Only name, description and schema are advertised; origin
// servers stay hidden.
func (p *Proxy) frontend() (*mcp.Server, error) {
	p.lifecycleMu.Lock()
	serving := p.started && !p.closed
	p.lifecycleMu.Unlock()

	if !serving {
		return nil, errors.ErrNotServing
	}

	server := mcp.NewServer(&mcp.Implementation{Name: serverName, Version: serverVersion}, nil)

	for _, tool := range p.ListTools() {
		server.AddTool(&mcp.Tool{
			Name:        tool.QualifiedName,
			Description: tool.Description,
			InputSchema: decodeSchema(tool.InputSchema),
		}, p.frontendHandler(tool.QualifiedName))
	}

	return server, nil
}

// frontendHandler adapts one catalog entry to an mcp.ToolHandler routed
// through CallTool. Routing failures become is_error results rather than
// protocol errors so one bad child never tears down the front end.
func (p *Proxy) frontendHandler(qualifiedName string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args json.RawMessage
		if req != nil && req.Params != nil {
			args = req.Params.Arguments
		}

		raw, err := p.CallTool(ctx, qualifiedName, args)
		if err != nil {
			return errorResult(err.Error()), nil
		}

		// The child already answered with a full tool result; relay it.
		var result mcp.CallToolResult
		if err := json.Unmarshal(raw, &result); err != nil {
			return errorResult(fmt.Sprintf("malformed result from %s: %v", qualifiedName, err)), nil
		}

		return &result, nil
	}
}

// decodeSchema parses a child-reported schema. Children own their schemas;
// an undecodable one degrades to nil rather than dropping the tool.
func decodeSchema(raw json.RawMessage) *jsonschema.Schema {
	if len(raw) == 0 {
		return nil
	}

	var schema jsonschema.Schema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil
	}

	return &schema
}

func errorResult(message string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: message}},
		IsError: true,
	}
}
