package mcpmux

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"

	"github.com/mcpmux/mcpmux/internal/jsonrpc"
)

// connectFrontend serves the proxy over an in-memory transport and returns a
// connected MCP client session.
func connectFrontend(t *testing.T, p *Proxy) *mcp.ClientSession {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	clientTransport, serverTransport := mcp.NewInMemoryTransports()

	serveDone := make(chan error, 1)
	go func() {
		serveDone <- p.Serve(ctx, serverTransport)
	}()

	client := mcp.NewClient(&mcp.Implementation{Name: "frontend-test", Version: "0.0.0"}, nil)
	clientSession, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = clientSession.Close()
		cancel()
		<-serveDone
	})

	return clientSession
}

func TestServe_ListsMergedCatalog(t *testing.T) {
	ff := newFakeFactory()
	ff.script("alpha", func() *fakeSession {
		return &fakeSession{tools: []jsonrpc.ToolInfo{toolInfo("search"), toolInfo("fetch")}}
	})
	ff.script("beta", func() *fakeSession {
		return &fakeSession{tools: []jsonrpc.ToolInfo{toolInfo("search")}}
	})

	p := startedProxy(t, ff,
		ServerSpec{Name: "alpha", Binary: "alpha-bin"},
		ServerSpec{Name: "beta", Binary: "beta-bin"},
	)

	cs := connectFrontend(t, p)

	listed, err := cs.ListTools(context.Background(), &mcp.ListToolsParams{})
	require.NoError(t, err)

	names := make([]string, len(listed.Tools))
	for i, tool := range listed.Tools {
		names[i] = tool.Name
	}
	require.ElementsMatch(t, []string{"alpha.search", "beta.search", "fetch"}, names)
}

func TestServe_RelaysToolResults(t *testing.T) {
	ff := newFakeFactory()
	ff.script("alpha", func() *fakeSession {
		return &fakeSession{
			tools: []jsonrpc.ToolInfo{toolInfo("greet")},
			callFn: func(_ string, args json.RawMessage) (json.RawMessage, error) {
				var in struct {
					Name string `json:"name"`
				}
				if err := json.Unmarshal(args, &in); err != nil {
					return nil, err
				}

				result, _ := json.Marshal(map[string]any{
					"content": []map[string]any{{"type": "text", "text": "hello " + in.Name}},
				})

				return result, nil
			},
		}
	})

	p := startedProxy(t, ff, ServerSpec{Name: "alpha", Binary: "alpha-bin"})
	cs := connectFrontend(t, p)

	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "greet",
		Arguments: map[string]any{"name": "mux"},
	})
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.Len(t, res.Content, 1)

	text, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	require.Equal(t, "hello mux", text.Text)
}

func TestServe_ChildFailureBecomesErrorResult(t *testing.T) {
	ff := newFakeFactory()
	ff.script("alpha", func() *fakeSession {
		return &fakeSession{
			tools: []jsonrpc.ToolInfo{toolInfo("flaky")},
			callFn: func(string, json.RawMessage) (json.RawMessage, error) {
				return nil, context.DeadlineExceeded
			},
		}
	})

	p := startedProxy(t, ff, ServerSpec{Name: "alpha", Binary: "alpha-bin"})
	cs := connectFrontend(t, p)

	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{Name: "flaky"})
	require.NoError(t, err)
	require.True(t, res.IsError)
}

func TestServe_BeforeStart(t *testing.T) {
	p := New(NopLogger(), []ServerSpec{{Name: "alpha", Binary: "alpha-bin"}})

	err := p.ServeStdio(context.Background())
	require.Error(t, err)
	require.ErrorIs(t, err, ErrNotServing)
}
