package mcpmux

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mcpmux/mcpmux/internal/errors"
	"github.com/mcpmux/mcpmux/internal/jsonrpc"
	"github.com/mcpmux/mcpmux/internal/session"
)

// fakeSession is a scripted toolSession. Each launch attempt gets a fresh
// instance from the factory, mirroring how real sessions are created.
type fakeSession struct {
	server      string
	launchErr   error
	discoverErr error
	tools       []jsonrpc.ToolInfo
	callFn      func(name string, args json.RawMessage) (json.RawMessage, error)

	mu          sync.Mutex
	state       session.State
	calls       []string
	callTimeout time.Duration
	shutdowns   int
}

func (f *fakeSession) Launch(_ context.Context, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.launchErr != nil {
		f.state = session.StateDegraded
		return f.launchErr
	}

	f.state = session.StateLaunching

	return nil
}

func (f *fakeSession) Discover(_ context.Context, _ time.Duration) ([]jsonrpc.ToolInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.discoverErr != nil {
		f.state = session.StateDegraded
		return nil, f.discoverErr
	}

	f.state = session.StateReady

	return f.tools, nil
}

func (f *fakeSession) Call(_ context.Context, name string, args json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.callTimeout = timeout
	f.mu.Unlock()

	if f.callFn != nil {
		return f.callFn(name, args)
	}

	return json.RawMessage(fmt.Sprintf(`{"from":%q,"tool":%q}`, f.server, name)), nil
}

func (f *fakeSession) State() (session.State, string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.state, ""
}

func (f *fakeSession) Shutdown(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.state = session.StateStopped
	f.shutdowns++

	return nil
}

// fakeFactory hands out scripted sessions per server name and remembers
// every session it created, in creation order.
type fakeFactory struct {
	mu      sync.Mutex
	scripts map[string]func() *fakeSession
	created map[string][]*fakeSession
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		scripts: make(map[string]func() *fakeSession),
		created: make(map[string][]*fakeSession),
	}
}

func (ff *fakeFactory) script(server string, fn func() *fakeSession) {
	ff.mu.Lock()
	defer ff.mu.Unlock()

	ff.scripts[server] = fn
}

func (ff *fakeFactory) make(_ *slog.Logger, spec ServerSpec) toolSession {
	ff.mu.Lock()
	defer ff.mu.Unlock()

	fn, ok := ff.scripts[spec.Name]
	if !ok {
		fn = func() *fakeSession { return &fakeSession{} }
	}

	sess := fn()
	sess.server = spec.Name
	ff.created[spec.Name] = append(ff.created[spec.Name], sess)

	return sess
}

func (ff *fakeFactory) sessions(server string) []*fakeSession {
	ff.mu.Lock()
	defer ff.mu.Unlock()

	return append([]*fakeSession(nil), ff.created[server]...)
}

func toolInfo(name string) jsonrpc.ToolInfo {
	return jsonrpc.ToolInfo{
		Name:        name,
		Description: name + " tool",
		InputSchema: json.RawMessage(`{"type":"object"}`),
	}
}

func newTestProxy(t *testing.T, ff *fakeFactory, specs ...ServerSpec) *Proxy {
	t.Helper()

	p := New(NopLogger(), specs)
	p.newSession = ff.make

	return p
}

func startedProxy(t *testing.T, ff *fakeFactory, specs ...ServerSpec) *Proxy {
	t.Helper()

	p := newTestProxy(t, ff, specs...)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	return p
}

func TestProxy_StartMergesCatalogs(t *testing.T) {
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

	require.Equal(t, []string{"alpha.search", "beta.search", "fetch"}, p.ToolNames())

	tools := p.ListTools()
	require.Len(t, tools, 3)
	require.Equal(t, "alpha", tools[0].Server)
	require.Equal(t, "search", tools[0].LocalName)
}

func TestProxy_CallToolRoutesByQualifiedName(t *testing.T) {
	ff := newFakeFactory()
	ff.script("alpha", func() *fakeSession {
		return &fakeSession{tools: []jsonrpc.ToolInfo{toolInfo("search")}}
	})
	ff.script("beta", func() *fakeSession {
		return &fakeSession{tools: []jsonrpc.ToolInfo{toolInfo("search")}}
	})

	p := startedProxy(t, ff,
		ServerSpec{Name: "alpha", Binary: "alpha-bin", CallTimeout: 7 * time.Second},
		ServerSpec{Name: "beta", Binary: "beta-bin"},
	)

	result, err := p.CallTool(context.Background(), "beta.search", json.RawMessage(`{"q":"x"}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"from":"beta","tool":"search"}`, string(result))

	// The owning child sees the bare local name, never the qualified one.
	beta := ff.sessions("beta")[0]
	require.Equal(t, []string{"search"}, beta.calls)
	require.Empty(t, ff.sessions("alpha")[0].calls)

	_, err = p.CallTool(context.Background(), "alpha.search", nil)
	require.NoError(t, err)
	require.Equal(t, 7*time.Second, ff.sessions("alpha")[0].callTimeout)
}

func TestProxy_CallToolUnknown(t *testing.T) {
	ff := newFakeFactory()
	p := startedProxy(t, ff, ServerSpec{Name: "alpha", Binary: "alpha-bin"})

	_, err := p.CallTool(context.Background(), "nope", nil)
	require.ErrorIs(t, err, errors.ErrUnknownTool)
	require.ErrorContains(t, err, "nope")
}

func TestProxy_StartFailureIsolation(t *testing.T) {
	ff := newFakeFactory()
	ff.script("alpha", func() *fakeSession {
		return &fakeSession{tools: []jsonrpc.ToolInfo{toolInfo("search")}}
	})
	ff.script("beta", func() *fakeSession {
		return &fakeSession{launchErr: fmt.Errorf("spawn failed")}
	})
	ff.script("gamma", func() *fakeSession {
		return &fakeSession{discoverErr: errors.ErrDiscoveryTimeout}
	})

	p := startedProxy(t, ff,
		ServerSpec{Name: "alpha", Binary: "alpha-bin"},
		ServerSpec{Name: "beta", Binary: "beta-bin"},
		ServerSpec{Name: "gamma", Binary: "gamma-bin"},
	)

	// Only the healthy server contributes; its names stay bare.
	require.Equal(t, []string{"search"}, p.ToolNames())

	byName := make(map[string]ServerStatus)
	for _, st := range p.Report() {
		byName[st.Server] = st
	}

	require.Equal(t, StateReady, byName["alpha"].State)
	require.Equal(t, StateDegraded, byName["beta"].State)
	require.Equal(t, "launch failed", byName["beta"].Reason)
	require.ErrorIs(t, byName["gamma"].Err, errors.ErrDiscoveryTimeout)
}

func TestProxy_EnabledToolsFilter(t *testing.T) {
	ff := newFakeFactory()
	ff.script("alpha", func() *fakeSession {
		return &fakeSession{tools: []jsonrpc.ToolInfo{toolInfo("search"), toolInfo("fetch"), toolInfo("admin")}}
	})

	p := startedProxy(t, ff,
		ServerSpec{Name: "alpha", Binary: "alpha-bin", EnabledTools: []string{"search", "fetch"}},
	)

	require.Equal(t, []string{"fetch", "search"}, p.ToolNames())

	_, err := p.CallTool(context.Background(), "admin", nil)
	require.ErrorIs(t, err, errors.ErrUnknownTool)
}

func TestProxy_RejectedDeclarations(t *testing.T) {
	ff := newFakeFactory()
	ff.script("alpha", func() *fakeSession {
		return &fakeSession{tools: []jsonrpc.ToolInfo{toolInfo("search")}}
	})

	p := startedProxy(t, ff,
		ServerSpec{Name: "alpha", Binary: "alpha-bin"},
		ServerSpec{Name: "", Binary: "x"},
		ServerSpec{Name: "alpha", Binary: "dup"},
		ServerSpec{Name: "nobin"},
	)

	require.Equal(t, []string{"search"}, p.ToolNames())

	report := p.Report()
	require.Len(t, report, 4)

	var rejected int
	for _, st := range report {
		if st.Reason == "invalid declaration" {
			rejected++

			var cfgErr *errors.ConfigError
			require.ErrorAs(t, st.Err, &cfgErr)
		}
	}
	require.Equal(t, 3, rejected)
}

func TestProxy_RebuildSwapsCatalog(t *testing.T) {
	var generation int
	ff := newFakeFactory()
	ff.script("alpha", func() *fakeSession {
		generation++
		if generation == 1 {
			return &fakeSession{tools: []jsonrpc.ToolInfo{toolInfo("search")}}
		}
		return &fakeSession{tools: []jsonrpc.ToolInfo{toolInfo("search"), toolInfo("fetch")}}
	})

	p := startedProxy(t, ff, ServerSpec{Name: "alpha", Binary: "alpha-bin"})
	require.Equal(t, []string{"search"}, p.ToolNames())

	require.NoError(t, p.Rebuild(context.Background()))
	require.Equal(t, []string{"fetch", "search"}, p.ToolNames())

	// The first session was shut down before its replacement launched.
	sessions := ff.sessions("alpha")
	require.Len(t, sessions, 2)
	require.Equal(t, 1, sessions[0].shutdowns)
}

func TestProxy_RebuildNeverServesPartialCatalog(t *testing.T) {
	release := make(chan struct{})
	var launches int

	ff := newFakeFactory()
	ff.script("alpha", func() *fakeSession {
		launches++
		sess := &fakeSession{tools: []jsonrpc.ToolInfo{toolInfo("search")}}
		if launches > 1 {
			sess.tools = []jsonrpc.ToolInfo{toolInfo("fetch")}
		}
		return sess
	})
	ff.script("beta", func() *fakeSession {
		return &fakeSession{tools: []jsonrpc.ToolInfo{toolInfo("lookup")}}
	})

	p := startedProxy(t, ff,
		ServerSpec{Name: "alpha", Binary: "alpha-bin"},
		ServerSpec{Name: "beta", Binary: "beta-bin"},
	)

	before := p.ToolNames()
	require.Equal(t, []string{"lookup", "search"}, before)

	var readerWg sync.WaitGroup
	readerWg.Add(1)
	go func() {
		defer readerWg.Done()
		for {
			select {
			case <-release:
				return
			default:
			}

			names := p.ToolNames()
			// Every observation is a complete catalog, old or new.
			if len(names) != 2 {
				t.Errorf("observed partial catalog: %v", names)
				return
			}
		}
	}()

	for range 5 {
		require.NoError(t, p.Rebuild(context.Background()))
	}
	close(release)
	readerWg.Wait()

	require.Equal(t, []string{"fetch", "lookup"}, p.ToolNames())
}

func TestProxy_RebuildServer(t *testing.T) {
	var alphaGen int
	ff := newFakeFactory()
	ff.script("alpha", func() *fakeSession {
		alphaGen++
		if alphaGen == 1 {
			return &fakeSession{tools: []jsonrpc.ToolInfo{toolInfo("search")}}
		}
		return &fakeSession{tools: []jsonrpc.ToolInfo{toolInfo("summarize")}}
	})
	ff.script("beta", func() *fakeSession {
		return &fakeSession{tools: []jsonrpc.ToolInfo{toolInfo("lookup")}}
	})

	p := startedProxy(t, ff,
		ServerSpec{Name: "alpha", Binary: "alpha-bin"},
		ServerSpec{Name: "beta", Binary: "beta-bin"},
	)

	require.NoError(t, p.RebuildServer(context.Background(), "alpha"))

	// alpha's replacement tools merged with beta's untouched ones.
	require.Equal(t, []string{"lookup", "summarize"}, p.ToolNames())
	require.Len(t, ff.sessions("beta"), 1)
}

func TestProxy_RebuildServerUnknown(t *testing.T) {
	ff := newFakeFactory()
	p := startedProxy(t, ff, ServerSpec{Name: "alpha", Binary: "alpha-bin"})

	err := p.RebuildServer(context.Background(), "ghost")
	require.ErrorContains(t, err, "unknown server")
}

func TestProxy_RebuildServerReportsFailure(t *testing.T) {
	var alphaGen int
	ff := newFakeFactory()
	ff.script("alpha", func() *fakeSession {
		alphaGen++
		if alphaGen == 1 {
			return &fakeSession{tools: []jsonrpc.ToolInfo{toolInfo("search")}}
		}
		return &fakeSession{launchErr: fmt.Errorf("spawn failed")}
	})

	p := startedProxy(t, ff, ServerSpec{Name: "alpha", Binary: "alpha-bin"})

	err := p.RebuildServer(context.Background(), "alpha")
	require.ErrorContains(t, err, "spawn failed")

	// The failed server dropped out of the catalog.
	require.Empty(t, p.ToolNames())
}

func TestProxy_ShutdownStopsSessions(t *testing.T) {
	ff := newFakeFactory()
	ff.script("alpha", func() *fakeSession {
		return &fakeSession{tools: []jsonrpc.ToolInfo{toolInfo("search")}}
	})

	p := newTestProxy(t, ff, ServerSpec{Name: "alpha", Binary: "alpha-bin"})
	require.NoError(t, p.Start(context.Background()))

	require.NoError(t, p.Shutdown(context.Background()))
	require.NoError(t, p.Shutdown(context.Background()))

	require.Equal(t, 1, ff.sessions("alpha")[0].shutdowns)
	require.Empty(t, p.ToolNames())

	_, err := p.CallTool(context.Background(), "search", nil)
	require.ErrorIs(t, err, errors.ErrUnknownTool)

	require.ErrorIs(t, p.Rebuild(context.Background()), errors.ErrNotServing)
}

func TestProxy_StartTwice(t *testing.T) {
	ff := newFakeFactory()
	p := startedProxy(t, ff, ServerSpec{Name: "alpha", Binary: "alpha-bin"})

	require.Error(t, p.Start(context.Background()))
}

func TestProxy_BuildsMissingBinaryBeforeLaunch(t *testing.T) {
	dir := t.TempDir()
	binary := filepath.Join(dir, "server-bin")
	marker := filepath.Join(dir, "built")

	ff := newFakeFactory()
	ff.script("alpha", func() *fakeSession {
		return &fakeSession{tools: []jsonrpc.ToolInfo{toolInfo("search")}}
	})

	p := startedProxy(t, ff, ServerSpec{
		Name:         "alpha",
		Binary:       binary,
		BuildCommand: fmt.Sprintf("touch %s %s", binary, marker),
	})

	_, err := os.Stat(marker)
	require.NoError(t, err)
	require.Equal(t, []string{"search"}, p.ToolNames())
}

func TestProxy_SkipsBuildWhenBinaryPresent(t *testing.T) {
	dir := t.TempDir()
	binary := filepath.Join(dir, "server-bin")
	require.NoError(t, os.WriteFile(binary, []byte("#!/bin/sh\n"), 0o755))
	marker := filepath.Join(dir, "built")

	ff := newFakeFactory()
	ff.script("alpha", func() *fakeSession {
		return &fakeSession{tools: []jsonrpc.ToolInfo{toolInfo("search")}}
	})

	p := startedProxy(t, ff, ServerSpec{
		Name:         "alpha",
		Binary:       binary,
		BuildCommand: "touch " + marker,
	})

	_, err := os.Stat(marker)
	require.True(t, os.IsNotExist(err))

	// An explicit rebuild always re-runs the build command.
	require.NoError(t, p.Rebuild(context.Background()))
	_, err = os.Stat(marker)
	require.NoError(t, err)
}

func TestProxy_BuildFailureKeepsServerOut(t *testing.T) {
	dir := t.TempDir()

	ff := newFakeFactory()
	ff.script("alpha", func() *fakeSession {
		return &fakeSession{tools: []jsonrpc.ToolInfo{toolInfo("search")}}
	})

	p := startedProxy(t, ff, ServerSpec{
		Name:         "broken",
		Binary:       filepath.Join(dir, "missing-bin"),
		BuildCommand: "exit 3",
	}, ServerSpec{Name: "alpha", Binary: "alpha-bin"})

	require.Equal(t, []string{"search"}, p.ToolNames())
	require.Empty(t, ff.sessions("broken"))

	var report ServerStatus
	for _, st := range p.Report() {
		if st.Server == "broken" {
			report = st
		}
	}

	require.Equal(t, StateNotBuilt, report.State)
	require.Equal(t, "build failed", report.Reason)

	var buildErr *errors.BuildError
	require.ErrorAs(t, report.Err, &buildErr)
	require.Equal(t, 3, buildErr.ExitCode)
}
