package mcpmux

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mcpmux/mcpmux/internal/builder"
	"github.com/mcpmux/mcpmux/internal/catalog"
	"github.com/mcpmux/mcpmux/internal/errors"
	"github.com/mcpmux/mcpmux/internal/jsonrpc"
	"github.com/mcpmux/mcpmux/internal/session"
)

// toolSession is the per-server session surface the proxy drives.
// *session.Session implements it; tests substitute scripted fakes.
type toolSession interface {
	Launch(ctx context.Context, handshakeTimeout time.Duration) error
	Discover(ctx context.Context, timeout time.Duration) ([]jsonrpc.ToolInfo, error)
	Call(ctx context.Context, name string, arguments json.RawMessage, timeout time.Duration) (json.RawMessage, error)
	State() (session.State, string)
	Shutdown(ctx context.Context) error
}

type sessionFactory func(log *slog.Logger, spec ServerSpec) toolSession

func newStdioSession(log *slog.Logger, spec ServerSpec) toolSession {
	transport := session.NewStdioTransport(log, spec.Name, spec.Binary, spec.Args)
	return session.New(log, spec.Name, transport)
}

// managedServer is the proxy's per-server record: the immutable spec plus the
// mutable lifecycle state and the session currently (if ever) serving it.
type managedServer struct {
	spec ServerSpec

	mu sync.Mutex
	// phase tracks the pre-session lifecycle. Once sess is live its own
	// state wins; see status.
	phase   ServerState
	reason  string
	lastErr error
	sess    toolSession
	// rawTools is the server's last successful tool report, kept so a
	// rebuild of one server can re-merge the whole catalog.
	rawTools []catalog.RawTool
}

func (m *managedServer) fail(phase ServerState, reason string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.phase = phase
	m.reason = reason
	m.lastErr = err
	m.sess = nil
	m.rawTools = nil
}

func (m *managedServer) setPhase(phase ServerState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.phase = phase
	m.reason = ""
}

func (m *managedServer) status() ServerStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := ServerStatus{
		Server:    m.spec.Name,
		State:     m.phase,
		Reason:    m.reason,
		Err:       m.lastErr,
		ToolCount: len(m.rawTools),
	}

	if m.sess != nil {
		st.State, st.Reason = m.sess.State()
	}

	return st
}

// Proxy aggregates tool catalogs from declared child servers and routes tool
// calls to whichever child owns the named tool. One Proxy instance manages
// all declared servers; each child gets its own process and session.
type Proxy struct {
	log *slog.Logger

	servers map[string]*managedServer
	order   []string
	// rejected holds declarations that failed validation in New. They never
	// launch but still appear in the status report.
	rejected []ServerStatus

	// snapshot is the merged catalog currently served to callers. Readers
	// load it lock-free; rebuilds swap in a fully merged replacement.
	snapshot atomic.Pointer[catalog.Snapshot]

	// lifecycleMu serializes Start, Rebuild and Shutdown. Tool calls and
	// catalog reads never take it.
	lifecycleMu sync.Mutex
	started     bool
	closed      bool

	newSession sessionFactory
}

// New validates the declared servers and creates a stopped proxy. Invalid
// declarations (empty name or binary, duplicate names) are rejected
// individually and reported via Report; they do not fail the remaining
// servers.
func New(log *slog.Logger, specs []ServerSpec) *Proxy {
	if log == nil {
		log = NopLogger()
	}

	p := &Proxy{
		log:        log.With("component", "proxy"),
		servers:    make(map[string]*managedServer, len(specs)),
		newSession: newStdioSession,
	}
	p.snapshot.Store(catalog.Empty())

	for _, spec := range specs {
		if err := validateSpec(spec, p.servers); err != nil {
			p.log.Warn("Rejecting server declaration", "server", spec.Name, "error", err)
			p.rejected = append(p.rejected, ServerStatus{
				Server: spec.Name,
				State:  StateNotBuilt,
				Reason: "invalid declaration",
				Err:    err,
			})

			continue
		}

		if spec.DiscoveryTimeout <= 0 {
			spec.DiscoveryTimeout = DefaultDiscoveryTimeout
		}
		if spec.CallTimeout <= 0 {
			spec.CallTimeout = DefaultCallTimeout
		}

		p.servers[spec.Name] = &managedServer{spec: spec, phase: StateNotBuilt}
		p.order = append(p.order, spec.Name)
	}

	return p
}

func validateSpec(spec ServerSpec, existing map[string]*managedServer) error {
	if spec.Name == "" {
		return &errors.ConfigError{Server: spec.Name, Field: "name", Msg: "must not be empty"}
	}
	if spec.Binary == "" {
		return &errors.ConfigError{Server: spec.Name, Field: "binary", Msg: "must not be empty"}
	}
	if _, dup := existing[spec.Name]; dup {
		return &errors.ConfigError{Server: spec.Name, Field: "name", Msg: "duplicate server name"}
	}
	if spec.BuildCommand != "" && spec.BuildCwd != "" {
		if info, err := os.Stat(spec.BuildCwd); err != nil || !info.IsDir() {
			return &errors.ConfigError{Server: spec.Name, Field: "build_cwd", Msg: "must be an existing directory"}
		}
	}

	return nil
}

// Start builds (where needed), launches and discovers every declared server
// in parallel, then publishes the merged catalog. A failing server degrades
// alone; Start returns an error only when the proxy cannot start at all.
func (p *Proxy) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.closed {
		return errors.ErrNotServing
	}
	if p.started {
		return fmt.Errorf("proxy already started")
	}
	p.started = true

	p.log.Info("Starting servers", "count", len(p.servers))

	var group errgroup.Group
	for _, name := range p.order {
		ms := p.servers[name]
		group.Go(func() error {
			p.startServer(ctx, ms, false)
			return nil
		})
	}
	_ = group.Wait()

	p.publish()
	p.logSummary()

	return nil
}

// startServer drives one server through build, launch and discovery. All
// failures are recorded on the managed server; none propagate.
func (p *Proxy) startServer(ctx context.Context, ms *managedServer, forceBuild bool) {
	spec := ms.spec

	if spec.BuildCommand != "" && (forceBuild || !binaryPresent(spec.Binary)) {
		ms.setPhase(StateBuilding)

		out, err := builder.Build(ctx, p.log, spec.Name, spec.BuildCommand, spec.BuildCwd)
		if err != nil {
			p.log.Error("Build failed", "server", spec.Name, "error", err)
			ms.fail(StateNotBuilt, "build failed", err)

			return
		}

		p.log.Info("Build finished", "server", spec.Name, "duration", out.Duration)
		ms.setPhase(StateBuilt)
	}

	ms.setPhase(StateLaunching)

	sess := p.newSession(p.log, spec)

	if err := sess.Launch(ctx, spec.DiscoveryTimeout); err != nil {
		p.log.Error("Launch failed", "server", spec.Name, "error", err)
		_ = sess.Shutdown(context.WithoutCancel(ctx))
		ms.fail(StateDegraded, "launch failed", err)

		return
	}

	tools, err := sess.Discover(ctx, spec.DiscoveryTimeout)
	if err != nil {
		p.log.Error("Discovery failed", "server", spec.Name, "error", err)
		_ = sess.Shutdown(context.WithoutCancel(ctx))
		ms.fail(StateDegraded, "discovery failed", err)

		return
	}

	raw := make([]catalog.RawTool, len(tools))
	for i, tool := range tools {
		raw[i] = catalog.RawTool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
		}
	}

	ms.mu.Lock()
	ms.sess = sess
	ms.rawTools = raw
	ms.reason = ""
	ms.lastErr = nil
	ms.mu.Unlock()

	p.log.Info("Server ready", "server", spec.Name, "tools", len(raw))
}

// binaryPresent reports whether the server binary already exists, either as
// a path or resolvable through PATH.
func binaryPresent(binary string) bool {
	if _, err := os.Stat(binary); err == nil {
		return true
	}
	_, err := exec.LookPath(binary)

	return err == nil
}

// publish re-merges every ready server's tool report and swaps the catalog.
// The previous snapshot keeps serving readers until the swap.
func (p *Proxy) publish() {
	results := make([]catalog.ServerResult, 0, len(p.order))

	for _, name := range p.order {
		ms := p.servers[name]

		ms.mu.Lock()
		live := ms.sess != nil
		if live {
			st, _ := ms.sess.State()
			live = st == StateReady
		}
		if live {
			results = append(results, catalog.ServerResult{
				Server:       name,
				EnabledTools: ms.spec.EnabledTools,
				Tools:        ms.rawTools,
			})
		}
		ms.mu.Unlock()
	}

	snap, warnings := catalog.Merge(results)
	for _, warning := range warnings {
		p.log.Warn("Catalog merge conflict", "detail", warning)
	}

	p.snapshot.Store(snap)
	p.log.Info("Catalog published", "tools", snap.Len(), "servers", len(results))
}

func (p *Proxy) logSummary() {
	for _, st := range p.Report() {
		if st.Err != nil {
			p.log.Warn("Server unavailable", "server", st.Server, "state", st.State, "error", st.Err)
		}
	}
}

// Rebuild tears down every server session, re-runs build commands, relaunches
// and rediscovers, then swaps in the freshly merged catalog. Callers keep
// reading the old catalog until the swap.
func (p *Proxy) Rebuild(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started || p.closed {
		return errors.ErrNotServing
	}

	p.log.Info("Rebuilding all servers")

	var group errgroup.Group
	for _, name := range p.order {
		ms := p.servers[name]
		group.Go(func() error {
			p.rebuildServer(ctx, ms)
			return nil
		})
	}
	_ = group.Wait()

	p.publish()
	p.logSummary()

	return nil
}

// RebuildServer rebuilds a single declared server and re-merges the catalog.
// The returned error is that server's failure, if any; other servers are
// untouched.
func (p *Proxy) RebuildServer(ctx context.Context, name string) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started || p.closed {
		return errors.ErrNotServing
	}

	ms, ok := p.servers[name]
	if !ok {
		return fmt.Errorf("unknown server: %s", name)
	}

	p.rebuildServer(ctx, ms)
	p.publish()

	ms.mu.Lock()
	err := ms.lastErr
	ms.mu.Unlock()

	return err
}

func (p *Proxy) rebuildServer(ctx context.Context, ms *managedServer) {
	ms.mu.Lock()
	sess := ms.sess
	ms.sess = nil
	ms.rawTools = nil
	ms.phase = StateNotBuilt
	ms.reason = ""
	ms.lastErr = nil
	ms.mu.Unlock()

	if sess != nil {
		if err := sess.Shutdown(ctx); err != nil {
			p.log.Warn("Shutdown before rebuild failed", "server", ms.spec.Name, "error", err)
		}
	}

	p.startServer(ctx, ms, true)
}

// Report returns the per-server discovery status, sorted by server name.
// Declarations rejected in New are included.
func (p *Proxy) Report() []ServerStatus {
	report := make([]ServerStatus, 0, len(p.servers)+len(p.rejected))

	for _, name := range p.order {
		report = append(report, p.servers[name].status())
	}
	report = append(report, p.rejected...)

	sort.Slice(report, func(i, j int) bool { return report[i].Server < report[j].Server })

	return report
}

// Shutdown stops every child session in parallel and empties the catalog.
// It is safe to call more than once.
func (p *Proxy) Shutdown(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	p.log.Info("Shutting down servers")

	var group errgroup.Group
	for _, name := range p.order {
		ms := p.servers[name]

		ms.mu.Lock()
		sess := ms.sess
		ms.sess = nil
		ms.phase = StateStopped
		ms.mu.Unlock()

		if sess == nil {
			continue
		}

		group.Go(func() error {
			if err := sess.Shutdown(ctx); err != nil {
				p.log.Warn("Session shutdown failed", "server", ms.spec.Name, "error", err)
			}
			return nil
		})
	}
	_ = group.Wait()

	p.snapshot.Store(catalog.Empty())

	return nil
}
