package mcpmux

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mcpmux/mcpmux/internal/errors"
)

// ListTools returns the current merged catalog, sorted by qualified name.
// The slice is a copy; callers may keep it across rebuilds.
func (p *Proxy) ListTools() []ToolDescriptor {
	return p.snapshot.Load().Tools()
}

// ToolNames returns the qualified names of the current catalog in sorted
// order.
func (p *Proxy) ToolNames() []string {
	return p.snapshot.Load().Names()
}

// CallTool routes one tool call to the child that owns the qualified name
// and returns the child's result payload verbatim. The call is bounded by
// the owning server's call timeout; a timeout fails the call with
// ErrCallTimeout without killing the child.
func (p *Proxy) CallTool(ctx context.Context, qualifiedName string, arguments json.RawMessage) (json.RawMessage, error) {
	tool, ok := p.snapshot.Load().Lookup(qualifiedName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", errors.ErrUnknownTool, qualifiedName)
	}

	ms, ok := p.servers[tool.Server]
	if !ok {
		// The catalog never names a server the proxy does not manage.
		return nil, fmt.Errorf("%w: %s", errors.ErrUnknownTool, qualifiedName)
	}

	ms.mu.Lock()
	sess := ms.sess
	timeout := ms.spec.CallTimeout
	ms.mu.Unlock()

	if sess == nil {
		return nil, fmt.Errorf("server %s: %w", tool.Server, errors.ErrSessionClosed)
	}

	result, err := sess.Call(ctx, tool.LocalName, arguments, timeout)
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", qualifiedName, err)
	}

	return result, nil
}
