package mcpmux

import (
	"github.com/mcpmux/mcpmux/internal/catalog"
	"github.com/mcpmux/mcpmux/internal/config"
	"github.com/mcpmux/mcpmux/internal/session"
)

// Re-export types from internal packages

// ===== Server declarations =====

// ServerSpec is the immutable description of one declared child server.
type ServerSpec = config.ServerSpec

// Default per-operation deadlines, used when a spec omits them.
const (
	DefaultDiscoveryTimeout = config.DefaultDiscoveryTimeout
	DefaultCallTimeout      = config.DefaultCallTimeout
)

// ===== Lifecycle =====

// ServerState is the lifecycle state of one declared server.
type ServerState = session.State

// Lifecycle states. Degraded is terminal until an explicit rebuild creates a
// fresh session.
const (
	StateNotBuilt  = session.StateNotBuilt
	StateBuilding  = session.StateBuilding
	StateBuilt     = session.StateBuilt
	StateLaunching = session.StateLaunching
	StateReady     = session.StateReady
	StateDegraded  = session.StateDegraded
	StateStopped   = session.StateStopped
)

// ===== Catalog =====

// ToolDescriptor is one merged catalog entry: origin server, local name,
// globally unique qualified name, and the opaque input schema.
type ToolDescriptor = catalog.Tool

// ===== Discovery status =====

// ServerStatus is one server's entry in the discovery-status report.
type ServerStatus struct {
	Server string
	State  ServerState
	// Reason is set for Degraded states.
	Reason string
	// Err is the failure that kept the server from reaching Ready, if any.
	Err error
	// ToolCount is the number of tools the server contributed to the merged
	// catalog's input (before cross-server qualification).
	ToolCount int
}

// ===== Human-input dialog contract =====

// AskUserParams is the request shape of the ask_user tool implemented by
// human-input dialog servers. The proxy core has no dependency on such
// servers; the types exist so composing tool servers share one wire shape.
type AskUserParams struct {
	Question       string   `json:"question"`
	Placeholder    string   `json:"placeholder,omitempty"`
	QuickAnswers   []string `json:"quick_answers,omitempty"`
	Hints          []string `json:"hints,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
}

// AskUserResult is the response shape of the ask_user tool.
type AskUserResult struct {
	Answer string `json:"answer"`
	// Source is how the person answered: "text" or "voice".
	Source     string `json:"source"`
	DurationMs int64  `json:"duration_ms"`
}
