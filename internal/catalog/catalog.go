// Package catalog merges the tool lists of several child servers into one
// immutable snapshot with globally unique qualified names.
//
// Snapshots are rebuilt wholesale on every discovery or rebuild and swapped
// under a single reference; they are never mutated incrementally, so readers
// always observe one fully formed version.
package catalog

import (
	"encoding/json"
	"sort"
)

// Tool is one merged catalog entry.
type Tool struct {
	// Server is the declared name of the origin server.
	Server string
	// LocalName is the tool name as reported by the child.
	LocalName string
	// QualifiedName is the caller-visible, globally unique name: the bare
	// local name when unique across all servers, otherwise "server.local".
	QualifiedName string
	Description   string
	// InputSchema is an opaque passthrough blob.
	InputSchema json.RawMessage
}

// ServerResult is one server's contribution to a merge: its discovered tools
// and its enabled-tool allow-list (empty means all tools enabled).
type ServerResult struct {
	Server       string
	EnabledTools []string
	Tools        []RawTool
}

// RawTool is a tool as reported by a child, before qualification.
type RawTool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Snapshot is an immutable merged catalog. The zero value is empty and usable.
type Snapshot struct {
	byName map[string]Tool
	names  []string // sorted qualified names
}

// Empty returns a snapshot with no tools.
func Empty() *Snapshot {
	return &Snapshot{byName: map[string]Tool{}}
}

// Lookup returns the tool for a qualified name.
func (s *Snapshot) Lookup(qualifiedName string) (Tool, bool) {
	tool, ok := s.byName[qualifiedName]

	return tool, ok
}

// Tools returns all entries in qualified-name order.
func (s *Snapshot) Tools() []Tool {
	out := make([]Tool, 0, len(s.names))
	for _, name := range s.names {
		out = append(out, s.byName[name])
	}

	return out
}

// Names returns the sorted qualified names.
func (s *Snapshot) Names() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)

	return out
}

// Len returns the number of tools in the snapshot.
func (s *Snapshot) Len() int {
	return len(s.names)
}

// Merge builds a snapshot from every server's discovery result.
//
// Each server's enabled-tool filter is applied first (an empty list passes
// everything). Qualification is then applied globally, only after all servers
// have reported: a local name that remains unique across the whole merge is
// used bare; a collision qualifies every colliding tool as "server.local".
//
// In the degenerate case where qualified names still collide (a server name
// containing a dot can manufacture one), the lexicographically later
// (server, local) pair is dropped and reported in warnings, keeping the
// qualified-name-to-tool mapping unique.
func Merge(results []ServerResult) (*Snapshot, []string) {
	type candidate struct {
		server string
		tool   RawTool
	}

	var candidates []candidate

	localCount := make(map[string]int)

	for _, result := range results {
		enabled := make(map[string]bool, len(result.EnabledTools))
		for _, name := range result.EnabledTools {
			enabled[name] = true
		}

		for _, tool := range result.Tools {
			if len(enabled) > 0 && !enabled[tool.Name] {
				continue
			}

			candidates = append(candidates, candidate{server: result.Server, tool: tool})
			localCount[tool.Name]++
		}
	}

	// Deterministic order so collision handling does not depend on
	// discovery completion order.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].server != candidates[j].server {
			return candidates[i].server < candidates[j].server
		}

		return candidates[i].tool.Name < candidates[j].tool.Name
	})

	snapshot := &Snapshot{byName: make(map[string]Tool, len(candidates))}

	var warnings []string

	for _, c := range candidates {
		qualified := c.tool.Name
		if localCount[c.tool.Name] > 1 {
			qualified = c.server + "." + c.tool.Name
		}

		if prev, exists := snapshot.byName[qualified]; exists {
			warnings = append(warnings, "dropping tool "+c.tool.Name+" from "+c.server+
				": qualified name "+qualified+" already taken by "+prev.Server)

			continue
		}

		snapshot.byName[qualified] = Tool{
			Server:        c.server,
			LocalName:     c.tool.Name,
			QualifiedName: qualified,
			Description:   c.tool.Description,
			InputSchema:   c.tool.InputSchema,
		}
		snapshot.names = append(snapshot.names, qualified)
	}

	sort.Strings(snapshot.names)

	return snapshot, warnings
}
