// Package config loads the proxy configuration file into server specs.
//
// The file is YAML; since YAML 1.2 is a superset of JSON, existing JSON
// config files parse unchanged. A record per server plus an optional
// top-level enabled_tools filter:
//
//	servers:
//	  - name: alpha
//	    binary: ./bin/alpha-server
//	    build_command: make alpha
//	    build_cwd: ./alpha
//	    args: ["--stdio"]
//	    timeout: 30
//	    call_timeout: 300
//	    enabled_tools: [search]
//	enabled_tools: []
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mcpmux/mcpmux/internal/errors"
)

// Default per-operation deadlines, used when the config omits them.
const (
	DefaultDiscoveryTimeout = 30 * time.Second
	DefaultCallTimeout      = 300 * time.Second
)

// ServerSpec is the immutable description of one declared child server.
type ServerSpec struct {
	// Name is unique across the store and human-chosen.
	Name string
	// Binary is the path (or PATH-resolvable name) of the child executable.
	Binary string
	// BuildCommand, when set, is run in BuildCwd before first launch or on
	// explicit rebuild.
	BuildCommand string
	BuildCwd     string
	Args         []string
	// DiscoveryTimeout bounds the tools/list exchange.
	DiscoveryTimeout time.Duration
	// CallTimeout bounds each tools/call exchange.
	CallTimeout time.Duration
	// EnabledTools is the allow-list applied during catalog merge.
	// Empty means all tools enabled, not none.
	EnabledTools []string
}

type fileServer struct {
	Name         string   `yaml:"name"`
	Binary       string   `yaml:"binary"`
	BuildCommand string   `yaml:"build_command"`
	BuildCwd     string   `yaml:"build_cwd"`
	Args         []string `yaml:"args"`
	Timeout      float64  `yaml:"timeout"`
	CallTimeout  float64  `yaml:"call_timeout"`
	EnabledTools []string `yaml:"enabled_tools"`
}

type fileConfig struct {
	Servers      []fileServer `yaml:"servers"`
	EnabledTools []string     `yaml:"enabled_tools"`
}

// Load reads and parses the config file at path.
//
// Malformed entries are fatal for that entry only: they are reported in the
// second return value while every valid entry still loads. A file-level
// failure (unreadable, unparseable) is returned as the final error.
func Load(path string) ([]ServerSpec, []error, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read config %s: %w", path, err)
	}

	return Parse(data)
}

// Parse parses config file contents. See Load for the error contract.
func Parse(data []byte) ([]ServerSpec, []error, error) {
	var file fileConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, nil, fmt.Errorf("parse config: %w", err)
	}

	specs := make([]ServerSpec, 0, len(file.Servers))
	entryErrs := make([]error, 0)
	seen := make(map[string]bool, len(file.Servers))

	for _, entry := range file.Servers {
		spec, err := toSpec(entry, file.EnabledTools)
		if err != nil {
			entryErrs = append(entryErrs, err)

			continue
		}

		if seen[spec.Name] {
			entryErrs = append(entryErrs, &errors.ConfigError{
				Server: spec.Name,
				Msg:    "duplicate server name",
			})

			continue
		}

		seen[spec.Name] = true
		specs = append(specs, spec)
	}

	return specs, entryErrs, nil
}

func toSpec(entry fileServer, globalEnabled []string) (ServerSpec, error) {
	if entry.Name == "" {
		return ServerSpec{}, &errors.ConfigError{Server: entry.Binary, Field: "name", Msg: "must not be empty"}
	}

	if entry.Binary == "" {
		return ServerSpec{}, &errors.ConfigError{Server: entry.Name, Field: "binary", Msg: "must not be empty"}
	}

	if entry.BuildCommand != "" && entry.BuildCwd != "" {
		info, err := os.Stat(entry.BuildCwd)
		if err != nil || !info.IsDir() {
			return ServerSpec{}, &errors.ConfigError{
				Server: entry.Name,
				Field:  "build_cwd",
				Msg:    fmt.Sprintf("%s is not an existing directory", entry.BuildCwd),
			}
		}
	}

	spec := ServerSpec{
		Name:             entry.Name,
		Binary:           entry.Binary,
		BuildCommand:     entry.BuildCommand,
		BuildCwd:         entry.BuildCwd,
		Args:             entry.Args,
		DiscoveryTimeout: secondsOrDefault(entry.Timeout, DefaultDiscoveryTimeout),
		CallTimeout:      secondsOrDefault(entry.CallTimeout, DefaultCallTimeout),
		EnabledTools:     entry.EnabledTools,
	}

	// The top-level filter applies to servers without their own list.
	if len(spec.EnabledTools) == 0 && len(globalEnabled) > 0 {
		spec.EnabledTools = append([]string(nil), globalEnabled...)
	}

	return spec, nil
}

func secondsOrDefault(seconds float64, fallback time.Duration) time.Duration {
	if seconds <= 0 {
		return fallback
	}

	return time.Duration(seconds * float64(time.Second))
}
