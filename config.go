package mcpmux

import "github.com/mcpmux/mcpmux/internal/config"

// LoadConfig reads a server declaration file (YAML, or the JSON subset of
// YAML) and returns the declared specs with defaults applied.
//
// Invalid entries are returned as entryErrs and skipped; they never fail the
// rest of the file. The error return is reserved for file-level problems
// such as an unreadable path or malformed document.
func LoadConfig(path string) (specs []ServerSpec, entryErrs []error, err error) {
	return config.Load(path)
}

// ParseConfig is LoadConfig for an in-memory document.
func ParseConfig(data []byte) (specs []ServerSpec, entryErrs []error, err error) {
	return config.Parse(data)
}
