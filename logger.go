package mcpmux

import "log/slog"

// NopLogger returns a logger that drops everything. Handy for embedding the
// proxy where its internal logging is unwanted; New uses it when given a nil
// logger.
func NopLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
