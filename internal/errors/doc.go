// Package errors defines error types for the mcpmux proxy.
//
// This package provides structured error types that wrap the different
// failure scenarios of a proxied tool server: configuration, build, launch,
// discovery, transport, and call-level failures. All error types support
// error unwrapping and can be checked using errors.Is and errors.As.
package errors
