// Package session owns the conversation with one child tool server.
//
// A Session pairs a Transport (the child's stdin/stdout pipes) with an
// outstanding-request table and a background reader that demultiplexes
// responses by JSON-RPC id. Sessions share no state with each other; each
// runs its reader independently so one slow or dead child never delays
// another.
//
// A session instance is single-use: once Degraded or Stopped it is replaced
// wholesale by a rebuild, never revived.
package session
