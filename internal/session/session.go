package session

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/mcpmux/mcpmux/internal/errors"
	"github.com/mcpmux/mcpmux/internal/jsonrpc"
)

const (
	// protocolVersion is sent in the initialize handshake.
	protocolVersion = "2024-11-05"

	// shutdownGrace is how long Shutdown waits for the child to exit after
	// stdin closes before force-terminating it.
	shutdownGrace = 3 * time.Second
)

// clientInfo identifies the proxy to child servers during initialize.
var clientInfo = jsonrpc.ClientInfo{Name: "mcpmux", Version: "0.1.0"}

// State is the lifecycle state of one declared server.
type State int

// Lifecycle states. Degraded is terminal until an explicit rebuild or
// restart creates a fresh session.
const (
	StateNotBuilt State = iota
	StateBuilding
	StateBuilt
	StateLaunching
	StateReady
	StateDegraded
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNotBuilt:
		return "not_built"
	case StateBuilding:
		return "building"
	case StateBuilt:
		return "built"
	case StateLaunching:
		return "launching"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session owns exactly one running child server: its transport, an
// outstanding-request table, and a background reader that demultiplexes
// responses by JSON-RPC id.
//
// All methods are safe for concurrent use. Calls to the same session
// pipeline under distinct ids; completions may arrive in any order.
type Session struct {
	log       *slog.Logger
	server    string
	transport Transport

	// nextID allocates child-facing request ids.
	nextID atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]chan *jsonrpc.Message

	stateMu sync.RWMutex
	state   State
	reason  string

	errMu    sync.RWMutex
	fatalErr error

	closeOnce    sync.Once
	shutdownOnce sync.Once
	done         chan struct{}
	wg           sync.WaitGroup
}

// New creates a session for one server over the given transport.
// The session id in logs distinguishes rebuilt instances of the same server.
func New(log *slog.Logger, server string, transport Transport) *Session {
	return &Session{
		log: log.With(
			"component", "session",
			"server", server,
			"session_id", ulid.Make().String(),
		),
		server:    server,
		transport: transport,
		pending:   make(map[int64]chan *jsonrpc.Message, 8),
		state:     StateLaunching,
		done:      make(chan struct{}),
	}
}

// Server returns the declared server name this session belongs to.
func (s *Session) Server() string {
	return s.server
}

// State returns the current lifecycle state and, for Degraded, the reason.
func (s *Session) State() (State, string) {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()

	return s.state, s.reason
}

func (s *Session) setState(state State, reason string) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	// Stopped is terminal; Degraded only transitions to Stopped.
	if s.state == StateStopped {
		return
	}

	if s.state == StateDegraded && state != StateStopped {
		return
	}

	s.state = state
	s.reason = reason
}

// Done returns a channel closed when the session's reader has stopped,
// either through shutdown or process exit.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) closeDone() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// setFatal records the first fatal error, degrades the session, and wakes
// every pending caller via the done channel.
func (s *Session) setFatal(err error, reason string) {
	s.errMu.Lock()

	if s.fatalErr == nil {
		s.fatalErr = err
	}

	s.errMu.Unlock()

	s.setState(StateDegraded, reason)
	s.closeDone()
}

// FatalError returns the error that stopped the session, if any.
func (s *Session) FatalError() error {
	s.errMu.RLock()
	defer s.errMu.RUnlock()

	return s.fatalErr
}

// Launch starts the child process, begins the background reader, and runs
// the initialize handshake. On success the session is Launching and ready
// for Discover.
func (s *Session) Launch(ctx context.Context, handshakeTimeout time.Duration) error {
	s.log.Debug("Launching child server")

	if err := s.transport.Start(ctx); err != nil {
		s.setFatal(err, "launch failed")

		return err
	}

	messages, errs := s.transport.ReadMessages(context.Background())

	s.wg.Go(func() {
		s.readLoop(messages, errs)
	})

	if err := s.initialize(ctx, handshakeTimeout); err != nil {
		s.setFatal(err, "initialize failed")

		return err
	}

	s.log.Info("Child server initialized")

	return nil
}

// initialize performs the MCP handshake: an initialize request followed by
// the initialized notification.
func (s *Session) initialize(ctx context.Context, timeout time.Duration) error {
	params := jsonrpc.InitializeParams{
		ProtocolVersion: protocolVersion,
		ClientInfo:      clientInfo,
	}

	resp, err := s.roundTrip(ctx, "initialize", params, timeout)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	if resp.Error != nil {
		return fmt.Errorf("initialize: %w", &errors.RPCError{Code: resp.Error.Code, Message: resp.Error.Message})
	}

	notif, err := jsonrpc.Encode(jsonrpc.NewNotification("notifications/initialized", nil))
	if err != nil {
		return err
	}

	if err := s.transport.Send(ctx, notif); err != nil {
		return fmt.Errorf("send initialized notification: %w", err)
	}

	return nil
}

// Discover sends a tools/list request and returns the child's tool catalog.
//
// On timeout the session transitions to Degraded("discovery timeout") and
// the error matches errors.ErrDiscoveryTimeout. A JSON-RPC error answer is
// surfaced as *errors.RPCError; a malformed result returns
// *errors.ProtocolError.
func (s *Session) Discover(ctx context.Context, timeout time.Duration) ([]jsonrpc.ToolInfo, error) {
	resp, err := s.roundTrip(ctx, "tools/list", nil, timeout)
	if err != nil {
		if stderrors.Is(err, errors.ErrCallTimeout) {
			s.setFatal(errors.ErrDiscoveryTimeout, "discovery timeout")

			return nil, fmt.Errorf("%w for %q after %s", errors.ErrDiscoveryTimeout, s.server, timeout)
		}

		return nil, err
	}

	if resp.Error != nil {
		return nil, fmt.Errorf("tools/list: %w", &errors.RPCError{Code: resp.Error.Code, Message: resp.Error.Message})
	}

	var result jsonrpc.ListToolsResult
	if err := jsonrpc.UnmarshalResult(resp, &result); err != nil {
		return nil, &errors.ProtocolError{
			Server:  s.server,
			RawData: string(resp.Result),
			Err:     err,
		}
	}

	s.setState(StateReady, "")
	s.log.Info("Discovered tools", "count", len(result.Tools))

	return result.Tools, nil
}

// Call invokes one tool on the child and returns its result payload verbatim.
//
// On timeout the call fails with errors.ErrCallTimeout and its pending entry
// is removed; a late response from the child is discarded by id-lookup miss.
// The child process is never killed on call timeout - it is presumed possibly
// still working.
func (s *Session) Call(
	ctx context.Context,
	name string,
	arguments json.RawMessage,
	timeout time.Duration,
) (json.RawMessage, error) {
	state, _ := s.State()

	switch {
	case state == StateStopped:
		return nil, errors.ErrSessionClosed
	case state != StateReady && state != StateLaunching:
		if err := s.FatalError(); err != nil {
			return nil, processExitError(err)
		}

		return nil, errors.ErrSessionClosed
	}

	params := jsonrpc.CallParams{Name: name, Arguments: arguments}

	resp, err := s.roundTrip(ctx, "tools/call", &params, timeout)
	if err != nil {
		return nil, err
	}

	if resp.Error != nil {
		return nil, &errors.RPCError{Code: resp.Error.Code, Message: resp.Error.Message}
	}

	return resp.Result, nil
}

// roundTrip sends one request and waits for its response, enforcing the
// per-operation deadline. Timeout errors match errors.ErrCallTimeout; the
// caller maps them to the operation-specific kind.
func (s *Session) roundTrip(
	ctx context.Context,
	method string,
	params any,
	timeout time.Duration,
) (*jsonrpc.Message, error) {
	id := s.nextID.Add(1)

	responseChan := make(chan *jsonrpc.Message, 1)

	s.pendingMu.Lock()
	s.pending[id] = responseChan
	s.pendingMu.Unlock()

	removePending := func() {
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
	}

	data, err := jsonrpc.Encode(jsonrpc.NewRequest(id, method, params))
	if err != nil {
		removePending()

		return nil, err
	}

	s.log.Debug("Sending request", "id", id, "method", method)

	if err := s.transport.Send(ctx, data); err != nil {
		removePending()

		var terr *errors.TransportError
		if stderrors.As(err, &terr) {
			s.setFatal(err, "write failed")
		}

		return nil, err
	}

	select {
	case resp := <-responseChan:
		return resp, nil

	case <-time.After(timeout):
		removePending()

		s.log.Warn("Request timed out", "id", id, "method", method, "timeout", timeout)

		return nil, fmt.Errorf("%w: %s after %s", errors.ErrCallTimeout, method, timeout)

	case <-s.done:
		removePending()

		if err := s.FatalError(); err != nil {
			return nil, processExitError(err)
		}

		return nil, errors.ErrSessionClosed

	case <-ctx.Done():
		removePending()

		return nil, ctx.Err()
	}
}

// processExitError reports a fatal session error as ErrProcessExited,
// preserving the underlying cause when there is one.
func processExitError(err error) error {
	if stderrors.Is(err, errors.ErrProcessExited) {
		return err
	}

	return fmt.Errorf("%w: %w", errors.ErrProcessExited, err)
}

// readLoop demultiplexes every incoming message by its JSON-RPC id.
//
// A matching pending call is woken with the payload; an unmatched id is a
// stale timeout or duplicate and is dropped without affecting other pending
// calls. The loop keeps draining both channels until the transport closes
// them, even after the session degrades: the transport's reader blocks on
// message delivery and only reaps the child once its streams are fully
// consumed, so returning early would leak that goroutine and leave the
// child unreaped.
func (s *Session) readLoop(messages <-chan *jsonrpc.Message, errs <-chan error) {
	defer s.failPending()

	for {
		select {
		case msg, ok := <-messages:
			if !ok {
				s.log.Debug("Child message stream closed")
				s.setFatal(errors.ErrProcessExited, "process exited")

				return
			}

			s.dispatch(msg)

		case err, ok := <-errs:
			if !ok {
				s.setFatal(errors.ErrProcessExited, "process exited")

				return
			}

			if err == nil {
				continue
			}

			var protoErr *errors.ProtocolError
			if stderrors.As(err, &protoErr) {
				// A single garbled line must not take the session down.
				s.log.Warn("Dropping malformed line from child", "error", err)

				continue
			}

			s.log.Warn("Child transport failed", "error", err)
			s.setFatal(err, "transport failure")
		}
	}
}

// dispatch routes one message to its waiting caller.
func (s *Session) dispatch(msg *jsonrpc.Message) {
	if !msg.IsResponse() {
		// Children may emit notifications (logs, progress); nothing waits on
		// them. Server-initiated requests are not supported.
		s.log.Debug("Ignoring non-response message from child", "method", msg.Method)

		return
	}

	id := *msg.ID

	s.pendingMu.Lock()

	ch, exists := s.pending[id]
	if exists {
		delete(s.pending, id)
	}

	s.pendingMu.Unlock()

	if !exists {
		// Expected after a call timeout: the child answered late and the
		// waiter is gone.
		s.log.Info("Discarding response with no pending call", "id", id)

		return
	}

	// Channel is buffered; we own the entry, so this never blocks.
	ch <- msg
}

// failPending is a safety net for pending entries registered in the window
// between a roundTrip send and readLoop exit. Waiters observe done and the
// fatal error; entries are cleared so late arrivals cannot match.
func (s *Session) failPending() {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	for id := range s.pending {
		delete(s.pending, id)
	}
}

// Shutdown stops the session: new calls are rejected, stdin closes, and the
// child gets shutdownGrace to exit before being force-terminated. In-flight
// calls fail with ErrProcessExited before Shutdown returns. Idempotent.
func (s *Session) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.log.Debug("Shutting down session")

		s.setState(StateStopped, "")

		if err := s.transport.CloseStdin(); err != nil {
			s.log.Debug("Error closing child stdin", "error", err)
		}

		select {
		case <-s.done:
			// Reader observed process exit.
		case <-time.After(shutdownGrace):
			s.log.Warn("Child did not exit after stdin close, killing")

			if err := s.transport.Close(); err != nil {
				s.log.Warn("Error killing child process", "error", err)
			}
		case <-ctx.Done():
			_ = s.transport.Close()
		}

		_ = s.transport.Close()

		s.closeDone()
		s.wg.Wait()
		s.log.Info("Session stopped")
	})

	return nil
}
