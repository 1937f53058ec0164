package session

import (
	"bufio"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/mcpmux/mcpmux/internal/errors"
	"github.com/mcpmux/mcpmux/internal/jsonrpc"
)

const (
	// maxScanTokenSize is the maximum buffer size for reading child output lines.
	maxScanTokenSize = 1024 * 1024 // 1MB
	// maxStderrBufferSize caps the stderr buffer used for exit-error reporting.
	maxStderrBufferSize = 1 * 1024 * 1024 // 1MB
)

// Transport is the duplex byte stream to one child server.
//
// The concrete implementation is StdioTransport; the interface exists so
// session logic can be tested with in-memory transports.
type Transport interface {
	Start(ctx context.Context) error
	ReadMessages(ctx context.Context) (<-chan *jsonrpc.Message, <-chan error)
	Send(ctx context.Context, data []byte) error
	CloseStdin() error
	Close() error
}

// StdioTransport implements Transport by spawning the child binary and
// wiring its stdin/stdout as the message stream. Stderr is buffered for
// exit-error reporting.
type StdioTransport struct {
	log         *slog.Logger
	server      string
	binary      string
	args        []string
	cmd         *exec.Cmd
	stdin       io.WriteCloser
	stdout      io.ReadCloser
	stderr      io.ReadCloser
	mu          sync.Mutex // protects stdin writes and the flags below
	closing     bool
	stdinClosed bool
}

// Compile-time verification that StdioTransport implements Transport.
var _ Transport = (*StdioTransport)(nil)

// NewStdioTransport creates a transport for one child server binary.
// The process is not started until Start is called.
func NewStdioTransport(log *slog.Logger, server, binary string, args []string) *StdioTransport {
	return &StdioTransport{
		log:    log.With("component", "stdio_transport", "server", server),
		server: server,
		binary: binary,
		args:   args,
	}
}

// resolveCommand maps the configured binary path to an executable argv.
// Python scripts run through the interpreter; bare names resolve via PATH.
func resolveCommand(binary string, args []string) (string, []string, error) {
	if strings.HasSuffix(binary, ".py") {
		if _, err := os.Stat(binary); err != nil {
			return "", nil, err
		}

		return "python3", append([]string{binary}, args...), nil
	}

	if !strings.ContainsRune(binary, os.PathSeparator) {
		path, err := exec.LookPath(binary)
		if err != nil {
			return "", nil, err
		}

		return path, args, nil
	}

	info, err := os.Stat(binary)
	if err != nil {
		return "", nil, err
	}

	if info.IsDir() || info.Mode()&0o111 == 0 {
		return "", nil, fmt.Errorf("%s is not an executable file", binary)
	}

	return binary, args, nil
}

// Start launches the child process and wires up its pipes.
//
// Returns *errors.LaunchError if the binary is missing or not executable,
// or if the process fails to start.
func (t *StdioTransport) Start(ctx context.Context) error {
	path, argv, err := resolveCommand(t.binary, t.args)
	if err != nil {
		t.log.Error("Child binary not runnable", "binary", t.binary, "error", err)

		return &errors.LaunchError{Server: t.server, Binary: t.binary, Err: err}
	}

	// No CommandContext: the process must outlive the launch call's context.
	//nolint:gosec // G204: child binaries come from the operator's own config
	cmd := exec.Command(path, argv...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &errors.LaunchError{Server: t.server, Binary: t.binary, Err: fmt.Errorf("stdin pipe: %w", err)}
	}

	t.stdin = stdin

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &errors.LaunchError{Server: t.server, Binary: t.binary, Err: fmt.Errorf("stdout pipe: %w", err)}
	}

	t.stdout = stdout

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &errors.LaunchError{Server: t.server, Binary: t.binary, Err: fmt.Errorf("stderr pipe: %w", err)}
	}

	t.stderr = stderr

	if err := cmd.Start(); err != nil {
		t.log.Error("Failed to start child process", "binary", t.binary, "error", err)

		return &errors.LaunchError{Server: t.server, Binary: t.binary, Err: fmt.Errorf("start process: %w", err)}
	}

	t.cmd = cmd
	t.log.Info("Child process started", "binary", path, "pid", cmd.Process.Pid)

	return nil
}

// ReadMessages reads line-delimited JSON-RPC messages from the child stdout.
//
// A goroutine parses each line and sends it to the messages channel. Lines
// that fail to parse are reported on the error channel as *errors.ProtocolError
// without stopping the stream. When the process exits, both channels close;
// a non-zero exit is reported first as *errors.ProcessError carrying the
// buffered stderr.
func (t *StdioTransport) ReadMessages(
	ctx context.Context,
) (<-chan *jsonrpc.Message, <-chan error) {
	messages := make(chan *jsonrpc.Message)
	errs := make(chan error, 8)

	var stderrWg sync.WaitGroup

	var stderrBuffer strings.Builder

	var stderrMu sync.Mutex

	// Stderr must be drained before cmd.Wait().
	// See: https://pkg.go.dev/os/exec#Cmd.StderrPipe
	stderrWg.Go(func() {
		scanner := bufio.NewScanner(t.stderr)
		for scanner.Scan() {
			line := scanner.Text()

			stderrMu.Lock()

			if stderrBuffer.Len() < maxStderrBufferSize {
				if stderrBuffer.Len() > 0 {
					stderrBuffer.WriteString("\n")
				}

				stderrBuffer.WriteString(line)
			}

			stderrMu.Unlock()

			t.log.Debug("Child stderr", "line", line)
		}
	})

	go func() {
		defer close(messages)
		defer close(errs)

		scanner := bufio.NewScanner(t.stdout)
		buf := make([]byte, maxScanTokenSize)
		scanner.Buffer(buf, maxScanTokenSize)

		for scanner.Scan() {
			select {
			case <-ctx.Done():
				errs <- ctx.Err()

				return
			default:
			}

			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}

			msg, err := jsonrpc.Decode(line)
			if err != nil {
				t.log.Debug("Dropping unparseable line from child", "error", err, "line", string(line))

				errs <- &errors.ProtocolError{
					Server:  t.server,
					RawData: string(line),
					Err:     err,
				}

				continue
			}

			select {
			case messages <- msg:
			case <-ctx.Done():
				errs <- ctx.Err()

				return
			}
		}

		if err := scanner.Err(); err != nil {
			t.log.Error("Scanner error reading child stdout", "error", err)

			errs <- &errors.TransportError{Err: err}
		}

		stderrWg.Wait()

		if err := t.cmd.Wait(); err != nil {
			t.mu.Lock()
			isClosing := t.closing
			t.mu.Unlock()

			if isClosing {
				t.log.Debug("Child process terminated during shutdown")

				return
			}

			stderrMu.Lock()
			stderrOutput := stderrBuffer.String()
			stderrMu.Unlock()

			exitCode := 0

			if exitErr, ok := stderrors.AsType[*exec.ExitError](err); ok {
				exitCode = exitErr.ExitCode()
			}

			t.log.Error("Child process exited with error", "exit_code", exitCode, "stderr", stderrOutput)

			errs <- &errors.ProcessError{
				ExitCode: exitCode,
				Stderr:   stderrOutput,
				Err:      err,
			}
		} else {
			t.log.Info("Child process exited")
		}
	}()

	return messages, errs
}

// Send writes one message line to the child stdin.
//
// The data should be a complete JSON object; a trailing newline is appended
// if absent. Safe for concurrent use.
func (t *StdioTransport) Send(ctx context.Context, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stdin == nil {
		return errors.ErrTransportNotConnected
	}

	if t.stdinClosed {
		return errors.ErrStdinClosed
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if len(data) == 0 || data[len(data)-1] != '\n' {
		newData := make([]byte, len(data)+1)
		copy(newData, data)
		newData[len(data)] = '\n'
		data = newData
	}

	// Write in a goroutine so a blocked pipe respects context cancellation.
	done := make(chan error, 1)

	go func() {
		_, err := t.stdin.Write(data)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return &errors.TransportError{Err: fmt.Errorf("write to stdin: %w", err)}
		}

		return nil

	case <-ctx.Done():
		// Close stdin to unblock the Write (safe since Go 1.9+).
		if t.stdin != nil {
			_ = t.stdin.Close()
			t.stdinClosed = true
		}

		select {
		case <-done:
		case <-time.After(1 * time.Second):
			t.log.Warn("Write goroutine did not exit after stdin close")
		}

		return ctx.Err()
	}
}

// CloseStdin closes the child's stdin to signal end of input. Most servers
// exit cleanly when their input stream ends.
func (t *StdioTransport) CloseStdin() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closing = true

	if t.stdin != nil && !t.stdinClosed {
		t.log.Debug("Closing child stdin")

		err := t.stdin.Close()
		t.stdinClosed = true
		t.stdin = nil

		return err
	}

	return nil
}

// Close force-terminates the child process. Safe to call multiple times or
// on an already-dead process.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closing = true
	t.stdinClosed = true

	if t.cmd != nil && t.cmd.Process != nil {
		t.log.Debug("Killing child process", "pid", t.cmd.Process.Pid)

		if err := t.cmd.Process.Kill(); err != nil && !stderrors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("kill child process (pid %d): %w", t.cmd.Process.Pid, err)
		}
	}

	return nil
}
