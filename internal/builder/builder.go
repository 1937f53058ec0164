// Package builder runs a server's build command before launch.
//
// Build commands are opaque external invocations (make, cargo build,
// go build, anything the shell can run); no build system is special-cased.
package builder

import (
	"context"
	stderrors "errors"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/mcpmux/mcpmux/internal/errors"
)

// Output is the captured result of a successful build.
type Output struct {
	// Combined holds interleaved stdout and stderr.
	Combined string
	Duration time.Duration
}

// Build runs the build command for the named server in dir.
//
// An empty command is a no-op success: the server needs no build step.
// A non-zero exit returns a *errors.BuildError carrying the captured output.
// There is no retry; a failed build leaves the caller to decide when to
// try again.
func Build(ctx context.Context, log *slog.Logger, name, command, dir string) (Output, error) {
	if command == "" {
		log.Debug("No build command, skipping build", "server", name)

		return Output{}, nil
	}

	log.Info("Building server", "server", name, "command", command, "cwd", dir)
	start := time.Now()

	// The command is a single shell string so arbitrary build systems work.
	//nolint:gosec // G204: build commands come from the operator's own config
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir

	out, err := cmd.CombinedOutput()
	elapsed := time.Since(start)

	if err != nil {
		exitCode := -1
		if exitErr, ok := stderrors.AsType[*exec.ExitError](err); ok {
			exitCode = exitErr.ExitCode()
		}

		log.Error("Build failed",
			"server", name,
			"exit_code", exitCode,
			"output", strings.TrimSpace(string(out)),
		)

		return Output{}, &errors.BuildError{
			Server:   name,
			Command:  command,
			ExitCode: exitCode,
			Output:   string(out),
			Err:      err,
		}
	}

	log.Info("Build succeeded", "server", name, "duration", elapsed)

	return Output{Combined: string(out), Duration: elapsed}, nil
}
