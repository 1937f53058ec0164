package mcpmux

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildError_Formatting(t *testing.T) {
	err := &BuildError{
		Server:   "alpha",
		Command:  "make build",
		ExitCode: 2,
		Output:   "make: *** [build] Error 2",
	}

	require.Error(t, err)
	require.Contains(t, err.Error(), `"alpha"`)
	require.Contains(t, err.Error(), "exit 2")
}

func TestProcessError_Unwrap(t *testing.T) {
	err := &ProcessError{ExitCode: 7, Stderr: "boom", Err: ErrProcessExited}

	require.ErrorIs(t, err, ErrProcessExited)
	require.Contains(t, err.Error(), "boom")
}

func TestTypedErrors_ImplementMuxError(t *testing.T) {
	cases := []MuxError{
		&ConfigError{Server: "a", Field: "binary", Msg: "must not be empty"},
		&BuildError{Server: "a"},
		&LaunchError{Server: "a", Binary: "missing"},
		&ProtocolError{Server: "a", RawData: "not json"},
		&ProcessError{ExitCode: 1},
		&RPCError{Code: -32601, Message: "method not found"},
	}

	for _, err := range cases {
		require.True(t, err.IsMuxError())
		require.NotEmpty(t, err.Error())
	}
}

func TestSentinels_SurviveWrapping(t *testing.T) {
	wrapped := fmt.Errorf("tool search: %w", ErrCallTimeout)

	require.ErrorIs(t, wrapped, ErrCallTimeout)
	require.NotErrorIs(t, wrapped, ErrDiscoveryTimeout)
}
