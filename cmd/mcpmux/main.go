// Command mcpmux aggregates declared stdio MCP tool servers behind one
// virtual MCP server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mcpmux/mcpmux"
	"github.com/mcpmux/mcpmux/internal/builder"
)

var (
	configPath string
	logLevel   string
	logFile    string
)

var rootCmd = &cobra.Command{
	Use:   "mcpmux",
	Short: "Aggregate stdio MCP tool servers behind one virtual server",
	Long: `mcpmux launches the tool servers declared in its config file, merges
their tool catalogs into one namespace and serves the merged catalog as a
single MCP server on stdin/stdout. Tool names stay bare when unique across
servers and are qualified as "server.tool" on collision.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	// Running mcpmux with no subcommand serves, matching how MCP clients
	// invoke the binary.
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveCmd.RunE(cmd, args)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Launch declared servers and serve the merged catalog over stdio",
	RunE: func(cmd *cobra.Command, _ []string) error {
		log, closeLog, err := newLogger()
		if err != nil {
			return err
		}
		defer closeLog()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		proxy, err := startProxy(ctx, log)
		if err != nil {
			return err
		}
		defer func() { _ = proxy.Shutdown(context.WithoutCancel(ctx)) }()

		if err := proxy.ServeStdio(ctx); err != nil && ctx.Err() == nil {
			return err
		}

		return nil
	},
}

var listToolsCmd = &cobra.Command{
	Use:   "list-tools",
	Short: "Launch declared servers and print the merged catalog",
	RunE: func(cmd *cobra.Command, _ []string) error {
		log, closeLog, err := newLogger()
		if err != nil {
			return err
		}
		defer closeLog()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		proxy, err := startProxy(ctx, log)
		if err != nil {
			return err
		}
		defer func() { _ = proxy.Shutdown(context.WithoutCancel(ctx)) }()

		for _, tool := range proxy.ListTools() {
			desc := strings.SplitN(tool.Description, "\n", 2)[0]
			fmt.Fprintf(cmd.OutOrStdout(), "%-40s (server: %s) %s\n", tool.QualifiedName, tool.Server, desc)
		}

		for _, st := range proxy.Report() {
			if st.Err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s is %s: %v\n", st.Server, st.State, st.Err)
			}
		}

		return nil
	},
}

var rebuildCmd = &cobra.Command{
	Use:   "rebuild [server...]",
	Short: "Re-run build commands for declared servers without serving",
	RunE: func(cmd *cobra.Command, args []string) error {
		log, closeLog, err := newLogger()
		if err != nil {
			return err
		}
		defer closeLog()

		specs, entryErrs, err := mcpmux.LoadConfig(configPath)
		if err != nil {
			return err
		}
		for _, entryErr := range entryErrs {
			log.Warn("Skipping invalid server declaration", "error", entryErr)
		}

		selected := make(map[string]bool, len(args))
		for _, name := range args {
			selected[name] = true
		}

		var failed int
		for _, spec := range specs {
			if len(selected) > 0 && !selected[spec.Name] {
				continue
			}
			if spec.BuildCommand == "" {
				continue
			}

			out, err := builder.Build(cmd.Context(), log, spec.Name, spec.BuildCommand, spec.BuildCwd)
			if err != nil {
				failed++
				fmt.Fprintf(cmd.ErrOrStderr(), "build failed for %s: %v\n", spec.Name, err)

				continue
			}

			fmt.Fprintf(cmd.OutOrStdout(), "built %s in %s\n", spec.Name, out.Duration.Round(time.Millisecond))
		}

		if failed > 0 {
			return fmt.Errorf("%d build(s) failed", failed)
		}

		return nil
	},
}

func startProxy(ctx context.Context, log *slog.Logger) (*mcpmux.Proxy, error) {
	specs, entryErrs, err := mcpmux.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	for _, entryErr := range entryErrs {
		log.Warn("Skipping invalid server declaration", "error", entryErr)
	}

	proxy := mcpmux.New(log, specs)
	if err := proxy.Start(ctx); err != nil {
		return nil, err
	}

	return proxy, nil
}

// newLogger builds the process logger. Logs always go to stderr so stdout
// stays clean for the MCP protocol; --log-file redirects them to a file.
func newLogger() (*slog.Logger, func(), error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}

	out := os.Stderr
	closeLog := func() {}

	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}

		out = f
		closeLog = func() { _ = f.Close() }
	}

	log := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))

	return log, closeLog, nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "servers.yaml", "Path to the server declaration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Write logs to this file instead of stderr")

	rootCmd.AddCommand(serveCmd, listToolsCmd, rebuildCmd)
	rootCmd.CompletionOptions.HiddenDefaultCmd = true
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
