package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vmmd-project/vmmd/internal/consolemux"
	"github.com/vmmd-project/vmmd/internal/logging"
	"github.com/vmmd-project/vmmd/internal/vmmconfig"
	"github.com/vmmd-project/vmmd/internal/wire"
)

const defaultLogLevel = "warning"

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	logger := logging.NewCLI(os.Stderr, &levelVar)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(logger, &levelVar)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("command interrupted", "error", err)
			os.Exit(130)
		}
		logger.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// newRootCommand's own RunE is the console helper daemon: running the
// binary with no subcommand starts it listening, per spec.md §6's
// "vmm_console (accepts -s/--socket PATH ... default <tmpdir>/cons.sock)".
// attach/history subcommands are a thin client added on top for operators.
func newRootCommand(logger *slog.Logger, levelVar *slog.LevelVar) *cobra.Command {
	var (
		logLevel     = defaultLogLevel
		socketPath   string
		fifoDir      string
		ringCapacity int
	)

	root := &cobra.Command{
		Use:           "vmm_console",
		Short:         "Console helper: per-VM output fan-out over a unix socket",
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(socketPath) == "" {
				socketPath = defaultConsoleSocketPath()
			}
			if strings.TrimSpace(fifoDir) == "" {
				fifoDir = vmmconfig.TmpDir
			}
			if err := os.MkdirAll(fifoDir, 0o755); err != nil {
				return fmt.Errorf("create fifo directory %s: %w", fifoDir, err)
			}

			mux := consolemux.New(fifoDir, logger)
			server := consolemux.NewServer(mux, ringCapacity)

			logger.Info("console helper listening", "socket", socketPath, "fifo_dir", fifoDir)
			if err := server.Serve(cmd.Context(), socketPath); err != nil {
				return err
			}
			logger.Info("console helper stopped")
			return nil
		},
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	root.Flags().StringVarP(&socketPath, "socket", "s", "", "Path to the console listen socket (default <tmpdir>/cons.sock)")
	root.Flags().StringVar(&fifoDir, "fifo-dir", "", "Directory containing per-VM console FIFOs (default the config tmp dir)")
	root.Flags().IntVar(&ringCapacity, "ring-capacity", 1000, "Number of lines retained per VM's history ring")

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := parseLogLevel(logLevel)
		if err != nil {
			return err
		}
		if levelVar != nil {
			levelVar.Set(level)
		}
		return nil
	}

	root.AddCommand(
		newAttachCommand(),
		newHistoryCommand(),
	)
	return root
}

func newAttachCommand() *cobra.Command {
	var socketPath string

	cmd := &cobra.Command{
		Use:   "attach <vm-id>",
		Args:  cobra.ExactArgs(1),
		Short: "Attach to a VM's live console output",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(socketPath) == "" {
				socketPath = defaultConsoleSocketPath()
			}
			client := consolemux.NewClient(socketPath)
			out := cmd.OutOrStdout()
			return client.Attach(args[0], func(d wire.DataPayload) {
				fmt.Fprintf(out, "%s %s\n", d.At.Time().Format(time.RFC3339Nano), d.Line)
			})
		},
	}

	cmd.Flags().StringVarP(&socketPath, "socket", "s", "", "Path to the console listen socket (default <tmpdir>/cons.sock)")
	return cmd
}

func newHistoryCommand() *cobra.Command {
	var (
		socketPath string
		since      string
	)

	cmd := &cobra.Command{
		Use:   "history <vm-id>",
		Args:  cobra.ExactArgs(1),
		Short: "Replay a VM's console output since a cursor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(socketPath) == "" {
				socketPath = defaultConsoleSocketPath()
			}

			cursor := wire.Timestamp{}
			if strings.TrimSpace(since) != "" {
				t, err := time.Parse(time.RFC3339Nano, since)
				if err != nil {
					return fmt.Errorf("parse --since: %w", err)
				}
				cursor = wire.FromTime(t)
			}

			client := consolemux.NewClient(socketPath)
			out := cmd.OutOrStdout()
			result, err := client.History(args[0], cursor, func(d wire.DataPayload) {
				fmt.Fprintf(out, "%s %s\n", d.At.Time().Format(time.RFC3339Nano), d.Line)
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.ErrOrStderr(), result)
			return nil
		},
	}

	cmd.Flags().StringVarP(&socketPath, "socket", "s", "", "Path to the console listen socket (default <tmpdir>/cons.sock)")
	cmd.Flags().StringVar(&since, "since", "", "RFC3339 timestamp cursor; entries at or before it are omitted")
	return cmd
}

func defaultConsoleSocketPath() string {
	return vmmconfig.Default().ConsoleSocketPath()
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", value)
	}
}
