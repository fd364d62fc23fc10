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

	"github.com/spf13/cobra"

	"github.com/vmmd-project/vmmd/internal/launch"
	"github.com/vmmd-project/vmmd/internal/logging"
	"github.com/vmmd-project/vmmd/internal/supervisor"
	"github.com/vmmd-project/vmmd/internal/taps"
	"github.com/vmmd-project/vmmd/internal/vmengine"
	"github.com/vmmd-project/vmmd/internal/vmmconfig"
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

func newRootCommand(logger *slog.Logger, levelVar *slog.LevelVar) *cobra.Command {
	logLevel := defaultLogLevel

	root := &cobra.Command{
		Use:           "vmmd",
		Short:         "Unikernel orchestrator daemon",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
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
		newServeCommand(logger),
		newSetupCommand(logger),
	)
	return root
}

func newServeCommand(logger *slog.Logger) *cobra.Command {
	var (
		hypervisorBinary string
		connectionURI    string
		imagePath        string
		bridgeName       string
		useLibvirt       bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the supervisor: accept clients, host the VM lifecycle engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := vmmconfig.Load()
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}

			budgets := vmengine.Budgets{MemoryMB: cfg.MemoryMB, TapPool: cfg.TapPool}

			var launcher launch.Launcher
			if useLibvirt {
				launcher = &launch.LibvirtLauncher{
					ConnectionURI: connectionURI,
					ImagePath:     imagePath,
					Logger:        logger,
				}
			} else {
				launcher = &launch.ExecLauncher{
					BinaryPath: hypervisorBinary,
					Logger:     logger,
				}
			}

			var tapAllocator *taps.Allocator
			if strings.TrimSpace(bridgeName) != "" {
				tapAllocator = taps.New(bridgeName)
			}

			sup := supervisor.New(cfg, budgets, launcher, tapAllocator, logger)

			logger.Info("starting supervisor",
				"tmp_dir", cfg.TmpDir,
				"memory_mb", cfg.MemoryMB,
				"tap_pool", len(cfg.TapPool),
				"libvirt", useLibvirt,
			)
			if err := sup.Start(cmd.Context()); err != nil {
				return err
			}
			logger.Info("supervisor stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&hypervisorBinary, "hypervisor-binary", "qemu-system-x86_64", "Path to the fallback exec-launched hypervisor binary")
	cmd.Flags().BoolVar(&useLibvirt, "libvirt", false, "Launch guests through libvirtd instead of a plain child process")
	cmd.Flags().StringVar(&connectionURI, "connect-uri", "qemu:///system", "Libvirt connection URI, used when --libvirt is set")
	cmd.Flags().StringVar(&imagePath, "image", "", "Disk image backing every launched guest, used when --libvirt is set")
	cmd.Flags().StringVar(&bridgeName, "bridge", "", "Bridge device to attach allocated taps to; leave empty to manage taps out of band")

	return cmd
}

func newSetupCommand(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Inspect, verify, or reset the persisted daemon configuration",
	}

	cmd.AddCommand(newSetupShowCommand(), newSetupVerifyCommand(), newSetupClearCommand(logger))
	return cmd
}

func newSetupShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration, writing the default if none exists",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := vmmconfig.Load()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "tmp_dir: %s\n", cfg.TmpDir)
			fmt.Fprintf(out, "ring_capacity: %d\n", cfg.RingCapacity)
			fmt.Fprintf(out, "memory_mb: %d\n", cfg.MemoryMB)
			fmt.Fprintf(out, "tap_pool: %s\n", strings.Join(cfg.TapPool, ","))
			fmt.Fprintf(out, "stats_enabled: %t\n", cfg.StatsEnabled)
			fmt.Fprintf(out, "use_netns: %t\n", cfg.UseNetns)
			return nil
		},
	}
}

func newSetupVerifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check that a persisted configuration file exists",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := vmmconfig.Verify(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %s\n", vmmconfig.ConfigPath)
			return nil
		},
	}
}

func newSetupClearCommand(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove the persisted configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := vmmconfig.Clear(); err != nil {
				return err
			}
			logger.Info("configuration cleared")
			return nil
		},
	}
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
