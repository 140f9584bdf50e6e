// Package cmd implements the CLI commands of the zcore-go host binary.
package cmd

import (
	"log/slog"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"zcore-go/config"
	"zcore-go/logging"
)

// Version information set at build time.
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
)

// Global flags.
var (
	globalLog       string
	globalLogFormat string
	globalDebug     bool
	globalMachine   string
	globalMemoryMiB uint64
	globalCmdline   string
	globalArch      string
)

// rootCmd is the base command.
var rootCmd = &cobra.Command{
	Use:   "zcore-go",
	Short: "Linux-personality libos kernel",
	Long: `zcore-go runs a Linux program on a library operating system: a
dual-personality (Zircon object + Linux syscall) kernel hosted in a
normal process, with simulated RAM, device discovery, and a full
kernel object model behind the syscall surface.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogging()
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// loadMachine resolves the machine description from flags.
func loadMachine() (*config.Machine, error) {
	var machine *config.Machine
	if globalMachine != "" {
		loaded, err := config.LoadMachine(globalMachine)
		if err != nil {
			return nil, err
		}
		machine = loaded
	} else {
		machine = config.DefaultMachine(runtime.GOARCH)
	}
	if globalArch != "" {
		machine.Arch = globalArch
	}
	if globalMemoryMiB != 0 {
		machine.MemoryMiB = globalMemoryMiB
	}
	if globalCmdline != "" {
		machine.Cmdline = globalCmdline
	}
	return machine, nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&globalLog, "log", "", "set the log file path")
	rootCmd.PersistentFlags().StringVar(&globalLogFormat, "log-format", "text", "set the format for log output (text or json)")
	rootCmd.PersistentFlags().BoolVar(&globalDebug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&globalMachine, "machine", "", "machine description JSON file")
	rootCmd.PersistentFlags().Uint64Var(&globalMemoryMiB, "memory", 0, "RAM size in MiB (overrides the machine file)")
	rootCmd.PersistentFlags().StringVar(&globalCmdline, "cmdline", "", "kernel command line (LOG=, ROOT_PROC=, PCI=)")
	rootCmd.PersistentFlags().StringVar(&globalArch, "arch", "", "guest architecture (x86_64, aarch64, riscv64)")
}

func setupLogging() {
	logOutput := os.Stderr
	if globalLog != "" {
		f, err := os.OpenFile(globalLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err == nil {
			logOutput = f
		}
	}

	logLevel := slog.LevelInfo
	if globalDebug {
		logLevel = slog.LevelDebug
	}
	if globalCmdline != "" {
		opts := config.ParseCmdline(globalCmdline)
		logLevel = logging.ParseLevel(opts.LogLevel)
		if globalDebug {
			logLevel = slog.LevelDebug
		}
	}

	logger := logging.NewLogger(logging.Config{
		Level:  logLevel,
		Format: globalLogFormat,
		Output: logOutput,
	})
	logging.SetDefault(logger)
}
