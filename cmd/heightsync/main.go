package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgnsrekt/heightsync/internal/config"
)

// Shared by every subcommand once the root pre-run has loaded config.
var (
	cfgFile string
	verbose bool
	logger  *zap.Logger
	cfg     *config.Config
)

func main() {
	os.Exit(run())
}

// run executes the command line and returns the process exit code. Signals cancel the
// command context so subscriptions stop cleanly before the logger is flushed.
func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := newRootCmd().ExecuteContext(ctx)
	if logger == nil {
		if err != nil {
			fmt.Fprintln(os.Stderr, "heightsync:", err)
			return 1
		}
		return 0
	}
	defer func() { _ = logger.Sync() }()

	if err != nil {
		logger.Error("command failed", zap.Error(err))
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:               "heightsync",
		Short:             "Follow height-indexed update streams and keep accumulated snapshots",
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: loadConfig,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&cfgFile, "config", "c", os.Getenv("HEIGHTSYNC_CONFIG"), "config file path (or set HEIGHTSYNC_CONFIG)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "debug logging with the development encoder")

	root.AddCommand(watchCmd(), fetchCmd(), serveCmd())
	return root
}

// loadConfig populates cfg and logger. Help and completion run without a config file.
func loadConfig(cmd *cobra.Command, _ []string) error {
	var err error
	switch cmd.Name() {
	case "help", "completion":
		logger, err = newLogger(verbose, nil)
		return err
	}

	if cfg, err = config.Load(cfgFile); err != nil {
		return err
	}
	logger, err = newLogger(verbose, &cfg.Logging)
	return err
}
