package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/healthcare-dapp/hdsync/internal/config"
	"github.com/healthcare-dapp/hdsync/internal/daemon"
	"github.com/healthcare-dapp/hdsync/internal/logging"
)

var runLogLevel string

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runLogLevel, "log-level", "", "override the configured log level")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync daemon in the foreground",
	Long: `Unlock the identity and keep this device in sync with its paired
devices until interrupted.

Send SIGHUP to make a running daemon pick up devices added with
'hdsync device add'.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	paths, err := config.GetPaths()
	if err != nil {
		return fmt.Errorf("get paths: %w", err)
	}
	cfg, err := loadConfig(paths)
	if err != nil {
		return err
	}
	if runLogLevel != "" {
		cfg.Logging.Level = runLogLevel
	}

	id, err := unlockIdentity(paths)
	if err != nil {
		return err
	}
	if err := paths.EnsureDirectories(); err != nil {
		return fmt.Errorf("create directories: %w", err)
	}

	buf := logging.NewBuffer(0)
	logger, err := logging.New(os.Stderr, cfg.Logging.Level, cfg.Logging.Format, buf)
	if err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	slog.SetDefault(logger)

	d, err := daemon.New(daemon.Options{
		Config:    cfg,
		Paths:     paths,
		Identity:  id,
		Version:   version,
		Logger:    logger,
		LogBuffer: buf,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				d.Reload()
			}
		}
	}()

	return d.Run(ctx)
}
