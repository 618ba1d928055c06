package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ikido/herdctl/internal/config"
	"github.com/ikido/herdctl/internal/fleet"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the fleet daemon in the foreground",
	RunE:  runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	pidPath := cfg.PIDFile()
	if pid, err := clearStalePID(pidPath); err != nil {
		return err
	} else if pid != 0 {
		return fmt.Errorf("daemon already running (pid %d)", pid)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	mgr := fleet.New(fleet.Options{Config: cfg})
	if err := mgr.Initialize(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := mgr.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	return mgr.Stop()
}
