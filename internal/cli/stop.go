package cli

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ikido/herdctl/internal/config"
)

var stopGrace time.Duration

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running fleet daemon",
	RunE:  runStop,
}

func init() {
	stopCmd.Flags().DurationVar(&stopGrace, "grace", 30*time.Second, "Grace window before SIGKILL escalation")
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	pidPath := cfg.PIDFile()
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return err
	}
	if pid == 0 || !pidAlive(pid) {
		_ = os.Remove(pidPath)
		fmt.Println("daemon not running")
		return nil
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal daemon: %w", err)
	}

	deadline := time.Now().Add(stopGrace)
	for time.Now().Before(deadline) {
		if !pidAlive(pid) {
			fmt.Println("daemon stopped")
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}

	// The daemon did not stop inside the grace window; escalate.
	_ = proc.Signal(syscall.SIGKILL)
	_ = os.Remove(pidPath)
	fmt.Println("daemon killed after grace window")
	return nil
}
