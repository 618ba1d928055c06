package cli

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ikido/herdctl/internal/config"
	"github.com/ikido/herdctl/internal/history"
)

var statusJobs int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and recent job status",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().IntVar(&statusJobs, "jobs", 10, "Number of recent jobs to list")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	pid, _ := readPIDFile(cfg.PIDFile())
	if pid != 0 && pidAlive(pid) {
		fmt.Printf("daemon: %s (pid %d)\n", green("running"), pid)
	} else {
		fmt.Printf("daemon: %s\n", red("stopped"))
	}
	fmt.Printf("agents: %d\n", len(cfg.Agents))
	for i := range cfg.Agents {
		agent := &cfg.Agents[i]
		fmt.Printf("  %-20s schedules=%d chat=%d maxConcurrent=%d\n",
			agent.Name, len(agent.Schedules), len(agent.Chat), agent.MaxConcurrent)
	}

	hist, err := history.New(cfg.HistoryDB())
	if err != nil {
		return nil
	}
	defer hist.Close()

	jobs, err := hist.RecentJobs("", statusJobs)
	if err != nil || len(jobs) == 0 {
		return nil
	}

	fmt.Println("recent jobs:")
	for _, j := range jobs {
		outcome := j.Outcome
		switch outcome {
		case "completed":
			outcome = green(outcome)
		case "failed":
			outcome = red(outcome)
		case "timeout":
			outcome = yellow(outcome)
		default:
			outcome = gray(outcome)
		}
		fmt.Printf("  %s  %-16s %-10s %s  %s\n",
			j.ID, j.Agent, outcome,
			(time.Duration(j.DurationMs) * time.Millisecond).Round(time.Millisecond),
			j.StartedAt.Format(time.RFC3339))
	}
	return nil
}
