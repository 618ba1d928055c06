package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ikido/herdctl/internal/config"
	"github.com/ikido/herdctl/internal/executor"
	"github.com/ikido/herdctl/internal/fleet"
)

var (
	triggerSchedule string
	triggerPrompt   string
	triggerWait     bool
)

var triggerCmd = &cobra.Command{
	Use:   "trigger <agent>",
	Short: "Trigger an agent job once",
	Args:  cobra.ExactArgs(1),
	RunE:  runTrigger,
}

func init() {
	triggerCmd.Flags().StringVar(&triggerSchedule, "schedule", "", "Schedule whose prompt to use")
	triggerCmd.Flags().StringVar(&triggerPrompt, "prompt", "", "Prompt override")
	triggerCmd.Flags().BoolVar(&triggerWait, "wait", false, "Wait for the job and print its output")
	rootCmd.AddCommand(triggerCmd)
}

func runTrigger(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// One-shot fleet: executor and hooks only, no scheduler ticks and no
	// connectors are started.
	mgr := fleet.New(fleet.Options{Config: cfg})
	if err := mgr.Initialize(); err != nil {
		return err
	}
	defer mgr.Stop()

	res, err := mgr.Trigger(args[0], triggerSchedule, executor.TriggerOptions{
		Prompt: triggerPrompt,
		Origin: executor.OriginManual,
	})
	if err != nil {
		return err
	}
	fmt.Println(res.JobID)

	if !triggerWait {
		// Stop drains the in-flight job before the process exits.
		return nil
	}

	snap, err := mgr.Await(cmd.Context(), res.JobID)
	if err != nil {
		return err
	}
	if snap.Output != "" {
		fmt.Println(snap.Output)
	}
	if snap.Outcome != executor.OutcomeCompleted {
		return fmt.Errorf("job %s: %s: %s", snap.ID, snap.Outcome, snap.Error)
	}
	return nil
}
