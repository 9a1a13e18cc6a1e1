package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var drainAssumeOnline bool

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueDrainCmd)
	queueDrainCmd.Flags().BoolVar(&drainAssumeOnline, "online", true, "Mark connectivity as restored before draining")
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Offline queue operations",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued payments in replay order",
	RunE:  runQueueList,
}

var queueDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Replay queued payments through the gateways",
	Long:  "Replays every queued payment once, oldest first. Completed and declined payments\nleave the queue; retryable failures stay until max_replay_attempts is reached.",
	RunE:  runQueueDrain,
}

func runQueueList(cmd *cobra.Command, args []string) error {
	ctx, eng, err := openSession(commandContext(cmd), cmd)
	if err != nil {
		return err
	}
	defer eng.Close()

	items, err := eng.QueueSnapshot(ctx)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), items)
}

func runQueueDrain(cmd *cobra.Command, args []string) error {
	ctx, eng, err := openSession(commandContext(cmd), cmd)
	if err != nil {
		return err
	}
	defer eng.Close()

	if drainAssumeOnline {
		eng.SetOnline(true)
	}
	report, err := eng.Drain(ctx)
	if perr := printJSON(cmd.OutOrStdout(), report); perr != nil {
		return perr
	}
	if err != nil {
		return fmt.Errorf("drain incomplete: %w", err)
	}
	return nil
}
