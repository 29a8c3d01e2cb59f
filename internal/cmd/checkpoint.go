package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Inspect or move the indexer checkpoint",
}

var checkpointShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the stored checkpoint",
	RunE:  runCheckpointShow,
}

var checkpointResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Move the checkpoint to a slot",
	Long: `Reset moves the checkpoint to --slot and clears the stored signature.
Indexing resumes from the start of that slot; references already processed
are skipped by the processed-transaction ledger.`,
	RunE: runCheckpointReset,
}

var resetSlot uint64

func init() {
	rootCmd.AddCommand(checkpointCmd)
	checkpointCmd.AddCommand(checkpointShowCmd)
	checkpointCmd.AddCommand(checkpointResetCmd)

	checkpointResetCmd.Flags().Uint64Var(&resetSlot, "slot", 0, "Slot to reset to")
	_ = checkpointResetCmd.MarkFlagRequired("slot")
}

func runCheckpointShow(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	cp, err := a.svc.Checkpoint(cmd.Context())
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), cp)
}

func runCheckpointReset(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.svc.ResetCheckpoint(cmd.Context(), resetSlot); err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "checkpoint reset to slot %d\n", resetSlot)
	return err
}
