package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(authCmd)
}

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Confirm access and show the resulting session",
	Long:  "Runs the fallback confirmation flow and prints the session it grants.\nUseful to check prompts and backoff before scripting other commands.",
	RunE:  runAuth,
}

func runAuth(cmd *cobra.Command, args []string) error {
	ctx, eng, err := openSession(commandContext(cmd), cmd)
	if err != nil {
		return err
	}
	defer eng.Close()
	return printJSON(cmd.OutOrStdout(), eng.Session(ctx))
}
