package cli

import (
	"github.com/spf13/cobra"
)

var txLimit int

func init() {
	rootCmd.AddCommand(txCmd)
	txCmd.AddCommand(txListCmd)
	txCmd.AddCommand(txShowCmd)
	txListCmd.Flags().IntVarP(&txLimit, "limit", "n", 20, "Number of transactions to show, 0 for all")
}

var txCmd = &cobra.Command{
	Use:   "tx",
	Short: "Inspect stored transactions",
}

var txListCmd = &cobra.Command{
	Use:   "list",
	Short: "List terminal transactions, newest first",
	RunE:  runTxList,
}

var txShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one transaction, stored or still queued",
	Args:  cobra.ExactArgs(1),
	RunE:  runTxShow,
}

func runTxList(cmd *cobra.Command, args []string) error {
	ctx, eng, err := openSession(commandContext(cmd), cmd)
	if err != nil {
		return err
	}
	defer eng.Close()

	txs, err := eng.Transactions(ctx, txLimit)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), txs)
}

func runTxShow(cmd *cobra.Command, args []string) error {
	ctx, eng, err := openSession(commandContext(cmd), cmd)
	if err != nil {
		return err
	}
	defer eng.Close()

	tx, err := eng.Transaction(ctx, args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), tx)
}
