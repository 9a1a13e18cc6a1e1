package cli

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/ppiankov/payvault/internal/model"
)

var (
	processAmount   string
	processCurrency string
	processClient   string
	processKind     string
	processKey      string
)

func init() {
	rootCmd.AddCommand(processCmd)
	processCmd.Flags().StringVar(&processAmount, "amount", "", "Decimal amount, e.g. 49.90")
	processCmd.Flags().StringVar(&processCurrency, "currency", "USD", "ISO 4217 currency code")
	processCmd.Flags().StringVar(&processClient, "client", "", "Client being charged")
	processCmd.Flags().StringVar(&processKind, "kind", string(model.KindSessionFee), "session_fee, subscription, package, refund or other")
	processCmd.Flags().StringVar(&processKey, "idempotency-key", "", "Repeat-safe key, reused as the transaction id")
	_ = processCmd.MarkFlagRequired("amount")
	_ = processCmd.MarkFlagRequired("client")
}

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Submit one payment",
	Long:  "Authenticates, scores the payment for fraud and submits it to the first reachable gateway.\nWhile offline, or when every gateway fails, the payment is queued for replay.",
	RunE:  runProcess,
}

func runProcess(cmd *cobra.Command, args []string) error {
	amount, err := decimal.NewFromString(strings.TrimSpace(processAmount))
	if err != nil {
		return fmt.Errorf("amount %q is not a decimal number", processAmount)
	}

	ctx, eng, err := openSession(commandContext(cmd), cmd)
	if err != nil {
		return err
	}
	defer eng.Close()

	res, err := eng.Process(ctx, model.TransactionRequest{
		Amount:         amount,
		Currency:       processCurrency,
		ClientID:       processClient,
		Kind:           model.Kind(processKind),
		IdempotencyKey: processKey,
	})
	if res.Transaction.ID != "" {
		if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
			return perr
		}
	}
	if err != nil {
		return err
	}
	for _, w := range res.Warnings {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", w)
	}
	return nil
}
