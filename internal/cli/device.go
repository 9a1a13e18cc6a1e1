package cli

import (
	"github.com/spf13/cobra"

	"github.com/ppiankov/payvault/internal/engine"
)

func init() {
	rootCmd.AddCommand(deviceCmd)
	rootCmd.AddCommand(keystoreCmd)
}

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Show the running and trusted device fingerprints",
	Long:  "Compares this device with the trusted snapshot without modifying it.\nTrusting a new device needs an enhanced session; use the HTTP API with a biometric verdict.",
	RunE:  runDevice,
}

var keystoreCmd = &cobra.Command{
	Use:   "keystore",
	Short: "Show the encryption context",
	Long:  "Prints the user, device and salt length the vault key is derived from.\nThe salt is created on first use. Key material is never printed.",
	RunE:  runKeystore,
}

func runDevice(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	eng, _, err := openEngine(ctx, cmd, engine.Options{})
	if err != nil {
		return err
	}
	defer eng.Close()

	st, err := eng.Device(ctx)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), st)
}

func runKeystore(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	eng, cfg, err := openEngine(ctx, cmd, engine.Options{})
	if err != nil {
		return err
	}
	defer eng.Close()

	kc, err := eng.KeyContext(ctx)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), map[string]any{
		"user_id":    kc.UserID,
		"device_id":  kc.DeviceID,
		"salt_bytes": len(kc.Salt),
		"storage":    cfg.Storage.Driver,
		"cipher":     cfg.Crypto.Cipher,
	})
}
