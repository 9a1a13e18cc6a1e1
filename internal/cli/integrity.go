package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ppiankov/payvault/internal/alert"
	"github.com/ppiankov/payvault/internal/integrity"
)

var checksumWrite bool

func init() {
	rootCmd.AddCommand(checksumCmd)
	checksumCmd.Flags().BoolVar(&checksumWrite, "write", false, "Write the checksum next to the config file")
}

var checksumCmd = &cobra.Command{
	Use:   "checksum",
	Short: "Print the SHA-256 of this binary",
	Long:  "Prints the binary's SHA-256. With --write, stores it as binary.sha256 in the config directory,\nwhere serve and mcp verify it before opening the vault.",
	RunE:  runChecksum,
}

func runChecksum(cmd *cobra.Command, args []string) error {
	sum, err := integrity.HashSelf()
	if err != nil {
		return err
	}
	if !checksumWrite {
		fmt.Fprintln(cmd.OutOrStdout(), sum)
		return nil
	}
	path := filepath.Join(filepath.Dir(resolvedConfigPath()), integrity.ChecksumFile)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(sum+"\n"), 0o600); err != nil {
		return fmt.Errorf("write checksum: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s written to %s\n", sum, path)
	return nil
}

// verifyBinary refuses to continue when the running binary does not match
// its recorded checksum. Tamper events go to the configured alert webhooks.
func verifyBinary(cmd *cobra.Command) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cmd.ErrOrStderr(), cfg.Log)
	if err != nil {
		return err
	}
	dispatcher := alert.NewDispatcher(cfg.Alerts, cfg.Identity.UserID, cfg.Identity.DeviceID, logger)
	checker := integrity.NewChecker(filepath.Dir(resolvedConfigPath()), dispatcher, logger)
	err = checker.Verify()
	dispatcher.Wait()
	return err
}
