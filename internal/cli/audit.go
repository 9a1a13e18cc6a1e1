package cli

import (
	"fmt"
	"maps"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/ppiankov/payvault/internal/audit"
)

var (
	tailLines   int
	exportPath  string
	verifyInput string
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditTailCmd)
	auditCmd.AddCommand(auditExportCmd)
	auditTailCmd.Flags().IntVarP(&tailLines, "lines", "n", 10, "Number of recent entries to show")
	auditExportCmd.Flags().StringVarP(&exportPath, "out", "o", "", "Write to this file instead of stdout")
	auditVerifyCmd.Flags().StringVar(&verifyInput, "file", "", "Verify an exported JSONL file instead of the vault")
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit log operations",
	Long:  "Commands for verifying, inspecting and exporting the encrypted, hash-chained audit log.",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify hash chain integrity of the audit log",
	Long:  "Decrypts every audit entry and validates that each prev_hash matches the hash\nof the entry before it. With --file, checks an exported JSONL log instead.\nExits 0 if valid, 1 if tampered.",
	RunE:  runAuditVerify,
}

var auditTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show recent audit entries, newest first",
	RunE:  runAuditTail,
}

var auditExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the decrypted audit log as JSONL, oldest first",
	RunE:  runAuditExport,
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	var result audit.VerifyResult
	if verifyInput != "" {
		f, err := os.Open(verifyInput)
		if err != nil {
			return fmt.Errorf("open audit export: %w", err)
		}
		defer f.Close()
		result = audit.VerifyJSONL(f)
	} else {
		ctx, eng, err := openSession(commandContext(cmd), cmd)
		if err != nil {
			return err
		}
		defer eng.Close()

		entries, report, err := eng.AuditHistory(ctx)
		if err != nil {
			return err
		}
		if len(report.Failed) > 0 {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: %d audit entries could not be decrypted\n", len(report.Failed))
		}
		result = audit.Verify(entries)
	}

	if result.Valid {
		fmt.Fprintf(cmd.OutOrStdout(), "OK: %d entries verified\n", result.Entries)
		return nil
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "FAILED at entry %d: %s\n", result.ErrorIndex, result.Error)
	return fmt.Errorf("audit chain broken at entry %d", result.ErrorIndex)
}

func runAuditTail(cmd *cobra.Command, args []string) error {
	ctx, eng, err := openSession(commandContext(cmd), cmd)
	if err != nil {
		return err
	}
	defer eng.Close()

	entries, err := eng.RecentAudit(ctx, tailLines)
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Fprintf(cmd.OutOrStdout(), "%s  %-22s %-6s", e.Timestamp.Format("2006-01-02T15:04:05Z07:00"), e.Kind, e.Risk)
		for _, k := range slices.Sorted(maps.Keys(e.Details)) {
			fmt.Fprintf(cmd.OutOrStdout(), " %s=%s", k, e.Details[k])
		}
		fmt.Fprintln(cmd.OutOrStdout())
	}
	return nil
}

func runAuditExport(cmd *cobra.Command, args []string) error {
	ctx, eng, err := openSession(commandContext(cmd), cmd)
	if err != nil {
		return err
	}
	defer eng.Close()

	entries, _, err := eng.AuditHistory(ctx)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if exportPath != "" {
		f, err := os.OpenFile(exportPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
		if err != nil {
			return fmt.Errorf("create export: %w", err)
		}
		defer f.Close()
		w = f
	}
	if err := audit.WriteJSONL(w, entries); err != nil {
		return err
	}
	if exportPath != "" {
		fmt.Fprintf(cmd.ErrOrStderr(), "exported %d entries to %s\n", len(entries), exportPath)
	}
	return nil
}
