package cli

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ppiankov/payvault/internal/config"
	"github.com/ppiankov/payvault/internal/kvstore"
	"github.com/ppiankov/payvault/internal/systemd"
)

var (
	initMode    string
	initStorage string
	initUserID  string
	initForce   bool
	initSystemd bool
)

func init() {
	initCmd.Flags().StringVar(&initMode, "mode", "user", "Config location: user (~/.payvault) or system (/etc/payvault)")
	initCmd.Flags().StringVar(&initStorage, "storage", kvstore.DriverFile, "Storage driver: file or sqlite")
	initCmd.Flags().StringVar(&initUserID, "user", "", "User id the engine runs for (default: current OS user)")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing config files")
	initCmd.Flags().BoolVar(&initSystemd, "systemd", false, "Also write a payvault.service unit for the serve command")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Bootstrap payvault configuration",
	Long: `Creates the config directory and a config.yaml with persistent storage,
a fresh device id and a random API token.

User mode (default):  writes to ~/.payvault/
System mode:          writes to /etc/payvault/ (requires root)`,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	configDir, err := initConfigDir()
	if err != nil {
		return err
	}

	content, err := defaultConfigYAML(configDir)
	if err != nil {
		return fmt.Errorf("generate default config: %w", err)
	}

	configFile := filepath.Join(configDir, "config.yaml")
	wrote, err := writeIfMissing(configFile, content)
	if err != nil {
		return err
	}

	var unitFile string
	unitWrote := false
	if initSystemd {
		unitFile = filepath.Join(configDir, "payvault.service")
		unit, err := serviceUnit(configFile)
		if err != nil {
			return err
		}
		if unitWrote, err = writeIfMissing(unitFile, unit); err != nil {
			return err
		}
	}

	fmt.Println("payvault init complete.")
	fmt.Println()
	if wrote || unitWrote {
		fmt.Println("Created:")
	}
	if wrote {
		fmt.Printf("  %s\n", configFile)
	} else {
		fmt.Println("Config already exists (use --force to overwrite).")
	}
	if unitWrote {
		fmt.Printf("  %s\n", unitFile)
		fmt.Println()
		fmt.Println("Install the unit:")
		fmt.Printf("  sudo cp %s /etc/systemd/system/ && sudo systemctl enable --now payvault\n", unitFile)
	}
	fmt.Println()
	fmt.Println("Add payment gateways under gateways.endpoints, then verify:")
	fmt.Println("  payvault keystore")
	fmt.Println()
	fmt.Println("Start the API:")
	fmt.Println("  payvault serve")
	return nil
}

// serviceUnit renders payvault.service for the running binary.
func serviceUnit(configFile string) (string, error) {
	opts := systemd.UnitOptions{ConfigPath: configFile}
	if exe, err := os.Executable(); err == nil {
		opts.Binary = exe
	}
	if initMode == "system" {
		opts.User = "payvault"
	}
	return systemd.ServiceUnit(opts)
}

// initConfigDir returns the configuration directory based on mode.
func initConfigDir() (string, error) {
	switch initMode {
	case "system":
		return "/etc/payvault", nil
	case "user", "":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		return filepath.Join(home, ".payvault"), nil
	default:
		return "", fmt.Errorf("unknown mode %q: use 'user' or 'system'", initMode)
	}
}

// defaultConfigYAML renders the built-in configuration with persistent
// storage under dir.
func defaultConfigYAML(dir string) (string, error) {
	cfg := config.DefaultConfig()
	switch initStorage {
	case kvstore.DriverFile:
		cfg.Storage = kvstore.Config{Driver: kvstore.DriverFile, Dir: filepath.Join(dir, "data")}
	case kvstore.DriverSQLite:
		cfg.Storage = kvstore.Config{
			Driver: kvstore.DriverSQLite,
			SQLite: &kvstore.SQLiteConfig{DSN: filepath.Join(dir, "payvault.db")},
		}
	default:
		return "", fmt.Errorf("unknown storage %q: use 'file' or 'sqlite'", initStorage)
	}

	cfg.Identity.UserID = initUserID
	if cfg.Identity.UserID == "" {
		cfg.Identity.UserID = currentUser()
	}
	cfg.Identity.DeviceID = uuid.NewString()

	token := make([]byte, 24)
	if _, err := rand.Read(token); err != nil {
		return "", err
	}
	cfg.Server.Token = hex.EncodeToString(token)

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}
	header := "# payvault configuration.\n" +
		"# Fraud rules (fraud.*) reload while `payvault serve` runs; other changes need a restart.\n" +
		"# PAYVAULT_* environment variables override values here.\n\n"
	return header + string(data), nil
}

func currentUser() string {
	for _, key := range []string{"USER", "USERNAME"} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return "local"
}

// writeIfMissing writes content to path if it doesn't exist or --force is set.
// Returns true if the file was written.
func writeIfMissing(path, content string) (bool, error) {
	if !initForce {
		if _, err := os.Stat(path); err == nil {
			return false, nil
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return false, fmt.Errorf("create directory %s: %w", dir, err)
	}

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
