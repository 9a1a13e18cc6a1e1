package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ppiankov/payvault/internal/auth"
	"github.com/ppiankov/payvault/internal/config"
	"github.com/ppiankov/payvault/internal/engine"
	"github.com/ppiankov/payvault/internal/state"
)

var (
	configPath string
	envFile    string
	logLevel   string
	logFormat  string
	assumeYes  bool
)

var rootCmd = &cobra.Command{
	Use:          "payvault",
	Short:        "Secure transaction engine for on-device payments",
	Long:         "Authenticates the user, scores every payment for fraud, routes it through gateways\nwith failover, queues it offline when needed and keeps an encrypted, hash-chained audit trail.",
	SilenceUsage: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "Path to config YAML (default ~/.payvault/config.yaml)")
	pf.StringVar(&envFile, "env-file", "", "Load PAYVAULT_* variables from this .env file (default ./.env)")
	pf.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.StringVar(&logFormat, "log-format", "", "Log format: text or json")
	pf.BoolVarP(&assumeYes, "yes", "y", false, "Confirm access without prompting")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads .env files, the config file and flag overrides.
func loadConfig() (*config.Config, string, error) {
	var envFiles []string
	if envFile != "" {
		envFiles = append(envFiles, envFile)
	}
	if err := config.LoadDotEnv(envFiles...); err != nil {
		return nil, "", err
	}
	cfg, hash, err := config.Load(configPath)
	if err != nil {
		return nil, "", err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	return cfg, hash, nil
}

// resolvedConfigPath is the file the reloader watches.
func resolvedConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultPath()
}

func newLogger(w io.Writer, c config.Log) (*slog.Logger, error) {
	level := slog.LevelInfo
	if c.Level != "" {
		if err := level.UnmarshalText([]byte(c.Level)); err != nil {
			return nil, fmt.Errorf("log level %q: %w", c.Level, err)
		}
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(c.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q (want text or json)", c.Format)
	}
}

// openEngine loads configuration and opens the engine. Logs go to the
// command's stderr.
func openEngine(ctx context.Context, cmd *cobra.Command, opts engine.Options) (*engine.Engine, *config.Config, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger, err := newLogger(cmd.ErrOrStderr(), cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	opts.Logger = logger
	eng, err := engine.Open(ctx, cfg, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("open engine: %w", err)
	}
	return eng, cfg, nil
}

// openSession opens the engine with the confirmer the flags select and
// starts a standard session. The returned context carries the --yes
// decision.
func openSession(ctx context.Context, cmd *cobra.Command) (context.Context, *engine.Engine, error) {
	opts := engine.Options{}
	if assumeYes {
		opts.Confirmer = auth.ContextConfirmer{}
		ctx = auth.WithConfirmation(ctx, true)
	} else {
		opts.Confirmer = auth.TerminalConfirmer{In: cmd.InOrStdin(), Out: cmd.ErrOrStderr()}
	}
	eng, _, err := openEngine(ctx, cmd, opts)
	if err != nil {
		return ctx, nil, err
	}
	if _, err := eng.Authenticate(ctx, state.TierStandard); err != nil {
		_ = eng.Close()
		return ctx, nil, err
	}
	return ctx, eng, nil
}

// commandContext returns the command's context, or Background when the
// command runs outside Execute.
func commandContext(cmd *cobra.Command) context.Context {
	if cmd != nil && cmd.Context() != nil {
		return cmd.Context()
	}
	return context.Background()
}

func printJSON(w io.Writer, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}
