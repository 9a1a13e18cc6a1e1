package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ppiankov/payvault/internal/auth"
	"github.com/ppiankov/payvault/internal/config"
	"github.com/ppiankov/payvault/internal/engine"
	"github.com/ppiankov/payvault/internal/server"
)

var (
	serveAddr     string
	serveGRPCAddr string
	serveNoReload bool
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "HTTP listen address (overrides server.addr)")
	serveCmd.Flags().StringVar(&serveGRPCAddr, "grpc-addr", "", "gRPC health listen address (overrides server.grpc_addr)")
	serveCmd.Flags().BoolVar(&serveNoReload, "no-reload", false, "Do not watch the config file for fraud rule changes")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and gRPC health server",
	Long:  "Runs the engine behind an HTTP API for the device bridge.\nThe bridge passes confirmation and biometric verdicts with each authentication request.\nFraud rules hot-reload when the config file changes.",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := verifyBinary(cmd); err != nil {
		return err
	}

	eng, cfg, err := openEngine(ctx, cmd, engine.Options{
		Authenticator: auth.ContextBiometrics{},
		Confirmer:     auth.ContextConfirmer{},
	})
	if err != nil {
		return err
	}
	defer eng.Close()

	logger, err := newLogger(cmd.ErrOrStderr(), cfg.Log)
	if err != nil {
		return err
	}

	srvCfg := server.Config{
		Addr:       cfg.Server.Addr,
		GRPCAddr:   cfg.Server.GRPCAddr,
		Token:      cfg.Server.Token,
		RateLimits: cfg.Server.RateLimits,
	}
	if serveAddr != "" {
		srvCfg.Addr = serveAddr
	}
	if serveGRPCAddr != "" {
		srvCfg.GRPCAddr = serveGRPCAddr
	}
	srv := server.New(eng, srvCfg, logger)

	var reloader *config.Reloader
	if !serveNoReload {
		reloader, err = config.NewReloader(resolvedConfigPath(), eng.ApplyConfig, logger)
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: hot-reload disabled: %v\n", err)
		}
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "payvault listening on %s\n", srvCfg.Addr)
	if srvCfg.GRPCAddr != "" {
		fmt.Fprintf(cmd.ErrOrStderr(), "gRPC health on %s\n", srvCfg.GRPCAddr)
	}
	if srvCfg.Token == "" {
		fmt.Fprintln(cmd.ErrOrStderr(), "warning: no server token set, the API is unauthenticated")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(gctx) })
	g.Go(func() error { return srv.Serve(gctx) })
	if reloader != nil {
		g.Go(func() error { return reloader.Run(gctx) })
	}

	err = g.Wait()
	fmt.Fprintln(cmd.ErrOrStderr(), "\nShutting down payvault...")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
