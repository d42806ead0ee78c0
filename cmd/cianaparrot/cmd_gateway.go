package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/emanueleielo/ciana-parrot/internal/gateway"
)

func init() {
	rootCmd.AddCommand(gatewayCmd)
}

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the host gateway server",
	Long:  "Runs the authenticated HTTP command executor on the host, serving allowlisted commands for the assistant.",
	RunE:  runGateway,
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()

	bridges := make(map[string]gateway.BridgeDef, len(cfg.Gateway.Bridges))
	for name, def := range cfg.Gateway.Bridges {
		bridges[name] = gateway.BridgeDef{
			AllowedCommands: def.AllowedCommands,
			AllowedCwd:      def.AllowedCwd,
		}
	}

	srv, err := gateway.NewServer(gateway.ServerConfig{
		Token:          cfg.Gateway.Token,
		Bridges:        bridges,
		DefaultTimeout: cfg.Gateway.DefaultTimeout,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("0.0.0.0:%d", cfg.Gateway.Port),
		Handler: srv,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		slog.Info("shutting down gateway")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	names := srv.BridgeNames()
	slog.Info("host gateway started",
		"addr", httpServer.Addr,
		"bridges", strings.Join(names, ","),
	)

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	slog.Info("gateway stopped")
	return nil
}
