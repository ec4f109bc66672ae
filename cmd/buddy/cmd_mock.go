package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/user/buddy/internal/mock"
	"github.com/user/buddy/internal/telemetry"
)

var mockMalformed bool

func init() {
	rootCmd.AddCommand(mockCmd)
	mockCmd.Flags().BoolVar(&mockMalformed, "malformed", false, "inject an undecodable frame into every stream")
}

var mockCmd = &cobra.Command{
	Use:   "mock",
	Short: "Run a scripted agent backend for local testing",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)

		if cfg.Telemetry.Enabled {
			shutdown, err := telemetry.InitTracer("buddy-mock", os.Stderr)
			if err != nil {
				return fmt.Errorf("init telemetry: %w", err)
			}
			defer shutdown(context.Background())
		}

		opts := []mock.Option{mock.WithTokenDelay(cfg.Mock.TokenDelay)}
		if mockMalformed {
			opts = append(opts, mock.WithMalformedFrame())
		}

		httpServer := &http.Server{
			Addr:    cfg.Mock.Listen,
			Handler: otelhttp.NewHandler(mock.NewServer(opts...), "mock"),
		}

		errCh := make(chan error, 1)
		go func() {
			slog.Info("mock backend listening", "addr", cfg.Mock.Listen)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigChan)

		select {
		case err := <-errCh:
			return fmt.Errorf("mock server: %w", err)
		case <-sigChan:
		}

		slog.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(ctx)
	},
}
