package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mdp/qrterminal/v3"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/ihiteshgupta/whatsapp-delivery-bridge/internal/bridge"
	"github.com/ihiteshgupta/whatsapp-delivery-bridge/internal/health"
	"github.com/ihiteshgupta/whatsapp-delivery-bridge/internal/session"
	"github.com/ihiteshgupta/whatsapp-delivery-bridge/internal/store"
	"github.com/ihiteshgupta/whatsapp-delivery-bridge/internal/webhook"
	"github.com/ihiteshgupta/whatsapp-delivery-bridge/internal/whatsapp"
	"github.com/ihiteshgupta/whatsapp-delivery-bridge/pkg/api"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bridge HTTP server",
	Long: `Run the connection manager and its HTTP API.

A stored session is resumed automatically when auto_connect is set.
Otherwise POST /connect starts QR login and POST /pair requests a pairing code.

Example:
  wabridge serve
  wabridge serve --port 8080 --webhook-url https://example.com/hook`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 0, "HTTP port (overrides config)")
	serveCmd.Flags().String("webhook-url", "", "URL inbound messages are relayed to")
	serveCmd.Flags().String("webhook-secret", "", "HMAC secret for webhook signatures")
	serveCmd.Flags().Bool("qr-terminal", true, "print QR codes to the terminal")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	logger.Info().
		Str("version", rootCmd.Version).
		Str("config", cfgFile).
		Str("log_level", cfg.LogLevel).
		Msg("WhatsApp delivery bridge starting")

	ln, err := net.Listen("tcp", cfg.ListenAddr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.ListenAddr(), err)
	}
	defer ln.Close()

	for _, p := range []string{cfg.StorePath, cfg.SnapshotPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := store.NewSQLiteStore(cfg.StorePath)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	monitor := health.NewMonitor(cfg.ErrorWindow, logger)
	dispatcher := webhook.NewDispatcher(webhook.Config{
		URL:     cfg.WebhookURL,
		Secret:  cfg.WebhookSecret,
		Timeout: cfg.WebhookTimeout,
	}, monitor, logger)

	client, err := whatsapp.NewClient(ctx, whatsapp.Config{SessionPath: cfg.SessionPath}, logger)
	if err != nil {
		return fmt.Errorf("failed to create WhatsApp client: %w", err)
	}
	defer client.Close()

	var opts []bridge.Option
	if cfg.QRTerminal {
		opts = append(opts, bridge.WithQRListener(func(code string) {
			fmt.Fprintln(os.Stderr, "Scan this QR code with WhatsApp > Linked devices:")
			qrterminal.GenerateHalfBlock(code, qrterminal.L, os.Stderr)
			fmt.Fprintln(os.Stderr)
		}))
	}

	manager := bridge.NewManager(bridge.ConfigFrom(cfg), bridge.Deps{
		Client:      client,
		Telemetry:   monitor,
		Relay:       dispatcher,
		Transitions: db.State,
		Sent:        db.Sent,
		Snapshots:   session.NewStore(afero.NewOsFs(), cfg.SnapshotPath, logger),
		Log:         logger,
	}, opts...)
	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start bridge: %w", err)
	}

	handler := api.NewHandler(manager, db.State, db.Sent, logger)
	srv := &http.Server{
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", ln.Addr().String()).Msg("HTTP server listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("received shutdown signal")
	case serveErr = <-errCh:
		if serveErr != nil {
			logger.Error().Err(serveErr).Msg("HTTP server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP server shutdown incomplete")
	}

	manager.Stop()
	dispatcher.Wait()

	stats := monitor.Stats()
	logger.Info().
		Int64("messages_received", stats.MessagesReceived).
		Int64("messages_sent", stats.MessagesSent).
		Msg("WhatsApp delivery bridge stopped")
	if serveErr != nil {
		return fmt.Errorf("http server: %w", serveErr)
	}
	return nil
}
