package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ihiteshgupta/whatsapp-delivery-bridge/internal/config"
	"github.com/ihiteshgupta/whatsapp-delivery-bridge/pkg/breaker"
	"github.com/ihiteshgupta/whatsapp-delivery-bridge/pkg/delivery"
)

// errUnconfirmed makes the process exit non-zero after the result was printed.
var errUnconfirmed = errors.New("delivery not confirmed")

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send a text message through a running bridge",
	Long: `Send a text message through the delivery pipeline and print its result.

The command exits non-zero unless the provider confirmed the message with an id.

Example:
  wabridge send --to 11987654321 --message "Your order shipped"`,
	RunE: runSend,
}

var sendDocumentCmd = &cobra.Command{
	Use:   "send-document",
	Short: "Send a file through a running bridge",
	Long: `Send a file as a WhatsApp document and print the delivery result.

Example:
  wabridge send-document --to 11987654321 --file budget.pdf --caption "Your budget"`,
	RunE: runSendDocument,
}

func init() {
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(sendDocumentCmd)

	for _, c := range []*cobra.Command{sendCmd, sendDocumentCmd} {
		c.Flags().String("to", "", "recipient phone number")
		c.Flags().String("bridge-url", "", "bridge base URL (overrides config)")
		_ = c.MarkFlagRequired("to")
	}

	sendCmd.Flags().StringP("message", "m", "", "message text")
	_ = sendCmd.MarkFlagRequired("message")

	sendDocumentCmd.Flags().StringP("file", "f", "", "path of the file to send")
	sendDocumentCmd.Flags().String("caption", "", "document caption")
	sendDocumentCmd.Flags().String("mimetype", "", "MIME type (detected when empty)")
	_ = sendDocumentCmd.MarkFlagRequired("file")
}

func newSender(cfg *config.Config, log zerolog.Logger) *delivery.Sender {
	br := breaker.New("bridge", breaker.Config{
		FailureThreshold:     cfg.BreakerFailureThreshold,
		SuccessThreshold:     cfg.BreakerSuccessThreshold,
		OpenDuration:         cfg.BreakerOpenDuration,
		MonitoredStatusCodes: breaker.DefaultConfig().MonitoredStatusCodes,
	}, breaker.WithLogger(log))

	return delivery.NewSender(delivery.Config{
		BridgeURL:       cfg.BridgeURL,
		MessageTimeout:  cfg.SendTimeout,
		DocumentTimeout: cfg.DocumentTimeout,
	}, br, delivery.NewPhoneValidator(cfg.DefaultRegion), log)
}

func runSend(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	to, _ := cmd.Flags().GetString("to")
	message, _ := cmd.Flags().GetString("message")

	res := newSender(cfg, newLogger(cfg)).SendMessage(cmd.Context(), to, message)
	return printResult(cmd, res)
}

func runSendDocument(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	to, _ := cmd.Flags().GetString("to")
	path, _ := cmd.Flags().GetString("file")
	caption, _ := cmd.Flags().GetString("caption")
	mimeType, _ := cmd.Flags().GetString("mimetype")

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read document: %w", err)
	}
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}

	res := newSender(cfg, newLogger(cfg)).SendDocument(cmd.Context(), to, delivery.Document{
		Data:     data,
		FileName: filepath.Base(path),
		Caption:  caption,
		MimeType: mimeType,
	})
	return printResult(cmd, res)
}

func printResult(cmd *cobra.Command, res delivery.Result) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	if !res.Confirmed() {
		return fmt.Errorf("%w: %s", errUnconfirmed, res.DeliveryStatus)
	}
	return nil
}
