package email

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/tutorbot/tutorbot/internal/httpkit"
)

// Mailgun sends prebuilt MIME messages through the Mailgun HTTP API.
type Mailgun struct {
	apiURL string
	apiKey string
	client *http.Client
	logger *slog.Logger
}

// NewMailgun returns a Sender posting to <apiURL>/messages.mime, where
// apiURL includes the sending domain
// (https://api.mailgun.net/v3/mg.example.edu).
func NewMailgun(apiURL, apiKey string, client *http.Client, logger *slog.Logger) *Mailgun {
	if client == nil {
		client = httpkit.NewClient(httpkit.WithRetry(2, httpkit.DefaultTimeout/10), httpkit.WithStatusRetry())
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Mailgun{
		apiURL: strings.TrimRight(apiURL, "/"),
		apiKey: apiKey,
		client: client,
		logger: logger,
	}
}

// Send implements Sender.
func (m *Mailgun) Send(ctx context.Context, recipients []string, msg []byte) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, r := range collectRecipients(recipients) {
		if err := mw.WriteField("to", r); err != nil {
			return fmt.Errorf("write recipient field: %w", err)
		}
	}
	fw, err := mw.CreateFormFile("message", "message.mime")
	if err != nil {
		return fmt.Errorf("create message field: %w", err)
	}
	if _, err := fw.Write(msg); err != nil {
		return fmt.Errorf("write message field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("close form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.apiURL+"/messages.mime", bytes.NewReader(body.Bytes()))
	if err != nil {
		return fmt.Errorf("build mailgun request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.SetBasicAuth("api", m.apiKey)

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("mailgun request: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("mailgun returned %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 2048))
	}
	httpkit.DrainAndClose(resp.Body, 4096)

	m.logger.Debug("mailgun accepted message", "recipients", len(recipients), "bytes", len(msg))
	return nil
}
