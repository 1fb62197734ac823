// Package notify implements the notification channel (§6.2): escalation
// and project-complete events delivered to a configurable sink. Delivery
// failures are logged, never retried.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/smtp"
	"time"
)

// Event is the payload for an escalation or project-complete notification.
type Event struct {
	Kind               string    `json:"kind"` // "escalation" | "project_complete" | "project_failed"
	Role               string    `json:"role,omitempty"`
	RetryCount         int       `json:"retry_count,omitempty"`
	LastError          string    `json:"last_error,omitempty"`
	CheckpointSummary  string    `json:"checkpoint_summary,omitempty"`
	Artifacts          []string  `json:"artifacts,omitempty"`
	ProjectName        string    `json:"project_name"`
	Timestamp          time.Time `json:"timestamp"`
}

// Sink delivers notification events. Implementations must not block the
// caller indefinitely; delivery failures are logged by the caller, not
// retried (§6.2).
type Sink interface {
	Notify(ctx context.Context, ev Event) error
}

// ConsoleSink writes events as structured log lines.
type ConsoleSink struct {
	log *slog.Logger
}

// NewConsoleSink returns a Sink that logs events via log.
func NewConsoleSink(log *slog.Logger) *ConsoleSink {
	if log == nil {
		log = slog.Default()
	}
	return &ConsoleSink{log: log}
}

func (c *ConsoleSink) Notify(_ context.Context, ev Event) error {
	c.log.Warn("notification",
		"kind", ev.Kind, "role", ev.Role, "retry_count", ev.RetryCount,
		"last_error", ev.LastError, "checkpoint_summary", ev.CheckpointSummary,
		"artifacts", ev.Artifacts, "project", ev.ProjectName)
	return nil
}

// WebhookSink POSTs the event as JSON to a configured URL.
type WebhookSink struct {
	url    string
	client *http.Client
}

// NewWebhookSink returns a Sink that POSTs JSON to url.
func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{url: url, client: &http.Client{Timeout: 10 * time.Second}}
}

func (w *WebhookSink) Notify(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("notify: marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: webhook post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify: webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// EmailConfig configures an EmailSink.
type EmailConfig struct {
	SMTPAddr string
	From     string
	To       []string
	Auth     smtp.Auth
}

// EmailSink sends events as plain-text email via SMTP.
type EmailSink struct {
	cfg EmailConfig
}

// NewEmailSink returns a Sink that emails events per cfg.
func NewEmailSink(cfg EmailConfig) *EmailSink {
	return &EmailSink{cfg: cfg}
}

func (e *EmailSink) Notify(_ context.Context, ev Event) error {
	subject := fmt.Sprintf("[%s] %s: %s", ev.ProjectName, ev.Kind, ev.Role)
	body := fmt.Sprintf("Kind: %s\nRole: %s\nRetryCount: %d\nLastError: %s\nCheckpointSummary: %s\nArtifacts: %v\nAt: %s\n",
		ev.Kind, ev.Role, ev.RetryCount, ev.LastError, ev.CheckpointSummary, ev.Artifacts, ev.Timestamp.Format(time.RFC3339))

	msg := fmt.Sprintf("Subject: %s\r\n\r\n%s", subject, body)
	return smtp.SendMail(e.cfg.SMTPAddr, e.cfg.Auth, e.cfg.From, e.cfg.To, []byte(msg))
}

// LoggingNotifier wraps a Sink, logging (not propagating) delivery
// failures, matching the "orchestrator does not retry notification
// delivery failures; failures are logged" policy of §6.2.
type LoggingNotifier struct {
	sink Sink
	log  *slog.Logger
}

// NewLoggingNotifier wraps sink with failure logging.
func NewLoggingNotifier(sink Sink, log *slog.Logger) *LoggingNotifier {
	if log == nil {
		log = slog.Default()
	}
	return &LoggingNotifier{sink: sink, log: log}
}

// Notify delivers ev, logging (and swallowing) any delivery error.
func (n *LoggingNotifier) Notify(ctx context.Context, ev Event) {
	if n.sink == nil {
		return
	}
	if err := n.sink.Notify(ctx, ev); err != nil {
		n.log.Error("notification delivery failed", "kind", ev.Kind, "role", ev.Role, "error", err)
	}
}
