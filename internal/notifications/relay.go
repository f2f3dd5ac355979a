package notifications

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"caseflow/internal/config"
	"caseflow/internal/logging"
)

const userAgent = "Caseflow-Go/0.1.0"

// Sender delivers one notification to an external channel.
type Sender interface {
	Send(ctx context.Context, n *Notification) error
}

// NewSender returns an ntfy sender, or nil when no topic is configured.
func NewSender(cfg config.Notifications) Sender {
	topic := strings.TrimSpace(cfg.NtfyTopic)
	if topic == "" {
		return nil
	}
	timeout := time.Duration(cfg.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ntfySender{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
	}
}

type ntfySender struct {
	endpoint string
	client   *http.Client
}

func (n *ntfySender) Send(ctx context.Context, note *Notification) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(note.Message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	req.Header.Set("Title", "Caseflow - "+note.Subject)
	tags := []string{"caseflow", string(note.Type)}
	if note.CaseID != "" {
		tags = append(tags, note.CaseID)
	}
	req.Header.Set("Tags", strings.Join(tags, ","))
	if priority := ntfyPriority(note.Severity); priority != "" {
		req.Header.Set("Priority", priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func ntfyPriority(severity Severity) string {
	switch severity {
	case SeverityCritical:
		return "urgent"
	case SeverityWarning:
		return "high"
	case SeverityInfo:
		return "low"
	default:
		return ""
	}
}

// Relay forwards undelivered notifications through a Sender.
type Relay struct {
	store    *Store
	sender   Sender
	interval time.Duration
	logger   *slog.Logger
}

// NewRelay builds a relay. A nil sender disables delivery.
func NewRelay(store *Store, sender Sender, cfg config.Notifications, logger *slog.Logger) *Relay {
	interval := time.Duration(cfg.DeliverIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Relay{
		store:    store,
		sender:   sender,
		interval: interval,
		logger:   logging.NewComponentLogger(logger, "notify-relay"),
	}
}

// Enabled reports whether the relay has somewhere to deliver.
func (r *Relay) Enabled() bool {
	return r != nil && r.sender != nil
}

// Deliver sends up to limit undelivered notifications, oldest first, and
// returns how many were delivered. A failed send leaves the record
// undelivered for the next pass.
func (r *Relay) Deliver(ctx context.Context, limit int) (int, error) {
	if !r.Enabled() {
		return 0, nil
	}
	pending, err := r.store.List(ctx, Filter{Undelivered: true})
	if err != nil {
		return 0, err
	}
	delivered := 0
	for i := len(pending) - 1; i >= 0; i-- {
		if limit > 0 && delivered >= limit {
			break
		}
		note := pending[i]
		if err := r.sender.Send(ctx, note); err != nil {
			logging.WarnWithContext(r.logger, "notification delivery failed", "notification_delivery_failed",
				logging.Int64("notification_id", note.ID),
				logging.Error(err),
				logging.String(logging.FieldImpact, "notification stays queued for the next delivery pass"),
				logging.String(logging.FieldErrorHint, "check notifications.ntfy_topic and network reachability"),
			)
			continue
		}
		if err := r.store.MarkDelivered(ctx, note.ID); err != nil {
			return delivered, err
		}
		delivered++
	}
	return delivered, nil
}

// Run delivers on a fixed interval until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	if !r.Enabled() {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if _, err := r.Deliver(ctx, 0); err != nil && ctx.Err() == nil {
			logging.WarnWithContext(r.logger, "notification relay pass failed", "notification_relay_failed", logging.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
