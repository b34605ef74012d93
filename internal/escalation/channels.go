package escalation

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/opencontrolgate/opencontrolgate/internal/store"
)

// Notification is the payload handed to a channel adapter.
type Notification struct {
	Event     string                 `json:"event"`
	Severity  string                 `json:"severity,omitempty"`
	AgentID   string                 `json:"agent_id,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Sender delivers a notification over one channel kind.
type Sender interface {
	Send(ch *store.Channel, n Notification) error
	Kind() string
}

// Dispatcher fans notifications out to the registered channels. Delivery
// is best-effort: adapter failures increment the channel's error count and
// are otherwise dropped.
type Dispatcher struct {
	store   store.Store
	senders map[string]Sender
	logger  *slog.Logger
}

// NewDispatcher creates a dispatcher with the built-in slack and webhook
// adapters registered.
func NewDispatcher(st store.Store, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		store:   st,
		senders: make(map[string]Sender),
		logger:  logger.With("component", "escalation.Dispatcher"),
	}
	d.Register(NewSlackSender())
	d.Register(NewWebhookSender())
	return d
}

// Register installs a sender for its channel kind, replacing any previous
// one.
func (d *Dispatcher) Register(s Sender) {
	d.senders[s.Kind()] = s
}

// Dispatch delivers the event to every active channel subscribed to it.
func (d *Dispatcher) Dispatch(eventType string, payload map[string]interface{}) {
	channels, err := d.store.ListActiveChannels()
	if err != nil {
		d.logger.Error("failed to list notification channels", "error", err)
		return
	}

	n := Notification{
		Event:     eventType,
		Details:   payload,
		Timestamp: time.Now().UTC(),
	}
	if s, ok := payload["severity"].(string); ok {
		n.Severity = s
	}
	if a, ok := payload["agent_id"].(string); ok {
		n.AgentID = a
	}

	for _, ch := range channels {
		if !channelWants(ch, eventType) {
			continue
		}
		sender, ok := d.senders[ch.Kind]
		if !ok {
			d.logger.Warn("no adapter for channel kind", "kind", ch.Kind, "channel_id", ch.ID)
			continue
		}
		err := sender.Send(ch, n)
		if err != nil {
			d.logger.Error("notification delivery failed",
				"channel_id", ch.ID, "kind", ch.Kind, "event", eventType, "error", err)
		}
		if rerr := d.store.RecordChannelResult(ch.ID, err == nil); rerr != nil {
			d.logger.Warn("failed to record channel result", "channel_id", ch.ID, "error", rerr)
		}
	}
}

// channelWants reports whether the channel's event filter includes the
// event. "*" subscribes to everything.
func channelWants(ch *store.Channel, eventType string) bool {
	if ch.Events == "" || ch.Events == "*" {
		return true
	}
	for _, ev := range strings.Split(ch.Events, ",") {
		if strings.TrimSpace(ev) == eventType {
			return true
		}
	}
	return false
}

// SlackSender posts notifications to a Slack incoming webhook. The
// channel's Target is the webhook URL.
type SlackSender struct {
	client *http.Client
}

// NewSlackSender creates a Slack adapter.
func NewSlackSender() *SlackSender {
	return &SlackSender{client: &http.Client{Timeout: 10 * time.Second}}
}

func (s *SlackSender) Kind() string { return "slack" }

// Send posts the notification as a Slack attachment.
func (s *SlackSender) Send(ch *store.Channel, n Notification) error {
	payload := map[string]interface{}{
		"attachments": []map[string]interface{}{
			{
				"color":  severityColor(n.Severity),
				"title":  fmt.Sprintf("%s OpenControlGate: %s", severityEmoji(n.Severity), n.Event),
				"fields": buildSlackFields(n),
				"ts":     n.Timestamp.Unix(),
			},
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal slack payload: %w", err)
	}

	resp, err := s.client.Post(ch.Target, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to send slack webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack webhook returned %d", resp.StatusCode)
	}
	return nil
}

func buildSlackFields(n Notification) []map[string]interface{} {
	fields := []map[string]interface{}{
		{"title": "Event", "value": n.Event, "short": true},
	}
	if n.Severity != "" {
		fields = append(fields, map[string]interface{}{"title": "Severity", "value": n.Severity, "short": true})
	}
	if n.AgentID != "" {
		fields = append(fields, map[string]interface{}{"title": "Agent", "value": n.AgentID, "short": true})
	}
	if reason, ok := n.Details["reason"].(string); ok && reason != "" {
		fields = append(fields, map[string]interface{}{"title": "Reason", "value": reason, "short": false})
	}
	return fields
}

func severityEmoji(severity string) string {
	switch severity {
	case store.SeverityCritical:
		return "🔴"
	case store.SeverityHigh:
		return "🟠"
	case store.SeverityMedium:
		return "🟡"
	default:
		return "🔵"
	}
}

func severityColor(severity string) string {
	switch severity {
	case store.SeverityCritical:
		return "#dc3545"
	case store.SeverityHigh:
		return "#fd7e14"
	case store.SeverityMedium:
		return "#ffc107"
	default:
		return "#17a2b8"
	}
}

// WebhookSender posts notifications to a generic webhook endpoint. When
// the channel carries a secret the body is HMAC-SHA256 signed.
type WebhookSender struct {
	client *http.Client
}

// NewWebhookSender creates a generic webhook adapter.
func NewWebhookSender() *WebhookSender {
	return &WebhookSender{client: &http.Client{Timeout: 10 * time.Second}}
}

func (w *WebhookSender) Kind() string { return "webhook" }

// Send posts the notification as JSON to the channel target.
func (w *WebhookSender) Send(ch *store.Channel, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, ch.Target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "OpenControlGate/1.0")
	if ch.Secret != "" {
		req.Header.Set("X-OCG-Signature", computeHMAC(body, []byte(ch.Secret)))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

func computeHMAC(data, key []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

func nowUTC() time.Time { return time.Now().UTC() }
