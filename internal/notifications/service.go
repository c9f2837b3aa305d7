package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"creativepipe/internal/config"
)

const userAgent = "creativepipe/0.1.0"

// Event identifies an alert type.
type Event string

const (
	EventCampaignCompleted Event = "campaign_completed"
	EventCampaignFailed    Event = "campaign_failed"
	EventDeadLetter        Event = "dead_letter"
	EventCampaignStalled   Event = "campaign_stalled"
	EventError             Event = "error"
	EventTest              Event = "test"
)

// Payload carries event fields. Unknown keys are ignored.
type Payload map[string]any

// Service publishes operator alerts.
type Service interface {
	Publish(ctx context.Context, event Event, payload Payload) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	if cfg == nil {
		return noopService{}
	}
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
	}
}

// Noop returns a Service that drops every event.
func Noop() Service { return noopService{} }

type message struct {
	title    string
	body     string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
}

func (n *ntfyService) Publish(ctx context.Context, event Event, payload Payload) error {
	msg, ok := format(event, payload)
	if !ok {
		return nil
	}
	return n.send(ctx, msg)
}

func format(event Event, payload Payload) (message, bool) {
	campaignID := payload.str("campaign_id")
	switch event {
	case EventCampaignCompleted:
		body := fmt.Sprintf("✅ Campaign complete: %s", campaignID)
		if outputs := payload.integer("outputs"); outputs > 0 {
			body = fmt.Sprintf("%s (%d outputs)", body, outputs)
		}
		return message{
			title: "creativepipe - Campaign Complete",
			body:  body,
			tags:  []string{"creativepipe", "campaign", "completed"},
		}, true
	case EventCampaignFailed:
		return message{
			title:    "creativepipe - Campaign Failed",
			body:     fmt.Sprintf("❌ Campaign %s failed: %s", campaignID, orUnknown(payload.str("reason"))),
			tags:     []string{"creativepipe", "campaign", "failed"},
			priority: "high",
		}, true
	case EventDeadLetter:
		var b strings.Builder
		fmt.Fprintf(&b, "📭 %s parked a message", orUnknown(payload.str("stage")))
		if campaignID != "" {
			fmt.Fprintf(&b, " for %s", campaignID)
		}
		if coord := joinNonEmpty("/", payload.str("locale"), payload.str("aspect_ratio")); coord != "" {
			fmt.Fprintf(&b, " [%s]", coord)
		}
		if reason := payload.str("reason"); reason != "" {
			fmt.Fprintf(&b, "\nReason: %s", reason)
		}
		if deliveries := payload.integer("deliveries"); deliveries > 0 {
			fmt.Fprintf(&b, "\nDeliveries: %d", deliveries)
		}
		return message{
			title:    "creativepipe - Dead Letter",
			body:     b.String(),
			tags:     []string{"creativepipe", "deadletter", "alert"},
			priority: "high",
		}, true
	case EventCampaignStalled:
		body := fmt.Sprintf("⏳ Campaign stalled: %s", campaignID)
		if since := payload.str("last_updated"); since != "" {
			body = fmt.Sprintf("%s\nLast update: %s", body, since)
		}
		return message{
			title: "creativepipe - Campaign Stalled",
			body:  body,
			tags:  []string{"creativepipe", "campaign", "stalled"},
		}, true
	case EventError:
		var b strings.Builder
		b.WriteString("❌ Error")
		if label := payload.str("context"); label != "" {
			b.WriteString(" with ")
			b.WriteString(label)
		}
		b.WriteString(": ")
		b.WriteString(orUnknown(payload.str("error")))
		return message{
			title:    "creativepipe - Error",
			body:     b.String(),
			tags:     []string{"creativepipe", "error", "alert"},
			priority: "high",
		}, true
	case EventTest:
		return message{
			title:    "creativepipe - Test",
			body:     "🧪 Notification system test",
			tags:     []string{"creativepipe", "test"},
			priority: "low",
		}, true
	default:
		return message{}, false
	}
}

func (n *ntfyService) send(ctx context.Context, data message) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.body))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
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

func (p Payload) str(key string) string {
	if p == nil {
		return ""
	}
	switch v := p[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case fmt.Stringer:
		return strings.TrimSpace(v.String())
	case error:
		return strings.TrimSpace(v.Error())
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func (p Payload) integer(key string) int {
	if p == nil {
		return 0
	}
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case uint64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

func orUnknown(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}

func joinNonEmpty(sep string, values ...string) string {
	parts := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, sep)
}

type noopService struct{}

func (noopService) Publish(context.Context, Event, Payload) error { return nil }
