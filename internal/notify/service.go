package notify

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/angelmondragon/recurpay-backend/pkg/logger"
)

// Billing events raised by the scheduler. Formatting and delivery to end
// customers is the host application's concern.
const (
	EventRetriesExhausted = "billing.retries_exhausted"
	EventChargeDeclined   = "billing.charge_declined"
	EventCycleCompleted   = "billing.cycle_completed"
)

type publisher interface {
	Publish(ctx context.Context, topic string, data []byte, attributes map[string]string) (string, error)
}

// Service publishes billing events to the host notification stream.
// Publishing is best-effort from the scheduler's point of view: the
// charge outcome is already persisted when an event goes out.
type Service struct {
	publisher publisher
	topic     string
	logg      *logger.Logger
	now       func() time.Time
}

// NewService constructs a notifier over the given publisher and topic.
func NewService(pub publisher, topic string, logg *logger.Logger) *Service {
	return &Service{publisher: pub, topic: topic, logg: logg, now: time.Now}
}

type envelope struct {
	Event      string         `json:"event"`
	OccurredAt time.Time      `json:"occurred_at"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Notify publishes one event with its payload. A nil publisher (local
// development without a project) degrades to a log line.
func (s *Service) Notify(ctx context.Context, event string, payload map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return nil
	}

	body := envelope{Event: event, OccurredAt: s.now().UTC(), Payload: payload}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	if s.publisher == nil {
		if s.logg != nil {
			s.logg.Info(s.logg.WithField(ctx, "event", event), "notification skipped, no publisher configured")
		}
		return nil
	}

	_, err = s.publisher.Publish(ctx, s.topic, data, map[string]string{"event": event})
	return err
}
