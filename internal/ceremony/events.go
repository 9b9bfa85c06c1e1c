// ABOUTME: Security event publishing for ceremony outcomes over watermill
// ABOUTME: Replay, verification failures and admin denials go to a message topic

package ceremony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
)

// DefaultEventTopic is the topic security events are published to.
const DefaultEventTopic = "forum.auth.security"

// EventKind classifies a security event.
type EventKind string

const (
	EventReplayDetected     EventKind = "replay_detected"
	EventAttestationInvalid EventKind = "attestation_invalid"
	EventAssertionInvalid   EventKind = "assertion_invalid"
	EventLoginSucceeded     EventKind = "login_succeeded"
	EventAdminLoginDenied   EventKind = "admin_login_denied"
)

// SecurityEvent is the JSON payload of a published event.
type SecurityEvent struct {
	Kind         EventKind `json:"kind"`
	Ceremony     string    `json:"ceremony"`
	OwnerID      string    `json:"owner_id,omitempty"`
	CredentialID string    `json:"credential_id,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// EventPublisher publishes SecurityEvents. A nil *EventPublisher drops them.
type EventPublisher struct {
	publisher message.Publisher
	topic     string
	logger    *slog.Logger
}

// NewEventPublisher wraps a watermill publisher.
func NewEventPublisher(publisher message.Publisher, topic string, logger *slog.Logger) *EventPublisher {
	if topic == "" {
		topic = DefaultEventTopic
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EventPublisher{
		publisher: publisher,
		topic:     topic,
		logger:    logger.With("component", "events"),
	}
}

// Topic returns the topic events are published to.
func (p *EventPublisher) Topic() string {
	return p.topic
}

// Publish sends ev. Delivery failures are logged and never fail a ceremony.
func (p *EventPublisher) Publish(ctx context.Context, ev SecurityEvent) {
	if p == nil || p.publisher == nil {
		return
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("failed to marshal security event", "error", err)
		return
	}

	msg := message.NewMessage(uuid.NewString(), payload)
	msg.SetContext(ctx)
	msg.Metadata.Set("kind", string(ev.Kind))

	if err := p.publisher.Publish(p.topic, msg); err != nil {
		p.logger.Warn("failed to publish security event", "kind", ev.Kind, "error", err)
	}
}

func encodeCredentialID(id []byte) string {
	return base64.RawURLEncoding.EncodeToString(id)
}
