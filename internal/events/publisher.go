package events

import (
	"context"
	"encoding/json"
	"time"

	"identity-service/internal/client"
	"identity-service/internal/util"
)

// Event is one security-relevant occurrence published to the event stream.
// Subject is a stable partition key (usually an identifier or user ID).
type Event struct {
	Type       string         `json:"type"`
	Subject    string         `json:"subject"`
	OccurredAt time.Time      `json:"occurred_at"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

const (
	TypeOtpRequested      = "otp.requested"
	TypeOtpVerified       = "otp.verified"
	TypeOtpRateLimited    = "otp.rate_limited"
	TypePasswordSignup    = "password.signup"
	TypePasswordLogin     = "password.login"
	TypeTotpEnrolled      = "totp.enrolled"
	TypeTotpLogin         = "totp.login"
	TypeTotpLockout       = "totp.lockout"
	TypeTotpReplayBlocked = "totp.replay_blocked"
)

// Publisher emits events best-effort; implementations must not fail the
// calling flow.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

type KafkaPublisher struct {
	client *client.KafkaClient
}

func NewKafkaPublisher(client *client.KafkaClient) *KafkaPublisher {
	return &KafkaPublisher{client: client}
}

func (p *KafkaPublisher) Publish(ctx context.Context, event Event) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		util.Get().Error("Failed to encode security event",
			util.String("type", event.Type),
			util.ErrorField(err))
		return
	}

	if err := p.client.Publish(ctx, event.Subject, data); err != nil {
		util.Get().Warn("Failed to publish security event",
			util.String("type", event.Type),
			util.ErrorField(err))
	}
}

// NoopPublisher stands in when no brokers are configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, Event) {}
