package delivery

import (
	"context"
	"errors"

	"identity-service/internal/identifier"
)

var (
	ErrChannelUnavailable = errors.New("no delivery provider configured for channel")
	ErrSendFailed         = errors.New("delivery provider rejected the message")
)

// Result reports which provider carried the code. DebugCode is set only by
// the development echo sender, never by a real provider.
type Result struct {
	Provider  string
	DebugCode string
}

// Sender delivers a one-time code to a canonical destination over one
// channel.
type Sender interface {
	Send(ctx context.Context, channel identifier.Channel, destination, code string) (*Result, error)
}
