package delivery

import (
	"context"
	"net/http"
	"time"

	"identity-service/internal/config"
	"identity-service/internal/identifier"
	"identity-service/internal/util"
)

// providerSender routes email to Resend and SMS to Twilio. When the
// channel's provider is unconfigured or its call fails and the debug echo
// is enabled, the code goes back to the caller instead; in production the
// echo is never enabled and the error surfaces.
type providerSender struct {
	email     *resendSender
	sms       *twilioSender
	debugEcho bool
}

func NewSender(cfg *config.DeliveryConfig) Sender {
	httpClient := &http.Client{Timeout: 10 * time.Second}
	return &providerSender{
		email: &resendSender{
			apiKey: cfg.ResendAPIKey,
			from:   cfg.ResendFrom,
			http:   httpClient,
		},
		sms: &twilioSender{
			accountSID: cfg.TwilioAccountSID,
			authToken:  cfg.TwilioAuthToken,
			from:       cfg.TwilioFrom,
			http:       httpClient,
		},
		debugEcho: cfg.DebugEcho,
	}
}

func (s *providerSender) Send(ctx context.Context, channel identifier.Channel, destination, code string) (*Result, error) {
	var (
		configured bool
		provider   string
		err        error
	)

	switch channel {
	case identifier.ChannelEmail:
		if configured = s.email.configured(); configured {
			provider = "resend"
			err = s.email.send(ctx, destination, code)
		}
	case identifier.ChannelSMS:
		if configured = s.sms.configured(); configured {
			provider = "twilio"
			err = s.sms.send(ctx, destination, code)
		}
	}

	if configured && err == nil {
		return &Result{Provider: provider}, nil
	}

	if s.debugEcho {
		if err != nil {
			util.Get().Warn("Delivery failed, echoing code for development",
				util.String("channel", string(channel)),
				util.ErrorField(err))
		}
		return &Result{Provider: "debug", DebugCode: code}, nil
	}

	if !configured {
		return nil, ErrChannelUnavailable
	}
	return nil, err
}
