package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

const resendEndpoint = "https://api.resend.com/emails"

type resendSender struct {
	apiKey string
	from   string
	http   *http.Client
}

type resendPayload struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Text    string   `json:"text"`
	HTML    string   `json:"html"`
}

func (s *resendSender) configured() bool {
	return s.apiKey != "" && s.from != ""
}

func (s *resendSender) send(ctx context.Context, target, code string) error {
	payload := resendPayload{
		From:    s.from,
		To:      []string{target},
		Subject: "Votre code de verification Self-Audit Numerique",
		Text:    fmt.Sprintf("Votre code OTP est: %s. Il expire dans 5 minutes.", code),
		HTML:    fmt.Sprintf("<p>Votre code OTP est <strong>%s</strong>.</p><p>Il expire dans 5 minutes.</p>", code),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode email payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, resendEndpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build email request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("email request failed: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("email provider returned status %d: %w", resp.StatusCode, ErrSendFailed)
	}
	return nil
}
