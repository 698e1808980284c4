package delivery

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

type twilioSender struct {
	accountSID string
	authToken  string
	from       string
	http       *http.Client
}

func (s *twilioSender) configured() bool {
	return s.accountSID != "" && s.authToken != "" && s.from != ""
}

func (s *twilioSender) send(ctx context.Context, target, code string) error {
	form := url.Values{}
	form.Set("To", target)
	form.Set("From", s.from)
	form.Set("Body", fmt.Sprintf("Self-Audit Numerique: votre code OTP est %s. Expire dans 5 minutes.", code))

	endpoint := fmt.Sprintf("https://api.twilio.com/2010-04-01/Accounts/%s/Messages.json", s.accountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to build sms request: %w", err)
	}
	req.SetBasicAuth(s.accountSID, s.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("sms request failed: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("sms provider returned status %d: %w", resp.StatusCode, ErrSendFailed)
	}
	return nil
}
