package bridge

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/jholhewres/kairo/pkg/kairo/config"
)

const twilioAPIBase = "https://api.twilio.com"

// TwilioBridge pushes WhatsApp messages through the Twilio Messages API.
type TwilioBridge struct {
	accountSID string
	authToken  string
	from       string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewTwilio creates the Twilio push bridge.
func NewTwilio(cfg config.TwilioConfig, logger *slog.Logger) (*TwilioBridge, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" || cfg.FromNumber == "" {
		return nil, fmt.Errorf("twilio: account_sid, auth_token and from_number are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TwilioBridge{
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		from:       twilioAddress(cfg.FromNumber),
		baseURL:    twilioAPIBase,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger.With("component", "bridge", "bridge", Twilio),
	}, nil
}

// Name implements Bridge.
func (t *TwilioBridge) Name() string { return Twilio }

// Send posts the message synchronously.
func (t *TwilioBridge) Send(ctx context.Context, recipient, text string) error {
	form := url.Values{}
	form.Set("To", twilioAddress(recipient))
	form.Set("From", t.from)
	form.Set("Body", text)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", t.baseURL, url.PathEscape(t.accountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("twilio: build request: %w", err)
	}
	req.SetBasicAuth(t.accountSID, t.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("twilio: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("twilio: API returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	t.logger.Debug("message sent", "to", form.Get("To"))
	return nil
}

// twilioAddress renders a number as "whatsapp:+<digits>".
func twilioAddress(id string) string {
	return "whatsapp:+" + DigitsOnly(strings.TrimPrefix(id, "whatsapp:"))
}

// ValidTwilioSignature checks X-Twilio-Signature: base64(HMAC-SHA1(token,
// url + sorted key/value pairs)).
func ValidTwilioSignature(authToken, fullURL string, params url.Values, signature string) bool {
	if signature == "" {
		return false
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		for _, v := range params[k] {
			b.WriteString(k)
			b.WriteString(v)
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
