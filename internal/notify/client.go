package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Client sends fire-and-forget notifications to the messaging service.
// Delivery failures are logged and never surfaced to the calling flow.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
	Logger  zerolog.Logger
}

func NewClient(baseURL, token string, timeout time.Duration, logger zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		Logger:  logger,
	}
}

// SendVerificationOTP delivers a withdrawal confirmation code over the user's
// preferred channel.
func (c *Client) SendVerificationOTP(ctx context.Context, userID, destination, channel, code string) {
	c.post(ctx, "/notifications/otp", map[string]any{
		"userId":      userID,
		"destination": destination,
		"channel":     channel,
		"code":        code,
	})
}

// SendTransactionSuccess notifies the user that a payout completed.
func (c *Client) SendTransactionSuccess(ctx context.Context, userID, transactionID string, amount decimal.Decimal, currency string) {
	c.post(ctx, "/notifications/transaction-success", map[string]any{
		"userId":        userID,
		"transactionId": transactionID,
		"amount":        amount,
		"currency":      currency,
	})
}

// SendTransactionFailure notifies the user that a payout failed.
func (c *Client) SendTransactionFailure(ctx context.Context, userID, transactionID, reason string) {
	c.post(ctx, "/notifications/transaction-failure", map[string]any{
		"userId":        userID,
		"transactionId": transactionID,
		"reason":        reason,
	})
}

func (c *Client) post(ctx context.Context, path string, payload map[string]any) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		c.Logger.Error().Err(err).Str("path", path).Msg("notify payload encoding failed")
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(encoded))
	if err != nil {
		c.Logger.Error().Err(err).Str("path", path).Msg("notify request build failed")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		c.Logger.Warn().Err(err).Str("path", path).Msg("notification delivery failed")
		return
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		c.Logger.Warn().Int("status", resp.StatusCode).Str("path", path).Msg("notification rejected")
	}
}
