package account

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sikapay/backend-core/internal/common"
)

// Client talks to the remote user-account service. It is the single owner of
// balance truth; the orchestration core never caches balances.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

// UserDetails mirrors the account service's user payload.
type UserDetails struct {
	Email                  string `json:"email"`
	Name                   string `json:"name"`
	PhoneNumber            string `json:"phoneNumber"`
	NotificationPreference string `json:"notificationPreference"`
	MomoNumber             string `json:"momoNumber"`
	MomoOperator           string `json:"momoOperator"`
	CountryCode            string `json:"countryCode"`
	CryptoAddress          string `json:"cryptoAddress"`
	CryptoCurrency         string `json:"cryptoCurrency"`
}

// NewClient builds an account client with a bounded default timeout.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// GetBalance returns the user's current balance in the ledger currency.
func (c *Client) GetBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	var resp struct {
		Balance decimal.Decimal `json:"balance"`
	}
	if err := c.do(ctx, http.MethodGet, "/users/"+url.PathEscape(userID)+"/balance", nil, &resp); err != nil {
		return decimal.Zero, err
	}
	return resp.Balance, nil
}

// UpdateUserBalance applies a signed delta to the user's balance.
func (c *Client) UpdateUserBalance(ctx context.Context, userID string, delta decimal.Decimal) error {
	payload := map[string]any{"delta": delta}
	return c.do(ctx, http.MethodPost, "/users/"+url.PathEscape(userID)+"/balance", payload, nil)
}

// GetUserDetails fetches contact and payout-channel details for the user.
func (c *Client) GetUserDetails(ctx context.Context, userID string) (UserDetails, error) {
	var resp UserDetails
	if err := c.do(ctx, http.MethodGet, "/users/"+url.PathEscape(userID), nil, &resp); err != nil {
		return UserDetails{}, err
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return common.ProviderTransientError("account service unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusNotFound {
		return common.NewAppError(common.CodeNotFound, "user not found", http.StatusNotFound, nil)
	}
	if resp.StatusCode >= 500 {
		return common.ProviderTransientError(fmt.Sprintf("account service returned %d", resp.StatusCode), nil)
	}
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return common.NewAppError("ACCOUNT_SERVICE_ERROR",
			fmt.Sprintf("account service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data))),
			http.StatusBadGateway, nil)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return common.ProviderTransientError("account service returned malformed body", err)
		}
	}
	return nil
}
