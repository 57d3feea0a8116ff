package fx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sikapay/backend-core/internal/common"
)

// RateSource yields the exchange rate from one currency to another.
type RateSource interface {
	Rate(ctx context.Context, from, to string) (decimal.Decimal, error)
}

// ConvertAPI queries an exchangerate.host style convert endpoint. It serves as
// the primary rate source and covers both fiat and crypto symbols.
type ConvertAPI struct {
	BaseURL string
	Client  *http.Client
}

// Rate fetches the quoted rate for one unit of the source currency.
func (s ConvertAPI) Rate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	endpoint := fmt.Sprintf("%s/convert?from=%s&to=%s&amount=1",
		strings.TrimRight(s.BaseURL, "/"), url.QueryEscape(from), url.QueryEscape(to))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Zero, err
	}
	resp, err := s.client().Do(req)
	if err != nil {
		return decimal.Zero, common.ProviderTransientError("rate source unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, common.ProviderTransientError(fmt.Sprintf("rate source returned %d", resp.StatusCode), nil)
	}
	var payload struct {
		Success bool            `json:"success"`
		Result  decimal.Decimal `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return decimal.Zero, common.ProviderTransientError("rate source returned malformed body", err)
	}
	if !payload.Success || payload.Result.IsZero() {
		return decimal.Zero, common.ProviderTransientError("rate source returned no usable rate", nil)
	}
	return payload.Result, nil
}

func (s ConvertAPI) client() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return &http.Client{Timeout: 8 * time.Second}
}

// LatestRatesAPI queries an open.er-api.com style latest-rates endpoint. It is
// the fallback source consulted when the primary is unreachable.
type LatestRatesAPI struct {
	BaseURL string
	Client  *http.Client
}

// Rate derives from/to out of the base-currency rate table.
func (s LatestRatesAPI) Rate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	endpoint := fmt.Sprintf("%s/latest/%s", strings.TrimRight(s.BaseURL, "/"), url.PathEscape(from))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Zero, err
	}
	resp, err := s.client().Do(req)
	if err != nil {
		return decimal.Zero, common.ProviderTransientError("fallback rate source unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, common.ProviderTransientError(fmt.Sprintf("fallback rate source returned %d", resp.StatusCode), nil)
	}
	var payload struct {
		Result string                     `json:"result"`
		Rates  map[string]decimal.Decimal `json:"rates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return decimal.Zero, common.ProviderTransientError("fallback rate source returned malformed body", err)
	}
	rate, ok := payload.Rates[strings.ToUpper(to)]
	if payload.Result != "success" || !ok || rate.IsZero() {
		return decimal.Zero, common.ProviderTransientError("fallback rate source missing pair", nil)
	}
	return rate, nil
}

func (s LatestRatesAPI) client() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return &http.Client{Timeout: 8 * time.Second}
}
