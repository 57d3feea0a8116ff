package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/sikapay/backend-core/internal/common"
	"github.com/sikapay/backend-core/internal/resilience"
)

// NowPaymentsAdapter integrates the NOWPayments crypto rail: deposit-address
// payments inbound, crypto payouts outbound, HMAC-signed IPN callbacks.
type NowPaymentsAdapter struct {
	APIKey    string
	IPNSecret string
	BaseURL   string
	HTTP      resilience.HTTPClient
}

// Name implements Adapter.
func (a *NowPaymentsAdapter) Name() Gateway { return NowPayments }

func (a *NowPaymentsAdapter) headers() map[string]string {
	return map[string]string{"x-api-key": a.APIKey}
}

// InitiatePayment creates a crypto payment and returns its deposit address.
func (a *NowPaymentsAdapter) InitiatePayment(ctx context.Context, req PaymentRequest) (PaymentResult, error) {
	payload := map[string]any{
		"price_amount":      req.Amount,
		"price_currency":    strings.ToLower(req.Currency),
		"pay_currency":      strings.ToLower(req.Currency),
		"order_id":          req.SessionID,
		"order_description": req.Description,
		"ipn_callback_url":  req.NotifyURL,
	}
	var resp struct {
		PaymentID     json.Number `json:"payment_id"`
		PayAddress    string      `json:"pay_address"`
		PaymentStatus string      `json:"payment_status"`
		Message       string      `json:"message"`
	}
	status, err := doJSON(ctx, a.HTTP, http.MethodPost, strings.TrimRight(a.BaseURL, "/")+"/v1/payment", a.headers(), payload, &resp)
	if err != nil {
		return PaymentResult{}, err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return PaymentResult{}, common.ProviderDefinitiveError(
			fmt.Sprintf("nowpayments rejected payment: %s", resp.Message), nil)
	}
	if resp.PayAddress == "" {
		return PaymentResult{}, common.ProviderDefinitiveError("nowpayments returned no deposit address", nil)
	}
	raw, _ := json.Marshal(resp)
	return PaymentResult{
		ProviderRef:    resp.PaymentID.String(),
		DepositAddress: resp.PayAddress,
		Raw:            raw,
	}, nil
}

// InitiatePayout submits a single-withdrawal payout batch.
func (a *NowPaymentsAdapter) InitiatePayout(ctx context.Context, req PayoutRequest) (PayoutResult, error) {
	payload := map[string]any{
		"withdrawals": []map[string]any{{
			"address":  req.CryptoAddress,
			"currency": strings.ToLower(req.Currency),
			"amount":   req.Amount,
			"extra_id": req.TransactionID,
		}},
	}
	var resp struct {
		ID          json.Number `json:"id"`
		Withdrawals []struct {
			ID     json.Number `json:"id"`
			Status string      `json:"status"`
			Error  string      `json:"error"`
		} `json:"withdrawals"`
		Message string `json:"message"`
	}
	status, err := doJSON(ctx, a.HTTP, http.MethodPost, strings.TrimRight(a.BaseURL, "/")+"/v1/payout", a.headers(), payload, &resp)
	if err != nil {
		return PayoutResult{}, err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return PayoutResult{Accepted: false, Status: PayoutFailed, Message: resp.Message},
			common.ProviderDefinitiveError(fmt.Sprintf("nowpayments rejected payout: %s", resp.Message), nil)
	}
	ref := resp.ID.String()
	if len(resp.Withdrawals) > 0 {
		ref = resp.Withdrawals[0].ID.String()
	}
	return PayoutResult{Accepted: true, ProviderRef: ref, Status: PayoutPending, Message: resp.Message}, nil
}

// CheckPayoutStatus looks the payout up by the extra id we attached to it.
func (a *NowPaymentsAdapter) CheckPayoutStatus(ctx context.Context, transactionID string) (PayoutCheck, error) {
	url := fmt.Sprintf("%s/v1/payout?extra_id=%s", strings.TrimRight(a.BaseURL, "/"), transactionID)
	var resp struct {
		Data []struct {
			Status string `json:"status"`
			Error  string `json:"error"`
		} `json:"data"`
	}
	status, err := doJSON(ctx, a.HTTP, http.MethodGet, url, a.headers(), nil, &resp)
	if err != nil {
		return PayoutCheck{}, err
	}
	if status != http.StatusOK || len(resp.Data) == 0 {
		return PayoutCheck{}, common.ProviderTransientError("nowpayments check returned no usable result", nil)
	}
	entry := resp.Data[0]
	return PayoutCheck{Status: mapNowPaymentsPayoutStatus(entry.Status), Comment: entry.Error}, nil
}

// ParsePaymentEvent validates the IPN signature and normalises the payload.
// NOWPayments signs the JSON body with its keys sorted alphabetically.
func (a *NowPaymentsAdapter) ParsePaymentEvent(r *http.Request, body []byte) (PaymentEvent, error) {
	sig := strings.TrimSpace(r.Header.Get("x-nowpayments-sig"))
	if a.IPNSecret != "" {
		expected, err := a.signSorted(body)
		if err != nil {
			return PaymentEvent{Valid: false, Err: err}, nil
		}
		if sig == "" || !hmac.Equal([]byte(expected), []byte(sig)) {
			return PaymentEvent{Valid: false, Err: errors.New("invalid ipn signature")}, nil
		}
	}
	var payload struct {
		PaymentID     json.Number `json:"payment_id"`
		OrderID       string      `json:"order_id"`
		PaymentStatus string      `json:"payment_status"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return PaymentEvent{Valid: false, Err: err}, nil
	}
	if payload.OrderID == "" {
		return PaymentEvent{Valid: false, Err: errors.New("missing order id")}, nil
	}
	return PaymentEvent{
		Valid:       true,
		SessionID:   payload.OrderID,
		ProviderRef: payload.PaymentID.String(),
		RawStatus:   payload.PaymentStatus,
		Bucket:      mapNowPaymentsStatus(payload.PaymentStatus),
		Payload:     body,
	}, nil
}

// ParsePayoutEvent validates and normalises a payout IPN.
func (a *NowPaymentsAdapter) ParsePayoutEvent(r *http.Request, body []byte) (PayoutEvent, error) {
	sig := strings.TrimSpace(r.Header.Get("x-nowpayments-sig"))
	if a.IPNSecret != "" {
		expected, err := a.signSorted(body)
		if err != nil {
			return PayoutEvent{Valid: false, Err: err}, nil
		}
		if sig == "" || !hmac.Equal([]byte(expected), []byte(sig)) {
			return PayoutEvent{Valid: false, Err: errors.New("invalid ipn signature")}, nil
		}
	}
	var payload struct {
		ID      json.Number `json:"id"`
		ExtraID string      `json:"extra_id"`
		Status  string      `json:"status"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return PayoutEvent{Valid: false, Err: err}, nil
	}
	if payload.ExtraID == "" {
		return PayoutEvent{Valid: false, Err: errors.New("missing extra id")}, nil
	}
	return PayoutEvent{
		Valid:         true,
		TransactionID: payload.ExtraID,
		ProviderRef:   payload.ID.String(),
		RawStatus:     payload.Status,
		Payload:       body,
	}, nil
}

func (a *NowPaymentsAdapter) signSorted(body []byte) (string, error) {
	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", err
	}
	keys := make([]string, 0, len(parsed))
	for key := range parsed {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	buf := strings.Builder{}
	buf.WriteByte('{')
	for i, key := range keys {
		encodedKey, _ := json.Marshal(key)
		encodedVal, _ := json.Marshal(parsed[key])
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(encodedKey)
		buf.WriteByte(':')
		buf.Write(encodedVal)
	}
	buf.WriteByte('}')
	mac := hmac.New(sha512.New, []byte(a.IPNSecret))
	mac.Write([]byte(buf.String()))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// mapNowPaymentsStatus folds the provider vocabulary into the three internal
// buckets. Intermediate crypto states are preserved separately via RawStatus.
func mapNowPaymentsStatus(status string) EventBucket {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "finished":
		return EventSucceeded
	case "failed", "refunded", "expired":
		return EventFailed
	default:
		// waiting, confirming, confirmed, sending, partially_paid
		return EventProcessing
	}
}

func mapNowPaymentsPayoutStatus(status string) PayoutStatus {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "finished":
		return PayoutCompleted
	case "failed", "rejected":
		return PayoutFailed
	default:
		return PayoutPending
	}
}
