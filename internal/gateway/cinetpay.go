package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sikapay/backend-core/internal/common"
	"github.com/sikapay/backend-core/internal/resilience"
)

// CinetPayAdapter integrates the CinetPay checkout and transfer APIs. The
// transfer API uses a short-lived bearer token owned by the Transfer cache.
type CinetPayAdapter struct {
	APIKey          string
	SiteID          string
	Secret          string
	BaseURL         string
	TransferBaseURL string
	HTTP            resilience.HTTPClient
	Transfer        *TokenCache
}

// NewCinetPay wires the adapter including its transfer token lifecycle.
func NewCinetPay(apiKey, siteID, secret, baseURL string, cl resilience.HTTPClient, grace time.Duration) *CinetPayAdapter {
	a := &CinetPayAdapter{
		APIKey:          apiKey,
		SiteID:          siteID,
		Secret:          secret,
		BaseURL:         strings.TrimRight(baseURL, "/"),
		TransferBaseURL: "https://client.cinetpay.com",
		HTTP:            cl,
	}
	a.Transfer = &TokenCache{Grace: grace, Fetch: a.fetchTransferToken}
	return a
}

// Name implements Adapter.
func (a *CinetPayAdapter) Name() Gateway { return CinetPay }

// InitiatePayment opens a hosted checkout session.
func (a *CinetPayAdapter) InitiatePayment(ctx context.Context, req PaymentRequest) (PaymentResult, error) {
	payload := map[string]any{
		"apikey":                a.APIKey,
		"site_id":               a.SiteID,
		"transaction_id":        req.SessionID,
		"amount":                req.Amount,
		"currency":              req.Currency,
		"description":           req.Description,
		"notify_url":            req.NotifyURL,
		"return_url":            req.ReturnURL,
		"channels":              "ALL",
		"customer_phone_number": req.PhoneNumber,
	}
	var resp struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Data    struct {
			PaymentToken string `json:"payment_token"`
			PaymentURL   string `json:"payment_url"`
		} `json:"data"`
	}
	status, err := doJSON(ctx, a.HTTP, http.MethodPost, a.BaseURL+"/v2/payment", nil, payload, &resp)
	if err != nil {
		return PaymentResult{}, err
	}
	if status != http.StatusOK || resp.Code != "201" {
		return PaymentResult{}, common.ProviderDefinitiveError(
			fmt.Sprintf("cinetpay rejected payment: %s %s", resp.Code, resp.Message), nil)
	}
	raw, _ := json.Marshal(resp)
	return PaymentResult{
		ProviderRef: resp.Data.PaymentToken,
		CheckoutURL: resp.Data.PaymentURL,
		Raw:         raw,
	}, nil
}

// InitiatePayout dispatches a mobile money transfer via the contact API.
func (a *CinetPayAdapter) InitiatePayout(ctx context.Context, req PayoutRequest) (PayoutResult, error) {
	token, err := a.Transfer.Get(ctx)
	if err != nil {
		return PayoutResult{}, err
	}
	payload := map[string]any{
		"prefix":                dialingPrefix(req.CountryCode),
		"phone":                 req.PhoneNumber,
		"amount":                req.Amount,
		"client_transaction_id": req.TransactionID,
		"notify_url":            req.NotifyURL,
	}
	var resp struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Data    []struct {
			TransactionID string `json:"transaction_id"`
			Treatment     string `json:"treatment_status"`
		} `json:"data"`
	}
	url := fmt.Sprintf("%s/v1/transfer/money/send/contact?token=%s&lang=en", a.TransferBaseURL, token)
	status, err := doJSON(ctx, a.HTTP, http.MethodPost, url, nil, payload, &resp)
	if err != nil {
		return PayoutResult{}, err
	}
	if status == http.StatusUnauthorized {
		a.Transfer.Invalidate()
		return PayoutResult{}, common.ProviderTransientError("cinetpay transfer token expired", nil)
	}
	if status != http.StatusOK || resp.Code != 0 {
		return PayoutResult{
			Accepted: false,
			Status:   PayoutFailed,
			Message:  resp.Message,
		}, common.ProviderDefinitiveError(fmt.Sprintf("cinetpay rejected payout: %s", resp.Message), nil)
	}
	ref := ""
	if len(resp.Data) > 0 {
		ref = resp.Data[0].TransactionID
	}
	return PayoutResult{Accepted: true, ProviderRef: ref, Status: PayoutPending, Message: resp.Message}, nil
}

// CheckPayoutStatus re-queries the transfer by our own transaction id.
func (a *CinetPayAdapter) CheckPayoutStatus(ctx context.Context, transactionID string) (PayoutCheck, error) {
	token, err := a.Transfer.Get(ctx)
	if err != nil {
		return PayoutCheck{}, err
	}
	url := fmt.Sprintf("%s/v1/transfer/check/money?token=%s&client_transaction_id=%s", a.TransferBaseURL, token, transactionID)
	var resp struct {
		Code int `json:"code"`
		Data []struct {
			Treatment string `json:"treatment_status"`
			Comment   string `json:"comment"`
			Operator  string `json:"operator"`
		} `json:"data"`
	}
	status, err := doJSON(ctx, a.HTTP, http.MethodGet, url, nil, nil, &resp)
	if err != nil {
		return PayoutCheck{}, err
	}
	if status == http.StatusUnauthorized {
		a.Transfer.Invalidate()
		return PayoutCheck{}, common.ProviderTransientError("cinetpay transfer token expired", nil)
	}
	if status != http.StatusOK || resp.Code != 0 || len(resp.Data) == 0 {
		return PayoutCheck{}, common.ProviderTransientError("cinetpay check returned no usable result", nil)
	}
	entry := resp.Data[0]
	return PayoutCheck{
		Status:   mapCinetPayTreatment(entry.Treatment),
		Comment:  entry.Comment,
		Operator: entry.Operator,
	}, nil
}

// ParsePaymentEvent validates a checkout notification. The site identifier
// must match the configured one; a mismatch means the callback was not meant
// for this merchant and is rejected outright.
func (a *CinetPayAdapter) ParsePaymentEvent(r *http.Request, body []byte) (PaymentEvent, error) {
	var payload struct {
		TransID      string `json:"cpm_trans_id"`
		SiteID       string `json:"cpm_site_id"`
		TransStatus  string `json:"cpm_trans_status"`
		PaymentToken string `json:"cpm_payment_token"`
		ErrorMessage string `json:"cpm_error_message"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return PaymentEvent{Valid: false, Err: err}, nil
	}
	if payload.TransID == "" {
		return PaymentEvent{Valid: false, Err: errors.New("missing transaction id")}, nil
	}
	if payload.SiteID != a.SiteID {
		return PaymentEvent{Valid: false, Err: errors.New("site id mismatch")}, nil
	}
	if sig := strings.TrimSpace(r.Header.Get("X-Token")); sig != "" && a.Secret != "" {
		if !hmac.Equal([]byte(a.computeSignature(body)), []byte(sig)) {
			return PaymentEvent{Valid: false, Err: errors.New("invalid signature")}, nil
		}
	}
	return PaymentEvent{
		Valid:       true,
		SessionID:   payload.TransID,
		ProviderRef: payload.PaymentToken,
		RawStatus:   payload.TransStatus,
		Bucket:      mapCinetPayStatus(payload.TransStatus),
		Payload:     body,
	}, nil
}

// ParsePayoutEvent normalises a transfer notification.
func (a *CinetPayAdapter) ParsePayoutEvent(_ *http.Request, body []byte) (PayoutEvent, error) {
	var payload struct {
		ClientTransactionID string `json:"client_transaction_id"`
		TransactionID       string `json:"transaction_id"`
		Treatment           string `json:"treatment_status"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return PayoutEvent{Valid: false, Err: err}, nil
	}
	if payload.ClientTransactionID == "" {
		return PayoutEvent{Valid: false, Err: errors.New("missing client transaction id")}, nil
	}
	return PayoutEvent{
		Valid:         true,
		TransactionID: payload.ClientTransactionID,
		ProviderRef:   payload.TransactionID,
		RawStatus:     payload.Treatment,
		Payload:       body,
	}, nil
}

func (a *CinetPayAdapter) computeSignature(body []byte) string {
	mac := hmac.New(sha256.New, []byte(a.Secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *CinetPayAdapter) fetchTransferToken(ctx context.Context) (string, time.Duration, error) {
	payload := map[string]string{"apikey": a.APIKey, "password": a.Secret}
	var resp struct {
		Code int `json:"code"`
		Data struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	status, err := doJSON(ctx, a.HTTP, http.MethodPost, a.TransferBaseURL+"/v1/auth/login?lang=en", nil, payload, &resp)
	if err != nil {
		return "", 0, err
	}
	if status != http.StatusOK || resp.Code != 0 || resp.Data.Token == "" {
		return "", 0, common.ProviderTransientError("cinetpay auth failed", nil)
	}
	// CinetPay transfer tokens are documented to live 5 minutes.
	return resp.Data.Token, 5 * time.Minute, nil
}

// dialingPrefixes maps the CinetPay transfer corridors to their international
// calling prefixes; the contact API wants the prefix, not the country code.
var dialingPrefixes = map[string]string{
	"CM": "237",
	"CI": "225",
	"TD": "235",
	"CF": "236",
	"CG": "242",
	"GA": "241",
	"GN": "224",
}

func dialingPrefix(countryCode string) string {
	return dialingPrefixes[strings.ToUpper(strings.TrimSpace(countryCode))]
}

func mapCinetPayStatus(status string) EventBucket {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "ACCEPTED", "00", "SUCCES", "SUCCESS":
		return EventSucceeded
	case "REFUSED", "CANCELLED", "FAILED":
		return EventFailed
	default:
		return EventProcessing
	}
}

func mapCinetPayTreatment(treatment string) PayoutStatus {
	switch strings.ToUpper(strings.TrimSpace(treatment)) {
	case "VAL":
		return PayoutCompleted
	case "REJ", "NOS":
		return PayoutFailed
	default:
		return PayoutPending
	}
}
