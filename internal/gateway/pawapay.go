package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sikapay/backend-core/internal/common"
	"github.com/sikapay/backend-core/internal/resilience"
)

// PawaPayAdapter integrates the pawaPay deposit and payout APIs. Both sides
// are keyed by client-generated identifiers, which makes the status-check
// endpoint addressable by our own transaction id.
type PawaPayAdapter struct {
	Token   string
	BaseURL string
	HTTP    resilience.HTTPClient
}

// Name implements Adapter.
func (a *PawaPayAdapter) Name() Gateway { return PawaPay }

func (a *PawaPayAdapter) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + a.Token}
}

// InitiatePayment requests a mobile money deposit from the payer.
func (a *PawaPayAdapter) InitiatePayment(ctx context.Context, req PaymentRequest) (PaymentResult, error) {
	payload := map[string]any{
		"depositId": req.SessionID,
		"amount":    req.Amount.String(),
		"currency":  req.Currency,
		"country":   req.CountryCode,
		"payer": map[string]any{
			"type": "MMO",
			"accountDetails": map[string]string{
				"phoneNumber": req.PhoneNumber,
				"provider":    req.Operator,
			},
		},
		"statementDescription": req.Description,
	}
	var resp struct {
		DepositID     string `json:"depositId"`
		Status        string `json:"status"`
		RejectionCode string `json:"rejectionReason"`
	}
	status, err := doJSON(ctx, a.HTTP, http.MethodPost, strings.TrimRight(a.BaseURL, "/")+"/deposits", a.headers(), payload, &resp)
	if err != nil {
		return PaymentResult{}, err
	}
	if status != http.StatusOK || strings.EqualFold(resp.Status, "REJECTED") {
		return PaymentResult{}, common.ProviderDefinitiveError(
			fmt.Sprintf("pawapay rejected deposit: %s", resp.RejectionCode), nil)
	}
	raw, _ := json.Marshal(resp)
	return PaymentResult{ProviderRef: resp.DepositID, Raw: raw}, nil
}

// InitiatePayout dispatches a mobile money payout keyed by our transaction id.
func (a *PawaPayAdapter) InitiatePayout(ctx context.Context, req PayoutRequest) (PayoutResult, error) {
	payload := map[string]any{
		"payoutId": req.TransactionID,
		"amount":   req.Amount.String(),
		"currency": req.Currency,
		"country":  req.CountryCode,
		"recipient": map[string]any{
			"type": "MMO",
			"accountDetails": map[string]string{
				"phoneNumber": req.PhoneNumber,
				"provider":    req.Operator,
			},
		},
		"statementDescription": req.Narration,
	}
	var resp struct {
		PayoutID      string `json:"payoutId"`
		Status        string `json:"status"`
		RejectionCode string `json:"rejectionReason"`
	}
	status, err := doJSON(ctx, a.HTTP, http.MethodPost, strings.TrimRight(a.BaseURL, "/")+"/payouts", a.headers(), payload, &resp)
	if err != nil {
		return PayoutResult{}, err
	}
	if status != http.StatusOK || strings.EqualFold(resp.Status, "REJECTED") {
		return PayoutResult{Accepted: false, Status: PayoutFailed, Message: resp.RejectionCode},
			common.ProviderDefinitiveError(fmt.Sprintf("pawapay rejected payout: %s", resp.RejectionCode), nil)
	}
	return PayoutResult{Accepted: true, ProviderRef: resp.PayoutID, Status: PayoutPending, Message: resp.Status}, nil
}

// CheckPayoutStatus queries the payout by our transaction id.
func (a *PawaPayAdapter) CheckPayoutStatus(ctx context.Context, transactionID string) (PayoutCheck, error) {
	url := fmt.Sprintf("%s/payouts/%s", strings.TrimRight(a.BaseURL, "/"), transactionID)
	var resp []struct {
		Status        string `json:"status"`
		RejectionCode string `json:"rejectionReason"`
		Correspondent string `json:"correspondent"`
	}
	status, err := doJSON(ctx, a.HTTP, http.MethodGet, url, a.headers(), nil, &resp)
	if err != nil {
		return PayoutCheck{}, err
	}
	if status != http.StatusOK || len(resp) == 0 {
		return PayoutCheck{}, common.ProviderTransientError("pawapay check returned no usable result", nil)
	}
	entry := resp[0]
	return PayoutCheck{
		Status:   mapPawaPayStatus(entry.Status),
		Comment:  entry.RejectionCode,
		Operator: entry.Correspondent,
	}, nil
}

// ParsePaymentEvent normalises a deposit callback.
func (a *PawaPayAdapter) ParsePaymentEvent(_ *http.Request, body []byte) (PaymentEvent, error) {
	var payload struct {
		DepositID string `json:"depositId"`
		Status    string `json:"status"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return PaymentEvent{Valid: false, Err: err}, nil
	}
	if payload.DepositID == "" {
		return PaymentEvent{Valid: false, Err: errors.New("missing deposit id")}, nil
	}
	bucket := EventProcessing
	switch mapPawaPayStatus(payload.Status) {
	case PayoutCompleted:
		bucket = EventSucceeded
	case PayoutFailed:
		bucket = EventFailed
	}
	return PaymentEvent{
		Valid:       true,
		SessionID:   payload.DepositID,
		ProviderRef: payload.DepositID,
		RawStatus:   payload.Status,
		Bucket:      bucket,
		Payload:     body,
	}, nil
}

// ParsePayoutEvent normalises a payout callback.
func (a *PawaPayAdapter) ParsePayoutEvent(_ *http.Request, body []byte) (PayoutEvent, error) {
	var payload struct {
		PayoutID string `json:"payoutId"`
		Status   string `json:"status"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return PayoutEvent{Valid: false, Err: err}, nil
	}
	if payload.PayoutID == "" {
		return PayoutEvent{Valid: false, Err: errors.New("missing payout id")}, nil
	}
	return PayoutEvent{
		Valid:         true,
		TransactionID: payload.PayoutID,
		ProviderRef:   payload.PayoutID,
		RawStatus:     payload.Status,
		Payload:       body,
	}, nil
}

func mapPawaPayStatus(status string) PayoutStatus {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "COMPLETED":
		return PayoutCompleted
	case "FAILED", "REJECTED":
		return PayoutFailed
	default:
		// ACCEPTED, SUBMITTED, ENQUEUED and anything unknown stay pending.
		return PayoutPending
	}
}
