package intent

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sikapay/backend-core/internal/gateway"
)

// Status is the lifecycle state of a payment intent.
type Status string

const (
	StatusPendingUserInput Status = "PENDING_USER_INPUT"
	StatusPendingProvider  Status = "PENDING_PROVIDER"
	StatusProcessing       Status = "PROCESSING"
	StatusSucceeded        Status = "SUCCEEDED"
	StatusFailed           Status = "FAILED"
	StatusError            Status = "ERROR"

	// Crypto-only intermediate states reported by the crypto rail.
	StatusWaitingForCryptoDeposit Status = "WAITING_FOR_CRYPTO_DEPOSIT"
	StatusPartiallyPaid           Status = "PARTIALLY_PAID"
	StatusConfirmed               Status = "CONFIRMED"
	StatusExpired                 Status = "EXPIRED"
)

// transitions is the single source of truth for allowed status changes.
// Services never flip a status that is not listed here.
var transitions = map[Status][]Status{
	StatusPendingUserInput: {StatusPendingProvider, StatusWaitingForCryptoDeposit, StatusError},
	StatusPendingProvider:  {StatusProcessing, StatusSucceeded, StatusFailed},
	StatusProcessing:       {StatusSucceeded, StatusFailed},
	StatusWaitingForCryptoDeposit: {
		StatusPartiallyPaid, StatusConfirmed, StatusProcessing,
		StatusSucceeded, StatusFailed, StatusExpired,
	},
	StatusPartiallyPaid: {StatusConfirmed, StatusProcessing, StatusSucceeded, StatusFailed, StatusExpired},
	StatusConfirmed:     {StatusSucceeded, StatusFailed},
	StatusError:         {StatusPendingUserInput},
}

// CanTransition reports whether from -> to is an allowed status change.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status admits no further transitions.
func IsTerminal(s Status) bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusExpired:
		return true
	}
	return false
}

// PaymentIntent tracks one inbound payment attempt from creation to settlement.
type PaymentIntent struct {
	SessionID          string              `json:"sessionId"`
	UserID             string              `json:"userId"`
	Amount             decimal.Decimal     `json:"amount"`
	Currency           string              `json:"currency"`
	PaidAmount         decimal.NullDecimal `json:"paidAmount"`
	PaidCurrency       string              `json:"paidCurrency,omitempty"`
	PaymentType        string              `json:"paymentType"`
	Gateway            gateway.Gateway     `json:"gateway"`
	GatewayPaymentID   string              `json:"gatewayPaymentId,omitempty"`
	GatewayCheckoutURL string              `json:"gatewayCheckoutUrl,omitempty"`
	DepositAddress     string              `json:"depositAddress,omitempty"`
	Status             Status              `json:"status"`
	Metadata           map[string]any      `json:"metadata,omitempty"`
	CreatedAt          time.Time           `json:"createdAt"`
	UpdatedAt          time.Time           `json:"updatedAt"`
	ArchivedAt         *time.Time          `json:"archivedAt,omitempty"`
}

// WebhookRecord is one append-only entry in an intent's webhook history.
type WebhookRecord struct {
	Timestamp time.Time       `json:"timestamp"`
	Status    Status          `json:"status"`
	RawStatus string          `json:"rawStatus"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}
