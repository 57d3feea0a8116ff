package gateway

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/shopspring/decimal"
)

// Gateway identifies a payment/payout provider.
type Gateway string

const (
	// None is the zero value carried by a payment intent before submission.
	None Gateway = "NONE"
	// CinetPay is the card + mobile money aggregator for the XAF zone.
	CinetPay Gateway = "CINETPAY"
	// PawaPay is the mobile money aggregator for East/West Africa.
	PawaPay Gateway = "PAWAPAY"
	// NowPayments is the crypto rail.
	NowPayments Gateway = "NOWPAYMENTS"
)

// PaymentRequest carries everything an adapter needs to open an inbound payment.
type PaymentRequest struct {
	SessionID   string
	Amount      decimal.Decimal
	Currency    string
	CountryCode string
	PhoneNumber string
	Operator    string
	Description string
	NotifyURL   string
	ReturnURL   string
}

// PaymentResult is the uniform response of an initiate-payment call.
type PaymentResult struct {
	ProviderRef    string
	CheckoutURL    string
	DepositAddress string
	Raw            json.RawMessage
}

// PayoutRequest carries everything an adapter needs to dispatch an outbound payout.
type PayoutRequest struct {
	TransactionID string
	Amount        decimal.Decimal
	Currency      string
	CountryCode   string
	PhoneNumber   string
	Operator      string
	CryptoAddress string
	Narration     string
	NotifyURL     string
}

// PayoutResult is the uniform response of an initiate-payout call.
type PayoutResult struct {
	Accepted    bool
	ProviderRef string
	Status      PayoutStatus
	Message     string
}

// PayoutStatus is the verified status of a payout at the provider.
type PayoutStatus string

const (
	PayoutPending   PayoutStatus = "PENDING"
	PayoutCompleted PayoutStatus = "COMPLETED"
	PayoutFailed    PayoutStatus = "FAILED"
)

// PayoutCheck is the result of a server-to-server payout status query.
type PayoutCheck struct {
	Status   PayoutStatus
	Comment  string
	Operator string
}

// EventBucket is the internal status vocabulary for inbound payment webhooks:
// success, definitive failure, everything else.
type EventBucket string

const (
	EventSucceeded  EventBucket = "SUCCEEDED"
	EventFailed     EventBucket = "FAILED"
	EventProcessing EventBucket = "PROCESSING"
)

// PaymentEvent is a normalised inbound-payment webhook notification.
type PaymentEvent struct {
	Valid       bool
	SessionID   string
	ProviderRef string
	RawStatus   string
	Bucket      EventBucket
	Payload     []byte
	Err         error
}

// PayoutEvent is a normalised payout webhook notification. Its status claim is
// never trusted; reconciliation re-verifies via CheckPayoutStatus.
type PayoutEvent struct {
	Valid         bool
	TransactionID string
	ProviderRef   string
	RawStatus     string
	Payload       []byte
	Err           error
}

// Adapter is the uniform contract every provider integration satisfies.
type Adapter interface {
	Name() Gateway
	InitiatePayment(ctx context.Context, req PaymentRequest) (PaymentResult, error)
	InitiatePayout(ctx context.Context, req PayoutRequest) (PayoutResult, error)
	// CheckPayoutStatus queries the provider by our internal transaction id,
	// independent of any webhook payload.
	CheckPayoutStatus(ctx context.Context, transactionID string) (PayoutCheck, error)
	ParsePaymentEvent(r *http.Request, body []byte) (PaymentEvent, error)
	ParsePayoutEvent(r *http.Request, body []byte) (PayoutEvent, error)
}
