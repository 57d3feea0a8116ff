package withdrawal

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/sikapay/backend-core/internal/gateway"
)

// Status is the lifecycle state of a withdrawal transaction.
type Status string

const (
	StatusPendingOTP Status = "PENDING_OTP_VERIFICATION"
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// transitions is the single allowed-transition table. The FAILED -> COMPLETED
// edge is the one sanctioned reopening: a reconciliation sweep upgrading a
// stale failure after the provider later reports success.
var transitions = map[Status][]Status{
	StatusPendingOTP: {StatusPending, StatusCancelled, StatusFailed},
	StatusPending:    {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusFailed},
	StatusFailed:     {StatusCompleted},
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

// activeStatuses are the states counted by the soft lock.
var activeStatuses = []Status{StatusPendingOTP, StatusPending, StatusProcessing}

// guardedStatuses are the states counted by the daily cap.
var guardedStatuses = []Status{StatusPendingOTP, StatusPending, StatusProcessing, StatusCompleted}

// Type distinguishes the ledger movement kinds this service creates.
type Type string

const (
	TypeWithdrawal  Type = "WITHDRAWAL"
	TypeAdminPayout Type = "ADMIN_PAYOUT"
)

// PayoutKind tags the payout channel variant embedded in a transaction.
type PayoutKind string

const (
	PayoutMobileMoney PayoutKind = "MOBILE_MONEY"
	PayoutCrypto      PayoutKind = "CRYPTO"
	PayoutAdminDirect PayoutKind = "ADMIN_DIRECT"
)

// PayoutDetails is the closed set of payout metadata variants. Kind selects
// which fields are meaningful.
type PayoutDetails struct {
	Kind          PayoutKind      `json:"kind"`
	NetAmount     decimal.Decimal `json:"netAmount"`
	Currency      string          `json:"currency"`
	Gateway       gateway.Gateway `json:"gateway"`
	CountryCode   string          `json:"countryCode,omitempty"`
	PhoneNumber   string          `json:"phoneNumber,omitempty"`
	Operator      string          `json:"operator,omitempty"`
	CryptoAddress string          `json:"cryptoAddress,omitempty"`
	InitiatedBy   string          `json:"initiatedBy,omitempty"`
}

// Transaction is the durable record of one outbound payout. Amount is the
// gross debit in the ledger currency: the converted net amount plus the fee.
type Transaction struct {
	TransactionID string          `json:"transactionId"`
	UserID        string          `json:"userId,omitempty"`
	Type          Type            `json:"type"`
	Amount        decimal.Decimal `json:"amount"`
	Fee           decimal.Decimal `json:"fee"`
	Currency      string          `json:"currency"`
	Status        Status          `json:"status"`
	Payout        PayoutDetails   `json:"payout"`
	ProviderRef   string          `json:"providerRef,omitempty"`

	OTPHash   string     `json:"-"`
	OTPExpiry *time.Time `json:"otpExpiry,omitempty"`

	DebitedAt            *time.Time `json:"debitedAt,omitempty"`
	ManualReconciliation bool       `json:"manualReconciliation,omitempty"`
	FailureReason        string     `json:"failureReason,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Active reports whether the transaction still holds the user's soft lock.
func (t Transaction) Active() bool {
	for _, s := range activeStatuses {
		if t.Status == s {
			return true
		}
	}
	return false
}

// countryCurrency maps a payout country to the currency the aggregators
// disburse there. Like the gateway table this is swappable configuration.
var countryCurrency = map[string]string{
	"CM": "XAF", "TD": "XAF", "CF": "XAF", "CG": "XAF", "GA": "XAF",
	"CI": "XOF", "SN": "XOF", "BJ": "XOF", "BF": "XOF", "TG": "XOF",
	"ML": "XOF", "NE": "XOF",
	"GN": "GNF", "GH": "GHS", "NG": "NGN", "KE": "KES", "UG": "UGX",
	"TZ": "TZS", "RW": "RWF", "ZM": "ZMW", "MW": "MWK", "CD": "CDF",
}

// CurrencyForCountry resolves the disbursement currency for a payout country.
func CurrencyForCountry(countryCode string) (string, bool) {
	c, ok := countryCurrency[countryCode]
	return c, ok
}
