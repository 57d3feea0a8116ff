package withdrawal

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/sikapay/backend-core/internal/account"
	"github.com/sikapay/backend-core/internal/common"
	"github.com/sikapay/backend-core/internal/fx"
	"github.com/sikapay/backend-core/internal/gateway"
	"github.com/sikapay/backend-core/internal/lock"
	"github.com/sikapay/backend-core/internal/obs"
)

// Repo is the persistence contract the service depends on.
type Repo interface {
	Create(ctx context.Context, t *Transaction) error
	Get(ctx context.Context, transactionID string) (Transaction, error)
	GetActiveForUser(ctx context.Context, userID string) (Transaction, bool, error)
	CountSince(ctx context.Context, userID string, since time.Time) (int, error)
	SetOTP(ctx context.Context, transactionID, hash string, expiry time.Time) error
	UpdateStatus(ctx context.Context, transactionID string, from, to Status) (bool, error)
	SetProviderRef(ctx context.Context, transactionID, ref string) error
	SetFailureReason(ctx context.Context, transactionID, reason string) error
	MarkDebited(ctx context.Context, transactionID string, at time.Time) (bool, error)
	FlagManualReconciliation(ctx context.Context, transactionID, reason string) error
	ListStaleOTP(ctx context.Context, cutoff time.Time, limit int) ([]Transaction, error)
	ListProcessing(ctx context.Context, limit int) ([]Transaction, error)
	ListFailedWithRef(ctx context.Context, since time.Time, limit int) ([]Transaction, error)
	AppendPayoutEvent(ctx context.Context, transactionID string, status Status, rawStatus, source string, payload []byte) error
}

// Accounts is the slice of the account service the withdrawal flow needs.
type Accounts interface {
	GetBalance(ctx context.Context, userID string) (decimal.Decimal, error)
	UpdateUserBalance(ctx context.Context, userID string, delta decimal.Decimal) error
	GetUserDetails(ctx context.Context, userID string) (account.UserDetails, error)
}

// Notifier delivers best-effort user notifications.
type Notifier interface {
	SendVerificationOTP(ctx context.Context, userID, destination, channel, code string)
	SendTransactionSuccess(ctx context.Context, userID, transactionID string, amount decimal.Decimal, currency string)
	SendTransactionFailure(ctx context.Context, userID, transactionID, reason string)
}

// RateConverter converts an amount between two currency codes.
type RateConverter interface {
	Convert(ctx context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, error)
}

// Service coordinates the withdrawal lifecycle: guards, OTP challenge, payout
// dispatch and webhook-driven settlement.
type Service struct {
	Repo     Repo
	Accounts Accounts
	Notify   Notifier
	Adapters map[gateway.Gateway]gateway.Adapter
	Convert  RateConverter
	Locker   lock.Locker
	Logger   zerolog.Logger

	// NotifyBaseURL is the public base URL providers post payout webhooks to.
	NotifyBaseURL string

	LedgerCurrency string
	FeePct         decimal.Decimal
	DailyCap       int
	OTPTTL         time.Duration
	LockTTL        time.Duration

	now func() time.Time
}

func (s *Service) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now().UTC()
}

func (s *Service) dailyCap() int {
	if s.DailyCap > 0 {
		return s.DailyCap
	}
	return 3
}

func (s *Service) otpTTL() time.Duration {
	if s.OTPTTL > 0 {
		return s.OTPTTL
	}
	return 10 * time.Minute
}

// transition performs a table-guarded compare-and-set status move. Every status
// change in this service goes through here; an edge outside the transition
// table is rejected before the store is touched.
func (s *Service) transition(ctx context.Context, transactionID string, from, to Status) (bool, error) {
	if !CanTransition(from, to) {
		return false, common.InvalidStateError(fmt.Sprintf("transition %s -> %s is not allowed", from, to))
	}
	return s.Repo.UpdateStatus(ctx, transactionID, from, to)
}

// Initiate creates a withdrawal for the authenticated user and issues the OTP
// challenge. Creation is serialised per user so the soft lock and daily cap
// cannot be raced by concurrent requests.
func (s *Service) Initiate(ctx context.Context, userID string, netAmount decimal.Decimal) (Transaction, error) {
	if s == nil || s.Repo == nil || s.Accounts == nil {
		return Transaction{}, errors.New("withdrawal service not configured")
	}
	ctx, span := otel.Tracer("withdrawal.Service").Start(ctx, "WithdrawalService.Initiate")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", userID))

	if !netAmount.IsPositive() {
		return Transaction{}, common.ValidationError("withdrawal amount must be positive", nil)
	}

	var out Transaction
	err := s.Locker.WithLock(ctx, "withdraw:user:"+userID, s.LockTTL, func(ctx context.Context) error {
		var err error
		out, err = s.initiateLocked(ctx, userID, netAmount)
		return err
	})
	return out, err
}

func (s *Service) initiateLocked(ctx context.Context, userID string, netAmount decimal.Decimal) (Transaction, error) {
	now := s.clock()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	count, err := s.Repo.CountSince(ctx, userID, midnight)
	if err != nil {
		return Transaction{}, err
	}
	if count >= s.dailyCap() {
		return Transaction{}, common.ConflictError(common.CodeDailyLimit,
			fmt.Sprintf("daily withdrawal limit of %d reached", s.dailyCap()),
			map[string]any{"count": count, "resetsAt": midnight.Add(24 * time.Hour)})
	}

	// Soft lock: one in-flight withdrawal per user. An existing one is returned
	// so the caller can resume it, with a fresh OTP if it still needs one.
	existing, active, err := s.Repo.GetActiveForUser(ctx, userID)
	if err != nil {
		return Transaction{}, err
	}
	if active {
		if existing.Status == StatusPendingOTP {
			if err := s.issueOTP(ctx, &existing, userID); err != nil {
				return Transaction{}, err
			}
		}
		return existing, common.ConflictError(common.CodeWithdrawalActive,
			"a withdrawal is already in progress",
			map[string]any{
				"transactionId": existing.TransactionID,
				"status":        existing.Status,
				"otpExpiry":     existing.OTPExpiry,
			})
	}

	details, err := s.Accounts.GetUserDetails(ctx, userID)
	if err != nil {
		return Transaction{}, err
	}
	payout, err := s.resolveChannel(details, netAmount)
	if err != nil {
		return Transaction{}, err
	}

	netInLedger, err := s.Convert.Convert(ctx, netAmount, payout.Currency, s.LedgerCurrency)
	if err != nil {
		return Transaction{}, err
	}
	fee := netInLedger.Mul(s.FeePct).Div(decimal.NewFromInt(100)).Round(0)
	gross := netInLedger.Add(fee)

	balance, err := s.Accounts.GetBalance(ctx, userID)
	if err != nil {
		return Transaction{}, err
	}
	if !balance.IsPositive() || balance.LessThan(gross) {
		return Transaction{}, common.InsufficientBalanceError(
			fmt.Sprintf("balance %s is below the gross debit %s %s", balance, gross, s.LedgerCurrency))
	}

	t := Transaction{
		TransactionID: uuid.NewString(),
		UserID:        userID,
		Type:          TypeWithdrawal,
		Amount:        gross,
		Fee:           fee,
		Currency:      s.LedgerCurrency,
		Status:        StatusPendingOTP,
		Payout:        payout,
	}
	code, hash, err := generateOTP()
	if err != nil {
		return Transaction{}, err
	}
	expiry := now.Add(s.otpTTL())
	t.OTPHash = hash
	t.OTPExpiry = &expiry
	if err := s.Repo.Create(ctx, &t); err != nil {
		return Transaction{}, err
	}
	s.deliverOTP(ctx, userID, details, code)
	if obs.OTPIssuedTotal != nil {
		obs.OTPIssuedTotal.Inc()
	}
	s.Logger.Info().Str("transaction_id", t.TransactionID).Str("user_id", userID).
		Str("gateway", string(payout.Gateway)).Str("gross", gross.String()).
		Msg("withdrawal initiated")
	return t, nil
}

// issueOTP replaces the challenge on an existing in-flight withdrawal.
func (s *Service) issueOTP(ctx context.Context, t *Transaction, userID string) error {
	code, hash, err := generateOTP()
	if err != nil {
		return err
	}
	expiry := s.clock().Add(s.otpTTL())
	if err := s.Repo.SetOTP(ctx, t.TransactionID, hash, expiry); err != nil {
		return err
	}
	t.OTPExpiry = &expiry
	details, err := s.Accounts.GetUserDetails(ctx, userID)
	if err != nil {
		s.Logger.Warn().Err(err).Str("transaction_id", t.TransactionID).Msg("otp reissued without delivery details")
		return nil
	}
	s.deliverOTP(ctx, userID, details, code)
	if obs.OTPIssuedTotal != nil {
		obs.OTPIssuedTotal.Inc()
	}
	return nil
}

func (s *Service) deliverOTP(ctx context.Context, userID string, details account.UserDetails, code string) {
	if s.Notify == nil {
		return
	}
	channel := strings.ToLower(strings.TrimSpace(details.NotificationPreference))
	destination := details.Email
	if channel == "sms" || channel == "whatsapp" {
		destination = details.PhoneNumber
	}
	if channel == "" {
		channel = "email"
	}
	s.Notify.SendVerificationOTP(ctx, userID, destination, channel, code)
}

// resolveChannel picks the payout variant from the user's configured details:
// crypto when a crypto address is on file, mobile money otherwise.
func (s *Service) resolveChannel(details account.UserDetails, netAmount decimal.Decimal) (PayoutDetails, error) {
	if details.CryptoAddress != "" && fx.IsCrypto(details.CryptoCurrency) {
		return PayoutDetails{
			Kind:          PayoutCrypto,
			NetAmount:     netAmount,
			Currency:      strings.ToUpper(details.CryptoCurrency),
			Gateway:       gateway.NowPayments,
			CryptoAddress: details.CryptoAddress,
		}, nil
	}
	if details.MomoNumber == "" || details.MomoOperator == "" {
		return PayoutDetails{}, common.ValidationError("no payout channel configured for user", nil)
	}
	country := strings.ToUpper(strings.TrimSpace(details.CountryCode))
	currency, ok := CurrencyForCountry(country)
	if !ok {
		return PayoutDetails{}, common.NewAppError(common.CodeUnsupportedCountry,
			fmt.Sprintf("no payout currency for country %q", country), http.StatusUnprocessableEntity, nil)
	}
	gw, err := gateway.Select(country, currency)
	if err != nil {
		return PayoutDetails{}, err
	}
	return PayoutDetails{
		Kind:        PayoutMobileMoney,
		NetAmount:   netAmount,
		Currency:    currency,
		Gateway:     gw,
		CountryCode: country,
		PhoneNumber: details.MomoNumber,
		Operator:    details.MomoOperator,
	}, nil
}

// Verify checks the OTP and, on success, moves the withdrawal to PENDING and
// dispatches the payout in the background.
func (s *Service) Verify(ctx context.Context, userID, transactionID, code string) (Transaction, error) {
	t, err := s.Repo.Get(ctx, transactionID)
	if err != nil {
		return Transaction{}, err
	}
	if t.UserID != userID {
		return Transaction{}, ErrNotFound
	}
	if t.Status != StatusPendingOTP {
		return Transaction{}, common.InvalidStateError(
			fmt.Sprintf("transaction in status %s cannot be verified", t.Status))
	}
	if t.OTPExpiry == nil || s.clock().After(*t.OTPExpiry) {
		if _, err := s.transition(ctx, transactionID, StatusPendingOTP, StatusFailed); err != nil {
			return Transaction{}, err
		}
		_ = s.Repo.SetFailureReason(ctx, transactionID, "verification code expired")
		return Transaction{}, common.NewAppError(common.CodeOTPExpired, "verification code expired", http.StatusUnprocessableEntity, nil)
	}
	match, err := argon2id.ComparePasswordAndHash(code, t.OTPHash)
	if err != nil {
		return Transaction{}, err
	}
	if !match {
		// No transition: the user may retry until the code expires.
		return Transaction{}, common.NewAppError(common.CodeOTPMismatch, "verification code does not match", http.StatusUnprocessableEntity, nil)
	}

	moved, err := s.transition(ctx, transactionID, StatusPendingOTP, StatusPending)
	if err != nil {
		return Transaction{}, err
	}
	if !moved {
		return Transaction{}, common.InvalidStateError("transaction was updated concurrently")
	}
	t.Status = StatusPending
	t.OTPHash = ""
	t.OTPExpiry = nil

	go s.dispatchPayout(context.WithoutCancel(ctx), t)
	return t, nil
}

// Cancel aborts a withdrawal that has not passed its OTP challenge. system
// bypasses the ownership check for the stale-OTP sweep.
func (s *Service) Cancel(ctx context.Context, userID, transactionID string, system bool) (Transaction, error) {
	t, err := s.Repo.Get(ctx, transactionID)
	if err != nil {
		return Transaction{}, err
	}
	if !system && t.UserID != userID {
		return Transaction{}, ErrNotFound
	}
	if t.Status != StatusPendingOTP {
		return Transaction{}, common.InvalidStateError("only withdrawals awaiting verification can be cancelled")
	}
	moved, err := s.transition(ctx, transactionID, StatusPendingOTP, StatusCancelled)
	if err != nil {
		return Transaction{}, err
	}
	if !moved {
		return Transaction{}, common.InvalidStateError("transaction was updated concurrently")
	}
	t.Status = StatusCancelled
	t.OTPHash = ""
	t.OTPExpiry = nil
	s.Logger.Info().Str("transaction_id", transactionID).Bool("system", system).Msg("withdrawal cancelled")
	return t, nil
}

// Get returns a transaction, enforcing ownership for non-admin callers.
func (s *Service) Get(ctx context.Context, userID, transactionID string, admin bool) (Transaction, error) {
	t, err := s.Repo.Get(ctx, transactionID)
	if err != nil {
		return Transaction{}, err
	}
	if !admin && t.UserID != userID {
		return Transaction{}, ErrNotFound
	}
	return t, nil
}

// AdminUserWithdrawal runs the same pipeline as Initiate but skips the OTP
// challenge: the transaction starts in PENDING and the payout is dispatched
// immediately. The acting admin is recorded in the payout details.
func (s *Service) AdminUserWithdrawal(ctx context.Context, adminID, userID string, netAmount decimal.Decimal) (Transaction, error) {
	if !netAmount.IsPositive() {
		return Transaction{}, common.ValidationError("withdrawal amount must be positive", nil)
	}
	var out Transaction
	err := s.Locker.WithLock(ctx, "withdraw:user:"+userID, s.LockTTL, func(ctx context.Context) error {
		if _, active, err := s.Repo.GetActiveForUser(ctx, userID); err != nil {
			return err
		} else if active {
			return common.ConflictError(common.CodeWithdrawalActive, "a withdrawal is already in progress", nil)
		}
		details, err := s.Accounts.GetUserDetails(ctx, userID)
		if err != nil {
			return err
		}
		payout, err := s.resolveChannel(details, netAmount)
		if err != nil {
			return err
		}
		payout.InitiatedBy = adminID
		netInLedger, err := s.Convert.Convert(ctx, netAmount, payout.Currency, s.LedgerCurrency)
		if err != nil {
			return err
		}
		fee := netInLedger.Mul(s.FeePct).Div(decimal.NewFromInt(100)).Round(0)
		gross := netInLedger.Add(fee)
		balance, err := s.Accounts.GetBalance(ctx, userID)
		if err != nil {
			return err
		}
		if !balance.IsPositive() || balance.LessThan(gross) {
			return common.InsufficientBalanceError("balance is below the gross debit")
		}
		out = Transaction{
			TransactionID: uuid.NewString(),
			UserID:        userID,
			Type:          TypeWithdrawal,
			Amount:        gross,
			Fee:           fee,
			Currency:      s.LedgerCurrency,
			Status:        StatusPending,
			Payout:        payout,
		}
		return s.Repo.Create(ctx, &out)
	})
	if err != nil {
		return Transaction{}, err
	}
	s.Logger.Info().Str("transaction_id", out.TransactionID).Str("admin_id", adminID).
		Msg("admin withdrawal created")
	go s.dispatchPayout(context.WithoutCancel(ctx), out)
	return out, nil
}

// AdminDirectPayoutParams describes a payout with no backing user withdrawal.
type AdminDirectPayoutParams struct {
	Amount        decimal.Decimal
	Currency      string
	CountryCode   string
	PhoneNumber   string
	Operator      string
	CryptoAddress string
}

// AdminDirectPayout dispatches an audited payout that debits no user balance.
func (s *Service) AdminDirectPayout(ctx context.Context, adminID string, p AdminDirectPayoutParams) (Transaction, error) {
	if !p.Amount.IsPositive() {
		return Transaction{}, common.ValidationError("payout amount must be positive", nil)
	}
	currency := strings.ToUpper(strings.TrimSpace(p.Currency))
	gw, err := gateway.Select(p.CountryCode, currency)
	if err != nil {
		return Transaction{}, err
	}
	t := Transaction{
		TransactionID: uuid.NewString(),
		Type:          TypeAdminPayout,
		Amount:        decimal.Zero,
		Fee:           decimal.Zero,
		Currency:      s.LedgerCurrency,
		Status:        StatusPending,
		Payout: PayoutDetails{
			Kind:          PayoutAdminDirect,
			NetAmount:     p.Amount,
			Currency:      currency,
			Gateway:       gw,
			CountryCode:   strings.ToUpper(strings.TrimSpace(p.CountryCode)),
			PhoneNumber:   p.PhoneNumber,
			Operator:      p.Operator,
			CryptoAddress: p.CryptoAddress,
			InitiatedBy:   adminID,
		},
	}
	if err := s.Repo.Create(ctx, &t); err != nil {
		return Transaction{}, err
	}
	s.Logger.Info().Str("transaction_id", t.TransactionID).Str("admin_id", adminID).
		Str("gateway", string(gw)).Msg("admin direct payout created")
	go s.dispatchPayout(context.WithoutCancel(ctx), t)
	return t, nil
}

// dispatchPayout performs the provider call for a PENDING transaction. Any
// failure here is terminal: no balance has been touched yet, so the
// transaction simply fails and the user is told.
func (s *Service) dispatchPayout(ctx context.Context, t Transaction) {
	gwLabel := strings.ToLower(string(t.Payout.Gateway))
	result := "error"
	defer func() {
		if obs.PayoutTotal != nil {
			obs.PayoutTotal.WithLabelValues(gwLabel, result).Inc()
		}
	}()

	adapter, ok := s.Adapters[t.Payout.Gateway]
	if !ok {
		s.failPayout(ctx, t, fmt.Sprintf("no adapter registered for gateway %s", t.Payout.Gateway))
		return
	}
	res, err := adapter.InitiatePayout(ctx, gateway.PayoutRequest{
		TransactionID: t.TransactionID,
		Amount:        t.Payout.NetAmount,
		Currency:      t.Payout.Currency,
		CountryCode:   t.Payout.CountryCode,
		PhoneNumber:   t.Payout.PhoneNumber,
		Operator:      t.Payout.Operator,
		CryptoAddress: t.Payout.CryptoAddress,
		Narration:     "SikaPay payout",
		NotifyURL:     s.payoutNotifyURL(t.Payout.Gateway),
	})
	if err != nil {
		s.failPayout(ctx, t, err.Error())
		return
	}
	if err := s.Repo.SetProviderRef(ctx, t.TransactionID, res.ProviderRef); err != nil {
		s.Logger.Error().Err(err).Str("transaction_id", t.TransactionID).Msg("failed to record provider reference")
	}
	if _, err := s.transition(ctx, t.TransactionID, StatusPending, StatusProcessing); err != nil {
		s.Logger.Error().Err(err).Str("transaction_id", t.TransactionID).Msg("failed to mark payout processing")
		return
	}
	_ = s.Repo.AppendPayoutEvent(ctx, t.TransactionID, StatusProcessing, string(res.Status), "dispatch", nil)
	result = "dispatched"
	s.Logger.Info().Str("transaction_id", t.TransactionID).Str("provider_ref", res.ProviderRef).
		Str("gateway", gwLabel).Msg("payout dispatched")
}

func (s *Service) payoutNotifyURL(gw gateway.Gateway) string {
	base := strings.TrimRight(s.NotifyBaseURL, "/")
	if base == "" {
		return ""
	}
	return fmt.Sprintf("%s/webhooks/payouts/%s", base, strings.ToLower(string(gw)))
}

func (s *Service) failPayout(ctx context.Context, t Transaction, reason string) {
	if _, err := s.transition(ctx, t.TransactionID, StatusPending, StatusFailed); err != nil {
		s.Logger.Error().Err(err).Str("transaction_id", t.TransactionID).Msg("failed to mark payout failed")
		return
	}
	_ = s.Repo.SetFailureReason(ctx, t.TransactionID, reason)
	_ = s.Repo.AppendPayoutEvent(ctx, t.TransactionID, StatusFailed, reason, "dispatch", nil)
	s.Logger.Error().Str("transaction_id", t.TransactionID).Str("reason", reason).Msg("payout initiation failed")
	if s.Notify != nil && t.UserID != "" {
		s.Notify.SendTransactionFailure(ctx, t.UserID, t.TransactionID, reason)
	}
}

// ReconcilePayoutEvent handles one payout webhook. The payload's status claim
// is never trusted: the provider is re-queried server to server and only the
// verified result is acted on. A transient verification failure leaves the
// transaction untouched for a later sweep.
func (s *Service) ReconcilePayoutEvent(ctx context.Context, gw gateway.Gateway, ev gateway.PayoutEvent) error {
	t, err := s.Repo.Get(ctx, ev.TransactionID)
	if err != nil {
		return err
	}
	if err := s.Repo.AppendPayoutEvent(ctx, t.TransactionID, t.Status, ev.RawStatus, "webhook", ev.Payload); err != nil {
		return err
	}
	if t.Status == StatusCompleted || t.Status == StatusCancelled {
		s.Logger.Debug().Str("transaction_id", t.TransactionID).Msg("duplicate payout webhook ignored")
		return nil
	}
	if t.Status != StatusProcessing {
		s.Logger.Warn().Str("transaction_id", t.TransactionID).Str("status", string(t.Status)).
			Msg("payout webhook for non-processing transaction recorded only")
		return nil
	}
	return s.verifyAndSettle(ctx, t)
}

// verifyAndSettle re-queries the provider and settles the transaction from the
// verified result. Shared by the webhook path and the re-verification sweep.
func (s *Service) verifyAndSettle(ctx context.Context, t Transaction) error {
	adapter, ok := s.Adapters[t.Payout.Gateway]
	if !ok {
		return fmt.Errorf("no adapter registered for gateway %s", t.Payout.Gateway)
	}
	check, err := adapter.CheckPayoutStatus(ctx, t.TransactionID)
	if err != nil {
		if common.IsTransient(err) {
			// Leave PROCESSING; the sweep retries later.
			s.Logger.Warn().Err(err).Str("transaction_id", t.TransactionID).
				Msg("payout verification transiently failed")
			return nil
		}
		return err
	}
	switch check.Status {
	case gateway.PayoutCompleted:
		return s.settleCompleted(ctx, t, t.Status, check)
	case gateway.PayoutFailed:
		return s.settleFailed(ctx, t, check)
	default:
		return nil
	}
}

// settleCompleted moves the transaction to COMPLETED and debits the balance
// exactly once. The status compare-and-set elects a single settling writer;
// the debit marker makes the balance mutation idempotent even across the
// failed-to-completed upgrade path.
func (s *Service) settleCompleted(ctx context.Context, t Transaction, from Status, check gateway.PayoutCheck) error {
	moved, err := s.transition(ctx, t.TransactionID, from, StatusCompleted)
	if err != nil {
		return err
	}
	if !moved {
		return nil
	}
	_ = s.Repo.AppendPayoutEvent(ctx, t.TransactionID, StatusCompleted, string(check.Status), "verification", nil)
	s.Logger.Info().Str("transaction_id", t.TransactionID).Str("from", string(from)).
		Msg("payout completed")

	if t.UserID != "" && t.Type == TypeWithdrawal {
		claimed, err := s.Repo.MarkDebited(ctx, t.TransactionID, s.clock())
		if err != nil {
			return err
		}
		if claimed {
			if err := s.Accounts.UpdateUserBalance(ctx, t.UserID, t.Amount.Neg()); err != nil {
				// The payout genuinely succeeded, so the status stays COMPLETED.
				// The divergence is flagged for a manual operator workflow.
				s.Logger.Error().Err(err).Str("transaction_id", t.TransactionID).
					Str("amount", t.Amount.String()).Msg("balance debit failed after verified payout")
				if obs.LedgerInconsistencyTotal != nil {
					obs.LedgerInconsistencyTotal.Inc()
				}
				return s.Repo.FlagManualReconciliation(ctx, t.TransactionID,
					"balance debit failed after verified payout: "+err.Error())
			}
		}
	}
	if s.Notify != nil && t.UserID != "" {
		s.Notify.SendTransactionSuccess(ctx, t.UserID, t.TransactionID, t.Payout.NetAmount, t.Payout.Currency)
	}
	return nil
}

func (s *Service) settleFailed(ctx context.Context, t Transaction, check gateway.PayoutCheck) error {
	moved, err := s.transition(ctx, t.TransactionID, StatusProcessing, StatusFailed)
	if err != nil {
		return err
	}
	if !moved {
		return nil
	}
	reason := check.Comment
	if reason == "" {
		reason = "provider reported payout failure"
	}
	_ = s.Repo.SetFailureReason(ctx, t.TransactionID, reason)
	_ = s.Repo.AppendPayoutEvent(ctx, t.TransactionID, StatusFailed, string(check.Status), "verification", nil)
	s.Logger.Info().Str("transaction_id", t.TransactionID).Str("reason", reason).Msg("payout failed")
	if s.Notify != nil && t.UserID != "" {
		s.Notify.SendTransactionFailure(ctx, t.UserID, t.TransactionID, reason)
	}
	return nil
}

func generateOTP() (code, hash string, err error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", "", err
	}
	code = fmt.Sprintf("%06d", n.Int64())
	hash, err = argon2id.CreateHash(code, argon2id.DefaultParams)
	if err != nil {
		return "", "", err
	}
	return code, hash, nil
}
