package intent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/sikapay/backend-core/internal/common"
	"github.com/sikapay/backend-core/internal/fx"
	"github.com/sikapay/backend-core/internal/gateway"
	"github.com/sikapay/backend-core/internal/obs"
)

// minimumAmount is the smallest accepted requested amount.
var minimumAmount = decimal.New(1, -2)

// Repo is the persistence contract the service depends on.
type Repo interface {
	Create(ctx context.Context, pi *PaymentIntent) error
	GetBySession(ctx context.Context, sessionID string) (PaymentIntent, error)
	FindByProviderRef(ctx context.Context, gw gateway.Gateway, providerRef string) (PaymentIntent, error)
	SetSubmission(ctx context.Context, sessionID string, pi *PaymentIntent) error
	SetProviderRefs(ctx context.Context, sessionID, providerRef, checkoutURL, depositAddress string) error
	UpdateStatus(ctx context.Context, sessionID string, from, to Status) (bool, error)
	ResetForRetry(ctx context.Context, sessionID string) (bool, error)
	AppendEvent(ctx context.Context, sessionID string, status Status, rawStatus string, payload []byte) error
	ListEvents(ctx context.Context, sessionID string) ([]WebhookRecord, error)
	Archive(ctx context.Context, sessionID string, at time.Time) error
}

// RateConverter converts an amount between two currency codes.
type RateConverter interface {
	Convert(ctx context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, error)
}

// Service coordinates the payment intent lifecycle.
type Service struct {
	Repo     Repo
	Adapters map[gateway.Gateway]gateway.Adapter
	Convert  RateConverter
	Logger   zerolog.Logger

	// NotifyBaseURL is the public base URL providers post webhooks to.
	NotifyBaseURL string
	ReturnURL     string

	// CallbackTimeout bounds the synchronous completion hook.
	CallbackTimeout time.Duration
	HookClient      *http.Client

	now func() time.Time
}

func (s *Service) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now().UTC()
}

// CreateIntent opens a new payment intent in its initial status.
func (s *Service) CreateIntent(ctx context.Context, userID string, amount decimal.Decimal, currency, paymentType string, metadata map[string]any) (PaymentIntent, error) {
	if s == nil || s.Repo == nil {
		return PaymentIntent{}, errors.New("intent service not configured")
	}
	if !amount.IsPositive() || amount.LessThan(minimumAmount) {
		return PaymentIntent{}, common.ValidationError("amount must be at least 0.01", nil)
	}
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		return PaymentIntent{}, common.ValidationError("currency is required", nil)
	}
	pi := PaymentIntent{
		SessionID:   uuid.NewString(),
		UserID:      userID,
		Amount:      amount,
		Currency:    currency,
		PaymentType: strings.TrimSpace(paymentType),
		Gateway:     gateway.None,
		Status:      StatusPendingUserInput,
		Metadata:    metadata,
	}
	if err := s.Repo.Create(ctx, &pi); err != nil {
		return PaymentIntent{}, err
	}
	s.Logger.Info().Str("session_id", pi.SessionID).Str("user_id", userID).
		Str("currency", currency).Msg("payment intent created")
	return pi, nil
}

// SubmitParams carries the payer details needed to route and initiate a payment.
type SubmitParams struct {
	CountryCode     string
	PaymentCurrency string
	PhoneNumber     string
	Operator        string
}

// SubmitDetails routes the intent to a gateway, freezes the charged amount and
// invokes the provider's initiate-payment call.
func (s *Service) SubmitDetails(ctx context.Context, sessionID string, p SubmitParams) (PaymentIntent, error) {
	if s == nil || s.Repo == nil || s.Convert == nil {
		return PaymentIntent{}, errors.New("intent service not configured")
	}
	ctx, span := otel.Tracer("intent.Service").Start(ctx, "IntentService.SubmitDetails")
	defer span.End()

	gwLabel := "none"
	result := "error"
	defer func() {
		span.SetAttributes(
			attribute.String("intent.gateway", gwLabel),
			attribute.String("intent.submit.result", result),
		)
		if obs.PaymentIntentTotal != nil {
			obs.PaymentIntentTotal.WithLabelValues(gwLabel, result).Inc()
		}
	}()

	pi, err := s.Repo.GetBySession(ctx, sessionID)
	if err != nil {
		return PaymentIntent{}, err
	}
	if pi.Status != StatusPendingUserInput {
		return PaymentIntent{}, common.InvalidStateError(fmt.Sprintf("intent in status %s cannot be submitted", pi.Status))
	}

	gw, err := gateway.Select(p.CountryCode, p.PaymentCurrency)
	if err != nil {
		return PaymentIntent{}, err
	}
	gwLabel = strings.ToLower(string(gw))
	adapter, ok := s.Adapters[gw]
	if !ok {
		return PaymentIntent{}, fmt.Errorf("no adapter registered for gateway %s", gw)
	}

	paymentCurrency := strings.ToUpper(strings.TrimSpace(p.PaymentCurrency))
	paid, err := s.Convert.Convert(ctx, pi.Amount, pi.Currency, paymentCurrency)
	if err != nil {
		return PaymentIntent{}, err
	}
	if !fx.IsCrypto(paymentCurrency) && paid.LessThan(decimal.NewFromInt(1)) {
		return PaymentIntent{}, common.ValidationError("converted amount is below one unit of the payment currency", nil)
	}

	pi.PaidAmount = decimal.NullDecimal{Decimal: paid, Valid: true}
	pi.PaidCurrency = paymentCurrency
	pi.Gateway = gw
	if err := s.Repo.SetSubmission(ctx, sessionID, &pi); err != nil {
		return PaymentIntent{}, err
	}

	res, err := adapter.InitiatePayment(ctx, gateway.PaymentRequest{
		SessionID:   sessionID,
		Amount:      paid,
		Currency:    paymentCurrency,
		CountryCode: strings.ToUpper(strings.TrimSpace(p.CountryCode)),
		PhoneNumber: p.PhoneNumber,
		Operator:    p.Operator,
		Description: pi.PaymentType,
		NotifyURL:   s.webhookURL("payments", gw),
		ReturnURL:   s.ReturnURL,
	})
	if err != nil {
		span.RecordError(err)
		if common.IsTransient(err) {
			// The provider may recover; the intent stays submittable.
			result = "transient"
			s.Logger.Warn().Err(err).Str("session_id", sessionID).Str("gateway", gwLabel).
				Msg("payment initiation transiently failed")
			return PaymentIntent{}, err
		}
		result = "rejected"
		if _, casErr := s.Repo.UpdateStatus(ctx, sessionID, StatusPendingUserInput, StatusError); casErr != nil {
			s.Logger.Error().Err(casErr).Str("session_id", sessionID).Msg("failed to record initiation error")
		}
		s.Logger.Error().Err(err).Str("session_id", sessionID).Str("gateway", gwLabel).
			Msg("payment initiation rejected")
		return PaymentIntent{}, err
	}

	if err := s.Repo.SetProviderRefs(ctx, sessionID, res.ProviderRef, res.CheckoutURL, res.DepositAddress); err != nil {
		return PaymentIntent{}, err
	}
	next := StatusPendingProvider
	if res.DepositAddress != "" {
		next = StatusWaitingForCryptoDeposit
	}
	if _, err := s.Repo.UpdateStatus(ctx, sessionID, StatusPendingUserInput, next); err != nil {
		return PaymentIntent{}, err
	}
	result = "success"
	s.Logger.Info().Str("session_id", sessionID).Str("gateway", gwLabel).
		Str("status", string(next)).Msg("payment initiated")
	return s.Repo.GetBySession(ctx, sessionID)
}

// ResetStatus returns an errored intent to its initial status so the caller
// can resubmit. Allowed only from the initiation-error status.
func (s *Service) ResetStatus(ctx context.Context, sessionID string) (PaymentIntent, error) {
	ok, err := s.Repo.ResetForRetry(ctx, sessionID)
	if err != nil {
		return PaymentIntent{}, err
	}
	if !ok {
		return PaymentIntent{}, common.InvalidStateError("only errored intents can be reset")
	}
	return s.Repo.GetBySession(ctx, sessionID)
}

// Get returns the intent together with its webhook history.
func (s *Service) Get(ctx context.Context, sessionID string) (PaymentIntent, []WebhookRecord, error) {
	pi, err := s.Repo.GetBySession(ctx, sessionID)
	if err != nil {
		return PaymentIntent{}, nil, err
	}
	history, err := s.Repo.ListEvents(ctx, sessionID)
	if err != nil {
		return PaymentIntent{}, nil, err
	}
	return pi, history, nil
}

// Archive soft-deletes an intent.
func (s *Service) Archive(ctx context.Context, sessionID string) error {
	return s.Repo.Archive(ctx, sessionID, s.clock())
}

// ApplyEvent reconciles one normalised provider webhook against the intent's
// state machine. The event is always appended to the webhook history; the
// status only moves along an allowed transition. Duplicate terminal events are
// accepted as no-ops so providers can retry deliveries safely.
func (s *Service) ApplyEvent(ctx context.Context, gw gateway.Gateway, ev gateway.PaymentEvent) error {
	pi, err := s.lookup(ctx, gw, ev)
	if err != nil {
		return err
	}

	target := s.targetStatus(pi, ev)
	if err := s.Repo.AppendEvent(ctx, pi.SessionID, target, ev.RawStatus, ev.Payload); err != nil {
		return err
	}

	if IsTerminal(pi.Status) {
		if target == pi.Status {
			s.Logger.Debug().Str("session_id", pi.SessionID).Str("status", string(pi.Status)).
				Msg("duplicate terminal webhook ignored")
			return nil
		}
		s.Logger.Warn().Str("session_id", pi.SessionID).Str("status", string(pi.Status)).
			Str("webhook_status", string(target)).Msg("webhook for terminal intent ignored")
		return nil
	}
	if target == pi.Status {
		return nil
	}
	if !CanTransition(pi.Status, target) {
		s.Logger.Warn().Str("session_id", pi.SessionID).Str("from", string(pi.Status)).
			Str("to", string(target)).Msg("illegal intent transition rejected")
		return nil
	}
	moved, err := s.Repo.UpdateStatus(ctx, pi.SessionID, pi.Status, target)
	if err != nil {
		return err
	}
	if !moved {
		// Lost a race with a concurrent update; the other writer owns the move.
		return nil
	}
	s.Logger.Info().Str("session_id", pi.SessionID).Str("from", string(pi.Status)).
		Str("to", string(target)).Msg("payment intent transitioned")
	if IsTerminal(target) {
		pi.Status = target
		s.notifyCompletion(ctx, pi)
	}
	return nil
}

func (s *Service) lookup(ctx context.Context, gw gateway.Gateway, ev gateway.PaymentEvent) (PaymentIntent, error) {
	if ev.SessionID != "" {
		pi, err := s.Repo.GetBySession(ctx, ev.SessionID)
		if err == nil {
			return pi, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return PaymentIntent{}, err
		}
	}
	if ev.ProviderRef != "" {
		return s.Repo.FindByProviderRef(ctx, gw, ev.ProviderRef)
	}
	return PaymentIntent{}, ErrNotFound
}

// targetStatus maps the three-bucket event vocabulary onto the intent state
// machine, widening the processing bucket into the crypto intermediate states
// for intents riding the crypto rail.
func (s *Service) targetStatus(pi PaymentIntent, ev gateway.PaymentEvent) Status {
	raw := strings.ToLower(strings.TrimSpace(ev.RawStatus))
	switch ev.Bucket {
	case gateway.EventSucceeded:
		return StatusSucceeded
	case gateway.EventFailed:
		if pi.Gateway == gateway.NowPayments && raw == "expired" {
			return StatusExpired
		}
		return StatusFailed
	default:
		if pi.Gateway == gateway.NowPayments {
			switch raw {
			case "waiting":
				return StatusWaitingForCryptoDeposit
			case "partially_paid":
				return StatusPartiallyPaid
			case "confirmed":
				return StatusConfirmed
			}
		}
		return StatusProcessing
	}
}

// notifyCompletion posts the terminal outcome to the originating service. One
// bounded synchronous attempt; failures are logged and never affect the intent.
func (s *Service) notifyCompletion(ctx context.Context, pi PaymentIntent) {
	target := s.callbackURL(pi.Metadata)
	if target == "" {
		return
	}
	timeout := s.CallbackTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload, err := json.Marshal(map[string]any{
		"sessionId": pi.SessionID,
		"status":    pi.Status,
		"metadata":  pi.Metadata,
	})
	if err != nil {
		s.Logger.Error().Err(err).Str("session_id", pi.SessionID).Msg("completion payload encoding failed")
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		s.Logger.Error().Err(err).Str("session_id", pi.SessionID).Str("url", target).
			Msg("completion hook request build failed")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	cl := s.HookClient
	if cl == nil {
		cl = http.DefaultClient
	}
	resp, err := cl.Do(req)
	if err != nil {
		s.Logger.Warn().Err(err).Str("session_id", pi.SessionID).Str("url", target).
			Msg("completion hook delivery failed")
		return
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		s.Logger.Warn().Int("status", resp.StatusCode).Str("session_id", pi.SessionID).
			Str("url", target).Msg("completion hook rejected")
	}
}

func (s *Service) callbackURL(metadata map[string]any) string {
	path, _ := metadata["callbackPath"].(string)
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	base, _ := metadata["originatingService"].(string)
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		return ""
	}
	return base + "/" + strings.TrimLeft(path, "/")
}

func (s *Service) webhookURL(kind string, gw gateway.Gateway) string {
	base := strings.TrimRight(s.NotifyBaseURL, "/")
	if base == "" {
		return ""
	}
	return fmt.Sprintf("%s/webhooks/%s/%s", base, kind, strings.ToLower(string(gw)))
}
