package webhook

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/sikapay/backend-core/internal/common"
	"github.com/sikapay/backend-core/internal/gateway"
	"github.com/sikapay/backend-core/internal/intent"
	"github.com/sikapay/backend-core/internal/obs"
	"github.com/sikapay/backend-core/internal/withdrawal"
)

// Ingress receives provider callbacks for payments and payouts. Providers
// deliver at least once and out of order; the domain services are idempotent,
// and an exact byte-level replay is short-circuited in Redis. Once a payload
// is durably recorded the response is always an acknowledgment, so provider
// retry storms are never triggered by internal post-processing failures.
type Ingress struct {
	Intents     *intent.Service
	Withdrawals *withdrawal.Service
	Adapters    map[gateway.Gateway]gateway.Adapter
	Replay      *redis.Client
	ReplayTTL   time.Duration
	Logger      zerolog.Logger
}

func (h Ingress) adapterFor(r *http.Request) (gateway.Adapter, string, bool) {
	key := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "provider")))
	for gw, adapter := range h.Adapters {
		if strings.ToLower(string(gw)) == key {
			return adapter, key, true
		}
	}
	return nil, key, false
}

// seen marks the payload in the replay guard, reporting true for a duplicate.
func (h Ingress) seen(r *http.Request, kind, providerKey string, body []byte) bool {
	if h.Replay == nil || h.ReplayTTL <= 0 {
		return false
	}
	key := fmt.Sprintf("wh:%s:%s:%s", kind, providerKey, common.Sha256Hex(string(body)))
	ok, err := h.Replay.SetNX(r.Context(), key, "1", h.ReplayTTL).Result()
	if err != nil {
		// The guard is an optimisation; the domain layer is idempotent anyway.
		h.Logger.Warn().Err(err).Msg("webhook replay guard unavailable")
		return false
	}
	return !ok
}

// Payment handles an inbound-payment callback for one provider.
func (h Ingress) Payment(w http.ResponseWriter, r *http.Request) {
	adapter, providerKey, ok := h.adapterFor(r)
	if !ok {
		common.JSONError(w, http.StatusNotFound, "PROVIDER_NOT_SUPPORTED", "unknown provider", nil)
		return
	}
	result := "error"
	defer func() {
		if obs.PaymentWebhookTotal != nil {
			obs.PaymentWebhookTotal.WithLabelValues(providerKey, result).Inc()
		}
	}()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "INVALID_BODY", "unable to read payload", nil)
		return
	}
	ev, err := adapter.ParsePaymentEvent(r, body)
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "WEBHOOK_INVALID", err.Error(), nil)
		return
	}
	if !ev.Valid {
		result = "rejected"
		h.Logger.Warn().Err(ev.Err).Str("provider", providerKey).Msg("payment webhook rejected")
		common.JSONError(w, http.StatusUnauthorized, "WEBHOOK_REJECTED", "webhook failed verification", nil)
		return
	}
	if h.seen(r, "pay", providerKey, body) {
		result = "duplicate"
		common.JSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}
	if err := h.Intents.ApplyEvent(r.Context(), adapter.Name(), ev); err != nil {
		if errors.Is(err, intent.ErrNotFound) {
			// Nothing for the provider to fix; acknowledge and move on.
			result = "unmatched"
			h.Logger.Warn().Str("provider", providerKey).Str("session_id", ev.SessionID).
				Msg("payment webhook matched no intent")
			common.JSON(w, http.StatusOK, map[string]string{"status": "ignored"})
			return
		}
		h.Logger.Error().Err(err).Str("provider", providerKey).Msg("payment webhook processing failed")
		common.JSONError(w, http.StatusInternalServerError, "WEBHOOK_ERROR", "processing failed", nil)
		return
	}
	result = "processed"
	common.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Payout handles a payout callback for one provider. The claimed status is
// recorded but never trusted; settlement happens only from the verified
// server-to-server re-check inside the withdrawal service.
func (h Ingress) Payout(w http.ResponseWriter, r *http.Request) {
	adapter, providerKey, ok := h.adapterFor(r)
	if !ok {
		common.JSONError(w, http.StatusNotFound, "PROVIDER_NOT_SUPPORTED", "unknown provider", nil)
		return
	}
	result := "error"
	defer func() {
		if obs.PayoutWebhookTotal != nil {
			obs.PayoutWebhookTotal.WithLabelValues(providerKey, result).Inc()
		}
	}()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "INVALID_BODY", "unable to read payload", nil)
		return
	}
	ev, err := adapter.ParsePayoutEvent(r, body)
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "WEBHOOK_INVALID", err.Error(), nil)
		return
	}
	if !ev.Valid {
		result = "rejected"
		h.Logger.Warn().Err(ev.Err).Str("provider", providerKey).Msg("payout webhook rejected")
		common.JSONError(w, http.StatusUnauthorized, "WEBHOOK_REJECTED", "webhook failed verification", nil)
		return
	}
	if h.seen(r, "payout", providerKey, body) {
		result = "duplicate"
		common.JSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}
	if err := h.Withdrawals.ReconcilePayoutEvent(r.Context(), adapter.Name(), ev); err != nil {
		if errors.Is(err, withdrawal.ErrNotFound) {
			result = "unmatched"
			h.Logger.Warn().Str("provider", providerKey).Str("transaction_id", ev.TransactionID).
				Msg("payout webhook matched no transaction")
			common.JSON(w, http.StatusOK, map[string]string{"status": "ignored"})
			return
		}
		h.Logger.Error().Err(err).Str("provider", providerKey).Msg("payout webhook processing failed")
		common.JSONError(w, http.StatusInternalServerError, "WEBHOOK_ERROR", "processing failed", nil)
		return
	}
	result = "processed"
	common.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Routes mounts the ingress endpoints on a chi router.
func (h Ingress) Routes(r chi.Router) {
	r.Post("/webhooks/payments/{provider}", h.Payment)
	r.Post("/webhooks/payouts/{provider}", h.Payout)
}
