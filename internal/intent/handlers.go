package intent

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/sikapay/backend-core/internal/common"
)

// Handler exposes HTTP endpoints for the payment intent lifecycle.
type Handler struct {
	Svc      *Service
	Validate *validator.Validate
}

type createReq struct {
	Amount      decimal.Decimal `json:"amount" validate:"required"`
	Currency    string          `json:"currency" validate:"required,len=3|len=4"`
	PaymentType string          `json:"paymentType"`
	Metadata    map[string]any  `json:"metadata"`
}

type submitReq struct {
	CountryCode     string `json:"countryCode"`
	PaymentCurrency string `json:"paymentCurrency" validate:"required"`
	PhoneNumber     string `json:"phoneNumber"`
	Operator        string `json:"operator"`
}

type intentResp struct {
	SessionID      string              `json:"sessionId"`
	Status         Status              `json:"status"`
	Amount         decimal.Decimal     `json:"amount"`
	Currency       string              `json:"currency"`
	PaidAmount     decimal.NullDecimal `json:"paidAmount,omitempty"`
	PaidCurrency   string              `json:"paidCurrency,omitempty"`
	Gateway        string              `json:"gateway"`
	CheckoutURL    string              `json:"checkoutUrl,omitempty"`
	DepositAddress string              `json:"depositAddress,omitempty"`
	History        []WebhookRecord     `json:"webhookHistory,omitempty"`
}

func toResp(pi PaymentIntent, history []WebhookRecord) intentResp {
	return intentResp{
		SessionID:      pi.SessionID,
		Status:         pi.Status,
		Amount:         pi.Amount,
		Currency:       pi.Currency,
		PaidAmount:     pi.PaidAmount,
		PaidCurrency:   pi.PaidCurrency,
		Gateway:        string(pi.Gateway),
		CheckoutURL:    pi.GatewayCheckoutURL,
		DepositAddress: pi.DepositAddress,
		History:        history,
	}
}

// Create opens a payment intent for the authenticated user.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTENT_NOT_CONFIGURED", "intent handler unavailable", nil)
		return
	}
	userID, ok := common.UserID(r.Context())
	if !ok || strings.TrimSpace(userID) == "" {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "login required", nil)
		return
	}
	var req createReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid body", nil)
		return
	}
	if err := h.Validate.Struct(req); err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeValidation, err.Error(), nil)
		return
	}
	pi, err := h.Svc.CreateIntent(r.Context(), userID, req.Amount, req.Currency, req.PaymentType, req.Metadata)
	if err != nil {
		common.Error(w, err)
		return
	}
	common.JSON(w, http.StatusCreated, toResp(pi, nil))
}

// Submit attaches payer details and initiates the payment at the selected gateway.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(chi.URLParam(r, "sessionId"))
	if sessionID == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "sessionId is required", nil)
		return
	}
	var req submitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid body", nil)
		return
	}
	if err := h.Validate.Struct(req); err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeValidation, err.Error(), nil)
		return
	}
	pi, err := h.Svc.SubmitDetails(r.Context(), sessionID, SubmitParams{
		CountryCode:     req.CountryCode,
		PaymentCurrency: req.PaymentCurrency,
		PhoneNumber:     req.PhoneNumber,
		Operator:        req.Operator,
	})
	if err != nil {
		common.Error(w, err)
		return
	}
	common.JSON(w, http.StatusOK, toResp(pi, nil))
}

// Reset returns an errored intent to its initial status for resubmission.
func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(chi.URLParam(r, "sessionId"))
	if sessionID == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "sessionId is required", nil)
		return
	}
	pi, err := h.Svc.ResetStatus(r.Context(), sessionID)
	if err != nil {
		common.Error(w, err)
		return
	}
	common.JSON(w, http.StatusOK, toResp(pi, nil))
}

// Get returns the intent status plus its webhook history.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(chi.URLParam(r, "sessionId"))
	if sessionID == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "sessionId is required", nil)
		return
	}
	pi, history, err := h.Svc.Get(r.Context(), sessionID)
	if err != nil {
		common.Error(w, err)
		return
	}
	common.JSON(w, http.StatusOK, toResp(pi, history))
}

// Archive soft-deletes an intent. Admin only.
func (h *Handler) Archive(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(chi.URLParam(r, "sessionId"))
	if sessionID == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "sessionId is required", nil)
		return
	}
	if err := h.Svc.Archive(r.Context(), sessionID); err != nil {
		common.Error(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]string{"status": "archived"})
}
