package withdrawal

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/sikapay/backend-core/internal/common"
)

// Handler exposes HTTP endpoints for the withdrawal lifecycle.
type Handler struct {
	Svc      *Service
	Validate *validator.Validate
}

type initiateReq struct {
	Amount decimal.Decimal `json:"amount" validate:"required"`
}

type verifyReq struct {
	Code string `json:"code" validate:"required,len=6,numeric"`
}

type adminWithdrawReq struct {
	UserID string          `json:"userId" validate:"required"`
	Amount decimal.Decimal `json:"amount" validate:"required"`
}

type adminPayoutReq struct {
	Amount        decimal.Decimal `json:"amount" validate:"required"`
	Currency      string          `json:"currency" validate:"required"`
	CountryCode   string          `json:"countryCode"`
	PhoneNumber   string          `json:"phoneNumber"`
	Operator      string          `json:"operator"`
	CryptoAddress string          `json:"cryptoAddress"`
}

type txResp struct {
	TransactionID string          `json:"transactionId"`
	Status        Status          `json:"status"`
	Amount        decimal.Decimal `json:"amount"`
	Fee           decimal.Decimal `json:"fee"`
	Currency      string          `json:"currency"`
	NetAmount     decimal.Decimal `json:"netAmount"`
	NetCurrency   string          `json:"netCurrency"`
	Gateway       string          `json:"gateway"`
	OTPExpiry     any             `json:"otpExpiry,omitempty"`
	FailureReason string          `json:"failureReason,omitempty"`
}

func toResp(t Transaction) txResp {
	resp := txResp{
		TransactionID: t.TransactionID,
		Status:        t.Status,
		Amount:        t.Amount,
		Fee:           t.Fee,
		Currency:      t.Currency,
		NetAmount:     t.Payout.NetAmount,
		NetCurrency:   t.Payout.Currency,
		Gateway:       string(t.Payout.Gateway),
		FailureReason: t.FailureReason,
	}
	if t.OTPExpiry != nil {
		resp.OTPExpiry = t.OTPExpiry
	}
	return resp
}

func (h *Handler) authedUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := common.UserID(r.Context())
	if !ok || strings.TrimSpace(userID) == "" {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "login required", nil)
		return "", false
	}
	return userID, true
}

// Initiate creates a withdrawal and issues the OTP challenge.
func (h *Handler) Initiate(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "WITHDRAWAL_NOT_CONFIGURED", "withdrawal handler unavailable", nil)
		return
	}
	userID, ok := h.authedUser(w, r)
	if !ok {
		return
	}
	var req initiateReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid body", nil)
		return
	}
	if err := h.Validate.Struct(req); err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeValidation, err.Error(), nil)
		return
	}
	t, err := h.Svc.Initiate(r.Context(), userID, req.Amount)
	if err != nil {
		common.Error(w, err)
		return
	}
	common.JSON(w, http.StatusCreated, toResp(t))
}

// Verify checks the OTP and starts the payout.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authedUser(w, r)
	if !ok {
		return
	}
	transactionID := strings.TrimSpace(chi.URLParam(r, "transactionId"))
	if transactionID == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "transactionId is required", nil)
		return
	}
	var req verifyReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid body", nil)
		return
	}
	if err := h.Validate.Struct(req); err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeValidation, err.Error(), nil)
		return
	}
	t, err := h.Svc.Verify(r.Context(), userID, transactionID, req.Code)
	if err != nil {
		common.Error(w, err)
		return
	}
	common.JSON(w, http.StatusOK, toResp(t))
}

// Cancel aborts a withdrawal still awaiting its OTP.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authedUser(w, r)
	if !ok {
		return
	}
	transactionID := strings.TrimSpace(chi.URLParam(r, "transactionId"))
	if transactionID == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "transactionId is required", nil)
		return
	}
	t, err := h.Svc.Cancel(r.Context(), userID, transactionID, false)
	if err != nil {
		common.Error(w, err)
		return
	}
	common.JSON(w, http.StatusOK, toResp(t))
}

// Get returns the caller's withdrawal.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authedUser(w, r)
	if !ok {
		return
	}
	transactionID := strings.TrimSpace(chi.URLParam(r, "transactionId"))
	if transactionID == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "transactionId is required", nil)
		return
	}
	t, err := h.Svc.Get(r.Context(), userID, transactionID, false)
	if err != nil {
		common.Error(w, err)
		return
	}
	common.JSON(w, http.StatusOK, toResp(t))
}

// AdminWithdraw creates a withdrawal on behalf of a user without the OTP
// challenge.
func (h *Handler) AdminWithdraw(w http.ResponseWriter, r *http.Request) {
	adminID, ok := h.authedUser(w, r)
	if !ok {
		return
	}
	var req adminWithdrawReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid body", nil)
		return
	}
	if err := h.Validate.Struct(req); err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeValidation, err.Error(), nil)
		return
	}
	t, err := h.Svc.AdminUserWithdrawal(r.Context(), adminID, req.UserID, req.Amount)
	if err != nil {
		common.Error(w, err)
		return
	}
	common.JSON(w, http.StatusCreated, toResp(t))
}

// AdminPayout dispatches a direct payout with no backing user withdrawal.
func (h *Handler) AdminPayout(w http.ResponseWriter, r *http.Request) {
	adminID, ok := h.authedUser(w, r)
	if !ok {
		return
	}
	var req adminPayoutReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid body", nil)
		return
	}
	if err := h.Validate.Struct(req); err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeValidation, err.Error(), nil)
		return
	}
	t, err := h.Svc.AdminDirectPayout(r.Context(), adminID, AdminDirectPayoutParams{
		Amount:        req.Amount,
		Currency:      req.Currency,
		CountryCode:   req.CountryCode,
		PhoneNumber:   req.PhoneNumber,
		Operator:      req.Operator,
		CryptoAddress: req.CryptoAddress,
	})
	if err != nil {
		common.Error(w, err)
		return
	}
	common.JSON(w, http.StatusCreated, toResp(t))
}

// AdminGet returns any transaction without the ownership check.
func (h *Handler) AdminGet(w http.ResponseWriter, r *http.Request) {
	transactionID := strings.TrimSpace(chi.URLParam(r, "transactionId"))
	if transactionID == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "transactionId is required", nil)
		return
	}
	t, err := h.Svc.Get(r.Context(), "", transactionID, true)
	if err != nil {
		common.Error(w, err)
		return
	}
	common.JSON(w, http.StatusOK, toResp(t))
}
