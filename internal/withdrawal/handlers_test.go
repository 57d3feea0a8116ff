package withdrawal

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/sikapay/backend-core/internal/common"
	"github.com/sikapay/backend-core/internal/gateway"
)

func newWithdrawalRouter(svc *Service) *chi.Mux {
	h := &Handler{Svc: svc, Validate: validator.New()}
	r := chi.NewRouter()
	r.Post("/withdrawals", h.Initiate)
	r.Post("/withdrawals/{transactionId}/verify", h.Verify)
	r.Post("/withdrawals/{transactionId}/cancel", h.Cancel)
	r.Get("/withdrawals/{transactionId}", h.Get)
	r.Post("/admin/withdrawals", h.AdminWithdraw)
	r.Post("/admin/payouts", h.AdminPayout)
	r.Get("/admin/transactions/{transactionId}", h.AdminGet)
	return r
}

func doWithdrawalRequest(router http.Handler, method, path string, body any, userID string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if userID != "" {
		req = req.WithContext(common.WithUserID(req.Context(), userID))
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestInitiateHandlerRequiresAuth(t *testing.T) {
	svc := newTestService(t, newMemTxRepo(), &stubAccounts{}, &stubNotifier{}, &stubPayoutAdapter{gw: gateway.CinetPay})
	router := newWithdrawalRouter(svc)

	rec := doWithdrawalRequest(router, http.MethodPost, "/withdrawals", map[string]any{"amount": "1000"}, "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestInitiateHandlerCreatesWithdrawal(t *testing.T) {
	accounts := &stubAccounts{balance: decimal.NewFromInt(100000), details: momoDetails()}
	svc := newTestService(t, newMemTxRepo(), accounts, &stubNotifier{}, &stubPayoutAdapter{gw: gateway.CinetPay})
	router := newWithdrawalRouter(svc)

	rec := doWithdrawalRequest(router, http.MethodPost, "/withdrawals", map[string]any{"amount": "5000"}, "user-1")
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp struct {
		TransactionID string `json:"transactionId"`
		Status        string `json:"status"`
		Amount        string `json:"amount"`
		Fee           string `json:"fee"`
		NetAmount     string `json:"netAmount"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.TransactionID)
	require.Equal(t, string(StatusPendingOTP), resp.Status)
	require.Equal(t, "5125", resp.Amount)
	require.Equal(t, "125", resp.Fee)
	require.Equal(t, "5000", resp.NetAmount)
}

func TestInitiateHandlerMapsInsufficientBalance(t *testing.T) {
	accounts := &stubAccounts{balance: decimal.NewFromInt(100), details: momoDetails()}
	svc := newTestService(t, newMemTxRepo(), accounts, &stubNotifier{}, &stubPayoutAdapter{gw: gateway.CinetPay})
	router := newWithdrawalRouter(svc)

	rec := doWithdrawalRequest(router, http.MethodPost, "/withdrawals", map[string]any{"amount": "5000"}, "user-1")
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	errObj, _ := body["error"].(map[string]any)
	require.Equal(t, common.CodeInsufficientBalance, errObj["code"])
}

func TestVerifyHandlerValidatesCode(t *testing.T) {
	accounts := &stubAccounts{balance: decimal.NewFromInt(100000), details: momoDetails()}
	svc := newTestService(t, newMemTxRepo(), accounts, &stubNotifier{}, &stubPayoutAdapter{gw: gateway.CinetPay})
	router := newWithdrawalRouter(svc)

	rec := doWithdrawalRequest(router, http.MethodPost, "/withdrawals/tx-1/verify", map[string]any{"code": "12ab"}, "user-1")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVerifyHandlerHappyPath(t *testing.T) {
	repo := newMemTxRepo()
	accounts := &stubAccounts{balance: decimal.NewFromInt(100000), details: momoDetails()}
	notifier := &stubNotifier{}
	svc := newTestService(t, repo, accounts, notifier, &stubPayoutAdapter{gw: gateway.CinetPay})
	router := newWithdrawalRouter(svc)

	rec := doWithdrawalRequest(router, http.MethodPost, "/withdrawals", map[string]any{"amount": "5000"}, "user-1")
	require.Equal(t, http.StatusCreated, rec.Code)
	var created struct {
		TransactionID string `json:"transactionId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = doWithdrawalRequest(router, http.MethodPost, "/withdrawals/"+created.TransactionID+"/verify",
		map[string]any{"code": notifier.lastOTP(t)}, "user-1")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, string(StatusPending), resp.Status)
}

func TestGetHandlerHidesOtherUsersTransactions(t *testing.T) {
	repo := newMemTxRepo()
	accounts := &stubAccounts{balance: decimal.NewFromInt(100000), details: momoDetails()}
	svc := newTestService(t, repo, accounts, &stubNotifier{}, &stubPayoutAdapter{gw: gateway.CinetPay})
	router := newWithdrawalRouter(svc)

	rec := doWithdrawalRequest(router, http.MethodPost, "/withdrawals", map[string]any{"amount": "2000"}, "user-1")
	require.Equal(t, http.StatusCreated, rec.Code)
	var created struct {
		TransactionID string `json:"transactionId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = doWithdrawalRequest(router, http.MethodGet, "/withdrawals/"+created.TransactionID, nil, "user-2")
	require.Equal(t, http.StatusNotFound, rec.Code)

	// admin lookup bypasses the ownership check
	rec = doWithdrawalRequest(router, http.MethodGet, "/admin/transactions/"+created.TransactionID, nil, "admin-1")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminPayoutHandler(t *testing.T) {
	repo := newMemTxRepo()
	adapter := &stubPayoutAdapter{gw: gateway.CinetPay, check: gateway.PayoutCheck{Status: gateway.PayoutCompleted}}
	svc := newTestService(t, repo, &stubAccounts{}, &stubNotifier{}, adapter)
	router := newWithdrawalRouter(svc)

	rec := doWithdrawalRequest(router, http.MethodPost, "/admin/payouts", map[string]any{
		"amount": "3000", "currency": "XAF", "countryCode": "CM", "phoneNumber": "670000000", "operator": "MTN",
	}, "admin-1")
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp struct {
		TransactionID string `json:"transactionId"`
		Gateway       string `json:"gateway"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.TransactionID)
	require.Equal(t, "CINETPAY", resp.Gateway)
}
