package intent

import (
	"bytes"
	"context"
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

func newTestRouter(svc *Service) *chi.Mux {
	h := &Handler{Svc: svc, Validate: validator.New()}
	r := chi.NewRouter()
	r.Post("/payments/intents", h.Create)
	r.Post("/payments/intents/{sessionId}/submit", h.Submit)
	r.Post("/payments/intents/{sessionId}/reset", h.Reset)
	r.Get("/payments/intents/{sessionId}", h.Get)
	return r
}

func doJSONRequest(router http.Handler, method, path string, body any, userID string) *httptest.ResponseRecorder {
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

func TestCreateHandlerRequiresAuth(t *testing.T) {
	router := newTestRouter(newIntentService(newMemRepo(), nil))
	rec := doJSONRequest(router, http.MethodPost, "/payments/intents", map[string]any{
		"amount": "10", "currency": "USD",
	}, "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateHandlerValidatesBody(t *testing.T) {
	router := newTestRouter(newIntentService(newMemRepo(), nil))

	rec := doJSONRequest(router, http.MethodPost, "/payments/intents", map[string]any{
		"amount": "10",
	}, "user-1")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSONRequest(router, http.MethodPost, "/payments/intents", map[string]any{
		"amount": "10", "currency": "TOOLONG",
	}, "user-1")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateHandlerReturnsIntent(t *testing.T) {
	router := newTestRouter(newIntentService(newMemRepo(), nil))

	rec := doJSONRequest(router, http.MethodPost, "/payments/intents", map[string]any{
		"amount": "25.50", "currency": "USD", "paymentType": "ORDER",
	}, "user-1")
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp struct {
		SessionID string `json:"sessionId"`
		Status    string `json:"status"`
		Currency  string `json:"currency"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.SessionID)
	require.Equal(t, string(StatusPendingUserInput), resp.Status)
	require.Equal(t, "USD", resp.Currency)
}

func TestSubmitHandlerFullFlow(t *testing.T) {
	repo := newMemRepo()
	adapter := &stubAdapter{gw: gateway.CinetPay, result: gateway.PaymentResult{
		ProviderRef: "tok-1",
		CheckoutURL: "https://checkout.example/tok-1",
	}}
	svc := newIntentService(repo, map[gateway.Gateway]gateway.Adapter{gateway.CinetPay: adapter})
	router := newTestRouter(svc)

	pi, err := svc.CreateIntent(context.Background(), "user-1", decimal.NewFromInt(10), "USD", "", nil)
	require.NoError(t, err)

	rec := doJSONRequest(router, http.MethodPost, "/payments/intents/"+pi.SessionID+"/submit", map[string]any{
		"countryCode": "CM", "paymentCurrency": "XAF", "phoneNumber": "670000000",
	}, "user-1")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Status      string `json:"status"`
		CheckoutURL string `json:"checkoutUrl"`
		Gateway     string `json:"gateway"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, string(StatusPendingProvider), resp.Status)
	require.Equal(t, "https://checkout.example/tok-1", resp.CheckoutURL)
	require.Equal(t, "CINETPAY", resp.Gateway)
}

func TestSubmitHandlerMapsDomainErrors(t *testing.T) {
	repo := newMemRepo()
	svc := newIntentService(repo, nil)
	router := newTestRouter(svc)

	pi, err := svc.CreateIntent(context.Background(), "user-1", decimal.NewFromInt(10), "USD", "", nil)
	require.NoError(t, err)

	rec := doJSONRequest(router, http.MethodPost, "/payments/intents/"+pi.SessionID+"/submit", map[string]any{
		"countryCode": "FR", "paymentCurrency": "EUR",
	}, "user-1")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	errObj, _ := body["error"].(map[string]any)
	require.Equal(t, common.CodeUnsupportedCountry, errObj["code"])
}

func TestGetHandlerUnknownSession(t *testing.T) {
	router := newTestRouter(newIntentService(newMemRepo(), nil))
	rec := doJSONRequest(router, http.MethodGet, "/payments/intents/missing", nil, "user-1")
	require.Equal(t, http.StatusNotFound, rec.Code)
}
