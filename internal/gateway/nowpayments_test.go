package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func signIPN(t *testing.T, secret, sortedJSON string) string {
	t.Helper()
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write([]byte(sortedJSON))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestNowPaymentsParsePaymentEventVerifiesSortedSignature(t *testing.T) {
	a := &NowPaymentsAdapter{IPNSecret: "ipn-secret"}

	// keys deliberately out of order; the signature covers the sorted form
	body := []byte(`{"payment_status":"finished","order_id":"sess-9","payment_id":123}`)
	sorted := `{"order_id":"sess-9","payment_id":123,"payment_status":"finished"}`

	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments/nowpayments", nil)
	req.Header.Set("x-nowpayments-sig", signIPN(t, "ipn-secret", sorted))

	ev, err := a.ParsePaymentEvent(req, body)
	require.NoError(t, err)
	require.True(t, ev.Valid)
	require.Equal(t, "sess-9", ev.SessionID)
	require.Equal(t, "123", ev.ProviderRef)
	require.Equal(t, "finished", ev.RawStatus)
	require.Equal(t, EventSucceeded, ev.Bucket)
}

func TestNowPaymentsParsePaymentEventRejectsBadSignature(t *testing.T) {
	a := &NowPaymentsAdapter{IPNSecret: "ipn-secret"}
	body := []byte(`{"order_id":"sess-9","payment_id":123,"payment_status":"finished"}`)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments/nowpayments", nil)
	req.Header.Set("x-nowpayments-sig", "bad")
	ev, err := a.ParsePaymentEvent(req, body)
	require.NoError(t, err)
	require.False(t, ev.Valid)

	req.Header.Del("x-nowpayments-sig")
	ev, err = a.ParsePaymentEvent(req, body)
	require.NoError(t, err)
	require.False(t, ev.Valid)
}

func TestNowPaymentsParsePayoutEvent(t *testing.T) {
	a := &NowPaymentsAdapter{}
	body := []byte(`{"id":55,"extra_id":"tx-7","status":"FINISHED"}`)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/payouts/nowpayments", nil)
	ev, err := a.ParsePayoutEvent(req, body)
	require.NoError(t, err)
	require.True(t, ev.Valid)
	require.Equal(t, "tx-7", ev.TransactionID)
	require.Equal(t, "55", ev.ProviderRef)
	require.Equal(t, "FINISHED", ev.RawStatus)
}

func TestNowPaymentsStatusMapping(t *testing.T) {
	require.Equal(t, EventSucceeded, mapNowPaymentsStatus("finished"))
	require.Equal(t, EventFailed, mapNowPaymentsStatus("expired"))
	require.Equal(t, EventFailed, mapNowPaymentsStatus("refunded"))
	require.Equal(t, EventProcessing, mapNowPaymentsStatus("waiting"))
	require.Equal(t, EventProcessing, mapNowPaymentsStatus("partially_paid"))

	require.Equal(t, PayoutCompleted, mapNowPaymentsPayoutStatus("FINISHED"))
	require.Equal(t, PayoutFailed, mapNowPaymentsPayoutStatus("rejected"))
	require.Equal(t, PayoutPending, mapNowPaymentsPayoutStatus("sending"))
}

func TestNowPaymentsInitiatePaymentReturnsDepositAddress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/payment", r.URL.Path)
		require.Equal(t, "api-key", r.Header.Get("x-api-key"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"payment_id":900,"pay_address":"bc1qexample","payment_status":"waiting"}`))
	}))
	defer srv.Close()

	a := &NowPaymentsAdapter{APIKey: "api-key", BaseURL: srv.URL, HTTP: testHTTPClient(srv)}
	result, err := a.InitiatePayment(context.Background(), PaymentRequest{
		SessionID: "sess-9",
		Amount:    decimal.RequireFromString("0.005"),
		Currency:  "BTC",
	})
	require.NoError(t, err)
	require.Equal(t, "900", result.ProviderRef)
	require.Equal(t, "bc1qexample", result.DepositAddress)
}

func TestNowPaymentsCheckPayoutStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "tx-7", r.URL.Query().Get("extra_id"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"status":"finished"}]}`))
	}))
	defer srv.Close()

	a := &NowPaymentsAdapter{APIKey: "api-key", BaseURL: srv.URL, HTTP: testHTTPClient(srv)}
	check, err := a.CheckPayoutStatus(context.Background(), "tx-7")
	require.NoError(t, err)
	require.Equal(t, PayoutCompleted, check.Status)
}
