package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/sikapay/backend-core/internal/gateway"
	"github.com/sikapay/backend-core/internal/intent"
)

type fakeAdapter struct {
	gw gateway.Gateway
	ev gateway.PaymentEvent
}

func (a *fakeAdapter) Name() gateway.Gateway { return a.gw }

func (a *fakeAdapter) InitiatePayment(context.Context, gateway.PaymentRequest) (gateway.PaymentResult, error) {
	return gateway.PaymentResult{}, nil
}

func (a *fakeAdapter) InitiatePayout(context.Context, gateway.PayoutRequest) (gateway.PayoutResult, error) {
	return gateway.PayoutResult{}, nil
}

func (a *fakeAdapter) CheckPayoutStatus(context.Context, string) (gateway.PayoutCheck, error) {
	return gateway.PayoutCheck{}, nil
}

func (a *fakeAdapter) ParsePaymentEvent(_ *http.Request, body []byte) (gateway.PaymentEvent, error) {
	ev := a.ev
	ev.Payload = body
	return ev, nil
}

func (a *fakeAdapter) ParsePayoutEvent(*http.Request, []byte) (gateway.PayoutEvent, error) {
	return gateway.PayoutEvent{}, nil
}

type singleIntentRepo struct {
	mu sync.Mutex
	pi *intent.PaymentIntent
}

func (r *singleIntentRepo) Create(_ context.Context, pi *intent.PaymentIntent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *pi
	r.pi = &cp
	return nil
}

func (r *singleIntentRepo) GetBySession(_ context.Context, sessionID string) (intent.PaymentIntent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pi == nil || r.pi.SessionID != sessionID {
		return intent.PaymentIntent{}, intent.ErrNotFound
	}
	return *r.pi, nil
}

func (r *singleIntentRepo) FindByProviderRef(_ context.Context, gw gateway.Gateway, ref string) (intent.PaymentIntent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pi == nil || r.pi.Gateway != gw || r.pi.GatewayPaymentID != ref {
		return intent.PaymentIntent{}, intent.ErrNotFound
	}
	return *r.pi, nil
}

func (r *singleIntentRepo) SetSubmission(context.Context, string, *intent.PaymentIntent) error {
	return nil
}

func (r *singleIntentRepo) SetProviderRefs(context.Context, string, string, string, string) error {
	return nil
}

func (r *singleIntentRepo) UpdateStatus(_ context.Context, sessionID string, from, to intent.Status) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pi == nil || r.pi.SessionID != sessionID || r.pi.Status != from {
		return false, nil
	}
	r.pi.Status = to
	return true, nil
}

func (r *singleIntentRepo) ResetForRetry(context.Context, string) (bool, error) { return false, nil }

func (r *singleIntentRepo) AppendEvent(context.Context, string, intent.Status, string, []byte) error {
	return nil
}

func (r *singleIntentRepo) ListEvents(context.Context, string) ([]intent.WebhookRecord, error) {
	return nil, nil
}

func (r *singleIntentRepo) Archive(context.Context, string, time.Time) error { return nil }

func (r *singleIntentRepo) status() intent.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pi == nil {
		return ""
	}
	return r.pi.Status
}

func newIngress(t *testing.T, adapter gateway.Adapter, repo intent.Repo) (Ingress, *chi.Mux) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ingress := Ingress{
		Intents: &intent.Service{Repo: repo, Logger: zerolog.Nop()},
		Adapters: map[gateway.Gateway]gateway.Adapter{
			adapter.Name(): adapter,
		},
		Replay:    client,
		ReplayTTL: time.Hour,
		Logger:    zerolog.Nop(),
	}
	router := chi.NewRouter()
	ingress.Routes(router)
	return ingress, router
}

func postWebhook(router http.Handler, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestPaymentWebhookUnknownProvider(t *testing.T) {
	adapter := &fakeAdapter{gw: gateway.CinetPay}
	_, router := newIngress(t, adapter, &singleIntentRepo{})

	rec := postWebhook(router, "/webhooks/payments/stripe", []byte(`{}`))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPaymentWebhookRejectedWhenInvalid(t *testing.T) {
	adapter := &fakeAdapter{gw: gateway.CinetPay, ev: gateway.PaymentEvent{Valid: false}}
	_, router := newIngress(t, adapter, &singleIntentRepo{})

	rec := postWebhook(router, "/webhooks/payments/cinetpay", []byte(`{}`))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	errObj, _ := body["error"].(map[string]any)
	require.Equal(t, "WEBHOOK_REJECTED", errObj["code"])
}

func TestPaymentWebhookProcessed(t *testing.T) {
	repo := &singleIntentRepo{}
	require.NoError(t, repo.Create(context.Background(), &intent.PaymentIntent{
		SessionID: "sess-1",
		Gateway:   gateway.CinetPay,
		Status:    intent.StatusPendingProvider,
	}))
	adapter := &fakeAdapter{gw: gateway.CinetPay, ev: gateway.PaymentEvent{
		Valid:     true,
		SessionID: "sess-1",
		RawStatus: "ACCEPTED",
		Bucket:    gateway.EventSucceeded,
	}}
	_, router := newIngress(t, adapter, repo)

	rec := postWebhook(router, "/webhooks/payments/cinetpay", []byte(`{"cpm_trans_id":"sess-1"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, intent.StatusSucceeded, repo.status())
}

func TestPaymentWebhookDuplicateShortCircuits(t *testing.T) {
	repo := &singleIntentRepo{}
	require.NoError(t, repo.Create(context.Background(), &intent.PaymentIntent{
		SessionID: "sess-1",
		Gateway:   gateway.CinetPay,
		Status:    intent.StatusPendingProvider,
	}))
	adapter := &fakeAdapter{gw: gateway.CinetPay, ev: gateway.PaymentEvent{
		Valid:     true,
		SessionID: "sess-1",
		RawStatus: "ACCEPTED",
		Bucket:    gateway.EventSucceeded,
	}}
	_, router := newIngress(t, adapter, repo)

	body := []byte(`{"cpm_trans_id":"sess-1","cpm_trans_status":"ACCEPTED"}`)
	first := postWebhook(router, "/webhooks/payments/cinetpay", body)
	require.Equal(t, http.StatusOK, first.Code)

	second := postWebhook(router, "/webhooks/payments/cinetpay", body)
	require.Equal(t, http.StatusOK, second.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &resp))
	require.Equal(t, "duplicate", resp["status"])
}

func TestPaymentWebhookUnmatchedIsAcknowledged(t *testing.T) {
	adapter := &fakeAdapter{gw: gateway.CinetPay, ev: gateway.PaymentEvent{
		Valid:     true,
		SessionID: "no-such-session",
		Bucket:    gateway.EventSucceeded,
	}}
	_, router := newIngress(t, adapter, &singleIntentRepo{})

	rec := postWebhook(router, "/webhooks/payments/cinetpay", []byte(`{}`))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "ignored", resp["status"])
}

func TestReplayGuardOutageDoesNotBlockProcessing(t *testing.T) {
	repo := &singleIntentRepo{}
	require.NoError(t, repo.Create(context.Background(), &intent.PaymentIntent{
		SessionID: "sess-1",
		Gateway:   gateway.CinetPay,
		Status:    intent.StatusPendingProvider,
	}))
	adapter := &fakeAdapter{gw: gateway.CinetPay, ev: gateway.PaymentEvent{
		Valid:     true,
		SessionID: "sess-1",
		Bucket:    gateway.EventSucceeded,
	}}
	ingress, router := newIngress(t, adapter, repo)
	require.NoError(t, ingress.Replay.Close())

	rec := postWebhook(router, "/webhooks/payments/cinetpay", []byte(`{}`))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, intent.StatusSucceeded, repo.status())
}
