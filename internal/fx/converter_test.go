package fx

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/sikapay/backend-core/internal/common"
	"github.com/sikapay/backend-core/internal/obs"
)

type stubSource struct {
	rate decimal.Decimal
	err  error
}

func (s stubSource) Rate(context.Context, string, string) (decimal.Decimal, error) {
	return s.rate, s.err
}

func newConverter(primary, fallback RateSource) Converter {
	return Converter{
		Primary:         primary,
		Fallback:        fallback,
		DisplayCurrency: "USD",
		Logger:          zerolog.Nop(),
	}
}

func TestConvertSameCurrencyRoundsWithoutLookup(t *testing.T) {
	c := newConverter(stubSource{err: errors.New("must not be called")}, nil)

	got, err := c.Convert(context.Background(), decimal.RequireFromString("100.456"), "USD", "USD")
	require.NoError(t, err)
	require.True(t, got.Equal(decimal.RequireFromString("100.46")), got.String())
}

func TestConvertPeggedPairSkipsRateLookup(t *testing.T) {
	c := newConverter(stubSource{err: errors.New("must not be called")}, nil)

	got, err := c.Convert(context.Background(), decimal.RequireFromString("5000.4"), "XAF", "XOF")
	require.NoError(t, err)
	require.True(t, got.Equal(decimal.NewFromInt(5000)), got.String())
}

func TestConvertUsesPrimarySource(t *testing.T) {
	c := newConverter(stubSource{rate: decimal.RequireFromString("600")}, stubSource{err: errors.New("down")})

	got, err := c.Convert(context.Background(), decimal.NewFromInt(10), "USD", "XAF")
	require.NoError(t, err)
	require.True(t, got.Equal(decimal.NewFromInt(6000)), got.String())
}

func TestConvertFallsBackWhenPrimaryFails(t *testing.T) {
	c := newConverter(
		stubSource{err: common.ProviderTransientError("primary down", nil)},
		stubSource{rate: decimal.RequireFromString("655.5")},
	)

	got, err := c.Convert(context.Background(), decimal.NewFromInt(2), "USD", "XAF")
	require.NoError(t, err)
	require.True(t, got.Equal(decimal.NewFromInt(1311)), got.String())
}

func TestConvertDegradesToParityWhenAllSourcesFail(t *testing.T) {
	obs.MustRegisterDomainMetrics("fxtest", prometheus.NewRegistry())
	c := newConverter(
		stubSource{err: common.ProviderTransientError("primary down", nil)},
		stubSource{err: common.ProviderTransientError("fallback down", nil)},
	)

	got, err := c.Convert(context.Background(), decimal.RequireFromString("123.7"), "USD", "XAF")
	require.NoError(t, err)
	require.True(t, got.Equal(decimal.NewFromInt(124)), got.String())
}

type pairSource map[[2]string]decimal.Decimal

func (s pairSource) Rate(_ context.Context, from, to string) (decimal.Decimal, error) {
	rate, ok := s[[2]string{from, to}]
	if !ok {
		return decimal.Zero, common.ProviderTransientError("no rate for pair", nil)
	}
	return rate, nil
}

func TestConvertRoundTripStaysWithinTolerance(t *testing.T) {
	rates := pairSource{
		{"USD", "XAF"}: decimal.RequireFromString("600"),
		{"XAF", "USD"}: decimal.RequireFromString("0.00166667"),
		{"USD", "GHS"}: decimal.RequireFromString("15.5"),
		{"GHS", "USD"}: decimal.RequireFromString("0.064516"),
	}
	c := newConverter(rates, nil)

	for _, pair := range [][2]string{{"USD", "XAF"}, {"USD", "GHS"}} {
		amount := decimal.NewFromInt(100)
		there, err := c.Convert(context.Background(), amount, pair[0], pair[1])
		require.NoError(t, err)
		back, err := c.Convert(context.Background(), there, pair[1], pair[0])
		require.NoError(t, err)
		drift := back.Sub(amount).Abs()
		require.True(t, drift.LessThanOrEqual(decimal.RequireFromString("0.5")),
			"%s->%s round trip drifted to %s", pair[0], pair[1], back.String())
	}
}

func TestConvertCryptoKeepsEightDecimals(t *testing.T) {
	c := newConverter(stubSource{rate: decimal.RequireFromString("0.0000091234567")}, nil)

	got, err := c.Convert(context.Background(), decimal.NewFromInt(1), "USD", "BTC")
	require.NoError(t, err)
	require.True(t, got.Equal(decimal.RequireFromString("0.00000912")), got.String())
}

func TestConvertRejectsCryptoAmountRoundingToZero(t *testing.T) {
	c := newConverter(stubSource{rate: decimal.RequireFromString("0.000000001")}, nil)

	_, err := c.Convert(context.Background(), decimal.NewFromInt(1), "USD", "BTC")
	var appErr *common.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, common.CodeValidation, appErr.Code)
}

func TestConvertRequiresCurrencyCodes(t *testing.T) {
	c := newConverter(nil, nil)

	_, err := c.Convert(context.Background(), decimal.NewFromInt(1), "", "XAF")
	var appErr *common.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, common.CodeValidation, appErr.Code)
}

func TestIsCrypto(t *testing.T) {
	require.True(t, IsCrypto("btc"))
	require.True(t, IsCrypto(" USDT "))
	require.False(t, IsCrypto("XAF"))
	require.False(t, IsCrypto(""))
}

func TestConvertAPIRate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/convert", r.URL.Path)
		require.Equal(t, "USD", r.URL.Query().Get("from"))
		require.Equal(t, "XAF", r.URL.Query().Get("to"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"result":612.34}`))
	}))
	defer srv.Close()

	source := ConvertAPI{BaseURL: srv.URL, Client: srv.Client()}
	rate, err := source.Rate(context.Background(), "USD", "XAF")
	require.NoError(t, err)
	require.True(t, rate.Equal(decimal.RequireFromString("612.34")), rate.String())
}

func TestConvertAPIRateRejectsUnusableBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":false,"result":0}`))
	}))
	defer srv.Close()

	source := ConvertAPI{BaseURL: srv.URL, Client: srv.Client()}
	_, err := source.Rate(context.Background(), "USD", "XAF")
	require.Error(t, err)
	require.True(t, common.IsTransient(err))
}

func TestLatestRatesAPIRate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/latest/USD", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result":"success","rates":{"XOF":598.2,"XAF":598.2}}`))
	}))
	defer srv.Close()

	source := LatestRatesAPI{BaseURL: srv.URL, Client: srv.Client()}
	rate, err := source.Rate(context.Background(), "USD", "XOF")
	require.NoError(t, err)
	require.True(t, rate.Equal(decimal.RequireFromString("598.2")), rate.String())
}

func TestLatestRatesAPIRateMissingPair(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result":"success","rates":{"EUR":0.91}}`))
	}))
	defer srv.Close()

	source := LatestRatesAPI{BaseURL: srv.URL, Client: srv.Client()}
	_, err := source.Rate(context.Background(), "USD", "XAF")
	require.Error(t, err)
	require.True(t, common.IsTransient(err))
}
