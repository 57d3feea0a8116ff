package gateway

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sikapay/backend-core/internal/common"
)

func TestSelectRoutesByCountry(t *testing.T) {
	cases := []struct {
		country string
		want    Gateway
	}{
		{"CM", CinetPay},
		{"ci", CinetPay},
		{" GA ", CinetPay},
		{"SN", PawaPay},
		{"KE", PawaPay},
		{"CD", PawaPay},
	}
	for _, tc := range cases {
		got, err := Select(tc.country, "XAF")
		require.NoError(t, err, tc.country)
		require.Equal(t, tc.want, got, tc.country)
	}
}

func TestSelectCryptoIgnoresCountry(t *testing.T) {
	got, err := Select("", "BTC")
	require.NoError(t, err)
	require.Equal(t, NowPayments, got)

	got, err = Select("ZZ", "usdt")
	require.NoError(t, err)
	require.Equal(t, NowPayments, got)
}

func TestSelectUnsupportedCountry(t *testing.T) {
	_, err := Select("FR", "EUR")
	var appErr *common.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, common.CodeUnsupportedCountry, appErr.Code)
}

func TestSelectRequiresCountryForFiat(t *testing.T) {
	_, err := Select("", "XAF")
	var appErr *common.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, common.CodeUnsupportedCountry, appErr.Code)
}

func TestSelectIsDeterministic(t *testing.T) {
	first, err := Select("GH", "GHS")
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		got, err := Select("GH", "GHS")
		require.NoError(t, err)
		require.Equal(t, first, got)
	}
}
