package fx

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/sikapay/backend-core/internal/common"
	"github.com/sikapay/backend-core/internal/obs"
)

// cryptoAssets enumerates the crypto symbols the platform settles in.
var cryptoAssets = map[string]bool{
	"BTC":  true,
	"ETH":  true,
	"LTC":  true,
	"USDT": true,
	"USDC": true,
}

// peggedPairs lists currency pairs with a fixed 1:1 exchange rate. XAF and XOF
// are both pegged to the euro at the same parity, so no rate lookup is needed.
var peggedPairs = map[[2]string]bool{
	{"XAF", "XOF"}: true,
	{"XOF", "XAF"}: true,
}

// IsCrypto reports whether the currency code denotes a supported crypto asset.
func IsCrypto(code string) bool {
	return cryptoAssets[strings.ToUpper(strings.TrimSpace(code))]
}

// Converter converts amounts between currency codes using a primary rate
// source, a fallback source, and a degraded 1:1 default. Conversion always
// produces a usable number; only rounding violations are surfaced as errors.
type Converter struct {
	Primary  RateSource
	Fallback RateSource
	// DisplayCurrency is the one fiat currency that keeps 2 decimal places.
	DisplayCurrency string
	Logger          zerolog.Logger
}

// Convert returns amount expressed in the destination currency, rounded per
// the destination's currency class.
func (c Converter) Convert(ctx context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, error) {
	from = strings.ToUpper(strings.TrimSpace(from))
	to = strings.ToUpper(strings.TrimSpace(to))
	if from == "" || to == "" {
		return decimal.Zero, common.ValidationError("currency codes are required", nil)
	}
	if from == to || peggedPairs[[2]string{from, to}] {
		return c.round(amount, from, to)
	}

	rate, err := c.lookupRate(ctx, from, to)
	if err != nil {
		// Degraded behaviour: both sources unreachable. Conversion must still
		// yield a usable number, so fall back to parity and record it.
		c.Logger.Warn().Err(err).Str("from", from).Str("to", to).Msg("conversion_degraded_to_parity")
		if obs.ConversionFallbackTotal != nil {
			obs.ConversionFallbackTotal.Inc()
		}
		rate = decimal.NewFromInt(1)
	}
	return c.round(amount.Mul(rate), from, to)
}

func (c Converter) lookupRate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	if c.Primary != nil {
		rate, err := c.Primary.Rate(ctx, from, to)
		if err == nil {
			return rate, nil
		}
		c.Logger.Warn().Err(err).Str("from", from).Str("to", to).Msg("primary_rate_source_failed")
	}
	if c.Fallback != nil {
		rate, err := c.Fallback.Rate(ctx, from, to)
		if err == nil {
			return rate, nil
		}
		return decimal.Zero, err
	}
	return decimal.Zero, common.ProviderTransientError("no rate source available", nil)
}

// round applies the destination currency class rounding policy: crypto keeps
// 8 decimals and rejects exact zero, the display currency keeps 2 decimals,
// every other fiat rounds to the nearest whole unit.
func (c Converter) round(amount decimal.Decimal, from, to string) (decimal.Decimal, error) {
	switch {
	case IsCrypto(to):
		rounded := amount.Round(8)
		if rounded.IsZero() && amount.IsPositive() {
			return decimal.Zero, common.ValidationError("converted crypto amount rounds to zero", nil)
		}
		return rounded, nil
	case to == strings.ToUpper(c.DisplayCurrency) && c.DisplayCurrency != "":
		return amount.Round(2), nil
	default:
		return amount.Round(0), nil
	}
}
