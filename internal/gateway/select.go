package gateway

import (
	"net/http"
	"strings"

	"github.com/sikapay/backend-core/internal/common"
	"github.com/sikapay/backend-core/internal/fx"
)

// countryTable maps ISO-3166 alpha-2 country codes to the single fiat gateway
// contracted for that corridor. Each aggregator only has live contracts in a
// fixed set of countries; misrouting risks irrecoverable provider-side
// failures, so the mapping is static configuration rather than runtime logic.
var countryTable = map[string]Gateway{
	// CinetPay corridors (Central Africa + Côte d'Ivoire)
	"CM": CinetPay,
	"CI": CinetPay,
	"TD": CinetPay,
	"CF": CinetPay,
	"CG": CinetPay,
	"GA": CinetPay,
	"GN": CinetPay,

	// PawaPay corridors (West + East Africa)
	"SN": PawaPay,
	"BJ": PawaPay,
	"BF": PawaPay,
	"TG": PawaPay,
	"ML": PawaPay,
	"NE": PawaPay,
	"GH": PawaPay,
	"NG": PawaPay,
	"KE": PawaPay,
	"UG": PawaPay,
	"TZ": PawaPay,
	"RW": PawaPay,
	"ZM": PawaPay,
	"MW": PawaPay,
	"CD": PawaPay,
}

// Select maps a destination country and currency to exactly one gateway.
// Crypto currencies always route to the crypto rail regardless of country.
// It is a pure function: identical inputs always yield the identical result.
func Select(countryCode, currency string) (Gateway, error) {
	if fx.IsCrypto(currency) {
		return NowPayments, nil
	}
	country := strings.ToUpper(strings.TrimSpace(countryCode))
	if country == "" {
		return None, common.NewAppError(common.CodeUnsupportedCountry,
			"country code is required for fiat payments", http.StatusBadRequest, nil)
	}
	gw, ok := countryTable[country]
	if !ok {
		return None, common.NewAppError(common.CodeUnsupportedCountry,
			"no gateway contracted for country "+country, http.StatusBadRequest, nil)
	}
	return gw, nil
}

// SupportedCountries returns the configured corridor list, mainly for probes
// and admin tooling.
func SupportedCountries() []string {
	out := make([]string, 0, len(countryTable))
	for code := range countryTable {
		out = append(out, code)
	}
	return out
}
