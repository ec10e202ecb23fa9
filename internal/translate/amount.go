// Package translate converts backend-native payloads into the canonical
// domain model. Every function is pure and total: unexpected values become
// explicit Unknown states or protocol errors, never panics.
package translate

import (
	"strings"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"github.com/marko911/lnpulse/pkg/domain"
)

const msatPerSat = 1000

var (
	satsPerBTC = decimal.NewFromInt(100_000_000)
	msatPerBTC = decimal.NewFromInt(100_000_000_000)
)

// MsatToSat truncates toward zero. Sub-satoshi remainders are never rounded up.
func MsatToSat(m domain.Msat) domain.Sat {
	return domain.Sat(int64(m) / msatPerSat)
}

// SatToMsat is exact.
func SatToMsat(s domain.Sat) domain.Msat {
	return domain.Msat(int64(s) * msatPerSat)
}

// ParseAmount parses the amount notations used by node daemons: a bare
// integer (millisatoshis), "<n>msat", "<n>sat" and "<n>btc". Fractional
// millisatoshis are truncated.
func ParseAmount(s string) (domain.Msat, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, domain.Protocol(nil, "empty amount")
	}

	unit := decimal.NewFromInt(1)
	switch {
	case strings.HasSuffix(s, "msat"):
		s = strings.TrimSuffix(s, "msat")
	case strings.HasSuffix(s, "sat"):
		s = strings.TrimSuffix(s, "sat")
		unit = decimal.NewFromInt(msatPerSat)
	case strings.HasSuffix(s, "btc"):
		s = strings.TrimSuffix(s, "btc")
		unit = msatPerBTC
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, domain.Protocol(err, "invalid amount %q", s)
	}
	if d.IsNegative() {
		return 0, domain.Protocol(nil, "negative amount %q", s)
	}
	return domain.Msat(d.Mul(unit).Truncate(0).IntPart()), nil
}

// BTCToSat converts a decimal BTC amount, truncating sub-satoshi digits.
func BTCToSat(btc string) (domain.Sat, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(btc))
	if err != nil {
		return 0, domain.Protocol(err, "invalid btc amount %q", btc)
	}
	return domain.Sat(d.Mul(satsPerBTC).Truncate(0).IntPart()), nil
}

// amountField reads a millisatoshi amount that may be encoded either as a
// JSON number or as a unit-suffixed string.
func amountField(r gjson.Result) (domain.Msat, bool, error) {
	switch r.Type {
	case gjson.Null:
		return 0, false, nil
	case gjson.Number:
		if r.Int() < 0 {
			return 0, true, domain.Protocol(nil, "negative amount %s", r.Raw)
		}
		return domain.Msat(r.Int()), true, nil
	case gjson.String:
		m, err := ParseAmount(r.String())
		return m, true, err
	default:
		return 0, true, domain.Protocol(nil, "unexpected amount encoding %s", r.Raw)
	}
}
