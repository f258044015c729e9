// Package marketdata holds stateless normalization helpers for OHLCV bar series
// and the live subscription registry used by data feeds.
package marketdata

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Bar is one OHLCV interval.
type Bar struct {
	Time   time.Time       `json:"time"`
	Symbol string          `json:"symbol,omitempty"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume decimal.Decimal `json:"volume"`
}

// Clean returns bars sorted by time with duplicate timestamps removed. The last
// bar seen for a timestamp wins.
func Clean(bars []Bar) []Bar {
	out := make([]Bar, len(bars))
	copy(out, bars)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })

	deduped := out[:0]
	for _, b := range out {
		if n := len(deduped); n > 0 && deduped[n-1].Time.Equal(b.Time) {
			deduped[n-1] = b
			continue
		}
		deduped = append(deduped, b)
	}
	return deduped
}
