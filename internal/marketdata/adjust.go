package marketdata

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Split is a corporate split effective from Date. Ratio is new shares per old
// share (4 for a 4:1 split, 0.5 for a 1:2 reverse split).
type Split struct {
	Date  time.Time
	Ratio decimal.Decimal
}

// Dividend is a cash distribution going ex on ExDate.
type Dividend struct {
	ExDate time.Time
	Amount decimal.Decimal
}

// ErrInvalidAdjustment rejects non-positive split ratios and dividends that
// exceed the prior close.
var ErrInvalidAdjustment = errors.New("marketdata: invalid corporate action")

// AdjustForSplits back-adjusts bars strictly before each split date: prices
// are divided by the ratio and volumes multiplied by it.
func AdjustForSplits(bars []Bar, splits []Split) ([]Bar, error) {
	out := make([]Bar, len(bars))
	copy(out, bars)
	for _, split := range splits {
		if !split.Ratio.IsPositive() {
			return nil, ErrInvalidAdjustment
		}
		for i := range out {
			if !out[i].Time.Before(split.Date) {
				continue
			}
			out[i] = scalePrices(out[i], decimal.NewFromInt(1).Div(split.Ratio))
			out[i].Volume = out[i].Volume.Mul(split.Ratio)
		}
	}
	return out, nil
}

// AdjustForDividends back-adjusts prices before each ex-date by the factor
// 1 - amount/close, using the close of the last bar before the ex-date.
// Dividends with no earlier bar are ignored.
func AdjustForDividends(bars []Bar, dividends []Dividend) ([]Bar, error) {
	out := make([]Bar, len(bars))
	copy(out, bars)
	one := decimal.NewFromInt(1)
	for _, div := range dividends {
		if div.Amount.IsNegative() {
			return nil, ErrInvalidAdjustment
		}
		prev := -1
		for i := range out {
			if out[i].Time.Before(div.ExDate) && (prev < 0 || out[i].Time.After(out[prev].Time)) {
				prev = i
			}
		}
		if prev < 0 || div.Amount.IsZero() {
			continue
		}
		prevClose := out[prev].Close
		if !prevClose.GreaterThan(div.Amount) {
			return nil, ErrInvalidAdjustment
		}
		factor := one.Sub(div.Amount.Div(prevClose))
		for i := range out {
			if out[i].Time.Before(div.ExDate) {
				out[i] = scalePrices(out[i], factor)
			}
		}
	}
	return out, nil
}

func scalePrices(b Bar, factor decimal.Decimal) Bar {
	b.Open = b.Open.Mul(factor)
	b.High = b.High.Mul(factor)
	b.Low = b.Low.Mul(factor)
	b.Close = b.Close.Mul(factor)
	return b
}
