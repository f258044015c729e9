package marketdata

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(d int) time.Time {
	return time.Date(2024, 6, d, 0, 0, 0, 0, time.UTC)
}

func bar(d int, closePrice string, volume int64) Bar {
	c := decimal.RequireFromString(closePrice)
	return Bar{Time: day(d), Open: c, High: c, Low: c, Close: c, Volume: decimal.NewFromInt(volume)}
}

func TestAdjustForSplits(t *testing.T) {
	bars := []Bar{bar(3, "400", 100), bar(4, "404", 100), bar(5, "101", 400)}

	out, err := AdjustForSplits(bars, []Split{{Date: day(5), Ratio: decimal.NewFromInt(4)}})

	require.NoError(t, err)
	assert.True(t, out[0].Close.Equal(decimal.NewFromInt(100)))
	assert.True(t, out[1].Close.Equal(decimal.NewFromInt(101)))
	assert.True(t, out[0].Volume.Equal(decimal.NewFromInt(400)))
	assert.True(t, out[2].Close.Equal(decimal.NewFromInt(101)), "bars on or after the split are unchanged")
	assert.True(t, bars[0].Close.Equal(decimal.NewFromInt(400)), "input untouched")

	_, err = AdjustForSplits(bars, []Split{{Date: day(5), Ratio: decimal.Zero}})
	assert.ErrorIs(t, err, ErrInvalidAdjustment)
}

func TestAdjustForDividends(t *testing.T) {
	bars := []Bar{bar(3, "50", 1), bar(4, "100", 1), bar(5, "98", 1)}

	out, err := AdjustForDividends(bars, []Dividend{{ExDate: day(5), Amount: decimal.NewFromInt(2)}})

	require.NoError(t, err)
	assert.True(t, out[1].Close.Equal(decimal.NewFromInt(98)))
	assert.True(t, out[0].Close.Equal(decimal.NewFromInt(49)))
	assert.True(t, out[2].Close.Equal(decimal.NewFromInt(98)))
	assert.True(t, out[0].Volume.Equal(decimal.NewFromInt(1)))
}

func TestAdjustForDividendsWithoutPriorBarIsIgnored(t *testing.T) {
	bars := []Bar{bar(5, "98", 1)}
	out, err := AdjustForDividends(bars, []Dividend{{ExDate: day(5), Amount: decimal.NewFromInt(2)}})
	require.NoError(t, err)
	assert.True(t, out[0].Close.Equal(decimal.NewFromInt(98)))
}

func TestAdjustForDividendsRejectsOversizedAmount(t *testing.T) {
	bars := []Bar{bar(4, "1", 1), bar(5, "1", 1)}
	_, err := AdjustForDividends(bars, []Dividend{{ExDate: day(5), Amount: decimal.NewFromInt(2)}})
	assert.ErrorIs(t, err, ErrInvalidAdjustment)
}
