package marketdata

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Column is a canonical bar column name.
type Column string

// Canonical columns.
const (
	ColumnTime   Column = "time"
	ColumnSymbol Column = "symbol"
	ColumnOpen   Column = "open"
	ColumnHigh   Column = "high"
	ColumnLow    Column = "low"
	ColumnClose  Column = "close"
	ColumnVolume Column = "volume"
)

var columnAliases = map[string]Column{
	"time": ColumnTime, "date": ColumnTime, "datetime": ColumnTime, "timestamp": ColumnTime, "ts": ColumnTime,
	"symbol": ColumnSymbol, "ticker": ColumnSymbol, "sym": ColumnSymbol,
	"open": ColumnOpen, "o": ColumnOpen, "open_price": ColumnOpen,
	"high": ColumnHigh, "h": ColumnHigh, "high_price": ColumnHigh,
	"low": ColumnLow, "l": ColumnLow, "low_price": ColumnLow,
	"close": ColumnClose, "c": ColumnClose, "close_price": ColumnClose, "last": ColumnClose, "price": ColumnClose,
	"adj_close": ColumnClose, "adjclose": ColumnClose, "adjusted_close": ColumnClose,
	"volume": ColumnVolume, "vol": ColumnVolume, "v": ColumnVolume, "qty": ColumnVolume,
}

// CanonicalColumn maps a vendor header ("Adj Close", "Date", "vol") to its
// canonical column.
func CanonicalColumn(name string) (Column, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	key = strings.NewReplacer(" ", "_", "-", "_", ".", "_").Replace(key)
	col, ok := columnAliases[key]
	return col, ok
}

// ErrMissingColumn is returned when a required column is absent from the header.
var ErrMissingColumn = errors.New("marketdata: missing required column")

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"20060102 15:04:05",
	"20060102",
	"01/02/2006",
}

// OpenBarsCSV reads a bar file from disk.
func OpenBarsCSV(path, symbol string, loc *time.Location) ([]Bar, error) {
	// #nosec G304 -- file path is operator provided via CLI flags.
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open csv file: %w", err)
	}
	defer file.Close()
	return ReadBarsCSV(file, symbol, loc)
}

// ReadBarsCSV parses a headed CSV into bars. Headers are mapped through
// CanonicalColumn; time and close are required. Timestamps without a zone are
// interpreted in loc; integer timestamps are unix seconds, milliseconds or
// nanoseconds by magnitude. symbol fills rows lacking a symbol column.
func ReadBarsCSV(r io.Reader, symbol string, loc *time.Location) ([]Bar, error) {
	if loc == nil {
		loc = time.UTC
	}
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	index := make(map[Column]int, len(header))
	for i, name := range header {
		if col, ok := CanonicalColumn(name); ok {
			if _, dup := index[col]; !dup {
				index[col] = i
			}
		}
	}
	for _, required := range []Column{ColumnTime, ColumnClose} {
		if _, ok := index[required]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingColumn, required)
		}
	}

	var bars []Bar
	line := 1
	for {
		record, err := reader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("read csv record: %w", err)
		}
		line++
		bar, err := parseRecord(record, index, symbol, loc)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

func parseRecord(record []string, index map[Column]int, symbol string, loc *time.Location) (Bar, error) {
	field := func(col Column) string {
		i, ok := index[col]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	ts, err := parseTimestamp(field(ColumnTime), loc)
	if err != nil {
		return Bar{}, err
	}
	bar := Bar{Time: ts, Symbol: symbol}
	if s := field(ColumnSymbol); s != "" {
		bar.Symbol = s
	}
	bar.Symbol = NormalizeSymbol(bar.Symbol)

	closePrice, err := parseDecimal(field(ColumnClose))
	if err != nil {
		return Bar{}, fmt.Errorf("parse close: %w", err)
	}
	bar.Close = closePrice
	for _, target := range []struct {
		col Column
		dst *decimal.Decimal
	}{
		{ColumnOpen, &bar.Open},
		{ColumnHigh, &bar.High},
		{ColumnLow, &bar.Low},
	} {
		raw := field(target.col)
		if raw == "" {
			*target.dst = closePrice
			continue
		}
		v, err := parseDecimal(raw)
		if err != nil {
			return Bar{}, fmt.Errorf("parse %s: %w", target.col, err)
		}
		*target.dst = v
	}
	if raw := field(ColumnVolume); raw != "" {
		v, err := parseDecimal(raw)
		if err != nil {
			return Bar{}, fmt.Errorf("parse volume: %w", err)
		}
		bar.Volume = v
	}
	return bar, nil
}

func parseDecimal(raw string) (decimal.Decimal, error) {
	return decimal.NewFromString(strings.ReplaceAll(raw, ",", ""))
}

func parseTimestamp(raw string, loc *time.Location) (time.Time, error) {
	if raw == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil && len(raw) >= 9 {
		switch {
		case n >= 1e17:
			return time.Unix(0, n).In(loc), nil
		case n >= 1e11:
			return time.UnixMilli(n).In(loc), nil
		default:
			return time.Unix(n, 0).In(loc), nil
		}
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("parse timestamp %q", raw)
}
