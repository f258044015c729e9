package marketdata

import "time"

// DefaultExchangeLocation is the US equities session timezone.
const DefaultExchangeLocation = "America/New_York"

// ConvertTimezone returns a copy of bars with timestamps expressed in loc. The
// instants are unchanged.
func ConvertTimezone(bars []Bar, loc *time.Location) []Bar {
	if loc == nil {
		loc = time.UTC
	}
	out := make([]Bar, len(bars))
	for i, b := range bars {
		b.Time = b.Time.In(loc)
		out[i] = b
	}
	return out
}

// Localize reinterprets naive wall-clock timestamps (parsed as UTC) as wall
// clock in loc.
func Localize(bars []Bar, loc *time.Location) []Bar {
	if loc == nil {
		loc = time.UTC
	}
	out := make([]Bar, len(bars))
	for i, b := range bars {
		t := b.Time
		b.Time = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc)
		out[i] = b
	}
	return out
}

// StartOfDay returns midnight of t's civil date in loc.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// TradingDay returns midnight in loc of the calendar date carried by date,
// read in date's own location. A UTC midnight value names the same trading
// day in every exchange timezone.
func TradingDay(date time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := date.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// LoadLocation resolves name, defaulting to the exchange timezone.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" {
		name = DefaultExchangeLocation
	}
	return time.LoadLocation(name)
}
