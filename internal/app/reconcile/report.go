package reconcile

import (
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coachpo/brokerlink/internal/domain/trade"
)

// DiscrepancyType classifies a reconciliation finding.
type DiscrepancyType string

const (
	// MissingLocal means the broker reported fills the local log lacks.
	MissingLocal DiscrepancyType = "MissingLocal"
	// MissingIBKR means the local log has fills the broker did not report.
	MissingIBKR DiscrepancyType = "MissingIBKR"
	// QuantityMismatch means aggregate quantities differ.
	QuantityMismatch DiscrepancyType = "QuantityMismatch"
	// PriceMismatch means average prices differ by more than the tolerance.
	PriceMismatch DiscrepancyType = "PriceMismatch"
	// CommissionMismatch means total commissions differ by more than the tolerance.
	CommissionMismatch DiscrepancyType = "CommissionMismatch"
)

// DiscrepancyTypes lists every type in reporting order.
var DiscrepancyTypes = []DiscrepancyType{MissingLocal, MissingIBKR, QuantityMismatch, PriceMismatch, CommissionMismatch}

// Discrepancy is one classified mismatch for an order.
type Discrepancy struct {
	Type        DiscrepancyType  `json:"type"`
	OrderID     int64            `json:"orderId"`
	Symbol      string           `json:"symbol"`
	Description string           `json:"description"`
	BrokerValue *decimal.Decimal `json:"ibkrValue,omitempty"`
	LocalValue  *decimal.Decimal `json:"localValue,omitempty"`
}

// Summary holds the report counters.
type Summary struct {
	TotalIBKRFills     int                     `json:"total_ibkr_fills"`
	TotalLocalFills    int                     `json:"total_local_fills"`
	MatchedOrders      int                     `json:"matched_orders"`
	TotalDiscrepancies int                     `json:"total_discrepancies"`
	ByType             map[DiscrepancyType]int `json:"discrepancies_by_type"`
}

// Snapshot is the plain-data form of a Report used for persistence and
// transport.
type Snapshot struct {
	ID              uuid.UUID          `json:"id"`
	Date            string             `json:"date"`
	Timezone        string             `json:"timezone"`
	BrokerFills     []trade.BrokerFill `json:"ibkrFills"`
	LocalFills      []trade.LocalFill  `json:"localFills"`
	MatchedOrderIDs []int64            `json:"matchedOrderIds"`
	Discrepancies   []Discrepancy      `json:"discrepancies"`
	Summary         Summary            `json:"summary"`
	GeneratedAt     time.Time          `json:"generatedAt"`
}

const dateLayout = "2006-01-02"

// Report is the immutable outcome of one reconciliation run. Accessors return
// copies.
type Report struct {
	id            uuid.UUID
	date          time.Time
	brokerFills   []trade.BrokerFill
	localFills    []trade.LocalFill
	matched       []int64
	discrepancies []Discrepancy
	generatedAt   time.Time
}

// ID identifies the run.
func (r Report) ID() uuid.UUID { return r.id }

// Date is midnight of the reconciled trading date in the reconciler location.
func (r Report) Date() time.Time { return r.date }

// GeneratedAt is when the report was assembled.
func (r Report) GeneratedAt() time.Time { return r.generatedAt }

// BrokerFills returns the broker side of the comparison.
func (r Report) BrokerFills() []trade.BrokerFill {
	return append([]trade.BrokerFill(nil), r.brokerFills...)
}

// LocalFills returns the local side of the comparison.
func (r Report) LocalFills() []trade.LocalFill {
	return append([]trade.LocalFill(nil), r.localFills...)
}

// MatchedOrderIDs returns order ids that passed every check.
func (r Report) MatchedOrderIDs() []int64 {
	return append([]int64(nil), r.matched...)
}

// Discrepancies returns the findings in detection order.
func (r Report) Discrepancies() []Discrepancy {
	out := make([]Discrepancy, len(r.discrepancies))
	for i, d := range r.discrepancies {
		out[i] = d.clone()
	}
	return out
}

// Clean reports whether no discrepancies were found.
func (r Report) Clean() bool { return len(r.discrepancies) == 0 }

// Summary derives the report counters.
func (r Report) Summary() Summary {
	s := Summary{
		TotalIBKRFills:     len(r.brokerFills),
		TotalLocalFills:    len(r.localFills),
		MatchedOrders:      len(r.matched),
		TotalDiscrepancies: len(r.discrepancies),
		ByType:             make(map[DiscrepancyType]int, len(DiscrepancyTypes)),
	}
	for _, t := range DiscrepancyTypes {
		s.ByType[t] = 0
	}
	for _, d := range r.discrepancies {
		s.ByType[d.Type]++
	}
	return s
}

// Snapshot returns a deep copy of the report as plain data.
func (r Report) Snapshot() Snapshot {
	tz := "UTC"
	if loc := r.date.Location(); loc != nil {
		tz = loc.String()
	}
	return Snapshot{
		ID:              r.id,
		Date:            r.date.Format(dateLayout),
		Timezone:        tz,
		BrokerFills:     r.BrokerFills(),
		LocalFills:      r.LocalFills(),
		MatchedOrderIDs: r.MatchedOrderIDs(),
		Discrepancies:   r.Discrepancies(),
		Summary:         r.Summary(),
		GeneratedAt:     r.generatedAt,
	}
}

// MarshalJSON encodes the snapshot form.
func (r Report) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Snapshot())
}

// FromSnapshot rebuilds a report, for example after loading it from storage.
func FromSnapshot(s Snapshot) (Report, error) {
	loc := time.UTC
	if s.Timezone != "" {
		l, err := time.LoadLocation(s.Timezone)
		if err != nil {
			return Report{}, fmt.Errorf("report timezone: %w", err)
		}
		loc = l
	}
	date, err := time.ParseInLocation(dateLayout, s.Date, loc)
	if err != nil {
		return Report{}, fmt.Errorf("report date: %w", err)
	}
	r := Report{
		id:            s.ID,
		date:          date,
		brokerFills:   append([]trade.BrokerFill(nil), s.BrokerFills...),
		localFills:    append([]trade.LocalFill(nil), s.LocalFills...),
		matched:       append([]int64(nil), s.MatchedOrderIDs...),
		discrepancies: make([]Discrepancy, len(s.Discrepancies)),
		generatedAt:   s.GeneratedAt,
	}
	for i, d := range s.Discrepancies {
		r.discrepancies[i] = d.clone()
	}
	return r, nil
}

func (d Discrepancy) clone() Discrepancy {
	if d.BrokerValue != nil {
		v := *d.BrokerValue
		d.BrokerValue = &v
	}
	if d.LocalValue != nil {
		v := *d.LocalValue
		d.LocalValue = &v
	}
	return d
}
