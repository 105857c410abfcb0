package executor

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Contribution is the aggregated result of every fill belonging to one
// signal, reported to the ledger as a single position contribution.
type Contribution struct {
	SignalID  string    `json:"signal_id"`
	Symbol    string    `json:"symbol"`
	TotalQty  float64   `json:"total_qty"`
	AvgPrice  float64   `json:"avg_price"`
	FillCount int       `json:"fill_count"`
	FirstFill time.Time `json:"first_fill"`
	LastFill  time.Time `json:"last_fill"`
}

type fillSum struct {
	symbol   string
	qty      decimal.Decimal
	notional decimal.Decimal
	count    int
	first    time.Time
	last     time.Time
}

func (f *fillSum) contribution(signalID string) Contribution {
	c := Contribution{
		SignalID:  signalID,
		Symbol:    f.symbol,
		TotalQty:  f.qty.InexactFloat64(),
		FillCount: f.count,
		FirstFill: f.first,
		LastFill:  f.last,
	}
	if f.qty.IsPositive() {
		c.AvgPrice = f.notional.Div(f.qty).InexactFloat64()
	}
	return c
}

// FillAggregator accumulates fills per signal into a quantity-weighted
// average price.
type FillAggregator struct {
	mu       sync.Mutex
	bySignal map[string]*fillSum
}

// NewFillAggregator creates an empty aggregator.
func NewFillAggregator() *FillAggregator {
	return &FillAggregator{bySignal: make(map[string]*fillSum)}
}

// Add records a fill and returns the running contribution for the signal.
func (a *FillAggregator) Add(signalID, symbol string, qty, price float64, at time.Time) Contribution {
	a.mu.Lock()
	defer a.mu.Unlock()

	f, ok := a.bySignal[signalID]
	if !ok {
		f = &fillSum{symbol: symbol, first: at}
		a.bySignal[signalID] = f
	}
	q := decimal.NewFromFloat(qty)
	f.qty = f.qty.Add(q)
	f.notional = f.notional.Add(q.Mul(decimal.NewFromFloat(price)))
	f.count++
	if at.Before(f.first) {
		f.first = at
	}
	if at.After(f.last) {
		f.last = at
	}
	return f.contribution(signalID)
}

// Get returns the running contribution for a signal.
func (a *FillAggregator) Get(signalID string) (Contribution, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	f, ok := a.bySignal[signalID]
	if !ok {
		return Contribution{}, false
	}
	return f.contribution(signalID), true
}

// Remove drops and returns the contribution for a signal.
func (a *FillAggregator) Remove(signalID string) (Contribution, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	f, ok := a.bySignal[signalID]
	if !ok {
		return Contribution{}, false
	}
	delete(a.bySignal, signalID)
	return f.contribution(signalID), true
}
