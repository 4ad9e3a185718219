package strategy

import (
	"fmt"
	"strings"

	"signal-pipeline/internal/binance"
)

// Filter languages a strategy may use.
const (
	LanguageJS     = "js"
	LanguageNative = "native"
)

// DefaultDecisionBudget bounds how many oracle consults a single signal may
// spend before it expires.
const DefaultDecisionBudget = 10

// DefaultBarHistory is the candle window handed to filters when the
// strategy does not set its own limit.
const DefaultBarHistory = 100

// MaxConsecutiveErrors is the auto-disable threshold for filter errors.
const MaxConsecutiveErrors = 5

// Strategy is a user-defined screening rule plus the lifecycle settings of
// the signals it produces.
type Strategy struct {
	ID                string
	OwnerID           string
	Name              string
	Enabled           bool
	Symbols           []string
	FilterLanguage    string
	FilterSource      string
	RequiredIntervals []string
	TriggerInterval   string
	Instructions      string
	DecisionBudget    int
	BarHistoryLimit   int
	ConsecutiveErrors int
	DisabledReason    string
}

// Validate checks the fields a strategy needs before it can be scheduled.
func (s *Strategy) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("strategy has no id")
	}
	if len(s.Symbols) == 0 {
		return fmt.Errorf("strategy %s has no symbols", s.ID)
	}
	if s.FilterSource == "" {
		return fmt.Errorf("strategy %s has no filter source", s.ID)
	}
	switch s.FilterLanguage {
	case LanguageJS, LanguageNative:
	default:
		return fmt.Errorf("strategy %s: unknown filter language %q", s.ID, s.FilterLanguage)
	}
	if s.TriggerInterval == "" {
		return fmt.Errorf("strategy %s has no trigger interval", s.ID)
	}
	for _, iv := range s.RequiredIntervals {
		if iv == s.TriggerInterval {
			return nil
		}
	}
	return fmt.Errorf("strategy %s: trigger interval %s not in required intervals", s.ID, s.TriggerInterval)
}

// Budget returns the decision budget with the default applied.
func (s *Strategy) Budget() int {
	if s.DecisionBudget <= 0 {
		return DefaultDecisionBudget
	}
	return s.DecisionBudget
}

// BarHistory returns the candle window size with the default applied.
func (s *Strategy) BarHistory() int {
	if s.BarHistoryLimit <= 0 {
		return DefaultBarHistory
	}
	return s.BarHistoryLimit
}

// WatchesSymbol reports whether the strategy screens the given symbol.
func (s *Strategy) WatchesSymbol(symbol string) bool {
	for _, sym := range s.Symbols {
		if strings.EqualFold(sym, symbol) {
			return true
		}
	}
	return false
}

// TickerView is the market context snapshot filters may read.
type TickerView struct {
	LastPrice          float64
	PriceChangePercent float64
	QuoteVolume        float64
}

// EvalContext is the read-only world a filter evaluation sees: the candle
// windows of the strategy's intervals and the symbol's ticker snapshot.
type EvalContext struct {
	Symbol   string
	Interval string

	// Candles returns up to n newest closed candles for an interval in
	// ascending time order.
	Candles func(interval string, n int) []binance.Kline

	// Ticker returns the 24h snapshot, ok=false when none is cached yet.
	Ticker func() (TickerView, bool)
}
