package database

import "time"

// Signal lifecycle states.
const (
	SignalStateNew          = "new"
	SignalStateMonitoring   = "monitoring"
	SignalStateReady        = "ready"
	SignalStatePositionOpen = "position_open"
	SignalStateClosed       = "closed"
	SignalStateExpired      = "expired"
)

// Position sides and states.
const (
	SideLong  = "long"
	SideShort = "short"

	PositionStateOpen   = "open"
	PositionStateClosed = "closed"
)

// Trading modes.
const (
	ModePaper = "paper"
	ModeLive  = "live"
)

// Signal is one strategy match being driven through the lifecycle.
type Signal struct {
	ID                string
	StrategyID        string
	Symbol            string
	Interval          string
	State             string
	CandleTime        int64 // open time of the matched candle
	DecisionCount     int
	DecisionBudget    int
	LastDecisionTime  int64 // open time of the last decided candle
	ConsecutiveErrors int
	LastError         string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Decision is one oracle verdict attached to a signal.
type Decision struct {
	ID           string
	SignalID     string
	CandleTime   int64
	Kind         string
	Confidence   float64
	Reasoning    string
	Entry        float64
	StopLoss     float64
	TakeProfit   float64
	PositionSize float64
	CreatedAt    time.Time
}

// Position is an open or closed trade tied to a signal.
type Position struct {
	ID            string
	SignalID      string
	StrategyID    string
	Symbol        string
	Side          string
	State         string
	Mode          string
	Quantity      float64
	EntryPrice    float64
	ExitPrice     float64
	StopLoss      float64
	TakeProfits   []float64 // ordered ladder, nearest level first
	TrailingPct   float64
	HighWaterMark float64
	LowWaterMark  float64
	Commission    float64
	RealizedPnL   float64
	CloseReason   string
	OpenedAt      time.Time
	ClosedAt      time.Time
}

// ValidTransition reports whether a signal may move between two states.
func ValidTransition(from, to string) bool {
	switch from {
	case SignalStateNew:
		return to == SignalStateMonitoring || to == SignalStateExpired
	case SignalStateMonitoring:
		return to == SignalStateReady || to == SignalStateExpired
	case SignalStateReady:
		return to == SignalStatePositionOpen || to == SignalStateExpired
	case SignalStatePositionOpen:
		return to == SignalStateClosed
	default:
		return false
	}
}
