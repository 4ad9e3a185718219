package executor

import (
	"context"
	"errors"

	"signal-pipeline/internal/database"
)

// Position sizing bounds, as a fraction of available balance.
const (
	MaxSizePct     = 0.10
	MinSizePct     = 0.001
	DefaultSizePct = 0.02
)

// Errors shared by both execution modes.
var (
	ErrPositionNotFound  = errors.New("position not found")
	ErrPositionClosed    = errors.New("position already closed")
	ErrInvalidPrice      = errors.New("invalid price")
	ErrInvalidFraction   = errors.New("invalid fraction")
	ErrInsufficientFunds = errors.New("insufficient balance")
)

// OpenRequest describes a position to open.
type OpenRequest struct {
	SignalID    string
	StrategyID  string
	Symbol      string
	Price       float64
	SizePct     float64 // fraction of available balance, clamped
	StopLoss    float64
	TakeProfits []float64 // ordered ladder, nearest level first
	TrailingPct float64
}

// Executor is the trade execution surface shared by paper and live modes.
type Executor interface {
	OpenLong(ctx context.Context, req OpenRequest) (*database.Position, error)
	OpenShort(ctx context.Context, req OpenRequest) (*database.Position, error)
	Close(ctx context.Context, positionID string, price float64, reason string) (*database.Position, error)
	PartialClose(ctx context.Context, positionID string, fraction, price float64, reason string) (*database.Position, error)
	ScaleIn(ctx context.Context, positionID string, sizePct, price float64) (*database.Position, error)
	ScaleOut(ctx context.Context, positionID string, fraction, price float64) (*database.Position, error)
	Flip(ctx context.Context, positionID string, price float64) (*database.Position, error)
	UpdateStopLoss(ctx context.Context, positionID string, price float64) error
	UpdateTakeProfits(ctx context.Context, positionID string, levels []float64) error

	// Positions returns a snapshot of the open positions.
	Positions() []database.Position
	GetPosition(positionID string) (database.Position, bool)
	Mode() string
}

// PositionStore is the slice of the persistence gateway the executor needs.
type PositionStore interface {
	UpsertPosition(ctx context.Context, p *database.Position) error
}

// ClampSizePct applies the sizing cap and floor. Zero or negative input
// gets the default size.
func ClampSizePct(pct float64) float64 {
	if pct <= 0 {
		return DefaultSizePct
	}
	if pct > MaxSizePct {
		return MaxSizePct
	}
	if pct < MinSizePct {
		return MinSizePct
	}
	return pct
}

func sideSign(side string) float64 {
	if side == database.SideShort {
		return -1
	}
	return 1
}
