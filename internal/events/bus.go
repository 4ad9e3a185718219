package events

import (
	"sync"
	"sync/atomic"
	"time"

	"signal-pipeline/internal/binance"
)

// EventType identifies the kind of event flowing through the bus.
type EventType string

const (
	EventCandleClose        EventType = "candle_close"
	EventSignalCreated      EventType = "signal_created"
	EventSignalStateChanged EventType = "signal_state_changed"
	EventOracleDecision     EventType = "oracle_decision"
	EventPositionOpened     EventType = "position_opened"
	EventPositionClosed     EventType = "position_closed"
	EventStreamReconnected  EventType = "stream_reconnected"
)

// Event is the envelope delivered to subscribers.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      interface{}
}

// CandleClose is published once per closed (symbol, interval, close_time).
type CandleClose struct {
	Symbol   string
	Interval string
	Kline    binance.Kline
}

// SignalCreated is published when a strategy match produces a new signal row.
type SignalCreated struct {
	SignalID   string
	StrategyID string
	Symbol     string
	Interval   string
	CandleTime int64
}

// SignalStateChanged is published on every lifecycle transition.
type SignalStateChanged struct {
	SignalID string
	From     string
	To       string
	Reason   string
}

// OracleDecision is published after each oracle consult.
type OracleDecision struct {
	SignalID   string
	Decision   string
	Confidence float64
}

// PositionChange is published when a position opens or closes.
type PositionChange struct {
	PositionID string
	SignalID   string
	Symbol     string
	Side       string
	Price      float64
	Reason     string
}

// DefaultBuffer is the per-subscriber channel depth. A subscriber that
// falls this far behind starts losing its oldest undelivered events.
const DefaultBuffer = 100

type subscriber struct {
	ch chan Event
}

// Bus is an in-process pub/sub fan-out with bounded per-subscriber buffers.
// Publish never blocks: when a subscriber's buffer is full the oldest queued
// event is discarded to make room and the drop counter is incremented.
type Bus struct {
	mu      sync.RWMutex
	subs    map[EventType][]*subscriber
	dropped atomic.Int64
	onDrop  func(eventType EventType)
}

// NewBus creates an event bus. onDrop, if non-nil, is called once per
// discarded event.
func NewBus(onDrop func(eventType EventType)) *Bus {
	return &Bus{
		subs:   make(map[EventType][]*subscriber),
		onDrop: onDrop,
	}
}

// Subscribe registers interest in an event type and returns the delivery
// channel. buffer <= 0 uses DefaultBuffer.
func (b *Bus) Subscribe(eventType EventType, buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	sub := &subscriber{ch: make(chan Event, buffer)}

	b.mu.Lock()
	b.subs[eventType] = append(b.subs[eventType], sub)
	b.mu.Unlock()

	return sub.ch
}

// Publish delivers an event to every subscriber of its type.
func (b *Bus) Publish(eventType EventType, data interface{}) {
	event := Event{Type: eventType, Timestamp: time.Now(), Data: data}

	b.mu.RLock()
	subs := b.subs[eventType]
	b.mu.RUnlock()

	for _, sub := range subs {
		for {
			select {
			case sub.ch <- event:
			default:
				// Full buffer: shed the oldest queued event and retry.
				select {
				case <-sub.ch:
					b.dropped.Add(1)
					if b.onDrop != nil {
						b.onDrop(eventType)
					}
				default:
				}
				continue
			}
			break
		}
	}
}

// Dropped returns the total number of events discarded across all
// subscribers since the bus was created.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}
