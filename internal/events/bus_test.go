package events

import (
	"testing"
	"time"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	bus := NewBus(nil)
	ch := bus.Subscribe(EventCandleClose, 4)

	bus.Publish(EventCandleClose, CandleClose{Symbol: "BTCUSDT", Interval: "1m"})

	select {
	case ev := <-ch:
		cc, ok := ev.Data.(CandleClose)
		if !ok {
			t.Fatalf("unexpected payload type %T", ev.Data)
		}
		if cc.Symbol != "BTCUSDT" {
			t.Errorf("unexpected symbol %s", cc.Symbol)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestSubscribersAreTypeScoped(t *testing.T) {
	bus := NewBus(nil)
	candles := bus.Subscribe(EventCandleClose, 4)
	signals := bus.Subscribe(EventSignalCreated, 4)

	bus.Publish(EventSignalCreated, SignalCreated{SignalID: "sig-1"})

	select {
	case <-candles:
		t.Fatal("candle subscriber received signal event")
	default:
	}
	select {
	case <-signals:
	default:
		t.Fatal("signal subscriber missed its event")
	}
}

func TestFullBufferDropsOldest(t *testing.T) {
	var droppedType EventType
	bus := NewBus(func(et EventType) { droppedType = et })
	ch := bus.Subscribe(EventCandleClose, 2)

	for i := 0; i < 3; i++ {
		bus.Publish(EventCandleClose, CandleClose{Interval: string(rune('a' + i))})
	}

	if bus.Dropped() != 1 {
		t.Fatalf("expected 1 dropped event, got %d", bus.Dropped())
	}
	if droppedType != EventCandleClose {
		t.Errorf("drop callback got %q", droppedType)
	}

	// The oldest event was shed; the two newest remain in order.
	first := <-ch
	second := <-ch
	if first.Data.(CandleClose).Interval != "b" || second.Data.(CandleClose).Interval != "c" {
		t.Errorf("expected b,c after shedding oldest, got %v,%v",
			first.Data.(CandleClose).Interval, second.Data.(CandleClose).Interval)
	}
}

func TestPublishWithoutSubscribersIsNoop(t *testing.T) {
	bus := NewBus(nil)
	bus.Publish(EventPositionOpened, PositionChange{PositionID: "pos-1"})

	if bus.Dropped() != 0 {
		t.Errorf("expected no drops, got %d", bus.Dropped())
	}
}
