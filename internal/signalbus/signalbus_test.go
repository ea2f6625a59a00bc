package signalbus

import (
	"context"
	"testing"
)

func TestEmitInvokesInRegistrationOrder(t *testing.T) {
	bus := New(nil)
	var order []int

	bus.Connect(EngineStart, func(ctx context.Context, sender string, payload Payload) {
		order = append(order, 1)
	})
	bus.Connect(EngineStart, func(ctx context.Context, sender string, payload Payload) {
		order = append(order, 2)
	})
	bus.Connect(EngineStart, func(ctx context.Context, sender string, payload Payload) {
		order = append(order, 3)
	})

	bus.Emit(context.Background(), EngineStart, Payload{})

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("expected receivers invoked in order [1 2 3], got %v", order)
	}
}

func TestEmitRecoversPanickingReceiver(t *testing.T) {
	bus := New(nil)
	called := false

	bus.Connect(SpiderException, func(ctx context.Context, sender string, payload Payload) {
		panic("boom")
	})
	bus.Connect(SpiderException, func(ctx context.Context, sender string, payload Payload) {
		called = true
	})

	bus.Emit(context.Background(), SpiderException, Payload{})

	if !called {
		t.Fatal("second receiver should still run after the first panics")
	}
}

func TestDisconnectRemovesReceiver(t *testing.T) {
	bus := New(nil)
	calls := 0

	sub := bus.Connect(ItemDropped, func(ctx context.Context, sender string, payload Payload) {
		calls++
	})
	bus.Emit(context.Background(), ItemDropped, Payload{})
	bus.Disconnect(sub)
	bus.Emit(context.Background(), ItemDropped, Payload{})

	if calls != 1 {
		t.Fatalf("expected 1 call after disconnect, got %d", calls)
	}
}

func TestReceiverCount(t *testing.T) {
	bus := New(nil)
	if bus.ReceiverCount(EngineClose) != 0 {
		t.Fatal("expected 0 receivers initially")
	}
	bus.Connect(EngineClose, func(ctx context.Context, sender string, payload Payload) {})
	if bus.ReceiverCount(EngineClose) != 1 {
		t.Fatal("expected 1 receiver after connect")
	}
}
