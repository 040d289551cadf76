package events

import (
	"context"
	"errors"
	"testing"
)

func TestEmitInvokesHandlersInRegistrationOrder(t *testing.T) {
	bus := NewBus(nil)
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		bus.Subscribe("tick", func(data any) error {
			order = append(order, i)
			return nil
		})
	}

	bus.Emit("tick", nil)

	if len(order) != 5 {
		t.Fatalf("expected 5 invocations, got %d", len(order))
	}
	for i, got := range order {
		if got != i {
			t.Fatalf("expected handler %d at position %d, got %d", i, i, got)
		}
	}
}

func TestFailingHandlerDoesNotStopSiblings(t *testing.T) {
	bus := NewBus(nil)
	var ran []string
	bus.Subscribe("tick", func(data any) error {
		ran = append(ran, "first")
		return errors.New("boom")
	})
	bus.Subscribe("tick", func(data any) error {
		panic("worse")
	})
	bus.Subscribe("tick", func(data any) error {
		ran = append(ran, "third")
		return nil
	})

	bus.Emit("tick", nil)

	if len(ran) != 2 || ran[1] != "third" {
		t.Fatalf("expected first and third to run, got %v", ran)
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	bus := NewBus(nil)
	calls := 0
	unsub := bus.Subscribe("tick", func(data any) error {
		calls++
		return nil
	})

	unsub()
	unsub()
	bus.Emit("tick", nil)

	if calls != 0 {
		t.Fatalf("expected no invocation after unsubscribe, got %d", calls)
	}
	if n := bus.SubscriberCount("tick"); n != 0 {
		t.Fatalf("expected 0 subscribers, got %d", n)
	}
}

func TestOnceFiresExactlyOnce(t *testing.T) {
	bus := NewBus(nil)
	calls := 0
	bus.SubscribeOnce("tick", func(data any) error {
		calls++
		return nil
	})

	bus.Emit("tick", nil)
	bus.Emit("tick", nil)

	if calls != 1 {
		t.Fatalf("expected 1 invocation, got %d", calls)
	}
	if n := bus.SubscriberCount("tick"); n != 0 {
		t.Fatalf("expected once-handler pruned, got %d subscribers", n)
	}
}

func TestOnceRemovedEvenWhenItFails(t *testing.T) {
	bus := NewBus(nil)
	calls := 0
	bus.SubscribeOnce("tick", func(data any) error {
		calls++
		return errors.New("boom")
	})

	bus.Emit("tick", nil)
	bus.Emit("tick", nil)

	if calls != 1 {
		t.Fatalf("expected 1 invocation, got %d", calls)
	}
}

func TestOnceUnderReentrantEmission(t *testing.T) {
	bus := NewBus(nil)
	calls := 0
	reemitted := false
	bus.Subscribe("tick", func(data any) error {
		// Re-entrant emit while the pass is still running.
		if !reemitted {
			reemitted = true
			bus.Emit("tick", nil)
		}
		return nil
	})
	bus.SubscribeOnce("tick", func(data any) error {
		calls++
		return nil
	})

	bus.Emit("tick", nil)

	if calls != 1 {
		t.Fatalf("once-handler fired %d times under re-entrant emission", calls)
	}
}

func TestEmitAndWaitCollectsAllFailures(t *testing.T) {
	bus := NewBus(nil)
	done := make(chan struct{}, 1)
	bus.Subscribe("job", func(data any) error { return errors.New("one") })
	bus.Subscribe("job", func(data any) error {
		done <- struct{}{}
		return nil
	})
	bus.Subscribe("job", func(data any) error { return errors.New("two") })

	err := bus.EmitAndWait(context.Background(), "job", nil)

	if err == nil {
		t.Fatal("expected joined error")
	}
	select {
	case <-done:
	default:
		t.Fatal("succeeding handler did not run")
	}
}

func TestEmitAndWaitRunsHandlersInRegistrationOrder(t *testing.T) {
	bus := NewBus(nil)
	var order []string
	bus.Subscribe("job", func(data any) error {
		order = append(order, "first")
		return errors.New("first failed")
	})
	bus.Subscribe("job", func(data any) error {
		order = append(order, "second")
		return nil
	})
	bus.Subscribe("job", func(data any) error {
		order = append(order, "third")
		return nil
	})

	if err := bus.EmitAndWait(context.Background(), "job", nil); err == nil {
		t.Fatal("expected joined error")
	}

	want := []string{"first", "second", "third"}
	if len(order) != len(want) {
		t.Fatalf("expected %d handlers to run, got %v", len(want), order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("handlers ran out of order: %v", order)
		}
	}
}

func TestEmitAndWaitStopsBetweenHandlersOnCancel(t *testing.T) {
	bus := NewBus(nil)
	ctx, cancel := context.WithCancel(context.Background())
	ran := 0
	bus.Subscribe("job", func(data any) error {
		ran++
		cancel()
		return nil
	})
	bus.Subscribe("job", func(data any) error {
		ran++
		return nil
	})

	err := bus.EmitAndWait(ctx, "job", nil)

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if ran != 1 {
		t.Fatalf("expected the pass to stop after cancellation, ran %d", ran)
	}
}

func TestUnsubscribeAllAndReset(t *testing.T) {
	bus := NewBus(nil)
	bus.Subscribe("a", func(data any) error { return nil })
	bus.Subscribe("a", func(data any) error { return nil })
	bus.Subscribe("b", func(data any) error { return nil })

	bus.UnsubscribeAll("a")
	if n := bus.SubscriberCount("a"); n != 0 {
		t.Fatalf("expected a cleared, got %d", n)
	}
	if n := bus.SubscriberCount("b"); n != 1 {
		t.Fatalf("expected b untouched, got %d", n)
	}

	bus.Reset()
	if n := bus.SubscriberCount("b"); n != 0 {
		t.Fatalf("expected everything cleared, got %d", n)
	}
}

func TestDefaultBusResetHook(t *testing.T) {
	ResetDefault()
	first := Default()
	if first != Default() {
		t.Fatal("expected stable default instance")
	}
	ResetDefault()
	if first == Default() {
		t.Fatal("expected a fresh instance after reset")
	}
	ResetDefault()
}
