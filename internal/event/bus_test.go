package event

import (
	"bytes"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/sebyx07/claude-task-master-py-sub000/internal/logging"
)

func TestBus_PublishToTypedAndWildcard(t *testing.T) {
	bus := NewBus(nil)

	var order []string
	bus.SubscribeAll(func(e Event) { order = append(order, "all:"+e.EventType()) })
	bus.Subscribe(TypeTaskStarted, func(e Event) {
		started, ok := e.(TaskStartedEvent)
		if !ok {
			t.Fatalf("event = %T, want TaskStartedEvent", e)
		}
		order = append(order, "typed:"+started.Description)
	})

	bus.Publish(NewTaskStartedEvent("run-1", 0, "lex input", false))
	bus.Publish(NewPRDetectedEvent("run-1", 7))

	want := []string{"typed:lex input", "all:task.started", "all:pr.detected"}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Errorf("order = %v, want %v", order, want)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(nil)

	calls := 0
	id := bus.Subscribe(TypeRunFinished, func(Event) { calls++ })
	other := bus.SubscribeAll(func(Event) {})
	if id == other {
		t.Fatal("subscription IDs must be unique")
	}
	if bus.SubscriptionCount() != 2 {
		t.Fatalf("SubscriptionCount = %d, want 2", bus.SubscriptionCount())
	}

	if !bus.Unsubscribe(id) {
		t.Fatal("Unsubscribe returned false for a live subscription")
	}
	if bus.Unsubscribe(id) {
		t.Error("second Unsubscribe should return false")
	}
	bus.Publish(NewRunFinishedEvent("run-1", "success", 0, 3, ""))
	if calls != 0 {
		t.Errorf("removed handler called %d times", calls)
	}
	if bus.SubscriptionCount() != 1 {
		t.Errorf("SubscriptionCount = %d, want 1", bus.SubscriptionCount())
	}
}

func TestBus_HandlerPanicIsLogged(t *testing.T) {
	var buf bytes.Buffer
	bus := NewBus(logging.NewWriterLogger(&buf, "debug"))

	reached := false
	bus.Subscribe(TypeHalted, func(Event) { panic("boom") })
	bus.Subscribe(TypeHalted, func(Event) { reached = true })

	bus.Publish(NewHaltedEvent("run-1", "blocked", "waiting_ci", "ci red"))

	if !reached {
		t.Error("handler after the panicking one was not called")
	}
	if !strings.Contains(buf.String(), "event handler panicked") {
		t.Errorf("panic not logged: %s", buf.String())
	}
}

func TestBus_NilIsSilent(t *testing.T) {
	var bus *Bus
	bus.Publish(NewPlanReadyEvent("run-1", 3, 1))
}

func TestBus_ConcurrentPublish(t *testing.T) {
	bus := NewBus(nil)

	var count atomic.Int64
	bus.SubscribeAll(func(Event) { count.Add(1) })

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			bus.Publish(NewTaskCompletedEvent("run-1", i, "task"))
			if i%10 == 0 {
				bus.Unsubscribe(bus.Subscribe(TypeTaskDone, func(Event) {}))
			}
		}(i)
	}
	wg.Wait()

	if got := count.Load(); got != 50 {
		t.Errorf("wildcard handler saw %d events, want 50", got)
	}
}
