package bridge

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

// bus that only drains when the test says so
func newManualBus(ctx context.Context, highWaterMark int, maxQueueSize int) *StreamBus {
	return NewStreamBus(ctx, &StreamBusSettings{
		DrainInterval: time.Hour,
		HighWaterMark: highWaterMark,
		MaxQueueSize:  maxQueueSize,
	})
}

func TestStreamBusFanOut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := newManualBus(ctx, 100, 1000)
	defer bus.Destroy()

	var received1, received2 []*UpdateEnvelope
	unsub1 := bus.Subscribe(func(envelope *UpdateEnvelope) {
		received1 = append(received1, envelope)
	})
	defer unsub1()
	unsub2 := bus.Subscribe(func(envelope *UpdateEnvelope) {
		received2 = append(received2, envelope)
	})
	defer unsub2()

	assert.Equal(t, 2, bus.GetStats().SubscriberCount)

	bus.QueueUpdate(NewTextUpdate("a", nil))
	bus.QueueUpdate(NewTerminalUpdate("b", "stderr"))
	bus.QueueUpdate(NewProgressUpdate(0.5, &ProgressUpdateOptions{TaskId: "build"}))

	// nothing is delivered before a drain
	assert.Equal(t, 0, len(received1))

	bus.Drain()

	assert.Equal(t, 3, len(received1))
	assert.Equal(t, 3, len(received2))
	assert.Equal(t, received1[0].UpdateId, received2[0].UpdateId)

	stats := bus.GetStats()
	assert.Equal(t, uint64(3), stats.TotalUpdates)
	assert.Equal(t, uint64(3), stats.DeliveredUpdates)
	assert.Equal(t, 0, stats.QueueDepth)
}

func TestStreamBusUnsubscribeBeforeDrain(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := newManualBus(ctx, 100, 1000)
	defer bus.Destroy()

	received := 0
	unsubscribe := bus.Subscribe(func(envelope *UpdateEnvelope) {
		received += 1
	})

	bus.QueueUpdate(NewTextUpdate("a", nil))
	bus.QueueUpdate(NewTextUpdate("b", nil))
	bus.QueueUpdate(NewTextUpdate("c", nil))

	unsubscribe()
	assert.Equal(t, 0, bus.GetStats().SubscriberCount)

	bus.Drain()

	// queued envelopes are skipped for a removed subscriber, not buffered
	assert.Equal(t, 0, received)
}

func TestStreamBusSelfUnsubscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := newManualBus(ctx, 100, 1000)
	defer bus.Destroy()

	received := 0
	var unsubscribe func()
	unsubscribe = bus.Subscribe(func(envelope *UpdateEnvelope) {
		received += 1
		unsubscribe()
	})

	other := 0
	defer bus.Subscribe(func(envelope *UpdateEnvelope) {
		other += 1
	})()

	bus.QueueUpdate(NewTextUpdate("a", &TextUpdateOptions{TargetId: "x"}))
	bus.QueueUpdate(NewTerminalUpdate("b", ""))
	bus.Drain()

	// unsubscribing mid-dispatch takes effect for the next envelope
	assert.Equal(t, 1, received)
	assert.Equal(t, 2, other)
}

func TestStreamBusPanicIsolation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := newManualBus(ctx, 100, 1000)
	defer bus.Destroy()

	defer bus.Subscribe(func(envelope *UpdateEnvelope) {
		panic("broken region")
	})()

	received := 0
	defer bus.Subscribe(func(envelope *UpdateEnvelope) {
		received += 1
	})()

	bus.QueueUpdate(NewTextUpdate("a", nil))
	bus.QueueUpdate(NewTextUpdate("b", nil))
	bus.Drain()

	// a throwing subscriber must not block delivery to the rest
	assert.Equal(t, 2, received)
}

func TestStreamBusPriorityOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := newManualBus(ctx, 100, 1000)
	defer bus.Destroy()

	var order []string
	defer bus.Subscribe(func(envelope *UpdateEnvelope) {
		order = append(order, envelope.Content)
	})()

	bus.QueueUpdate(NewTextUpdate("n1", nil))
	bus.QueueUpdate(NewTextUpdate("h1", &TextUpdateOptions{Priority: PriorityHigh}))
	bus.QueueUpdate(NewTextUpdate("l1", &TextUpdateOptions{Priority: PriorityLow}))
	bus.QueueUpdate(NewTextUpdate("n2", nil))
	bus.QueueUpdate(NewTextUpdate("h2", &TextUpdateOptions{Priority: PriorityHigh}))

	bus.Drain()

	assert.Equal(t, []string{"h1", "h2", "n1", "n2", "l1"}, order)
}

func TestStreamBusBackpressureCoalesce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := newManualBus(ctx, 5, 1000)
	defer bus.Destroy()

	textDelivered := 0
	terminalDelivered := 0
	var editorContent string
	defer bus.Subscribe(func(envelope *UpdateEnvelope) {
		switch envelope.Type {
		case UpdateTypeText:
			textDelivered += 1
			editorContent += envelope.Content
		case UpdateTypeTerminal:
			terminalDelivered += 1
		}
	})()

	n := 50

	for i := 0; i < n; i += 1 {
		bus.QueueUpdate(NewTextUpdate(fmt.Sprintf("%d,", i), &TextUpdateOptions{TargetId: "editor"}))
	}
	for i := 0; i < n; i += 1 {
		bus.QueueUpdate(NewTerminalUpdate("tick", ""))
	}

	// sustained queueing above the high-water mark activates backpressure
	status := bus.GetBackpressureStatus()
	assert.Equal(t, true, status.Active)
	assert.NotEqual(t, uint64(0), status.CoalescedUpdates)

	bus.Drain()

	// text deltas to one target coalesce, terminal bytes are 1:1
	assert.Equal(t, true, textDelivered < n)
	assert.Equal(t, n, terminalDelivered)

	// merged deltas concatenate, so no streamed content is lost
	expectedContent := ""
	for i := 0; i < n; i += 1 {
		expectedContent += fmt.Sprintf("%d,", i)
	}
	assert.Equal(t, expectedContent, editorContent)

	// the queue drained, so backpressure ends
	assert.Equal(t, false, bus.GetBackpressureStatus().Active)

	stats := bus.GetStats()
	assert.Equal(t, uint64(2*n), stats.TotalUpdates)
	assert.Equal(t, uint64(textDelivered+terminalDelivered), stats.DeliveredUpdates)
	assert.Equal(t, stats.CoalescedUpdates, uint64(n-textDelivered))
}

func TestStreamBusDropAboveCap(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := newManualBus(ctx, 2, 4)
	defer bus.Destroy()

	// distinct targets defeat coalescing, so the cap is the only bound
	for i := 0; i < 10; i += 1 {
		bus.QueueUpdate(NewTextUpdate("x", &TextUpdateOptions{TargetId: fmt.Sprintf("t%d", i)}))
	}
	// non-coalescible envelopes are always admitted
	for i := 0; i < 10; i += 1 {
		bus.QueueUpdate(NewTerminalUpdate("y", ""))
	}

	stats := bus.GetStats()
	assert.NotEqual(t, uint64(0), stats.DroppedUpdates)
	assert.Equal(t, true, 4+10 <= stats.QueueDepth)

	delivered := 0
	terminal := 0
	defer bus.Subscribe(func(envelope *UpdateEnvelope) {
		delivered += 1
		if envelope.Type == UpdateTypeTerminal {
			terminal += 1
		}
	})()
	bus.Drain()

	assert.Equal(t, 10, terminal)
}

func TestStreamBusDestroy(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := newManualBus(ctx, 100, 1000)

	received := 0
	bus.Subscribe(func(envelope *UpdateEnvelope) {
		received += 1
	})
	bus.QueueUpdate(NewTextUpdate("a", nil))

	bus.Destroy()

	stats := bus.GetStats()
	assert.Equal(t, uint64(0), stats.TotalUpdates)
	assert.Equal(t, 0, stats.QueueDepth)
	assert.Equal(t, 0, stats.SubscriberCount)

	// envelopes after destroy are ignored
	bus.QueueUpdate(NewTextUpdate("b", nil))
	bus.Drain()
	assert.Equal(t, 0, received)
	assert.Equal(t, uint64(0), bus.GetStats().TotalUpdates)
}

func TestStreamBusDrainLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := NewStreamBus(ctx, &StreamBusSettings{
		DrainInterval: 5 * time.Millisecond,
		HighWaterMark: 100,
		MaxQueueSize:  1000,
	})
	defer bus.Destroy()

	received := make(chan *UpdateEnvelope, 8)
	defer bus.Subscribe(func(envelope *UpdateEnvelope) {
		received <- envelope
	})()

	envelope := NewTextUpdate("tick", nil)
	bus.QueueUpdate(envelope)

	// the background loop drains without an explicit call
	select {
	case delivered := <-received:
		assert.Equal(t, envelope.UpdateId, delivered.UpdateId)
	case <-time.After(1 * time.Second):
		t.Fatal("drain loop did not deliver")
	}
}
