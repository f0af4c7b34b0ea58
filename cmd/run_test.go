package main

import (
	"context"
	"testing"
	"time"

	farmagent "github.com/httprunner/FarmAgent"
	"github.com/httprunner/FarmAgent/internal/notify"
)

func TestStartBusOutlivesCommandContext(t *testing.T) {
	bus := notify.NewBus(8)
	sub, unsubscribe := bus.Subscribe(8)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	stop := startBus(ctx, bus)
	cancel()

	bus.Publish(farmagent.Event{Type: farmagent.EventTaskCompleted, TaskID: "T1"})
	select {
	case evt := <-sub:
		if evt.TaskID != "T1" {
			t.Fatalf("unexpected event %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatalf("event published after shutdown began was not delivered")
	}
	if err := stop(); err != nil {
		t.Fatalf("stop bus: %v", err)
	}
}
