package events

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/ent0n29/humantasks/internal/tasks"
)

func TestBrokerFiltersByInstance(t *testing.T) {
	b := NewBroker(4)
	all, cancelAll := b.Subscribe("")
	defer cancelAll()
	one, cancelOne := b.Subscribe("t-1")
	defer cancelOne()

	b.Publish(tasks.Event{Type: tasks.EventTaskCreated, InstanceID: "t-1", Sequence: 1})
	b.Publish(tasks.Event{Type: tasks.EventTaskCreated, InstanceID: "t-2", Sequence: 1})

	if got := len(all); got != 2 {
		t.Fatalf("unfiltered subscriber got %d events, want 2", got)
	}
	if got := len(one); got != 1 {
		t.Fatalf("filtered subscriber got %d events, want 1", got)
	}
	if ev := <-one; ev.InstanceID != "t-1" {
		t.Fatalf("filtered event instance = %q, want t-1", ev.InstanceID)
	}
}

func TestBrokerNeverBlocksOnSlowSubscriber(t *testing.T) {
	b := NewBroker(1)
	_, cancel := b.Subscribe("")
	defer cancel()

	for i := range 5 {
		b.Publish(tasks.Event{InstanceID: "t-1", Sequence: int64(i + 1)})
	}
	if got := b.Dropped(); got != 4 {
		t.Fatalf("Dropped() = %d, want 4", got)
	}
}

func TestBrokerUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker(0)
	ch, cancel := b.Subscribe("")
	if b.Subscribers() != 1 {
		t.Fatalf("Subscribers() = %d, want 1", b.Subscribers())
	}
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatalf("channel still open after unsubscribe")
	}
	if b.Subscribers() != 0 {
		t.Fatalf("Subscribers() = %d, want 0", b.Subscribers())
	}

	ch2, cancel2 := b.Subscribe("")
	b.Close()
	cancel2()
	if _, ok := <-ch2; ok {
		t.Fatalf("channel still open after Close")
	}
}

func TestMultiAndLogSink(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	var seen []tasks.EventType
	sink := Multi{
		SinkFunc(func(ev tasks.Event) { seen = append(seen, ev.Type) }),
		nil,
		NewLogSink(logger, slog.LevelInfo),
	}

	sink.Publish(tasks.Event{
		Type:       tasks.EventTaskFailed,
		InstanceID: "t-9",
		State:      tasks.StateFailed,
		Actor:      "erin",
		Detail:     "customer jane@example.com unreachable",
		Sequence:   4,
	})

	if len(seen) != 1 || seen[0] != tasks.EventTaskFailed {
		t.Fatalf("seen = %v, want [TaskFailed]", seen)
	}
	line := buf.String()
	if !strings.Contains(line, `"instance_id":"t-9"`) || !strings.Contains(line, `"sequence":4`) {
		t.Fatalf("log line missing fields: %s", line)
	}
	if strings.Contains(line, "jane@example.com") {
		t.Fatalf("log line leaked an email address: %s", line)
	}
}
