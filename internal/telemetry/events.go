package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Event is one fire-and-forget orchestration event: provisioning start and
// end, health probe results, failures.
type Event struct {
	Name   string
	At     time.Time
	Fields map[string]any
}

// Emitter delivers events to the telemetry backend without ever blocking
// the caller. Events are dropped on overflow; orchestration never waits on
// telemetry delivery.
type Emitter struct {
	ch   chan Event
	done chan struct{}
}

var eventTracer = otel.Tracer("forge-events")

// NewEmitter starts the delivery goroutine. Buffer sizes around 256 are
// plenty; the consumer only logs and records span events.
func NewEmitter(buffer int) *Emitter {
	if buffer <= 0 {
		buffer = 256
	}

	e := &Emitter{
		ch:   make(chan Event, buffer),
		done: make(chan struct{}),
	}
	go e.run()
	return e
}

// Emit queues an event. Never blocks; drops when the buffer is full.
func (e *Emitter) Emit(name string, fields map[string]any) {
	ev := Event{Name: name, At: time.Now().UTC(), Fields: fields}
	select {
	case e.ch <- ev:
	default:
		slog.Debug("Telemetry buffer full, dropping event", slog.String("event", name))
	}
}

// Close drains remaining events and stops the delivery goroutine.
func (e *Emitter) Close() {
	close(e.ch)
	<-e.done
}

func (e *Emitter) run() {
	defer close(e.done)

	for ev := range e.ch {
		args := make([]any, 0, len(ev.Fields)+1)
		attrs := make([]attribute.KeyValue, 0, len(ev.Fields))
		for k, v := range ev.Fields {
			args = append(args, slog.Any(k, v))
			attrs = append(attrs, attribute.String(k, toString(v)))
		}
		slog.Info("event: "+ev.Name, args...)

		_, span := eventTracer.Start(context.Background(), ev.Name,
			trace.WithTimestamp(ev.At), trace.WithAttributes(attrs...))
		span.End()
	}
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case error:
		return t.Error()
	default:
		return fmt.Sprint(v)
	}
}
