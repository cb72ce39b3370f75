package collaboration

import (
	"testing"

	"github.com/go-playground/assert/v2"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func syncedEvents(rec *tracetest.SpanRecorder) map[string]bool {
	offerers := make(map[string]bool)
	for _, span := range rec.Ended() {
		if span.Name() != "Provider.Merge" {
			continue
		}
		for _, ev := range span.Events() {
			if ev.Name != "session.synced" {
				continue
			}
			for _, kv := range ev.Attributes {
				if kv.Key == "offerer" {
					offerers[kv.Value.Emit()] = true
				}
			}
		}
	}
	return offerers
}

func TestSyncedSessionIsTraced(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { tp.Shutdown(t.Context()) })

	n := newTestNet()
	a := n.peer(t, "a")
	b := n.peer(t, "b")
	a.connect(t)
	b.connect(t)

	eventually(t, "both sessions synced", func() bool {
		return a.provider.State() == StateConnected && b.provider.State() == StateConnected
	})
	// Both ends record the event: the dialer as offerer, the other as answerer.
	eventually(t, "session.synced events", func() bool {
		return len(syncedEvents(rec)) == 2
	})
	assert.Equal(t, syncedEvents(rec), map[string]bool{"true": true, "false": true})
}
