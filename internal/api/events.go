package api

import (
	"context"
	"maps"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"github.com/smazurov/hwdecode/internal/events"
	"github.com/smazurov/hwdecode/internal/metrics/exporters"
)

// Bus returns the event bus the SSE stream listens on.
func (s *Server) Bus() *events.Bus {
	return s.bus
}

func (s *Server) registerEventRoutes() {
	eventTypes := map[string]any{
		"decoder-started":   events.DecoderStartedEvent{},
		"decoder-stopped":   events.DecoderStoppedEvent{},
		"format-negotiated": events.FormatNegotiatedEvent{},
		"decoder-error":     events.DecoderErrorEvent{},
		"packet-dropped":    events.PacketDroppedEvent{},
	}
	maps.Copy(eventTypes, exporters.GetEventTypes())

	sse.Register(s.api, huma.Operation{
		OperationID: "events-stream",
		Method:      http.MethodGet,
		Path:        "/api/events",
		Summary:     "Event stream",
		Description: "Decoder lifecycle, format and metrics events as Server-Sent Events",
		Tags:        []string{"events"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, eventTypes, func(ctx context.Context, _ *struct{}, send sse.Sender) {
		eventCh := make(chan any, 32)
		unsubscribers := []func(){
			events.SubscribeToChannel[events.DecoderStartedEvent](s.bus, eventCh),
			events.SubscribeToChannel[events.DecoderStoppedEvent](s.bus, eventCh),
			events.SubscribeToChannel[events.FormatNegotiatedEvent](s.bus, eventCh),
			events.SubscribeToChannel[events.DecoderErrorEvent](s.bus, eventCh),
			events.SubscribeToChannel[events.PacketDroppedEvent](s.bus, eventCh),
			events.SubscribeToChannel[events.DecoderMetricsEvent](s.bus, eventCh),
		}
		defer func() {
			for _, unsub := range unsubscribers {
				unsub()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-eventCh:
				if err := send.Data(ev); err != nil {
					return
				}
			}
		}
	})
}
