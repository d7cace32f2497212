package exporters

import (
	"context"
	"sync"
	"time"

	"github.com/smazurov/hwdecode/internal/events"
	"github.com/smazurov/hwdecode/internal/metrics"
)

// DefaultInterval is how often decoder counters are published.
const DefaultInterval = time.Second

// EventPublisher publishes events.
type EventPublisher interface {
	Publish(ev events.Event)
}

// SSEExporter periodically publishes every decoder's counters as
// DecoderMetricsEvents for the SSE stream.
type SSEExporter struct {
	eventBus EventPublisher
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSSEExporter creates an exporter publishing every DefaultInterval.
func NewSSEExporter(eventBus EventPublisher) *SSEExporter {
	return &SSEExporter{
		eventBus: eventBus,
		interval: DefaultInterval,
	}
}

// Start begins the export loop. It runs until ctx is done or Stop.
func (s *SSEExporter) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop ends the loop and waits for it. It is safe to call more than once.
func (s *SSEExporter) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *SSEExporter) run(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.publishMetrics()
		}
	}
}

func (s *SSEExporter) publishMetrics() {
	for name, m := range metrics.GetAllDecoderStats() {
		s.eventBus.Publish(events.DecoderMetricsEvent{
			Decoder:          name,
			Started:          m.Started,
			Width:            m.Width,
			Height:           m.Height,
			PacketsSubmitted: m.PacketsSubmitted,
			PacketsDropped:   m.PacketsDropped,
			FramesDecoded:    m.FramesDecoded,
			FramesDropped:    m.FramesDropped,
		})
	}
}

// GetEventTypes returns the SSE event names this exporter produces.
func GetEventTypes() map[string]any {
	return map[string]any{
		"decoder-metrics": events.DecoderMetricsEvent{},
	}
}
