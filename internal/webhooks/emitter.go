package webhooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tradesafe/tradesafe/internal/idgen"
)

var (
	emitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradesafe",
		Subsystem: "webhook",
		Name:      "emit_total",
		Help:      "Webhook emit attempts by event type.",
	}, []string{"event_type"})

	emitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradesafe",
		Subsystem: "webhook",
		Name:      "emit_errors_total",
		Help:      "Webhook emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(emitTotal, emitErrors)
}

// emitTimeout bounds the subscription lookup. Deliveries themselves run
// detached from this context with their own deadline.
const emitTimeout = 5 * time.Second

// Emitter turns domain lifecycle moments into webhook events. It is
// fire-and-forget: failures are logged and counted, never returned,
// and a nil Emitter swallows calls, so wiring is optional.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
}

func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, logger: logger}
}

// Emit delivers an event to every matching subscription of userID.
func (e *Emitter) Emit(userID string, eventType EventType, data map[string]interface{}) {
	if e == nil || e.d == nil {
		return
	}
	emitTotal.WithLabelValues(string(eventType)).Inc()

	ctx, cancel := context.WithTimeout(context.Background(), emitTimeout)
	defer cancel()

	err := e.d.DispatchToUser(ctx, userID, &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	})
	if err != nil {
		emitErrors.WithLabelValues(string(eventType)).Inc()
		e.logger.Warn("webhook emit failed", "event", eventType, "user_id", userID, "error", err)
	}
}
