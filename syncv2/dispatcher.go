package syncv2

import (
	"fmt"
	"sync"

	"github.com/getsentry/sentry-go"
	"github.com/matrix-org/gomatrixserverlib"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// Handler receives one decoded event. Handlers run on the sync goroutine;
// slow handlers delay the next poll.
type Handler func(ev gomatrixserverlib.ClientEvent)

// Dispatcher fans events out to handlers registered per event type, in
// registration order. A handler panic is recovered and logged; it stops
// neither delivery to subsequent handlers nor the sync loop.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	txnIDs   *TransactionIDCache // may be nil; enables local-echo suppression
	logger   zerolog.Logger
}

func NewDispatcher(logger zerolog.Logger, txnIDs *TransactionIDCache) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string][]Handler),
		txnIDs:   txnIDs,
		logger:   logger,
	}
}

// Register adds a handler for an event type. Multiple handlers per type
// are invoked in registration order.
func (d *Dispatcher) Register(eventType string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[eventType] = append(d.handlers[eventType], h)
}

// Dispatch delivers one event to the handlers for its type. Events that
// carry a transaction ID this client sent are local echo and are dropped.
func (d *Dispatcher) Dispatch(ev gomatrixserverlib.ClientEvent) {
	if d.txnIDs != nil {
		txnID := gjson.GetBytes(ev.Unsigned, "transaction_id").Str
		if txnID != "" && d.txnIDs.Seen(txnID) {
			return
		}
	}

	d.mu.RLock()
	handlers := d.handlers[ev.Type]
	d.mu.RUnlock()

	for _, h := range handlers {
		d.invoke(h, ev)
	}
	if len(handlers) > 0 {
		eventsDispatched.Inc()
	}
}

func (d *Dispatcher) invoke(h Handler, ev gomatrixserverlib.ClientEvent) {
	defer func() {
		if r := recover(); r != nil {
			handlerFailures.Inc()
			err := fmt.Errorf("event handler panic: %v", r)
			sentry.CaptureException(err)
			d.logger.Error().
				Str("event_type", ev.Type).
				Str("room_id", ev.RoomID).
				Interface("panic", r).
				Msg("event handler panicked")
		}
	}()
	h(ev)
}
