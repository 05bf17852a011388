// Package notification emits fire-and-forget domain events for an external
// notifier. Delivery outcome is never reported back to the emitter.
package notification

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EventType identifies what happened.
type EventType string

const (
	EventClarifyImageRequested      EventType = "clarify_image_requested"
	EventDocumentUnreadable         EventType = "document_unreadable"
	EventDocumentCommitted          EventType = "document_committed"
	EventSevereInteractionDetected  EventType = "severe_interaction_detected"
	EventInteractionCheckIncomplete EventType = "interaction_check_incomplete"
	EventDoseMissed                 EventType = "dose_missed"
	EventAdherenceLow               EventType = "adherence_low"
)

// Event is a notification-worthy occurrence. Attributes carry identifiers
// and codes only; free-text PHI stays out of events.
type Event struct {
	ID         string            `json:"id"`
	Type       EventType         `json:"type"`
	UserID     string            `json:"user_id"`
	Subject    string            `json:"subject"`
	Attributes map[string]string `json:"attributes,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// NewEvent stamps an id and time. subject is the id of the document or
// medication the event concerns.
func NewEvent(t EventType, userID, subject string, attrs map[string]string) Event {
	return Event{
		ID:         uuid.New().String(),
		Type:       t,
		UserID:     userID,
		Subject:    subject,
		Attributes: attrs,
		OccurredAt: time.Now().UTC(),
	}
}

// Dispatcher hands events to the outside world. Implementations must not
// block the caller on delivery and must not fail it.
type Dispatcher interface {
	Dispatch(ctx context.Context, e Event)
}

// LogDispatcher writes events to the log.
type LogDispatcher struct {
	logger zerolog.Logger
	tpl    *TemplateEngine
}

func NewLogDispatcher(logger zerolog.Logger, tpl *TemplateEngine) *LogDispatcher {
	return &LogDispatcher{logger: logger.With().Str("component", "notification").Logger(), tpl: tpl}
}

func (d *LogDispatcher) Dispatch(_ context.Context, e Event) {
	ev := d.logger.Info().
		Str("event_id", e.ID).
		Str("event_type", string(e.Type)).
		Str("user_id", e.UserID).
		Str("subject", e.Subject)
	if d.tpl != nil {
		if title, _, err := d.tpl.RenderEvent(e); err == nil {
			ev = ev.Str("title", title)
		}
	}
	ev.Msg("notification event")
}

// MemoryDispatcher records events. Used in tests and local development.
type MemoryDispatcher struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryDispatcher() *MemoryDispatcher { return &MemoryDispatcher{} }

func (d *MemoryDispatcher) Dispatch(_ context.Context, e Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, e)
}

// Events returns a copy of everything dispatched so far.
func (d *MemoryDispatcher) Events() []Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Event, len(d.events))
	copy(out, d.events)
	return out
}

// OfType returns recorded events of type t.
func (d *MemoryDispatcher) OfType(t EventType) []Event {
	var out []Event
	for _, e := range d.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Multi fans an event out to several dispatchers.
type Multi []Dispatcher

func (m Multi) Dispatch(ctx context.Context, e Event) {
	for _, d := range m {
		d.Dispatch(ctx, e)
	}
}

// Nop discards events.
type Nop struct{}

func (Nop) Dispatch(context.Context, Event) {}
