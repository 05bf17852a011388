package notification

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

func TestTemplateEngine_BuiltIns(t *testing.T) {
	e := NewTemplateEngine()
	types := []EventType{
		EventClarifyImageRequested, EventDocumentUnreadable, EventDocumentCommitted,
		EventSevereInteractionDetected, EventInteractionCheckIncomplete, EventDoseMissed, EventAdherenceLow,
	}
	for _, typ := range types {
		t.Run(string(typ), func(t *testing.T) {
			title, body, err := e.Render(typ, nil)
			if err != nil {
				t.Fatalf("render: %v", err)
			}
			if title == "" || body == "" {
				t.Error("expected title and body")
			}
		})
	}
}

func TestTemplateEngine_Render(t *testing.T) {
	e := NewTemplateEngine()
	_, body, err := e.Render(EventAdherenceLow, map[string]string{"rate": "62.5"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(body, "62.5%") {
		t.Errorf("expected rate in body, got %q", body)
	}
	if _, _, err := e.Render("unknown", nil); err == nil {
		t.Error("expected error for unknown type")
	}

	e.RegisterTemplate(Template{Type: EventDoseMissed, Title: "t", Body: "at {{scheduled_at}}"})
	_, body, _ = e.Render(EventDoseMissed, map[string]string{"scheduled_at": "08:00"})
	if body != "at 08:00" {
		t.Errorf("expected override, got %q", body)
	}
}

func TestMemoryDispatcher(t *testing.T) {
	d := NewMemoryDispatcher()
	m := Multi{d, Nop{}, NewLogDispatcher(zerolog.Nop(), NewTemplateEngine())}
	m.Dispatch(context.Background(), NewEvent(EventDocumentCommitted, "u1", "doc-1", nil))
	m.Dispatch(context.Background(), NewEvent(EventDoseMissed, "u1", "med-1", nil))

	if len(d.Events()) != 2 {
		t.Fatalf("expected 2 events, got %d", len(d.Events()))
	}
	got := d.OfType(EventDoseMissed)
	if len(got) != 1 || got[0].Subject != "med-1" {
		t.Errorf("unexpected events %+v", got)
	}
	if got[0].ID == "" || got[0].OccurredAt.IsZero() {
		t.Error("expected id and timestamp")
	}
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return w.err
}

func (w *fakeWriter) Close() error { return nil }

func TestKafkaDispatcher(t *testing.T) {
	w := &fakeWriter{}
	d := NewKafkaDispatcher(w, NewTemplateEngine(), zerolog.Nop())
	d.Dispatch(context.Background(), NewEvent(EventSevereInteractionDetected, "user-7", "doc-9", map[string]string{"count": "1"}))

	if len(w.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(w.msgs))
	}
	msg := w.msgs[0]
	if string(msg.Key) != "user-7" {
		t.Errorf("expected user key, got %q", msg.Key)
	}
	var p map[string]interface{}
	if err := json.Unmarshal(msg.Value, &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p["type"] != string(EventSevereInteractionDetected) || p["title"] != "Severe interaction detected" {
		t.Errorf("unexpected payload %v", p)
	}
}

func TestKafkaDispatcher_ErrorIsSwallowed(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	d := NewKafkaDispatcher(w, nil, zerolog.Nop())
	d.Dispatch(context.Background(), NewEvent(EventDoseMissed, "u", "m", nil))
	if len(w.msgs) != 1 {
		t.Error("expected a write attempt")
	}
}

func TestParseBrokers(t *testing.T) {
	got := ParseBrokers(" kafka-1:9092, ,kafka-2:9092")
	if len(got) != 2 || got[0] != "kafka-1:9092" || got[1] != "kafka-2:9092" {
		t.Errorf("unexpected brokers %v", got)
	}
	if ParseBrokers("") != nil {
		t.Error("expected nil for empty input")
	}
}
