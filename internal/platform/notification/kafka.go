package notification

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaDispatcher publishes events as JSON keyed by user id, so one user's
// events stay ordered within a partition.
type KafkaDispatcher struct {
	writer messageWriter
	tpl    *TemplateEngine
	logger zerolog.Logger
}

// NewKafkaWriter returns an async writer; delivery errors surface through
// the completion callback only.
func NewKafkaWriter(brokers []string, topic string, logger zerolog.Logger) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		Async:        true,
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				logger.Warn().Err(err).Int("messages", len(msgs)).Msg("kafka notification delivery failed")
			}
		},
	}
}

// ParseBrokers splits a comma separated broker list.
func ParseBrokers(s string) []string {
	var out []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

func NewKafkaDispatcher(w messageWriter, tpl *TemplateEngine, logger zerolog.Logger) *KafkaDispatcher {
	return &KafkaDispatcher{
		writer: w,
		tpl:    tpl,
		logger: logger.With().Str("component", "notification_kafka").Logger(),
	}
}

type kafkaPayload struct {
	Event
	Title string `json:"title,omitempty"`
	Body  string `json:"body,omitempty"`
}

func (d *KafkaDispatcher) Dispatch(ctx context.Context, e Event) {
	p := kafkaPayload{Event: e}
	if d.tpl != nil {
		p.Title, p.Body, _ = d.tpl.RenderEvent(e)
	}
	val, err := json.Marshal(p)
	if err != nil {
		d.logger.Warn().Err(err).Str("event_id", e.ID).Msg("encode notification event")
		return
	}
	err = d.writer.WriteMessages(context.WithoutCancel(ctx), kafka.Message{
		Key:   []byte(e.UserID),
		Value: val,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(e.Type)},
		},
		Time: e.OccurredAt,
	})
	if err != nil {
		d.logger.Warn().Err(err).Str("event_id", e.ID).Msg("publish notification event")
	}
}

// Close flushes pending messages.
func (d *KafkaDispatcher) Close() error { return d.writer.Close() }
