// Package analytics emits matchmaking lifecycle events to Kafka for the
// downstream experiment-analytics consumers. Emission is fire-and-forget
// from a buffered channel so the pairing path never blocks on the broker;
// when the buffer is full or Kafka is down, events are dropped with a log
// line.
package analytics

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// EventType labels a matchmaking lifecycle event.
type EventType string

const (
	EventQueueJoin            EventType = "queue_join"
	EventMatchCreated         EventType = "match_created"
	EventAIFallback           EventType = "ai_fallback"
	EventMatchmakingCancelled EventType = "matchmaking_cancelled"
	EventParticipantDropped   EventType = "participant_dropped"
)

// Event is the wire format of one analytics event.
type Event struct {
	EventID       string    `json:"event_id"`
	EventType     EventType `json:"event_type"`
	ParticipantID string    `json:"participant_id"`
	MatchID       string    `json:"match_id,omitempty"`
	RoundNumber   int       `json:"round_number,omitempty"`
	MatchType     string    `json:"match_type,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Emitter is the narrow port the engine and dispatcher publish through.
// A nil *Producer is a valid no-op Emitter, so analytics stays optional.
type Emitter interface {
	Emit(event Event)
}

// Producer batches events onto a Kafka topic.
type Producer struct {
	writer *kafka.Writer
	events chan Event
	done   chan struct{}
}

// NewProducer creates a Producer for the given brokers and topic and
// starts its background pump. Returns nil when brokers is empty, which
// callers treat as analytics-disabled.
func NewProducer(brokers []string, topic string) *Producer {
	if len(brokers) == 0 {
		return nil
	}

	p := &Producer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			BatchTimeout: 100 * time.Millisecond,
			Async:        false,
		},
		events: make(chan Event, 256),
		done:   make(chan struct{}),
	}

	go p.pump()
	log.Printf("[analytics] producing to %v topic=%s", brokers, topic)
	return p
}

// Emit queues an event for delivery. Safe to call on a nil Producer.
func (p *Producer) Emit(event Event) {
	if p == nil {
		return
	}
	if event.EventID == "" {
		event.EventID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case p.events <- event:
	default:
		log.Printf("[analytics] buffer full, dropping %s for %s", event.EventType, event.ParticipantID)
	}
}

// pump drains the event channel into Kafka until Close.
func (p *Producer) pump() {
	for {
		select {
		case <-p.done:
			return
		case event := <-p.events:
			data, err := json.Marshal(event)
			if err != nil {
				log.Printf("[analytics] marshal %s: %v", event.EventType, err)
				continue
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err = p.writer.WriteMessages(ctx, kafka.Message{
				Key:   []byte(event.ParticipantID),
				Value: data,
			})
			cancel()
			if err != nil {
				log.Printf("[analytics] write %s: %v", event.EventType, err)
			}
		}
	}
}

// Close stops the pump and closes the writer. Safe on a nil Producer.
func (p *Producer) Close() error {
	if p == nil {
		return nil
	}
	close(p.done)
	return p.writer.Close()
}
