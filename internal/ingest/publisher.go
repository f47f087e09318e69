package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/fhaynes/saga/pkg/kafka"
)

// EventWriter is the producer side a Publisher writes through;
// *kafka.Producer implements it.
type EventWriter interface {
	Publish(ctx context.Context, event kafka.Event) error
	PublishBatch(ctx context.Context, events []kafka.Event) error
	Close() error
}

// Publisher validates documents and publishes them as IngestEvents.
type Publisher struct {
	producer EventWriter
}

func NewPublisher(producer EventWriter) *Publisher {
	return &Publisher{producer: producer}
}

// Publish stamps the event and writes it keyed by index and document id, so
// every version of a document lands on the same partition in order.
func (p *Publisher) Publish(ctx context.Context, event IngestEvent) error {
	if err := Validate(&event); err != nil {
		return err
	}
	if event.IngestedAt.IsZero() {
		event.IngestedAt = time.Now().UTC()
	}
	err := p.producer.Publish(ctx, kafka.Event{
		Key:   EventKey(event),
		Value: event,
	})
	if err != nil {
		return fmt.Errorf("publishing document %d to %s: %w", event.DocumentID, event.Index, err)
	}
	return nil
}

// PublishBatch publishes events in one write. Nothing is written if any
// event fails validation.
func (p *Publisher) PublishBatch(ctx context.Context, events []IngestEvent) error {
	now := time.Now().UTC()
	batch := make([]kafka.Event, 0, len(events))
	for i := range events {
		if err := Validate(&events[i]); err != nil {
			return fmt.Errorf("event %d: %w", i, err)
		}
		if events[i].IngestedAt.IsZero() {
			events[i].IngestedAt = now
		}
		batch = append(batch, kafka.Event{Key: EventKey(events[i]), Value: events[i]})
	}
	return p.producer.PublishBatch(ctx, batch)
}

// ReadEvents decodes a stream of JSON IngestEvents, one after another as
// written by json.Encoder.
func ReadEvents(r io.Reader) ([]IngestEvent, error) {
	dec := json.NewDecoder(r)
	var events []IngestEvent
	for {
		var event IngestEvent
		err := dec.Decode(&event)
		if errors.Is(err, io.EOF) {
			return events, nil
		}
		if err != nil {
			return nil, fmt.Errorf("decoding event %d: %w", len(events), err)
		}
		events = append(events, event)
	}
}

func (p *Publisher) Close() error {
	return p.producer.Close()
}

func EventKey(e IngestEvent) string {
	return e.Index + "/" + strconv.FormatUint(e.DocumentID, 10)
}
