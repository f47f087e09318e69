// Package ingest carries documents from Kafka into the shards hosted by this
// node. Producers publish IngestEvents; the consumer handler validates each
// event and hands it to the owning shard manager.
package ingest

import (
	"time"

	"github.com/fhaynes/saga/internal/document"
	"github.com/fhaynes/saga/internal/shard"
)

// IngestEvent is the Kafka message payload for one document.
type IngestEvent struct {
	Index      string    `json:"index"`
	DocumentID uint64    `json:"document_id"`
	Body       string    `json:"body"`
	ShardType  string    `json:"shard_type,omitempty"`
	IngestedAt time.Time `json:"ingested_at"`
}

// Shard resolves the target shard. An empty shard type means primary.
func (e IngestEvent) Shard() (shard.Shard, error) {
	t := shard.Primary
	if e.ShardType != "" {
		parsed, err := shard.ParseShardType(e.ShardType)
		if err != nil {
			return shard.Shard{}, err
		}
		t = parsed
	}
	return shard.New(e.Index, t), nil
}

// Document builds the tokenized document the event describes.
func (e IngestEvent) Document() *document.Document {
	return document.New(e.DocumentID, e.Body)
}
