package ingest

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fhaynes/saga/internal/manager"
	apperrors "github.com/fhaynes/saga/pkg/errors"
	"github.com/fhaynes/saga/pkg/kafka"
	"github.com/fhaynes/saga/pkg/metrics"
)

// HandleMessage returns the consumer callback that indexes each event into
// the matching shard in dir. Events that can never succeed (bad JSON, failed
// validation, a shard this node does not host) wrap kafka.ErrSkip so the
// consumer commits past them.
func HandleMessage(dir *manager.Directory, m *metrics.Metrics) kafka.MessageHandler {
	logger := slog.Default().With("component", "ingest-handler")
	count := func(status string) {
		if m != nil {
			m.IngestMessagesTotal.WithLabelValues(status).Inc()
		}
	}

	return func(ctx context.Context, key, value []byte) error {
		event, err := kafka.DecodeJSON[IngestEvent](value)
		if err != nil {
			count("malformed")
			return err
		}
		if err := Validate(&event); err != nil {
			count("invalid")
			return fmt.Errorf("%w: %w", kafka.ErrSkip, err)
		}
		target, err := event.Shard()
		if err != nil {
			count("invalid")
			return fmt.Errorf("%w: %w", kafka.ErrSkip, err)
		}
		client, err := dir.Lookup(target.Index, target.Type)
		if err != nil {
			count("unknown_index")
			return fmt.Errorf("%w: %w", kafka.ErrSkip, err)
		}

		ok, err := client.Index(ctx, event.Document())
		if err != nil {
			count("failed")
			return fmt.Errorf("indexing document %d into %s: %w", event.DocumentID, target, err)
		}
		if !ok {
			count("rejected")
			return fmt.Errorf("indexing document %d into %s: %w", event.DocumentID, target, apperrors.ErrInternal)
		}
		count("indexed")
		logger.Debug("document indexed",
			"key", string(key),
			"shard", target.String(),
			"doc_id", event.DocumentID,
		)
		return nil
	}
}
