package store

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/boltdb/bolt"

	"github.com/fhaynes/saga/internal/document"
	apperrors "github.com/fhaynes/saga/pkg/errors"
)

var (
	bucketDocuments   = []byte("documents")
	bucketTerms       = []byte("terms")
	bucketOccurrences = []byte("occurrences")
)

// boltStore keeps one segment in a bolt file. Layout:
//
//	documents:   id -> raw text
//	terms:       term -> number of documents containing it
//	occurrences: term -> (id|offset -> nil)
type boltStore struct {
	name   string
	db     *bolt.DB
	logger *slog.Logger
}

func openBolt(name, path string) (Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	// Throughput is preferred over durability for segment writes.
	db.NoSync = true

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketDocuments, bucketTerms, bucketOccurrences} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("creating bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &boltStore{
		name:   name,
		db:     db,
		logger: slog.Default().With("component", "bolt-store", "segment", name),
	}, nil
}

func (s *boltStore) SaveDocument(doc *document.Document) error {
	if !doc.HasID() {
		return apperrors.ErrMissingDocumentID
	}
	id := *doc.ID
	locations := locationsOf(doc)

	err := s.db.Update(func(tx *bolt.Tx) error {
		docs := tx.Bucket(bucketDocuments)
		if old, ok := decodeRaw(docs.Get(encodeID(id))); ok {
			if err := removeOccurrences(tx, id, document.Tokenize(old)); err != nil {
				return err
			}
		}
		if err := docs.Put(encodeID(id), encodeRaw(doc.Raw)); err != nil {
			return err
		}
		terms := tx.Bucket(bucketTerms)
		occurrences := tx.Bucket(bucketOccurrences)
		for term, offsets := range locations {
			tb, err := occurrences.CreateBucketIfNotExists([]byte(term))
			if err != nil {
				return fmt.Errorf("creating occurrence bucket for %q: %w", term, err)
			}
			for _, off := range offsets {
				if err := tb.Put(occurrenceKey(id, off), []byte{}); err != nil {
					return err
				}
			}
			n := decodeCount(terms.Get([]byte(term)))
			if err := terms.Put([]byte(term), encodeCount(n+1)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("saving document %d: %w", id, err)
	}
	s.logger.Debug("document saved", "doc_id", id, "terms", len(locations))
	return nil
}

func (s *boltStore) DeleteDocumentByID(id uint64) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		docs := tx.Bucket(bucketDocuments)
		raw, ok := decodeRaw(docs.Get(encodeID(id)))
		if !ok {
			return apperrors.ErrDocumentNotFound
		}
		if err := removeOccurrences(tx, id, document.Tokenize(raw)); err != nil {
			return err
		}
		return docs.Delete(encodeID(id))
	})
	if err != nil {
		return fmt.Errorf("deleting document %d: %w", id, err)
	}
	return nil
}

func removeOccurrences(tx *bolt.Tx, id uint64, locations map[string][]uint64) error {
	terms := tx.Bucket(bucketTerms)
	occurrences := tx.Bucket(bucketOccurrences)
	for term, offsets := range locations {
		if tb := occurrences.Bucket([]byte(term)); tb != nil {
			for _, off := range offsets {
				if err := tb.Delete(occurrenceKey(id, off)); err != nil {
					return err
				}
			}
		}
		n := decodeCount(terms.Get([]byte(term)))
		if n <= 1 {
			if err := terms.Delete([]byte(term)); err != nil {
				return err
			}
			if occurrences.Bucket([]byte(term)) != nil {
				if err := occurrences.DeleteBucket([]byte(term)); err != nil {
					return err
				}
			}
			continue
		}
		if err := terms.Put([]byte(term), encodeCount(n-1)); err != nil {
			return err
		}
	}
	return nil
}

func (s *boltStore) DocumentByID(id uint64) (*document.Document, error) {
	var raw string
	err := s.db.View(func(tx *bolt.Tx) error {
		v, ok := decodeRaw(tx.Bucket(bucketDocuments).Get(encodeID(id)))
		if !ok {
			return apperrors.ErrDocumentNotFound
		}
		raw = v
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetching document %d: %w", id, err)
	}
	return document.New(id, raw), nil
}

func (s *boltStore) DocumentCount() (uint64, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketDocuments).Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("counting documents: %w", err)
	}
	return uint64(n), nil
}

func (s *boltStore) TermDocumentCount(term string) (uint64, error) {
	var n uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		n = decodeCount(tx.Bucket(bucketTerms).Get([]byte(term)))
		return nil
	})
	return n, err
}

func (s *boltStore) Close() error {
	if err := s.db.Sync(); err != nil {
		s.logger.Warn("sync before close failed", "error", err)
	}
	return s.db.Close()
}
