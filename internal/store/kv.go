package store

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/cznic/kv"

	"github.com/fhaynes/saga/internal/document"
	apperrors "github.com/fhaynes/saga/pkg/errors"
)

// kv keeps every logical table in one keyspace, separated by a prefix byte.
const (
	prefixDocument   = 'd'
	prefixTerm       = 't'
	prefixOccurrence = 'o'
)

var keyDocumentCount = []byte("#count")

type kvStore struct {
	name   string
	db     *kv.DB
	logger *slog.Logger
}

func openKV(name, path string) (Store, error) {
	db, err := openOrCreateKV(path, &kv.Options{})
	if err != nil {
		return nil, err
	}
	return &kvStore{
		name:   name,
		db:     db,
		logger: slog.Default().With("component", "kv-store", "segment", name),
	}, nil
}

// openOrCreateKV opens the database at path, creating it when it does not
// exist yet.
func openOrCreateKV(path string, opts *kv.Options) (*kv.DB, error) {
	db, errOpen := kv.Open(path, opts)
	if errOpen == nil {
		return db, nil
	}
	db, errCreate := kv.Create(path, opts)
	if errCreate != nil {
		return nil, fmt.Errorf("open: %v, create: %w", errOpen, errCreate)
	}
	return db, nil
}

func documentKey(id uint64) []byte {
	return append([]byte{prefixDocument}, encodeID(id)...)
}

func termKey(term string) []byte {
	return append([]byte{prefixTerm}, term...)
}

func kvOccurrenceKey(term string, id, offset uint64) []byte {
	k := make([]byte, 0, 1+binary.MaxVarintLen64+len(term)+16)
	k = append(k, prefixOccurrence)
	k = binary.AppendUvarint(k, uint64(len(term)))
	k = append(k, term...)
	return append(k, occurrenceKey(id, offset)...)
}

// inTx runs fn inside a kv transaction, rolling back on error.
func (s *kvStore) inTx(fn func() error) error {
	if err := s.db.BeginTransaction(); err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(); err != nil {
		if rbErr := s.db.Rollback(); rbErr != nil {
			return fmt.Errorf("rolling back transaction after error %v: %w", rbErr, err)
		}
		return err
	}
	if err := s.db.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *kvStore) addToCounter(key []byte, delta int64) error {
	v, err := s.db.Get(nil, key)
	if err != nil {
		return err
	}
	n := int64(decodeCount(v)) + delta
	if n <= 0 {
		return s.db.Delete(key)
	}
	return s.db.Set(key, encodeCount(uint64(n)))
}

func (s *kvStore) SaveDocument(doc *document.Document) error {
	if !doc.HasID() {
		return apperrors.ErrMissingDocumentID
	}
	id := *doc.ID
	locations := locationsOf(doc)

	err := s.inTx(func() error {
		v, err := s.db.Get(nil, documentKey(id))
		if err != nil {
			return err
		}
		if old, ok := decodeRaw(v); ok {
			if err := s.removeOccurrences(id, document.Tokenize(old)); err != nil {
				return err
			}
		} else if err := s.addToCounter(keyDocumentCount, 1); err != nil {
			return err
		}
		if err := s.db.Set(documentKey(id), encodeRaw(doc.Raw)); err != nil {
			return err
		}
		for term, offsets := range locations {
			for _, off := range offsets {
				if err := s.db.Set(kvOccurrenceKey(term, id, off), []byte{}); err != nil {
					return err
				}
			}
			if err := s.addToCounter(termKey(term), 1); err != nil {
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

func (s *kvStore) removeOccurrences(id uint64, locations map[string][]uint64) error {
	for term, offsets := range locations {
		for _, off := range offsets {
			if err := s.db.Delete(kvOccurrenceKey(term, id, off)); err != nil {
				return err
			}
		}
		if err := s.addToCounter(termKey(term), -1); err != nil {
			return err
		}
	}
	return nil
}

func (s *kvStore) DeleteDocumentByID(id uint64) error {
	err := s.inTx(func() error {
		v, err := s.db.Get(nil, documentKey(id))
		if err != nil {
			return err
		}
		raw, ok := decodeRaw(v)
		if !ok {
			return apperrors.ErrDocumentNotFound
		}
		if err := s.removeOccurrences(id, document.Tokenize(raw)); err != nil {
			return err
		}
		if err := s.db.Delete(documentKey(id)); err != nil {
			return err
		}
		return s.addToCounter(keyDocumentCount, -1)
	})
	if err != nil {
		return fmt.Errorf("deleting document %d: %w", id, err)
	}
	return nil
}

func (s *kvStore) DocumentByID(id uint64) (*document.Document, error) {
	v, err := s.db.Get(nil, documentKey(id))
	if err != nil {
		return nil, fmt.Errorf("fetching document %d: %w", id, err)
	}
	raw, ok := decodeRaw(v)
	if !ok {
		return nil, fmt.Errorf("fetching document %d: %w", id, apperrors.ErrDocumentNotFound)
	}
	return document.New(id, raw), nil
}

func (s *kvStore) DocumentCount() (uint64, error) {
	v, err := s.db.Get(nil, keyDocumentCount)
	if err != nil {
		return 0, fmt.Errorf("counting documents: %w", err)
	}
	return decodeCount(v), nil
}

func (s *kvStore) TermDocumentCount(term string) (uint64, error) {
	v, err := s.db.Get(nil, termKey(term))
	if err != nil {
		return 0, err
	}
	return decodeCount(v), nil
}

func (s *kvStore) Close() error {
	return s.db.Close()
}
