// Package store defines the contract every segment storage engine satisfies
// and a registry mapping engine names to their open functions.
package store

import (
	"encoding/binary"
	"fmt"

	"github.com/fhaynes/saga/internal/document"
)

// Engine names a storage backend.
type Engine string

const (
	Bolt Engine = "bolt"
	KV   Engine = "kv"

	DefaultEngine = Bolt
)

// Store persists the documents and term occurrences of one segment.
type Store interface {
	// SaveDocument stores doc, replacing any document with the same id.
	SaveDocument(doc *document.Document) error
	// DeleteDocumentByID removes a document and its occurrences.
	DeleteDocumentByID(id uint64) error
	// DocumentByID returns the stored document with its locations rebuilt.
	DocumentByID(id uint64) (*document.Document, error)
	DocumentCount() (uint64, error)
	// TermDocumentCount reports how many stored documents contain term.
	TermDocumentCount(term string) (uint64, error)
	Close() error
}

// OpenFunc opens or creates the store at path. name is used for logging.
type OpenFunc func(name, path string) (Store, error)

var registry = map[Engine]OpenFunc{
	Bolt: openBolt,
	KV:   openKV,
}

// ParseEngine validates an engine name. The empty string selects the default.
func ParseEngine(s string) (Engine, error) {
	if s == "" {
		return DefaultEngine, nil
	}
	if _, ok := registry[Engine(s)]; !ok {
		return "", fmt.Errorf("unsupported storage engine %q", s)
	}
	return Engine(s), nil
}

// Open opens the store at path with the given engine.
func Open(engine Engine, name, path string) (Store, error) {
	if engine == "" {
		engine = DefaultEngine
	}
	fn, ok := registry[engine]
	if !ok {
		return nil, fmt.Errorf("unsupported storage engine %q", engine)
	}
	s, err := fn(name, path)
	if err != nil {
		return nil, fmt.Errorf("opening %s store %s at %s: %w", engine, name, path, err)
	}
	return s, nil
}

func encodeID(id uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, id)
	return b
}

func encodeCount(n uint64) []byte {
	return encodeID(n)
}

func decodeCount(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

// occurrenceKey orders occurrences of a term by document then offset.
func occurrenceKey(id, offset uint64) []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b, id)
	binary.BigEndian.PutUint64(b[8:], offset)
	return b
}

// locationsOf returns doc's locations, tokenizing when they were deferred.
func locationsOf(doc *document.Document) map[string][]uint64 {
	if len(doc.Locations) == 0 && doc.Raw != "" {
		return document.Tokenize(doc.Raw)
	}
	return doc.Locations
}

// Stored raw text carries a leading version byte so an empty document is
// distinguishable from a missing one.
const rawVersion = 1

func encodeRaw(raw string) []byte {
	return append([]byte{rawVersion}, raw...)
}

func decodeRaw(v []byte) (string, bool) {
	if len(v) == 0 {
		return "", false
	}
	return string(v[1:]), true
}
