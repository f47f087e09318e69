// Package document holds the unit of indexing and the whitespace tokenizer
// that derives term positions from its raw text.
package document

import (
	"sort"
	"strings"
)

// Document is a piece of raw text plus the term positions derived from it.
// Locations maps each literal token to the zero-based offsets at which it
// appears in the whitespace-split token stream.
type Document struct {
	ID        *uint64
	Raw       string
	Locations map[string][]uint64
}

// New builds a document with a known id and tokenizes it immediately.
func New(id uint64, raw string) *Document {
	d := &Document{ID: &id, Raw: raw}
	d.Tokenize()
	return d
}

// FromString builds an id-less document. Locations stay empty until
// Tokenize is called.
func FromString(raw string) *Document {
	return &Document{Raw: raw, Locations: map[string][]uint64{}}
}

// HasID reports whether the document has been assigned an id.
func (d *Document) HasID() bool {
	return d.ID != nil
}

// SetID assigns the document id.
func (d *Document) SetID(id uint64) {
	d.ID = &id
}

// SetRaw replaces the raw text and recomputes Locations.
func (d *Document) SetRaw(raw string) {
	d.Raw = raw
	d.Tokenize()
}

// Tokenize recomputes Locations from Raw.
func (d *Document) Tokenize() {
	d.Locations = Tokenize(d.Raw)
}

// Terms returns the distinct terms of the document in sorted order.
func (d *Document) Terms() []string {
	terms := make([]string, 0, len(d.Locations))
	for term := range d.Locations {
		terms = append(terms, term)
	}
	sort.Strings(terms)
	return terms
}

// TokenCount returns the number of tokens the locations were built from.
func (d *Document) TokenCount() int {
	n := 0
	for _, offsets := range d.Locations {
		n += len(offsets)
	}
	return n
}

// Tokenize splits raw on runs of whitespace and groups token positions by
// literal token. No case folding or punctuation stripping is applied.
func Tokenize(raw string) map[string][]uint64 {
	locations := make(map[string][]uint64)
	for i, token := range strings.Fields(raw) {
		locations[token] = append(locations[token], uint64(i))
	}
	return locations
}
