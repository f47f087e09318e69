package manager

import (
	"github.com/fhaynes/saga/internal/document"
)

// Command is a message accepted on a manager's inbound channel. The set of
// commands is closed; reply channels must be buffered because the manager
// never blocks on a reply.
type Command interface {
	command()
}

// IndexDocument asks the owning segment to persist Document. Reply is
// optional and receives true once the document is stored.
type IndexDocument struct {
	Document *document.Document
	Reply    chan<- bool
}

// Stats asks for aggregated document counts across all segments.
type Stats struct {
	Reply chan<- IndexStats
}

// Ready reports whether the manager is accepting commands.
type Ready struct {
	Reply chan<- bool
}

// FetchDocument looks a document up by id in its owning segment.
type FetchDocument struct {
	ID    uint64
	Reply chan<- FetchResult
}

// DeleteDocument removes a document from its owning segment.
type DeleteDocument struct {
	ID    uint64
	Reply chan<- error
}

// TermCount asks how many documents across all segments contain Term.
type TermCount struct {
	Term  string
	Reply chan<- uint64
}

func (IndexDocument) command()  {}
func (Stats) command()          {}
func (Ready) command()          {}
func (FetchDocument) command()  {}
func (DeleteDocument) command() {}
func (TermCount) command()      {}

type FetchResult struct {
	Document *document.Document
	Err      error
}

// IndexStats summarizes the documents held by one shard.
type IndexStats struct {
	Index            string         `json:"index"`
	ShardType        string         `json:"shard_type"`
	Documents        uint64         `json:"documents"`
	Segments         int            `json:"segments"`
	SegmentDocuments map[int]uint64 `json:"segment_documents"`
}
