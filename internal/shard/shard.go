// Package shard defines shard roles and the on-disk layout of segment files:
//
//	{dataDir}/indices/{index}/segments/{shardType}/{n}.db
package shard

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// SegmentExt is the file extension of a segment store.
const SegmentExt = ".db"

// ShardType is the role of a shard copy.
type ShardType int

const (
	Primary ShardType = iota
	Replica
)

func (t ShardType) String() string {
	switch t {
	case Primary:
		return "primary"
	case Replica:
		return "replica"
	default:
		return fmt.Sprintf("ShardType(%d)", int(t))
	}
}

// ParseShardType is the inverse of String.
func ParseShardType(s string) (ShardType, error) {
	switch s {
	case "primary":
		return Primary, nil
	case "replica":
		return Replica, nil
	default:
		return 0, fmt.Errorf("unknown shard type %q", s)
	}
}

func (t ShardType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *ShardType) UnmarshalText(b []byte) error {
	parsed, err := ParseShardType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Shard identifies one copy of an index.
type Shard struct {
	Index string    `json:"index"`
	Type  ShardType `json:"shard_type"`
}

func New(index string, t ShardType) Shard {
	return Shard{Index: index, Type: t}
}

func (s Shard) String() string {
	return s.Index + "/" + s.Type.String()
}

// SegmentDir returns the directory holding the segment files of s.
func (s Shard) SegmentDir(dataDir string) string {
	return SegmentDir(dataDir, s.Index, s.Type)
}

func SegmentDir(dataDir, index string, t ShardType) string {
	return filepath.Join(dataDir, "indices", index, "segments", t.String())
}

func SegmentPath(dataDir, index string, t ShardType, n int) string {
	return filepath.Join(SegmentDir(dataDir, index, t), SegmentFileName(n))
}

func SegmentFileName(n int) string {
	return strconv.Itoa(n) + SegmentExt
}

// ParseSegmentNumber extracts n from a file named "{n}.db". Only the
// canonical spelling SegmentFileName(n) is accepted, so "01.db" or "+1.db"
// are rejected.
func ParseSegmentNumber(name string) (int, bool) {
	base, ok := strings.CutSuffix(name, SegmentExt)
	if !ok || base == "" {
		return 0, false
	}
	n, err := strconv.Atoi(base)
	if err != nil || n < 0 || strconv.Itoa(n) != base {
		return 0, false
	}
	return n, true
}

// ListSegments returns the segment numbers found in dir in ascending order.
// Sub-directories and unrelated files are ignored.
func ListSegments(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading segment directory %s: %w", dir, err)
	}
	var segments []int
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if n, ok := ParseSegmentNumber(entry.Name()); ok {
			segments = append(segments, n)
		}
	}
	sort.Ints(segments)
	return segments, nil
}
