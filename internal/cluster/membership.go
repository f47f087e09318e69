package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/boltdb/bolt"

	apperrors "github.com/fhaynes/saga/pkg/errors"
)

// Member is one row of the membership table.
type Member struct {
	Name      string    `json:"name"`
	Host      string    `json:"host"`
	Port      uint16    `json:"port"`
	LastHeard time.Time `json:"last_heard"`
}

// Membership stores the nodes known to the metadata server.
type Membership interface {
	// RegisterNode inserts m or replaces the row with the same name.
	RegisterNode(ctx context.Context, m Member) error
	// ListNodes returns every registered name in ascending order.
	ListNodes(ctx context.Context) ([]string, error)
	ListMembers(ctx context.Context) ([]Member, error)
	// Touch records that name was heard from at the given time.
	Touch(ctx context.Context, name string, at time.Time) error
	Ping(ctx context.Context) error
	Close() error
}

// MemoryMembership keeps the table in process memory.
type MemoryMembership struct {
	mu      sync.RWMutex
	members map[string]Member
}

func NewMemoryMembership() *MemoryMembership {
	return &MemoryMembership{members: make(map[string]Member)}
}

func (m *MemoryMembership) RegisterNode(_ context.Context, member Member) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members[member.Name] = member
	return nil
}

func (m *MemoryMembership) ListNodes(ctx context.Context) ([]string, error) {
	members, _ := m.ListMembers(ctx)
	return names(members), nil
}

func (m *MemoryMembership) ListMembers(context.Context) ([]Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Member, 0, len(m.members))
	for _, member := range m.members {
		out = append(out, member)
	}
	sortMembers(out)
	return out, nil
}

func (m *MemoryMembership) Touch(_ context.Context, name string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	member, ok := m.members[name]
	if !ok {
		return fmt.Errorf("%s: %w", name, apperrors.ErrNodeNotFound)
	}
	member.LastHeard = at
	m.members[name] = member
	return nil
}

func (m *MemoryMembership) Ping(context.Context) error { return nil }

func (m *MemoryMembership) Close() error { return nil }

var bucketNodes = []byte("nodes")

// BoltMembership keeps the table in a local bolt file, one JSON row per
// node keyed by name.
type BoltMembership struct {
	db *bolt.DB
}

// MembershipPath is where a node keeps its membership file.
func MembershipPath(dataPath string) string {
	return filepath.Join(dataPath, "metadata", "membership.db")
}

func OpenBoltMembership(path string) (*BoltMembership, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating metadata directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening membership db %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketNodes)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating nodes bucket: %w", err)
	}
	return &BoltMembership{db: db}, nil
}

func (b *BoltMembership) RegisterNode(_ context.Context, member Member) error {
	row, err := json.Marshal(member)
	if err != nil {
		return fmt.Errorf("encoding member %s: %w", member.Name, err)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).Put([]byte(member.Name), row)
	})
}

func (b *BoltMembership) ListNodes(context.Context) ([]string, error) {
	var out []string
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(k, _ []byte) error {
			out = append(out, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing nodes: %w", err)
	}
	// bolt iterates keys in byte order already.
	return out, nil
}

func (b *BoltMembership) ListMembers(context.Context) ([]Member, error) {
	var out []Member
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(k, v []byte) error {
			var member Member
			if err := json.Unmarshal(v, &member); err != nil {
				return fmt.Errorf("decoding member %s: %w", k, err)
			}
			out = append(out, member)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing members: %w", err)
	}
	return out, nil
}

func (b *BoltMembership) Touch(_ context.Context, name string, at time.Time) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		nodes := tx.Bucket(bucketNodes)
		v := nodes.Get([]byte(name))
		if v == nil {
			return fmt.Errorf("%s: %w", name, apperrors.ErrNodeNotFound)
		}
		var member Member
		if err := json.Unmarshal(v, &member); err != nil {
			return fmt.Errorf("decoding member %s: %w", name, err)
		}
		member.LastHeard = at
		row, err := json.Marshal(member)
		if err != nil {
			return err
		}
		return nodes.Put([]byte(name), row)
	})
}

func (b *BoltMembership) Ping(context.Context) error {
	return b.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketNodes) == nil {
			return fmt.Errorf("nodes bucket missing")
		}
		return nil
	})
}

func (b *BoltMembership) Close() error {
	return b.db.Close()
}

func sortMembers(members []Member) {
	sort.Slice(members, func(i, j int) bool { return members[i].Name < members[j].Name })
}

func names(members []Member) []string {
	out := make([]string, len(members))
	for i, m := range members {
		out[i] = m.Name
	}
	return out
}
