package cluster

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fhaynes/saga/pkg/redis"
)

// Presence records short-lived liveness marks for nodes that heartbeat.
type Presence interface {
	MarkAlive(ctx context.Context, name string) error
	Alive(ctx context.Context) ([]string, error)
}

const presencePrefix = "saga:alive:"

// RedisPresence stores one expiring key per node. A node disappears from
// Alive once it stops heartbeating for longer than the TTL.
type RedisPresence struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisPresence(client *redis.Client, ttl time.Duration) *RedisPresence {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisPresence{client: client, ttl: ttl}
}

func (p *RedisPresence) MarkAlive(ctx context.Context, name string) error {
	if err := p.client.SetExpiring(ctx, presencePrefix+name, time.Now().UTC().Format(time.RFC3339Nano), p.ttl); err != nil {
		return fmt.Errorf("marking %s alive: %w", name, err)
	}
	return nil
}

func (p *RedisPresence) Alive(ctx context.Context) ([]string, error) {
	keys, err := p.client.ScanPrefix(ctx, presencePrefix)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = strings.TrimPrefix(k, presencePrefix)
	}
	sort.Strings(out)
	return out, nil
}
