package manager

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/fhaynes/saga/internal/document"
	"github.com/fhaynes/saga/internal/shard"
	apperrors "github.com/fhaynes/saga/pkg/errors"
	"github.com/fhaynes/saga/pkg/tracing"
)

// Client issues commands to a manager and waits for the replies.
type Client struct {
	commands chan<- Command
}

func NewClient(commands chan<- Command) *Client {
	return &Client{commands: commands}
}

func (c *Client) send(ctx context.Context, cmd Command) error {
	select {
	case c.commands <- cmd:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sending command: %w", ctx.Err())
	}
}

func await[T any](ctx context.Context, ch <-chan T) (T, error) {
	select {
	case v := <-ch:
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("waiting for reply: %w", ctx.Err())
	}
}

// request sends cmd and waits for its reply under a tracing span.
func request[T any](ctx context.Context, c *Client, name string, cmd Command, reply <-chan T) (T, error) {
	ctx, span := tracing.Start(ctx, "manager."+name)
	v, err := func() (T, error) {
		if err := c.send(ctx, cmd); err != nil {
			var zero T
			return zero, err
		}
		return await(ctx, reply)
	}()
	span.End(err)
	return v, err
}

// Index stores doc and reports whether the owning segment accepted it.
func (c *Client) Index(ctx context.Context, doc *document.Document) (bool, error) {
	reply := make(chan bool, 1)
	return request(ctx, c, "index", IndexDocument{Document: doc, Reply: reply}, reply)
}

// Fetch returns the stored document with the given id.
func (c *Client) Fetch(ctx context.Context, id uint64) (*document.Document, error) {
	reply := make(chan FetchResult, 1)
	res, err := request(ctx, c, "fetch", FetchDocument{ID: id, Reply: reply}, reply)
	if err != nil {
		return nil, err
	}
	return res.Document, res.Err
}

func (c *Client) Delete(ctx context.Context, id uint64) error {
	reply := make(chan error, 1)
	res, err := request(ctx, c, "delete", DeleteDocument{ID: id, Reply: reply}, reply)
	if err != nil {
		return err
	}
	return res
}

func (c *Client) Stats(ctx context.Context) (IndexStats, error) {
	reply := make(chan IndexStats, 1)
	return request(ctx, c, "stats", Stats{Reply: reply}, reply)
}

func (c *Client) TermCount(ctx context.Context, term string) (uint64, error) {
	reply := make(chan uint64, 1)
	return request(ctx, c, "term_count", TermCount{Term: term, Reply: reply}, reply)
}

func (c *Client) Ready(ctx context.Context) (bool, error) {
	reply := make(chan bool, 1)
	return request(ctx, c, "ready", Ready{Reply: reply}, reply)
}

// Directory maps the shards hosted by this node to their clients.
type Directory struct {
	mu      sync.RWMutex
	clients map[shard.Shard]*Client
}

func NewDirectory() *Directory {
	return &Directory{clients: make(map[shard.Shard]*Client)}
}

func (d *Directory) Add(s shard.Shard, c *Client) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clients[s] = c
}

// Lookup returns the client for index's shard of type t.
func (d *Directory) Lookup(index string, t shard.ShardType) (*Client, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.clients[shard.New(index, t)]
	if !ok {
		return nil, fmt.Errorf("%s: %w", shard.New(index, t), apperrors.ErrUnknownIndex)
	}
	return c, nil
}

// Shards lists the hosted shards ordered by index then type.
func (d *Directory) Shards() []shard.Shard {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]shard.Shard, 0, len(d.clients))
	for s := range d.clients {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Index != out[j].Index {
			return out[i].Index < out[j].Index
		}
		return out[i].Type < out[j].Type
	})
	return out
}
