package manager

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/fhaynes/saga/internal/document"
	"github.com/fhaynes/saga/internal/shard"
	"github.com/fhaynes/saga/internal/store"
	apperrors "github.com/fhaynes/saga/pkg/errors"
	"github.com/fhaynes/saga/pkg/metrics"
)

type running struct {
	mgr      *Manager
	client   *Client
	commands chan Command
	done     chan error
	cancel   context.CancelFunc
}

func startManager(t *testing.T, cfg Config) *running {
	t.Helper()
	commands := make(chan Command)
	mgr, err := New(cfg, commands)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	r := &running{
		mgr:      mgr,
		client:   NewClient(commands),
		commands: commands,
		done:     make(chan error, 1),
		cancel:   cancel,
	}
	go func() { r.done <- mgr.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-r.done:
		case <-time.After(5 * time.Second):
			t.Error("manager did not stop")
		}
	})
	return r
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestNewBootstrapsDefaultSegments(t *testing.T) {
	assert := require.New(t)
	dir := t.TempDir()
	mgr, err := New(Config{Index: "books", ShardType: shard.Primary, DataDir: dir}, nil)
	assert.NoError(err)
	assert.Equal([]int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, mgr.Segments())

	for n := 0; n < DefaultWorkerCount; n++ {
		_, err := os.Stat(shard.SegmentPath(dir, "books", shard.Primary, n))
		assert.NoError(err)
	}
}

func TestNewKeepsExistingSegments(t *testing.T) {
	assert := require.New(t)
	dir := t.TempDir()
	segDir := shard.SegmentDir(dir, "books", shard.Replica)
	assert.NoError(os.MkdirAll(segDir, 0o755))
	for _, n := range []int{0, 1, 2} {
		st, err := store.Open(store.Bolt, "seed", filepath.Join(segDir, shard.SegmentFileName(n)))
		assert.NoError(err)
		assert.NoError(st.Close())
	}

	mgr, err := New(Config{Index: "books", ShardType: shard.Replica, DataDir: dir, Workers: 8}, nil)
	assert.NoError(err)
	assert.Equal([]int{0, 1, 2}, mgr.Segments())
}

func TestNewSkipsSegmentsThatFailToBootstrap(t *testing.T) {
	assert := require.New(t)
	dir := t.TempDir()
	segDir := shard.SegmentDir(dir, "books", shard.Primary)
	// A directory named like a segment is ignored by discovery and cannot
	// be opened as a store.
	assert.NoError(os.MkdirAll(filepath.Join(segDir, "3.db"), 0o755))

	mgr, err := New(Config{Index: "books", DataDir: dir, Workers: 5}, nil)
	assert.NoError(err)
	assert.Equal([]int{0, 1, 2, 4}, mgr.Segments())
}

func TestNewFailsWhenDirectoryCannotBeCreated(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	_, err := New(Config{Index: "books", DataDir: blocker}, nil)
	require.Error(t, err)
}

func TestIndexFetchDelete(t *testing.T) {
	for _, engine := range []store.Engine{store.Bolt, store.KV} {
		t.Run(string(engine), func(t *testing.T) {
			assert := require.New(t)
			ctx := testCtx(t)
			r := startManager(t, Config{Index: "books", DataDir: t.TempDir(), Workers: 4, Engine: engine})

			ok, err := r.client.Index(ctx, document.New(42, "hello world hello"))
			assert.NoError(err)
			assert.True(ok)

			doc, err := r.client.Fetch(ctx, 42)
			assert.NoError(err)
			assert.Equal("hello world hello", doc.Raw)
			assert.Equal([]uint64{0, 2}, doc.Locations["hello"])

			n, err := r.client.TermCount(ctx, "world")
			assert.NoError(err)
			assert.EqualValues(1, n)

			assert.NoError(r.client.Delete(ctx, 42))
			_, err = r.client.Fetch(ctx, 42)
			assert.ErrorIs(err, apperrors.ErrDocumentNotFound)
			assert.ErrorIs(r.client.Delete(ctx, 42), apperrors.ErrDocumentNotFound)
		})
	}
}

func TestIndexRejectsDocumentWithoutID(t *testing.T) {
	assert := require.New(t)
	ctx := testCtx(t)
	m := metrics.New()
	r := startManager(t, Config{Index: "books", DataDir: t.TempDir(), Workers: 2, Metrics: m})

	ok, err := r.client.Index(ctx, document.FromString("anonymous"))
	assert.NoError(err)
	assert.False(ok)
	assert.Equal(1.0, testutil.ToFloat64(m.IndexErrorsTotal.WithLabelValues("books", "missing_id")))
}

func TestStatsAggregatesSegments(t *testing.T) {
	assert := require.New(t)
	ctx := testCtx(t)
	m := metrics.New()
	r := startManager(t, Config{Index: "books", DataDir: t.TempDir(), Workers: 4, Metrics: m})

	for id := uint64(1); id <= 20; id++ {
		ok, err := r.client.Index(ctx, document.New(id, "doc body"))
		assert.NoError(err)
		assert.True(ok)
	}
	// Same id again replaces rather than adds.
	ok, err := r.client.Index(ctx, document.New(7, "replaced body"))
	assert.NoError(err)
	assert.True(ok)

	stats, err := r.client.Stats(ctx)
	assert.NoError(err)
	assert.EqualValues(20, stats.Documents)
	assert.Equal(4, stats.Segments)
	assert.Equal("primary", stats.ShardType)
	assert.Len(stats.SegmentDocuments, 4)

	assert.Equal(21.0, testutil.ToFloat64(m.DocsIndexedTotal.WithLabelValues("books", "primary")))
	assert.Equal(4.0, testutil.ToFloat64(m.ActiveSegments.WithLabelValues("books", "primary")))
}

func TestRoutingIsStable(t *testing.T) {
	assert := require.New(t)
	ctx := testCtx(t)
	dir := t.TempDir()
	r := startManager(t, Config{Index: "books", DataDir: dir, Workers: 4})

	ok, err := r.client.Index(ctx, document.New(99, "first"))
	assert.NoError(err)
	assert.True(ok)
	owner := r.mgr.route(99).segment
	for i := 0; i < 10; i++ {
		assert.Equal(owner, r.mgr.route(99).segment)
	}

	stats, err := r.client.Stats(ctx)
	assert.NoError(err)
	assert.EqualValues(1, stats.SegmentDocuments[owner])
}

func TestReadyAndDroppedReply(t *testing.T) {
	assert := require.New(t)
	ctx := testCtx(t)
	r := startManager(t, Config{Index: "books", DataDir: t.TempDir(), Workers: 1})

	// Nobody reads an unbuffered reply channel; the manager must not stall.
	r.commands <- Ready{Reply: make(chan bool)}
	r.commands <- IndexDocument{Document: document.New(1, "no reply wanted")}

	ready, err := r.client.Ready(ctx)
	assert.NoError(err)
	assert.True(ready)

	doc, err := r.client.Fetch(ctx, 1)
	assert.NoError(err)
	assert.Equal("no reply wanted", doc.Raw)
}

func TestRunStopsWhenChannelClosed(t *testing.T) {
	commands := make(chan Command)
	mgr, err := New(Config{Index: "books", DataDir: t.TempDir(), Workers: 2}, commands)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- mgr.Run(context.Background()) }()
	close(commands)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after channel close")
	}
}

func TestReopenPreservesDocuments(t *testing.T) {
	assert := require.New(t)
	dir := t.TempDir()
	cfg := Config{Index: "books", DataDir: dir, Workers: 3}

	first := startManager(t, cfg)
	ok, err := first.client.Index(testCtx(t), document.New(5, "durable"))
	assert.NoError(err)
	assert.True(ok)
	first.cancel()
	<-first.done
	first.done <- nil

	second := startManager(t, cfg)
	assert.Equal([]int{0, 1, 2}, second.mgr.Segments())
	doc, err := second.client.Fetch(testCtx(t), 5)
	assert.NoError(err)
	assert.Equal("durable", doc.Raw)
}

func TestUnavailableSegmentKeepsOwnership(t *testing.T) {
	assert := require.New(t)
	dir := t.TempDir()
	cfg := Config{Index: "books", DataDir: dir, Workers: 4}

	first := startManager(t, cfg)
	owners := make(map[uint64]int)
	for id := uint64(0); id < 20; id++ {
		ok, err := first.client.Index(testCtx(t), document.New(id, "body"))
		assert.NoError(err)
		assert.True(ok)
		owners[id], _ = first.mgr.owner(id)
	}
	first.cancel()
	<-first.done
	first.done <- nil

	// Holding the bolt lock makes segment 1 fail to open on the next run.
	held, err := store.Open(store.Bolt, "held", shard.SegmentPath(dir, "books", shard.Primary, 1))
	assert.NoError(err)

	second := startManager(t, cfg)
	ctx := testCtx(t)
	onHeld := 0
	for id := uint64(0); id < 20; id++ {
		if owners[id] == 1 {
			onHeld++
			_, err := second.client.Fetch(ctx, id)
			assert.ErrorIs(err, apperrors.ErrDocumentNotFound)
			ok, err := second.client.Index(ctx, document.New(id, "rewritten"))
			assert.NoError(err)
			assert.False(ok)
			continue
		}
		doc, err := second.client.Fetch(ctx, id)
		assert.NoError(err, "doc %d", id)
		assert.Equal("body", doc.Raw)
		ok, err := second.client.Index(ctx, document.New(id, "body"))
		assert.NoError(err)
		assert.True(ok)
	}
	assert.NotZero(onHeld)

	stats, err := second.client.Stats(ctx)
	assert.NoError(err)
	assert.Equal(3, stats.Segments)
	assert.EqualValues(20-onHeld, stats.Documents)
	second.cancel()
	<-second.done
	second.done <- nil

	assert.NoError(held.Close())
	third := startManager(t, cfg)
	stats, err = third.client.Stats(testCtx(t))
	assert.NoError(err)
	assert.Equal(4, stats.Segments)
	assert.EqualValues(20, stats.Documents)
}

func TestDirectory(t *testing.T) {
	assert := require.New(t)
	d := NewDirectory()
	primary := NewClient(make(chan Command))
	d.Add(shard.New("books", shard.Primary), primary)
	d.Add(shard.New("authors", shard.Replica), NewClient(make(chan Command)))

	c, err := d.Lookup("books", shard.Primary)
	assert.NoError(err)
	assert.Same(primary, c)

	_, err = d.Lookup("books", shard.Replica)
	assert.ErrorIs(err, apperrors.ErrUnknownIndex)

	assert.Equal([]shard.Shard{
		shard.New("authors", shard.Replica),
		shard.New("books", shard.Primary),
	}, d.Shards())
}

func TestClientHonoursContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	c := NewClient(make(chan Command))
	_, err := c.Ready(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
