// Package manager supervises the segments of one index shard. A Manager
// discovers or bootstraps the segment files on disk, runs one worker per
// segment and routes commands from its inbound channel to those workers.
package manager

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/huichen/murmur"
	"golang.org/x/sync/errgroup"

	"github.com/fhaynes/saga/internal/shard"
	"github.com/fhaynes/saga/internal/store"
	apperrors "github.com/fhaynes/saga/pkg/errors"
	"github.com/fhaynes/saga/pkg/metrics"
)

const (
	// DefaultWorkerCount is the number of segments created for a new shard.
	DefaultWorkerCount = 10

	workerQueueSize = 64
)

// Config describes the shard a Manager owns.
type Config struct {
	Index     string
	ShardType shard.ShardType
	DataDir   string
	Workers   int
	Engine    store.Engine
	Metrics   *metrics.Metrics
}

type Manager struct {
	cfg      Config
	dir      string
	segments []int
	commands <-chan Command
	// workers holds the live segments of the current Run, keyed by number.
	workers  map[int]*worker
	pending  sync.WaitGroup
	logger   *slog.Logger
}

// New prepares the segment directory of cfg's shard. When the directory
// holds no segments, cfg.Workers empty segments are created. Directory
// failures are returned; a segment that cannot be created is logged and
// left out.
func New(cfg Config, commands <-chan Command) (*Manager, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkerCount
	}
	if cfg.Engine == "" {
		cfg.Engine = store.DefaultEngine
	}
	s := shard.New(cfg.Index, cfg.ShardType)
	m := &Manager{
		cfg:      cfg,
		dir:      s.SegmentDir(cfg.DataDir),
		commands: commands,
		logger: slog.Default().With(
			"component", "manager",
			"index", cfg.Index,
			"shard_type", cfg.ShardType.String(),
		),
	}

	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating segment directory %s: %w", m.dir, err)
	}
	segments, err := shard.ListSegments(m.dir)
	if err != nil {
		return nil, err
	}
	if len(segments) == 0 {
		m.bootstrap()
		if segments, err = shard.ListSegments(m.dir); err != nil {
			return nil, err
		}
	}
	m.segments = segments
	m.logger.Info("segments discovered", "dir", m.dir, "count", len(segments))
	return m, nil
}

func (m *Manager) bootstrap() {
	m.logger.Info("bootstrapping segments", "workers", m.cfg.Workers, "engine", m.cfg.Engine)
	for n := 0; n < m.cfg.Workers; n++ {
		path := shard.SegmentPath(m.cfg.DataDir, m.cfg.Index, m.cfg.ShardType, n)
		st, err := store.Open(m.cfg.Engine, m.segmentName(n), path)
		if err != nil {
			m.logger.Error("creating segment failed", "segment", n, "error", err)
			continue
		}
		if err := st.Close(); err != nil {
			m.logger.Warn("closing new segment", "segment", n, "error", err)
		}
	}
}

func (m *Manager) segmentName(n int) string {
	return fmt.Sprintf("%s/%s/%d", m.cfg.Index, m.cfg.ShardType, n)
}

// Segments returns the segment numbers found at construction.
func (m *Manager) Segments() []int {
	out := make([]int, len(m.segments))
	copy(out, m.segments)
	return out
}

// Shard identifies the shard this manager owns.
func (m *Manager) Shard() shard.Shard {
	return shard.New(m.cfg.Index, m.cfg.ShardType)
}

// Run starts one worker per segment and processes commands until ctx is
// done or the command channel is closed. Workers are drained and their
// stores closed before Run returns.
func (m *Manager) Run(ctx context.Context) error {
	var workersWG sync.WaitGroup
	m.workers = make(map[int]*worker, len(m.segments))
	for _, n := range m.segments {
		path := shard.SegmentPath(m.cfg.DataDir, m.cfg.Index, m.cfg.ShardType, n)
		st, err := store.Open(m.cfg.Engine, m.segmentName(n), path)
		if err != nil {
			m.logger.Error("opening segment failed, skipping", "segment", n, "error", err)
			continue
		}
		w := newWorker(n, path, st, m.logger)
		m.workers[n] = w
		workersWG.Add(1)
		go func() {
			defer workersWG.Done()
			w.run()
		}()
	}
	m.setActiveSegments(len(m.workers))
	m.logger.Info("manager running", "live_segments", len(m.workers))

	defer func() {
		m.pending.Wait()
		for _, w := range m.workers {
			close(w.tasks)
		}
		workersWG.Wait()
		m.setActiveSegments(0)
		m.logger.Info("manager stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd, ok := <-m.commands:
			if !ok {
				m.logger.Info("command channel closed")
				return nil
			}
			m.dispatch(ctx, cmd)
		}
	}
}

func (m *Manager) dispatch(ctx context.Context, cmd Command) {
	switch c := cmd.(type) {
	case IndexDocument:
		m.indexDocument(c)
	case FetchDocument:
		m.fetchDocument(c)
	case DeleteDocument:
		m.deleteDocument(c)
	case Stats:
		m.stats(ctx, c)
	case TermCount:
		m.termCount(ctx, c)
	case Ready:
		sendReply(m.logger, c.Reply, true, "ready")
	default:
		m.logger.Warn("unknown command", "type", fmt.Sprintf("%T", cmd))
	}
}

// owner returns the segment number id hashes to. It depends only on the
// segments present on disk, never on which of them opened.
func (m *Manager) owner(id uint64) (int, bool) {
	if len(m.segments) == 0 {
		return 0, false
	}
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], id)
	return m.segments[murmur.Murmur3(key[:])%uint32(len(m.segments))], true
}

// route returns the live worker owning id, or nil when its segment is not
// open in this run.
func (m *Manager) route(id uint64) *worker {
	n, ok := m.owner(id)
	if !ok {
		return nil
	}
	return m.workers[n]
}

func (m *Manager) indexDocument(c IndexDocument) {
	if c.Document == nil || !c.Document.HasID() {
		m.logger.Warn("rejecting document without id")
		m.countError("missing_id")
		sendReply(m.logger, c.Reply, false, "index_document")
		return
	}
	id := *c.Document.ID
	w := m.route(id)
	if w == nil {
		n, _ := m.owner(id)
		m.logger.Error("owning segment not live, rejecting document", "doc_id", id, "segment", n)
		m.countError("segment_unavailable")
		sendReply(m.logger, c.Reply, false, "index_document")
		return
	}
	doc := c.Document
	w.tasks <- func(st store.Store) {
		if err := st.SaveDocument(doc); err != nil {
			w.logger.Error("saving document failed", "doc_id", id, "error", err)
			m.countError("store")
			sendReply(w.logger, c.Reply, false, "index_document")
			return
		}
		if m.cfg.Metrics != nil {
			m.cfg.Metrics.DocsIndexedTotal.WithLabelValues(m.cfg.Index, m.cfg.ShardType.String()).Inc()
		}
		sendReply(w.logger, c.Reply, true, "index_document")
	}
}

func (m *Manager) fetchDocument(c FetchDocument) {
	w := m.route(c.ID)
	if w == nil {
		sendReply(m.logger, c.Reply, FetchResult{Err: apperrors.ErrDocumentNotFound}, "fetch_document")
		return
	}
	w.tasks <- func(st store.Store) {
		doc, err := st.DocumentByID(c.ID)
		sendReply(w.logger, c.Reply, FetchResult{Document: doc, Err: err}, "fetch_document")
	}
}

func (m *Manager) deleteDocument(c DeleteDocument) {
	w := m.route(c.ID)
	if w == nil {
		sendReply(m.logger, c.Reply, error(apperrors.ErrDocumentNotFound), "delete_document")
		return
	}
	w.tasks <- func(st store.Store) {
		err := st.DeleteDocumentByID(c.ID)
		if err != nil {
			w.logger.Debug("delete failed", "doc_id", c.ID, "error", err)
		}
		sendReply(w.logger, c.Reply, err, "delete_document")
	}
}

// fanOut runs fn on every worker and collects the per-segment results off
// the command loop so routing is never blocked behind aggregation.
func (m *Manager) fanOut(ctx context.Context, what string, fn func(st store.Store) (uint64, error), done func(map[int]uint64)) {
	workers := m.workers
	m.pending.Add(1)
	go func() {
		defer m.pending.Done()
		var mu sync.Mutex
		results := make(map[int]uint64, len(workers))
		g, gctx := errgroup.WithContext(ctx)
		for _, w := range workers {
			g.Go(func() error {
				out := make(chan uint64, 1)
				errc := make(chan error, 1)
				select {
				case w.tasks <- func(st store.Store) {
					n, err := fn(st)
					if err != nil {
						errc <- err
						return
					}
					out <- n
				}:
				case <-gctx.Done():
					return gctx.Err()
				}
				select {
				case n := <-out:
					mu.Lock()
					results[w.segment] = n
					mu.Unlock()
					return nil
				case err := <-errc:
					return fmt.Errorf("segment %d: %w", w.segment, err)
				case <-gctx.Done():
					return gctx.Err()
				}
			})
		}
		if err := g.Wait(); err != nil {
			m.logger.Error("aggregation incomplete", "what", what, "error", err)
		}
		done(results)
	}()
}

func (m *Manager) stats(ctx context.Context, c Stats) {
	if c.Reply == nil {
		m.logger.Warn("stats command without reply channel")
		return
	}
	m.fanOut(ctx, "stats", func(st store.Store) (uint64, error) {
		return st.DocumentCount()
	}, func(perSegment map[int]uint64) {
		stats := IndexStats{
			Index:            m.cfg.Index,
			ShardType:        m.cfg.ShardType.String(),
			Segments:         len(m.workers),
			SegmentDocuments: perSegment,
		}
		for _, n := range perSegment {
			stats.Documents += n
		}
		sendReply(m.logger, c.Reply, stats, "stats")
	})
}

func (m *Manager) termCount(ctx context.Context, c TermCount) {
	m.fanOut(ctx, "term_count", func(st store.Store) (uint64, error) {
		return st.TermDocumentCount(c.Term)
	}, func(perSegment map[int]uint64) {
		var total uint64
		for _, n := range perSegment {
			total += n
		}
		sendReply(m.logger, c.Reply, total, "term_count")
	})
}

func (m *Manager) countError(reason string) {
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.IndexErrorsTotal.WithLabelValues(m.cfg.Index, reason).Inc()
	}
}

func (m *Manager) setActiveSegments(n int) {
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.ActiveSegments.WithLabelValues(m.cfg.Index, m.cfg.ShardType.String()).Set(float64(n))
	}
}

// sendReply delivers v without blocking. A nil channel means the caller did
// not ask for a reply; a full one means nobody is listening.
func sendReply[T any](logger *slog.Logger, ch chan<- T, v T, command string) {
	if ch == nil {
		return
	}
	select {
	case ch <- v:
	default:
		logger.Warn("reply dropped, receiver not ready", "command", command)
	}
}
