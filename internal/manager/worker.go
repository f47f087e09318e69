package manager

import (
	"log/slog"

	"github.com/fhaynes/saga/internal/store"
)

// task runs against a segment's store on the worker goroutine.
type task func(st store.Store)

// worker owns one segment's store. Tasks are applied in arrival order.
type worker struct {
	segment int
	path    string
	store   store.Store
	tasks   chan task
	logger  *slog.Logger
}

func newWorker(segment int, path string, st store.Store, logger *slog.Logger) *worker {
	return &worker{
		segment: segment,
		path:    path,
		store:   st,
		tasks:   make(chan task, workerQueueSize),
		logger:  logger.With("segment", segment),
	}
}

// run drains tasks until the channel is closed, then closes the store.
func (w *worker) run() {
	w.logger.Debug("segment worker started", "path", w.path)
	for t := range w.tasks {
		t(w.store)
	}
	if err := w.store.Close(); err != nil {
		w.logger.Error("closing segment store", "error", err)
	}
	w.logger.Debug("segment worker stopped")
}
