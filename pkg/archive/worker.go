package archive

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/sirosfoundation/go-msglog/pkg/record"
)

// ErrWorkerStopped is returned for work submitted after Stop.
var ErrWorkerStopped = errors.New("archive worker stopped")

type job struct {
	ctx    context.Context
	fn     func(context.Context) error
	result chan error
}

// Worker owns a Writer and runs every operation on it from one goroutine.
// Its methods are safe for concurrent use.
type Worker struct {
	writer *Writer
	jobs   chan job
	done   chan struct{}
	logger *slog.Logger

	start   sync.Once
	mu      sync.RWMutex
	stopped bool
}

// NewWorker creates a worker with room for queueSize waiting submissions.
func NewWorker(w *Writer, queueSize int) *Worker {
	if queueSize < 1 {
		queueSize = 1
	}
	return &Worker{
		writer: w,
		jobs:   make(chan job, queueSize),
		done:   make(chan struct{}),
		logger: w.logger,
	}
}

// Start runs the worker loop until Stop. Further calls do nothing.
func (w *Worker) Start() {
	w.start.Do(func() { go w.loop() })
}

func (w *Worker) loop() {
	defer close(w.done)
	for j := range w.jobs {
		if err := j.ctx.Err(); err != nil {
			j.result <- err
			continue
		}
		j.result <- j.fn(j.ctx)
	}
}

func (w *Worker) run(ctx context.Context, fn func(context.Context) error) error {
	w.mu.RLock()
	if w.stopped {
		w.mu.RUnlock()
		return ErrWorkerStopped
	}
	j := job{ctx: ctx, fn: fn, result: make(chan error, 1)}
	select {
	case w.jobs <- j:
		w.mu.RUnlock()
	case <-ctx.Done():
		w.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case err := <-j.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit archives one record and waits for the outcome.
func (w *Worker) Submit(ctx context.Context, m *record.Message) error {
	return w.run(ctx, func(ctx context.Context) error {
		return w.writer.Write(ctx, m)
	})
}

// ArchivePending archives up to limit records reported by the store.
func (w *Worker) ArchivePending(ctx context.Context, limit int) (int, error) {
	var n int
	err := w.run(ctx, func(ctx context.Context) error {
		var err error
		n, err = w.writer.ArchivePending(ctx, limit)
		return err
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Recover runs Writer.Recover on the worker.
func (w *Worker) Recover(ctx context.Context) (int, error) {
	var n int
	err := w.run(ctx, func(ctx context.Context) error {
		var err error
		n, err = w.writer.Recover(ctx)
		return err
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Stop waits for queued work, then closes the writer. When closing fails
// Stop can be called again to retry it.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.stopped {
		w.stopped = true
		close(w.jobs)
	}
	w.mu.Unlock()
	w.Start()

	select {
	case <-w.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.writer.Close(ctx); err != nil {
		w.logger.Error("closing archive writer", "error", err)
		return err
	}
	return nil
}
