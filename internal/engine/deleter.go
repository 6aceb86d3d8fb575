package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/bleepstore/bleepfs/internal/metrics"
)

// deleter removes files asynchronously. Scheduling is fire-and-forget:
// duplicate requests collapse into one, failures are logged and counted, and
// nothing is retried until the name is scheduled again.
type deleter struct {
	del    func(ctx context.Context, name string) error
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]struct{}

	// runMu is held while a batch is processed so Flush can wait for an
	// in-flight batch taken by the worker.
	runMu sync.Mutex

	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	started bool
}

func newDeleter(del func(ctx context.Context, name string) error, logger *slog.Logger) *deleter {
	return &deleter{
		del:     del,
		logger:  logger,
		pending: make(map[string]struct{}),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Schedule queues name for deletion and wakes the worker.
func (d *deleter) Schedule(name string) {
	d.mu.Lock()
	d.pending[name] = struct{}{}
	metrics.PendingDeletions.Set(float64(len(d.pending)))
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Pending returns the names waiting for deletion in sorted order.
func (d *deleter) Pending() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.pending))
	for name := range d.pending {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (d *deleter) start() {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()

	go d.run()
}

func (d *deleter) run() {
	defer close(d.done)
	for {
		select {
		case <-d.wake:
			d.flush(context.Background())
		case <-d.stop:
			d.flush(context.Background())
			return
		}
	}
}

// flush deletes everything pending at the time of the call, including a batch
// the worker is currently processing.
func (d *deleter) flush(ctx context.Context) {
	d.runMu.Lock()
	defer d.runMu.Unlock()

	d.mu.Lock()
	batch := d.pending
	d.pending = make(map[string]struct{})
	metrics.PendingDeletions.Set(0)
	d.mu.Unlock()

	names := make([]string, 0, len(batch))
	for name := range batch {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := d.del(ctx, name); err != nil {
			metrics.DeletionsTotal.WithLabelValues("error").Inc()
			d.logger.Error("background deletion failed", "name", name, "error", err)
			continue
		}
		metrics.DeletionsTotal.WithLabelValues("success").Inc()
		d.logger.Debug("background deletion done", "name", name)
	}
}

// close stops the worker after it has drained the queue. Without a running
// worker the queue is drained synchronously.
func (d *deleter) close() {
	d.mu.Lock()
	started := d.started
	d.mu.Unlock()

	if !started {
		d.flush(context.Background())
		return
	}
	select {
	case <-d.stop:
	default:
		close(d.stop)
	}
	<-d.done
}
