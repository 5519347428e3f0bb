// Package archive ships finished execution snapshots to long-term
// storage: a trimmed Redis list for the hot window and S3 objects for the
// cold record. Writes happen off the engine's completion path through a
// bounded queue.
package archive

import (
	"context"
	"sync"
	"time"

	"github.com/arachne-ai/arachne/internal/platform/logger"
	"github.com/arachne-ai/arachne/internal/platform/metrics"
	"github.com/arachne-ai/arachne/internal/workflow/domain/model"
)

const (
	defaultQueueSize = 256
	writeTimeout     = 10 * time.Second
	drainTimeout     = 5 * time.Second
)

// Sink writes one snapshot to a storage backend.
type Sink interface {
	Name() string
	Write(ctx context.Context, snap *model.ExecutionSnapshot) error
}

// Archiver fans snapshots out to its sinks from a single worker. A full
// queue drops the snapshot rather than stall the caller; the engine's
// history is the fallback record. All methods tolerate a nil receiver, so
// deployments without archive storage skip the wiring entirely.
type Archiver struct {
	log     logger.Logger
	metrics *metrics.Metrics
	sinks   []Sink

	queue chan *model.ExecutionSnapshot
	stop  chan struct{}
	done  chan struct{}

	startMu  sync.Mutex
	started  bool
	stopOnce sync.Once
}

// Option customizes an Archiver.
type Option func(*Archiver)

// WithLogger sets the archiver logger.
func WithLogger(log logger.Logger) Option {
	return func(a *Archiver) { a.log = log }
}

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(mx *metrics.Metrics) Option {
	return func(a *Archiver) { a.metrics = mx }
}

// WithQueueSize bounds the pending snapshot queue.
func WithQueueSize(n int) Option {
	return func(a *Archiver) {
		if n > 0 {
			a.queue = make(chan *model.ExecutionSnapshot, n)
		}
	}
}

// New creates an archiver over the given sinks.
func New(sinks []Sink, opts ...Option) *Archiver {
	a := &Archiver{
		log:   logger.NewNop(),
		sinks: sinks,
		queue: make(chan *model.ExecutionSnapshot, defaultQueueSize),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Start launches the write worker. Starting twice is a no-op.
func (a *Archiver) Start() {
	if a == nil {
		return
	}
	a.startMu.Lock()
	defer a.startMu.Unlock()
	if a.started {
		return
	}
	a.started = true
	go a.run()
}

// Stop drains queued snapshots and waits for the worker, up to the drain
// timeout. Stop is idempotent.
func (a *Archiver) Stop() {
	if a == nil {
		return
	}
	a.startMu.Lock()
	started := a.started
	a.startMu.Unlock()

	a.stopOnce.Do(func() { close(a.stop) })
	if !started {
		return
	}
	select {
	case <-a.done:
	case <-time.After(drainTimeout):
		a.log.Warn("archive drain timed out", "pending", len(a.queue))
	}
}

// Enqueue hands a snapshot to the worker without blocking. Snapshots
// offered after Stop or beyond the queue bound are dropped.
func (a *Archiver) Enqueue(snap *model.ExecutionSnapshot) {
	if a == nil || snap == nil {
		return
	}
	select {
	case <-a.stop:
		return
	default:
	}
	select {
	case a.queue <- snap:
	default:
		a.log.Warn("archive queue full, dropping snapshot",
			"execution_id", snap.ExecutionID,
			"workflow_id", snap.WorkflowID)
	}
}

func (a *Archiver) run() {
	defer close(a.done)
	for {
		select {
		case snap := <-a.queue:
			a.write(snap)
		case <-a.stop:
			for {
				select {
				case snap := <-a.queue:
					a.write(snap)
				default:
					return
				}
			}
		}
	}
}

// write pushes one snapshot to every sink. A failing sink never blocks
// the others.
func (a *Archiver) write(snap *model.ExecutionSnapshot) {
	for _, sink := range a.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := sink.Write(ctx, snap)
		cancel()

		status := "ok"
		if err != nil {
			status = "error"
			a.log.Error("archive write failed",
				"sink", sink.Name(),
				"execution_id", snap.ExecutionID,
				"error", err)
		}
		if a.metrics != nil {
			a.metrics.ArchiveWritesTotal.WithLabelValues(sink.Name(), status).Inc()
		}
	}
}
