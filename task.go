package lokiship

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mkarev/lokiship/internal/wire"
)

// BackgroundTask is the single goroutine that owns all mutable pipeline
// state: it drains the ingest queue, drives the batcher and performs the
// sends. The host must schedule it with Run and keep it running until the
// completion signal fires.
type BackgroundTask struct {
	queue        *ingestQueue
	batcher      *batcher
	tx           *transmitter
	tick         time.Duration
	drainTimeout time.Duration
	logger       *zap.Logger
	metrics      *pipelineMetrics
	drops        chan Drop

	shutdown     chan struct{}
	shutdownOnce sync.Once
	done         chan struct{}
}

// Run executes the shipping loop until a shutdown is requested or ctx is
// cancelled. Either way the task drains the queue, force-flushes every
// group and attempts to send the remaining batches under the drain
// deadline before the completion signal fires. Run must be called exactly
// once.
func (t *BackgroundTask) Run(ctx context.Context) {
	defer close(t.done)

	ticker := time.NewTicker(t.tick)
	defer ticker.Stop()

	for {
		select {
		case rec := <-t.queue.records():
			t.batcher.accept(rec)
			t.drainQueued()
			// Size-triggered groups ship immediately; the ticker only
			// covers idle periods.
			t.dispatch(ctx, t.batcher.flushReady())
		case <-ticker.C:
			t.dispatch(ctx, t.batcher.flushReady())
		case <-t.shutdown:
			t.drain()
			return
		case <-ctx.Done():
			t.drain()
			return
		}
	}
}

// Controller returns the shutdown handle for this task. All returned
// controllers share the same underlying signal.
func (t *BackgroundTask) Controller() *Controller {
	return &Controller{task: t}
}

// drainQueued moves everything currently buffered into the batcher
// without blocking.
func (t *BackgroundTask) drainQueued() {
	for {
		select {
		case rec := <-t.queue.records():
			t.batcher.accept(rec)
		default:
			return
		}
	}
}

// drain is the final flush. It runs on its own deadline so shutdown
// cannot hang on an unreachable server.
func (t *BackgroundTask) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), t.drainTimeout)
	defer cancel()

	t.drainQueued()
	batches := t.batcher.flushAll()
	if len(batches) > 0 {
		t.logger.Info("draining pipeline", zap.Int("batches", len(batches)))
	}
	t.dispatch(ctx, batches)
}

func (t *BackgroundTask) dispatch(ctx context.Context, batches []Batch) {
	for _, batch := range batches {
		stream := batch.stream.String()

		body, err := wire.Encode(batch.pushRequest())
		if err != nil {
			t.metrics.IncEncodeFailures()
			t.reportDrop(Drop{
				Reason:  DropEncode,
				Stream:  stream,
				Entries: len(batch.entries),
				Err:     err,
			})
			t.logger.Error("dropping unencodable batch",
				zap.String("stream", stream),
				zap.Int("entries", len(batch.entries)),
				zap.Error(err))
			continue
		}

		if err := t.tx.send(ctx, body, stream); err != nil {
			t.metrics.IncSendFailures()
			reason := DropSendExhausted
			var se *SendError
			if errors.As(err, &se) && se.Kind == SendPermanent {
				reason = DropSendPermanent
			}
			t.reportDrop(Drop{
				Reason:  reason,
				Stream:  stream,
				Entries: len(batch.entries),
				Err:     err,
			})
			t.logger.Error("dropping unsendable batch",
				zap.String("stream", stream),
				zap.Int("entries", len(batch.entries)),
				zap.Error(err))
			continue
		}

		t.metrics.IncBatchesSent(len(batch.entries))
	}
}

// reportDrop never blocks: a host that does not read the drop channel
// must not stall the pipeline.
func (t *BackgroundTask) reportDrop(d Drop) {
	select {
	case t.drops <- d:
	default:
	}
}

// Controller lets the host request graceful termination of a
// BackgroundTask and observe its completion.
type Controller struct {
	task *BackgroundTask
}

// Shutdown requests graceful termination. It returns immediately and is
// idempotent: only the first call has effect.
func (c *Controller) Shutdown() {
	c.task.shutdownOnce.Do(func() {
		close(c.task.shutdown)
	})
}

// Done is closed exactly once, after the final drain has completed and
// the task has stopped.
func (c *Controller) Done() <-chan struct{} {
	return c.task.done
}

// ShutdownAndWait requests termination and blocks until the task has
// stopped or ctx expires.
func (c *Controller) ShutdownAndWait(ctx context.Context) error {
	c.Shutdown()
	select {
	case <-c.task.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
