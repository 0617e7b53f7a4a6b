package lokiship

// ingestQueue decouples caller goroutines from the background task. It is
// the only state shared across that boundary: producers use enqueue, the
// background task is the sole consumer of the records channel.
type ingestQueue struct {
	ch      chan Record
	metrics *pipelineMetrics
}

func newIngestQueue(capacity int, metrics *pipelineMetrics) *ingestQueue {
	return &ingestQueue{
		ch:      make(chan Record, capacity),
		metrics: metrics,
	}
}

// enqueue buffers a record without ever blocking the caller. When the
// buffer is at capacity the record is dropped and ErrQueueFull returned.
func (q *ingestQueue) enqueue(rec Record) error {
	select {
	case q.ch <- rec:
		q.metrics.IncEnqueued()
		return nil
	default:
		q.metrics.IncDroppedQueueFull()
		return ErrQueueFull
	}
}

// records exposes the consumer end for the background task's select loop.
func (q *ingestQueue) records() <-chan Record {
	return q.ch
}
