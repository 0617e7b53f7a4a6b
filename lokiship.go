// Package lokiship ships structured log records to Grafana Loki from
// inside a host process. Records are accumulated into per-stream batches,
// encoded as gzip-compressed JSON push payloads and POSTed to the Loki
// push endpoint with bounded retries.
//
// Usage:
//
//	shipper, task, err := lokiship.NewBuilder().
//		Label("host", "mine").
//		ExtraField("pid", strconv.Itoa(os.Getpid())).
//		BuildURL("http://127.0.0.1:3100")
//	if err != nil {
//		// handle configuration error
//	}
//	ctrl := task.Controller()
//	go task.Run(context.Background())
//
//	shipper.Log(lokiship.LevelInfo, "shipping set up", nil)
//
//	// On host shutdown: flush everything still buffered.
//	ctrl.ShutdownAndWait(context.Background())
//
// Enqueue and Log never block: when the ingest queue is full the record
// is dropped and ErrQueueFull returned. Batches lost to encoding or
// delivery failures are reported on the Drops channel.
package lokiship

import (
	"time"

	"github.com/prometheus/common/model"
)

// Shipper is the record-emitting handle of the pipeline. It is safe for
// concurrent use from any number of goroutines.
type Shipper struct {
	queue       *ingestQueue
	static      model.LabelSet
	extraFields map[string]string
	metrics     *pipelineMetrics
	drops       chan Drop
}

// Enqueue hands a record to the pipeline. The record's labels are merged
// over the static labels and the reserved "level" label is set from the
// record's severity; the pipeline-level extra fields are merged into the
// record's fields. Enqueue never blocks: a full queue drops the record
// and returns ErrQueueFull.
func (s *Shipper) Enqueue(rec Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	labels := s.static.Clone()
	for k, v := range rec.Labels {
		labels[k] = v
	}
	labels[reservedLevelLabel] = model.LabelValue(rec.Level.String())
	rec.Labels = labels

	if len(s.extraFields) > 0 {
		fields := make(map[string]string, len(s.extraFields)+len(rec.Fields))
		for k, v := range s.extraFields {
			fields[k] = v
		}
		// Record fields win over pipeline-level ones on collision.
		for k, v := range rec.Fields {
			fields[k] = v
		}
		rec.Fields = fields
	}

	return s.queue.enqueue(rec)
}

// Log is a convenience wrapper around Enqueue for call sites without
// per-record labels.
func (s *Shipper) Log(level Level, message string, fields map[string]string) error {
	return s.Enqueue(Record{Level: level, Message: message, Fields: fields})
}

// Drops returns the channel on which discarded batches are reported. The
// channel is buffered; when nobody reads it, notifications are dropped
// rather than stalling the pipeline.
func (s *Shipper) Drops() <-chan Drop {
	return s.drops
}

// Stats returns a snapshot of the pipeline counters.
func (s *Shipper) Stats() PipelineStats {
	return s.metrics.Snapshot()
}
