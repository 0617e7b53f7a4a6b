package lokiship

import (
	"strconv"
	"time"

	"github.com/prometheus/common/model"

	"github.com/mkarev/lokiship/internal/wire"
)

type batchEntry struct {
	ts   time.Time
	line string
}

// Batch is an immutable snapshot of one stream's pending entries, taken
// at flush time. A Batch is never empty.
type Batch struct {
	stream  model.LabelSet
	entries []batchEntry
}

func (b Batch) pushRequest() wire.PushRequest {
	labels := make(map[string]string, len(b.stream))
	for k, v := range b.stream {
		labels[string(k)] = string(v)
	}
	values := make([][2]string, len(b.entries))
	for i, e := range b.entries {
		values[i] = [2]string{strconv.FormatInt(e.ts.UnixNano(), 10), e.line}
	}
	return wire.PushRequest{
		Streams: []wire.Stream{{Stream: labels, Values: values}},
	}
}

// group accumulates entries for one label set between flushes. byteSize
// tracks the summed line sizes so the size trigger can be evaluated
// without re-walking the entries.
type group struct {
	stream    model.LabelSet
	entries   []batchEntry
	byteSize  int
	lastFlush time.Time
}

// batcher maps canonical label strings to their groups and decides when
// each group must be flushed. It is owned exclusively by the background
// task and needs no locking.
type batcher struct {
	groups        map[string]*group
	maxBatchBytes int
	flushInterval time.Duration
	now           func() time.Time
}

func newBatcher(maxBatchBytes int, flushInterval time.Duration) *batcher {
	return &batcher{
		groups:        make(map[string]*group),
		maxBatchBytes: maxBatchBytes,
		flushInterval: flushInterval,
		now:           time.Now,
	}
}

// accept appends a record to the group of its canonical label set,
// creating the group on first sight. Entries keep arrival order; the
// batcher never reorders.
func (b *batcher) accept(rec Record) {
	key := rec.Labels.String()
	g, ok := b.groups[key]
	if !ok {
		g = &group{
			stream:    rec.Labels.Clone(),
			lastFlush: b.now(),
		}
		b.groups[key] = g
	}

	line := rec.line()
	g.entries = append(g.entries, batchEntry{ts: rec.Timestamp, line: line})
	g.byteSize += len(line)
}

// flushReady snapshots every group that currently meets a flush trigger:
// accumulated size at or above the batch limit, or age since the last
// flush at or above the flush interval.
func (b *batcher) flushReady() []Batch {
	var batches []Batch
	now := b.now()
	for _, g := range b.groups {
		if len(g.entries) == 0 {
			continue
		}
		if g.byteSize >= b.maxBatchBytes || now.Sub(g.lastFlush) >= b.flushInterval {
			batches = append(batches, b.snapshot(g))
		}
	}
	return batches
}

// flushAll force-snapshots every non-empty group. Used at shutdown.
func (b *batcher) flushAll() []Batch {
	var batches []Batch
	for _, g := range b.groups {
		if len(g.entries) == 0 {
			continue
		}
		batches = append(batches, b.snapshot(g))
	}
	return batches
}

func (b *batcher) snapshot(g *group) Batch {
	batch := Batch{
		stream:  g.stream,
		entries: g.entries,
	}
	g.entries = nil
	g.byteSize = 0
	g.lastFlush = b.now()
	return batch
}
