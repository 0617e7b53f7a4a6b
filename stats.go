package lokiship

import (
	"sync"
)

// PipelineStats is a snapshot of the pipeline's counters.
type PipelineStats struct {
	Enqueued         int
	DroppedQueueFull int
	BatchesSent      int
	EntriesSent      int
	EncodeFailures   int
	SendFailures     int
	Retries          int
}

type pipelineMetrics struct {
	mu    sync.RWMutex
	stats PipelineStats
}

func (m *pipelineMetrics) IncEnqueued() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.Enqueued++
}

func (m *pipelineMetrics) IncDroppedQueueFull() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.DroppedQueueFull++
}

func (m *pipelineMetrics) IncBatchesSent(entries int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.BatchesSent++
	m.stats.EntriesSent += entries
}

func (m *pipelineMetrics) IncEncodeFailures() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.EncodeFailures++
}

func (m *pipelineMetrics) IncSendFailures() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.SendFailures++
}

func (m *pipelineMetrics) IncRetries() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.Retries++
}

func (m *pipelineMetrics) Snapshot() PipelineStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}
