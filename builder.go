package lokiship

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/prometheus/common/model"
	"go.uber.org/zap"

	"github.com/mkarev/lokiship/internal/wire"
)

// The "level" label is owned by the pipeline: it is derived from each
// record's severity so that severities map to distinct streams.
const reservedLevelLabel = "level"

const (
	defaultQueueCapacity  = 512
	defaultMaxBatchBytes  = 1 << 20
	defaultFlushInterval  = 5 * time.Second
	defaultMaxRetries     = 3
	defaultBackoffMin     = 500 * time.Millisecond
	defaultBackoffMax     = 30 * time.Second
	defaultDrainTimeout   = 10 * time.Second
	defaultRequestTimeout = 5 * time.Second

	dropBufferSize = 64
)

// Builder assembles a validated pipeline configuration. Setters validate
// incrementally and remember the first failure, so call sites can stay
// fluent; BuildURL reports it.
type Builder struct {
	err error

	labels      model.LabelSet
	extraFields map[string]string
	headers     http.Header

	queueCapacity  int
	maxBatchBytes  int
	flushInterval  time.Duration
	maxRetries     int
	backoffMin     time.Duration
	backoffMax     time.Duration
	drainTimeout   time.Duration
	requestTimeout time.Duration

	client *http.Client
	logger *zap.Logger
}

// NewBuilder returns a Builder with documented defaults: a 512-record
// queue, 1 MiB batches flushed every 5s, 3 retries with 500ms–30s capped
// exponential backoff, a 10s shutdown drain budget and a 5s per-request
// timeout.
func NewBuilder() *Builder {
	return &Builder{
		labels:         model.LabelSet{},
		extraFields:    map[string]string{},
		headers:        http.Header{},
		queueCapacity:  defaultQueueCapacity,
		maxBatchBytes:  defaultMaxBatchBytes,
		flushInterval:  defaultFlushInterval,
		maxRetries:     defaultMaxRetries,
		backoffMin:     defaultBackoffMin,
		backoffMax:     defaultBackoffMax,
		drainTimeout:   defaultDrainTimeout,
		requestTimeout: defaultRequestTimeout,
	}
}

func (b *Builder) setErr(err error) *Builder {
	if b.err == nil {
		b.err = err
	}
	return b
}

// Label adds a static stream label attached to every record. Labels are
// meant for closed categories with few values; use ExtraField for open
// ones. The key "level" is reserved, keys must be valid Prometheus label
// names and no key may repeat.
func (b *Builder) Label(key, value string) *Builder {
	name := model.LabelName(key)
	if !name.IsValid() {
		return b.setErr(fmt.Errorf("invalid label name %q", key))
	}
	if key == reservedLevelLabel {
		return b.setErr(fmt.Errorf("label %q is reserved for the record level", key))
	}
	if _, ok := b.labels[name]; ok {
		return b.setErr(fmt.Errorf("duplicate label %q", key))
	}
	b.labels[name] = model.LabelValue(value)
	return b
}

// ExtraField adds a field serialized into every shipped log line. Fields
// suit open categories (request ids, run ids) that would explode stream
// cardinality as labels.
func (b *Builder) ExtraField(key, value string) *Builder {
	if _, ok := b.extraFields[key]; ok {
		return b.setErr(fmt.Errorf("duplicate extra field %q", key))
	}
	b.extraFields[key] = value
	return b
}

// HTTPHeader adds a header sent verbatim with every push request, e.g.
// X-Scope-OrgID for multi-tenant Loki.
func (b *Builder) HTTPHeader(name, value string) *Builder {
	if !validHeaderFieldName(name) {
		return b.setErr(fmt.Errorf("invalid HTTP header name %q", name))
	}
	if !validHeaderFieldValue(value) {
		return b.setErr(fmt.Errorf("invalid HTTP header value for %q", name))
	}
	if len(b.headers.Values(name)) > 0 {
		return b.setErr(fmt.Errorf("duplicate HTTP header %q", name))
	}
	b.headers.Set(name, value)
	return b
}

// QueueCapacity bounds the ingest queue. Enqueue fails with ErrQueueFull
// once the buffer holds this many records.
func (b *Builder) QueueCapacity(n int) *Builder {
	if n <= 0 {
		return b.setErr(fmt.Errorf("queue capacity must be positive, got %d", n))
	}
	b.queueCapacity = n
	return b
}

// MaxBatchBytes sets the per-stream batch size that triggers a flush.
func (b *Builder) MaxBatchBytes(n int) *Builder {
	if n <= 0 {
		return b.setErr(fmt.Errorf("max batch bytes must be positive, got %d", n))
	}
	b.maxBatchBytes = n
	return b
}

// FlushInterval sets the maximum time entries wait before being pushed.
func (b *Builder) FlushInterval(d time.Duration) *Builder {
	if d <= 0 {
		return b.setErr(fmt.Errorf("flush interval must be positive, got %v", d))
	}
	b.flushInterval = d
	return b
}

// MaxRetries bounds the transient retries after the initial attempt of
// each push.
func (b *Builder) MaxRetries(n int) *Builder {
	if n < 0 {
		return b.setErr(fmt.Errorf("max retries must not be negative, got %d", n))
	}
	b.maxRetries = n
	return b
}

// Backoff sets the initial and maximum delay of the capped exponential
// retry backoff.
func (b *Builder) Backoff(initial, limit time.Duration) *Builder {
	if initial <= 0 || limit < initial {
		return b.setErr(fmt.Errorf("invalid backoff range %v..%v", initial, limit))
	}
	b.backoffMin = initial
	b.backoffMax = limit
	return b
}

// DrainTimeout bounds the final flush performed at shutdown.
func (b *Builder) DrainTimeout(d time.Duration) *Builder {
	if d <= 0 {
		return b.setErr(fmt.Errorf("drain timeout must be positive, got %v", d))
	}
	b.drainTimeout = d
	return b
}

// RequestTimeout bounds a single push round-trip. Ignored when a custom
// HTTPClient is supplied.
func (b *Builder) RequestTimeout(d time.Duration) *Builder {
	if d <= 0 {
		return b.setErr(fmt.Errorf("request timeout must be positive, got %v", d))
	}
	b.requestTimeout = d
	return b
}

// HTTPClient replaces the default transport.
func (b *Builder) HTTPClient(c *http.Client) *Builder {
	if c == nil {
		return b.setErr(fmt.Errorf("http client must not be nil"))
	}
	b.client = c
	return b
}

// Logger sets the logger for the pipeline's own diagnostics. Defaults to
// a no-op logger.
func (b *Builder) Logger(l *zap.Logger) *Builder {
	if l == nil {
		return b.setErr(fmt.Errorf("logger must not be nil"))
	}
	b.logger = l
	return b
}

// BuildURL validates the configuration and constructs the pipeline. The
// push endpoint is derived by joining rawURL with "loki/api/v1/push".
// The returned BackgroundTask must be scheduled by the host (typically
// `go task.Run(ctx)`) for records to actually be delivered.
func (b *Builder) BuildURL(rawURL string) (*Shipper, *BackgroundTask, error) {
	if b.err != nil {
		return nil, nil, b.err
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid loki URL %q: %w", rawURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, nil, fmt.Errorf("invalid loki URL %q", rawURL)
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	client := b.client
	if client == nil {
		client = newHTTPClient(b.requestTimeout)
	}

	metrics := &pipelineMetrics{}
	queue := newIngestQueue(b.queueCapacity, metrics)
	drops := make(chan Drop, dropBufferSize)

	tx := &transmitter{
		url:        u.JoinPath(wire.PushPath).String(),
		headers:    b.headers.Clone(),
		client:     client,
		maxRetries: b.maxRetries,
		backoffMin: b.backoffMin,
		backoffMax: b.backoffMax,
		logger:     logger,
		metrics:    metrics,
	}

	task := &BackgroundTask{
		queue:        queue,
		batcher:      newBatcher(b.maxBatchBytes, b.flushInterval),
		tx:           tx,
		tick:         b.flushInterval,
		drainTimeout: b.drainTimeout,
		logger:       logger,
		metrics:      metrics,
		drops:        drops,
		shutdown:     make(chan struct{}),
		done:         make(chan struct{}),
	}

	shipper := &Shipper{
		queue:       queue,
		static:      b.labels.Clone(),
		extraFields: cloneFields(b.extraFields),
		metrics:     metrics,
		drops:       drops,
	}

	return shipper, task, nil
}

func cloneFields(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func validHeaderFieldName(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		case c == '-' || c == '_' || c == '.':
		default:
			return false
		}
	}
	return true
}

func validHeaderFieldValue(s string) bool {
	for i := 0; i < len(s); i++ {
		if c := s[i]; c < 0x20 && c != '\t' || c == 0x7f {
			return false
		}
	}
	return true
}
