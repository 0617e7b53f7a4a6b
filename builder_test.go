package lokiship

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBuilder_Defaults(t *testing.T) {
	shipper, task, err := NewBuilder().BuildURL("http://loki:3100")
	assert.NoError(t, err)
	assert.NotNil(t, shipper)

	assert.Equal(t, "http://loki:3100/loki/api/v1/push", task.tx.url)
	assert.Equal(t, defaultQueueCapacity, cap(shipper.queue.ch))
	assert.Equal(t, defaultMaxBatchBytes, task.batcher.maxBatchBytes)
	assert.Equal(t, defaultFlushInterval, task.batcher.flushInterval)
	assert.Equal(t, defaultMaxRetries, task.tx.maxRetries)
	assert.Equal(t, defaultDrainTimeout, task.drainTimeout)
}

func TestBuilder_PushURLKeepsBasePath(t *testing.T) {
	_, task, err := NewBuilder().BuildURL("http://gateway:8080/loki")
	assert.NoError(t, err)
	assert.Equal(t, "http://gateway:8080/loki/loki/api/v1/push", task.tx.url)
}

func TestBuilder_InvalidURL(t *testing.T) {
	for _, raw := range []string{"", "loki:3100", "ftp://loki:3100", "http://"} {
		_, _, err := NewBuilder().BuildURL(raw)
		assert.Error(t, err, "url %q", raw)
	}
}

func TestBuilder_LabelValidation(t *testing.T) {
	_, _, err := NewBuilder().Label("host", "a").Label("host", "b").BuildURL("http://loki:3100")
	assert.ErrorContains(t, err, "duplicate label")

	_, _, err = NewBuilder().Label("level", "info").BuildURL("http://loki:3100")
	assert.ErrorContains(t, err, "reserved")

	_, _, err = NewBuilder().Label("0bad", "x").BuildURL("http://loki:3100")
	assert.ErrorContains(t, err, "invalid label name")

	_, _, err = NewBuilder().Label("bad-key", "x").BuildURL("http://loki:3100")
	assert.ErrorContains(t, err, "invalid label name")
}

func TestBuilder_ExtraFieldValidation(t *testing.T) {
	_, _, err := NewBuilder().
		ExtraField("run_id", "1").
		ExtraField("run_id", "2").
		BuildURL("http://loki:3100")
	assert.ErrorContains(t, err, "duplicate extra field")
}

func TestBuilder_HTTPHeaderValidation(t *testing.T) {
	_, _, err := NewBuilder().
		HTTPHeader("X-Scope-OrgID", "a").
		HTTPHeader("x-scope-orgid", "b").
		BuildURL("http://loki:3100")
	assert.ErrorContains(t, err, "duplicate HTTP header")

	_, _, err = NewBuilder().HTTPHeader("Bad Header", "x").BuildURL("http://loki:3100")
	assert.ErrorContains(t, err, "invalid HTTP header name")

	_, _, err = NewBuilder().HTTPHeader("X-Ok", "bad\nvalue").BuildURL("http://loki:3100")
	assert.ErrorContains(t, err, "invalid HTTP header value")
}

func TestBuilder_FirstErrorWins(t *testing.T) {
	_, _, err := NewBuilder().
		Label("level", "info").
		QueueCapacity(-1).
		BuildURL("http://loki:3100")
	assert.ErrorContains(t, err, "reserved")
}

func TestBuilder_OptionValidation(t *testing.T) {
	cases := map[string]*Builder{
		"queue capacity":  NewBuilder().QueueCapacity(0),
		"max batch bytes": NewBuilder().MaxBatchBytes(0),
		"flush interval":  NewBuilder().FlushInterval(0),
		"max retries":     NewBuilder().MaxRetries(-1),
		"backoff":         NewBuilder().Backoff(time.Second, time.Millisecond),
		"drain timeout":   NewBuilder().DrainTimeout(0),
		"request timeout": NewBuilder().RequestTimeout(0),
		"http client":     NewBuilder().HTTPClient(nil),
		"logger":          NewBuilder().Logger(nil),
	}
	for name, b := range cases {
		_, _, err := b.BuildURL("http://loki:3100")
		assert.Error(t, err, name)
	}
}
