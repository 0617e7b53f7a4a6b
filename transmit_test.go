package lokiship

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/mkarev/lokiship/internal/wire"
)

func newTestTransmitter(url string, maxRetries int) (*transmitter, *pipelineMetrics) {
	metrics := &pipelineMetrics{}
	return &transmitter{
		url:        url,
		client:     &http.Client{Timeout: time.Second},
		maxRetries: maxRetries,
		backoffMin: time.Millisecond,
		backoffMax: 5 * time.Millisecond,
		logger:     zap.NewNop(),
		metrics:    metrics,
	}, metrics
}

func testBody(t *testing.T) []byte {
	t.Helper()
	body, err := wire.Encode(wire.PushRequest{Streams: []wire.Stream{{
		Stream: map[string]string{"host": "a"},
		Values: [][2]string{{"1700000000000000000", "hello"}},
	}}})
	assert.NoError(t, err)
	return body
}

func TestTransmitter_Send(t *testing.T) {
	var gotRequest *http.Request
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRequest = r.Clone(context.Background())
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	tx, _ := newTestTransmitter(server.URL+"/loki/api/v1/push", 3)
	tx.headers = http.Header{"X-Scope-Orgid": []string{"tenant-1"}}

	err := tx.send(context.Background(), testBody(t), `{host="a"}`)
	assert.NoError(t, err)

	assert.Equal(t, "POST", gotRequest.Method)
	assert.Equal(t, "/loki/api/v1/push", gotRequest.URL.Path)
	assert.Equal(t, wire.ContentType, gotRequest.Header.Get("Content-Type"))
	assert.Equal(t, wire.ContentEncoding, gotRequest.Header.Get("Content-Encoding"))
	assert.Equal(t, "tenant-1", gotRequest.Header.Get("X-Scope-OrgID"))
	assert.Equal(t, userAgent, gotRequest.Header.Get("User-Agent"))
}

func TestTransmitter_RetriesTransientThenSucceeds(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	tx, metrics := newTestTransmitter(server.URL, 3)

	err := tx.send(context.Background(), testBody(t), `{host="a"}`)
	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 2, metrics.Snapshot().Retries)
}

func TestTransmitter_RateLimitIsTransient(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	tx, _ := newTestTransmitter(server.URL, 3)

	err := tx.send(context.Background(), testBody(t), `{host="a"}`)
	assert.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestTransmitter_PermanentFailureNoRetry(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		http.Error(w, "stream rejected", http.StatusBadRequest)
	}))
	defer server.Close()

	tx, metrics := newTestTransmitter(server.URL, 3)

	err := tx.send(context.Background(), testBody(t), `{host="a"}`)
	assert.Error(t, err)

	var se *SendError
	assert.True(t, errors.As(err, &se))
	assert.Equal(t, SendPermanent, se.Kind)
	assert.Equal(t, http.StatusBadRequest, se.StatusCode)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 0, metrics.Snapshot().Retries)
}

func TestTransmitter_RetriesExhausted(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	tx, _ := newTestTransmitter(server.URL, 2)

	err := tx.send(context.Background(), testBody(t), `{host="a"}`)
	assert.Error(t, err)

	var se *SendError
	assert.True(t, errors.As(err, &se))
	assert.Equal(t, SendExhausted, se.Kind)
	assert.Equal(t, http.StatusServiceUnavailable, se.StatusCode)
	// Initial attempt plus two retries.
	assert.Equal(t, 3, attempts)
}

func TestTransmitter_ConnectionErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	tx, _ := newTestTransmitter(url, 1)

	err := tx.send(context.Background(), testBody(t), `{host="a"}`)
	assert.Error(t, err)

	var se *SendError
	assert.True(t, errors.As(err, &se))
	assert.Equal(t, SendExhausted, se.Kind)
	assert.Equal(t, 0, se.StatusCode)
}
