package lokiship

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/mkarev/lokiship/internal/wire"
)

const userAgent = "lokiship/0.1.0"

// transmitter posts encoded payloads to the push endpoint and drives the
// retry policy. Only one send is ever in flight: the background task is
// the sole caller.
type transmitter struct {
	url        string
	headers    http.Header
	client     *http.Client
	maxRetries int
	backoffMin time.Duration
	backoffMax time.Duration
	logger     *zap.Logger
	metrics    *pipelineMetrics
}

// send performs one push with retries. Transient failures (429, 5xx,
// transport errors) are retried up to maxRetries times with capped
// exponential backoff and jitter; permanent failures return immediately.
// The returned error is always a *SendError with Kind SendPermanent or
// SendExhausted.
func (t *transmitter) send(ctx context.Context, body []byte, stream string) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = t.backoffMin
	bo.MaxInterval = t.backoffMax
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(t.maxRetries)), ctx)

	attempt := func() error {
		err := t.post(ctx, body)
		if err == nil {
			return nil
		}
		var se *SendError
		if errors.As(err, &se) && se.Kind == SendPermanent {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		t.metrics.IncRetries()
		t.logger.Warn("retrying push",
			zap.String("stream", stream),
			zap.Duration("backoff", wait),
			zap.Error(err))
	}

	err := backoff.RetryNotify(attempt, policy, notify)
	if err == nil {
		return nil
	}

	var se *SendError
	if errors.As(err, &se) && se.Kind == SendPermanent {
		return se
	}
	status := 0
	if errors.As(err, &se) {
		status = se.StatusCode
	}
	return &SendError{Kind: SendExhausted, StatusCode: status, Err: err}
}

func (t *transmitter) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return &SendError{Kind: SendPermanent, Err: fmt.Errorf("failed to create request: %w", err)}
	}

	// Configured headers go on every attempt verbatim, including the
	// tenant header when one was set.
	for name, values := range t.headers {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	req.Header.Set("Content-Type", wire.ContentType)
	req.Header.Set("Content-Encoding", wire.ContentEncoding)
	req.Header.Set("User-Agent", userAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return &SendError{Kind: SendTransient, Err: fmt.Errorf("failed to send request: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	err = fmt.Errorf("server returned status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return &SendError{Kind: SendTransient, StatusCode: resp.StatusCode, Err: err}
	}
	return &SendError{Kind: SendPermanent, StatusCode: resp.StatusCode, Err: err}
}

// newHTTPClient builds the default transport used when the host does not
// supply one.
func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			// A 302/303 redirect turns the POST into a GET and drops the
			// body; following it would silently lose the payload while
			// reporting success.
			if req.Response != nil {
				if sc := req.Response.StatusCode; sc == http.StatusFound || sc == http.StatusSeeOther {
					return fmt.Errorf("refusing HTTP %d redirect to %s", sc, req.URL)
				}
			}
			return nil
		},
	}
}
