package lokiship

import (
	"errors"
	"fmt"
)

// ErrQueueFull is returned by Enqueue when the ingest queue is at
// capacity. The record is dropped; the caller is never blocked on the
// shipping pipeline.
var ErrQueueFull = errors.New("lokiship: ingest queue full")

// DropReason says why a batch was discarded by the pipeline.
type DropReason int

const (
	// DropEncode: the batch could not be serialized (e.g. invalid UTF-8
	// in labels or lines). Retrying cannot succeed, so the batch is
	// dropped on the first failure.
	DropEncode DropReason = iota
	// DropSendPermanent: the server rejected the payload with an
	// unretryable status (4xx other than 429).
	DropSendPermanent
	// DropSendExhausted: every retry attempt failed with a transient
	// error and the retry budget ran out.
	DropSendExhausted
)

func (r DropReason) String() string {
	switch r {
	case DropEncode:
		return "encode"
	case DropSendPermanent:
		return "send_permanent"
	case DropSendExhausted:
		return "send_exhausted"
	}
	return "unknown"
}

// Drop describes one discarded batch. Drops are delivered on the channel
// returned by Shipper.Drops; delivery is best-effort and never blocks the
// pipeline.
type Drop struct {
	Reason DropReason
	// Stream is the canonical label string of the dropped batch.
	Stream string
	// Entries is the number of log entries lost with the batch.
	Entries int
	Err     error
}

// SendErrorKind classifies a failed transmission.
type SendErrorKind int

const (
	// SendTransient failures (429, 5xx, transport errors) are eligible
	// for retry.
	SendTransient SendErrorKind = iota
	// SendPermanent failures (other 4xx, refused redirects) can never
	// succeed and are not retried.
	SendPermanent
	// SendExhausted means the transient retry budget ran out.
	SendExhausted
)

// SendError is the error type returned by the transmitter.
type SendError struct {
	Kind SendErrorKind
	// StatusCode is the HTTP status of the failing response, or 0 for
	// transport-level failures.
	StatusCode int
	Err        error
}

func (e *SendError) Error() string {
	switch e.Kind {
	case SendPermanent:
		return fmt.Sprintf("permanent send failure: %v", e.Err)
	case SendExhausted:
		return fmt.Sprintf("send retries exhausted: %v", e.Err)
	}
	return fmt.Sprintf("transient send failure: %v", e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }
