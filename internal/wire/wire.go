// Package wire implements the Loki JSON push format: serialization of
// stream batches into the /loki/api/v1/push request body and its gzip
// compression. Encoding is pure; the inverse Decode exists mainly for
// tests and debugging tools.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/klauspost/compress/gzip"
)

const (
	// ContentType and ContentEncoding identify the body produced by
	// Encode. Loki accepts gzip-compressed JSON on the push endpoint.
	ContentType     = "application/json"
	ContentEncoding = "gzip"

	// PushPath is the push endpoint path, joined onto the configured
	// base URL.
	PushPath = "loki/api/v1/push"
)

// Stream is one labeled entry stream. Values holds [timestamp, line]
// pairs with the timestamp in nanoseconds since the epoch, rendered as a
// decimal string, in the order the entries were accepted.
type Stream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

// PushRequest is the top-level push message.
type PushRequest struct {
	Streams []Stream `json:"streams"`
}

// Encode serializes and gzip-compresses a push request. Label keys,
// label values and log lines must be valid UTF-8; anything else is a
// malformed input that the server would reject, so it is reported here
// and never retried.
func Encode(req PushRequest) ([]byte, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal push request: %w", err)
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("failed to compress push request: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress push request: %w", err)
	}

	return buf.Bytes(), nil
}

// Decode is the inverse of Encode.
func Decode(body []byte) (PushRequest, error) {
	zr, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return PushRequest{}, fmt.Errorf("failed to decompress push request: %w", err)
	}
	defer zr.Close()

	raw, err := io.ReadAll(zr)
	if err != nil {
		return PushRequest{}, fmt.Errorf("failed to decompress push request: %w", err)
	}

	var req PushRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return PushRequest{}, fmt.Errorf("failed to unmarshal push request: %w", err)
	}
	return req, nil
}

func validate(req PushRequest) error {
	for _, s := range req.Streams {
		for k, v := range s.Stream {
			if !utf8.ValidString(k) || !utf8.ValidString(v) {
				return fmt.Errorf("label %q contains invalid UTF-8", k)
			}
		}
		for _, v := range s.Values {
			if !utf8.ValidString(v[1]) {
				return fmt.Errorf("log line at timestamp %s contains invalid UTF-8", v[0])
			}
		}
	}
	return nil
}
