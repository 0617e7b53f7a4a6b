package lokiship

import (
	"encoding/json"
	"time"

	"github.com/prometheus/common/model"
)

// Level is the severity of a log record. It is shipped as the reserved
// "level" stream label, so records of different severities always end up
// in different Loki streams.
type Level int8

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelTrace:
		return "trace"
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	}
	return "info"
}

// Record is one log record as handed to the pipeline. Host adapters build
// Records and pass them to Shipper.Enqueue; the pipeline treats them as
// read-only.
type Record struct {
	// Timestamp of the record. Zero means "now at enqueue time".
	Timestamp time.Time

	Level Level

	// Labels are per-record stream labels. They are merged with the
	// pipeline's static labels and decide which stream the record joins:
	// two records with different Labels never share a batch.
	Labels model.LabelSet

	Message string

	// Fields carry structured data that is serialized into the log line
	// together with the message. Unlike Labels they do not affect stream
	// grouping.
	Fields map[string]string
}

// line renders the shipped log line. A bare message ships verbatim; a
// record with fields ships a JSON object so the fields survive as
// queryable structured data.
func (r Record) line() string {
	if len(r.Fields) == 0 {
		return r.Message
	}
	m := make(map[string]string, len(r.Fields)+1)
	for k, v := range r.Fields {
		m[k] = v
	}
	m["message"] = r.Message
	b, err := json.Marshal(m)
	if err != nil {
		// Marshalling a map[string]string cannot fail.
		return r.Message
	}
	return string(b)
}
