package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"seasieve/pkg/engine"
)

// JSONLWriter appends one line per envelope: receive time, stream and the
// particle record itself.
type JSONLWriter struct {
	enc          *json.Encoder
	errorHandler func(error)
}

type jsonRecord struct {
	TS       string          `json:"ts"`
	Stream   string          `json:"stream"`
	Particle json.RawMessage `json:"particle"`
}

type Option func(*JSONLWriter)

func WithErrorHandler(fn func(error)) Option {
	return func(j *JSONLWriter) {
		if fn != nil {
			j.errorHandler = fn
		}
	}
}

func NewJSONLWriter(w io.Writer, opts ...Option) *JSONLWriter {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	j := &JSONLWriter{enc: enc}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

func (j *JSONLWriter) Write(env engine.Envelope) error {
	if !json.Valid(env.Body) {
		return fmt.Errorf("envelope body for %s is not json", env.Stream)
	}
	rec := jsonRecord{
		TS:       env.Received.UTC().Format(time.RFC3339Nano),
		Stream:   env.Stream,
		Particle: env.Body,
	}
	if err := j.enc.Encode(rec); err != nil {
		return fmt.Errorf("write jsonl: %w", err)
	}
	return nil
}

func (j *JSONLWriter) Consume(ctx context.Context, in <-chan engine.Envelope) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-in:
			if !ok {
				return
			}
			if err := j.Write(env); err != nil && j.errorHandler != nil {
				j.errorHandler(err)
			}
		}
	}
}
