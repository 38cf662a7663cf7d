// Package ratframe parses COBS-framed binary telemetry. Each frame is
// COBS([id][payload][xor]) followed by 0x00, where xor folds id and payload.
// Payloads are decoded with per-id field tables from configuration; one id
// may be reserved for NUL-terminated text.
package ratframe

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"seasieve/pkg/chunker"
	"seasieve/pkg/errs"
	"seasieve/pkg/parser"
	"seasieve/pkg/particle"
	"seasieve/pkg/protocol"
)

const (
	Name       = "ratframe"
	TextStream = "ratframe_text"

	TextValue particle.ValueID = "text"
	IDValue   particle.ValueID = "packet_id"
)

type Driver struct {
	instrumentID string
	clock        func() time.Time
	tables       map[uint8]*protocol.FieldTable
	textID       uint8
	textEnabled  bool
	strict       bool
	sieve        chunker.Sieve
}

type Option func(*Driver)

func WithClock(now func() time.Time) Option {
	return func(d *Driver) {
		if now != nil {
			d.clock = now
		}
	}
}

// WithTextID decodes frames with this id as text.
func WithTextID(id uint8) Option {
	return func(d *Driver) {
		d.textID = id
		d.textEnabled = true
	}
}

// WithStrictSize rejects payloads longer than their field table.
func WithStrictSize(strict bool) Option {
	return func(d *Driver) {
		d.strict = strict
	}
}

func New(instrumentID string, tables map[uint8]*protocol.FieldTable, opts ...Option) *Driver {
	d := &Driver{
		instrumentID: instrumentID,
		clock:        time.Now,
		tables:       make(map[uint8]*protocol.FieldTable, len(tables)),
		strict:       true,
		sieve:        chunker.DelimiterSieve(0x00),
	}
	for id, t := range tables {
		d.tables[id] = t
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Driver) Name() string { return Name }

func (d *Driver) Streams() []string {
	seen := make(map[string]struct{}, len(d.tables)+1)
	var out []string
	if d.textEnabled {
		seen[TextStream] = struct{}{}
		out = append(out, TextStream)
	}
	for id := 0; id < 256; id++ {
		t, ok := d.tables[uint8(id)]
		if !ok {
			continue
		}
		if _, dup := seen[t.Name]; dup {
			continue
		}
		seen[t.Name] = struct{}{}
		out = append(out, t.Name)
	}
	return out
}

func (d *Driver) Sieve(buf []byte) []chunker.Span {
	return d.sieve(buf)
}

func (d *Driver) Decode(rec chunker.Chunk, _ *parser.State) ([]*particle.Particle, error) {
	frame := bytes.TrimSuffix(rec.Data, []byte{0x00})
	if len(frame) == 0 {
		return nil, nil
	}

	decoded, err := protocol.CobsDecode(frame)
	if err != nil {
		return nil, errs.Wrap(errs.KindSample, Name, err)
	}
	if len(decoded) < 2 {
		return nil, errs.Sample(Name, "frame too short: %d bytes", len(decoded))
	}

	id := decoded[0]
	body := decoded[1 : len(decoded)-1]
	quality := particle.QualityOK
	if protocol.XorChecksum(decoded[:len(decoded)-1]) != decoded[len(decoded)-1] {
		quality = particle.QualityChecksumFailed
	}

	var decoder particle.StaticDecoder
	switch table, ok := d.tables[id]; {
	case d.textEnabled && id == d.textID:
		decoder = particle.StaticDecoder{
			Stream: TextStream,
			Values: []particle.Value{{ID: TextValue, Value: parseText(body)}},
		}
	case ok:
		values, err := table.Decode(body, d.strict)
		if err != nil {
			return nil, errs.Wrap(errs.KindSample, Name, err)
		}
		decoder = particle.StaticDecoder{
			Stream: table.Name,
			Values: append([]particle.Value{{ID: IDValue, Value: fmt.Sprintf("0x%02x", id)}}, values...),
		}
	default:
		return nil, errs.UnexpectedData(Name, rec.Data, rec.Start, rec.End)
	}

	p := particle.New(d.instrumentID, rec.Data,
		particle.WithClock(d.clock),
		particle.WithPortTimestamp(rec.Timestamp),
		particle.WithPreferredTimestamp(particle.KeyPortTimestamp),
		particle.WithQualityFlag(quality),
		particle.WithDecoder(decoder),
	)
	return []*particle.Particle{p}, nil
}

// parseText cuts a payload at its first NUL.
func parseText(payload []byte) string {
	if idx := bytes.IndexByte(payload, 0x00); idx >= 0 {
		payload = payload[:idx]
	}
	return strings.TrimRight(string(payload), "\x00")
}
