// Package particle implements the data particle: one decoded, timestamped
// sample record with a canonical JSON form.
package particle

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"math"
	"time"

	"seasieve/pkg/errs"
	"seasieve/pkg/ntp"
)

// MaxFutureSkew bounds how far ahead of now a timestamp may claim to be.
const MaxFutureSkew = 365 * 24 * time.Hour

// Particle is immutable after construction except for its internal timestamp.
type Particle struct {
	instrumentID string
	raw          []byte
	port         *float64
	internal     *float64
	driver       float64
	preferred    Key
	quality      QualityFlag
	decoder      Decoder
	now          func() time.Time
}

type Option func(*Particle)

func WithPortTimestamp(ts float64) Option {
	return func(p *Particle) {
		p.port = &ts
	}
}

func WithInternalTimestamp(ts float64) Option {
	return func(p *Particle) {
		p.internal = &ts
	}
}

func WithPreferredTimestamp(k Key) Option {
	return func(p *Particle) {
		p.preferred = k
	}
}

func WithQualityFlag(q QualityFlag) Option {
	return func(p *Particle) {
		if q != "" {
			p.quality = q
		}
	}
}

func WithDecoder(d Decoder) Option {
	return func(p *Particle) {
		p.decoder = d
	}
}

// WithClock replaces the wall clock used for the driver timestamp and the
// future-skew sanity check.
func WithClock(now func() time.Time) Option {
	return func(p *Particle) {
		if now != nil {
			p.now = now
		}
	}
}

// New builds a particle around raw. The driver timestamp is taken immediately;
// everything else is validated when the particle is serialized.
func New(instrumentID string, raw []byte, opts ...Option) *Particle {
	p := &Particle{
		instrumentID: instrumentID,
		raw:          append([]byte(nil), raw...),
		preferred:    KeyPortTimestamp,
		quality:      QualityOK,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.driver = ntp.FromTime(p.now())
	return p
}

// Float is a convenience for the optional arguments of SetInternalTimestamp.
func Float(v float64) *float64 {
	return &v
}

// SetInternalTimestamp sets the instrument-reported sample time. Exactly one of
// value (NTP seconds) or unixTime must be given.
func (p *Particle) SetInternalTimestamp(value, unixTime *float64) error {
	const op = "set internal timestamp"
	if (value == nil) == (unixTime == nil) {
		return errs.New(errs.KindInvalidParameter, op, "exactly one of value or unix time is required")
	}
	var ts float64
	if value != nil {
		ts = *value
	} else {
		ts = ntp.FromUnix(*unixTime)
	}
	if err := p.checkTimestamp(&ts); err != nil {
		return errs.Wrap(errs.KindSanityCheck, op, err)
	}
	p.internal = &ts
	return nil
}

// GetField returns the value of a header field.
func (p *Particle) GetField(k Key) (any, error) {
	switch k {
	case KeyFormatID:
		return FormatID, nil
	case KeyFormatVersion:
		return FormatVersion, nil
	case KeyStreamName:
		return p.StreamName(), nil
	case KeyInstrumentID:
		return p.instrumentID, nil
	case KeyPortTimestamp:
		return optional(p.port), nil
	case KeyInternalTimestamp:
		return optional(p.internal), nil
	case KeyDriverTimestamp:
		return p.driver, nil
	case KeyPreferredTimestamp:
		return p.preferred, nil
	case KeyQualityFlag:
		return p.quality, nil
	case KeyValues:
		return p.parsedValues()
	default:
		return nil, errs.New(errs.KindNotImplemented, "get field", "unknown field %q", k)
	}
}

// SetField mutates a header field. Only the internal timestamp is writable.
func (p *Particle) SetField(k Key, v any) error {
	if k == KeyInternalTimestamp {
		ts, ok := v.(float64)
		if !ok {
			return errs.New(errs.KindInvalidParameter, "set field", "internal_timestamp must be float64, got %T", v)
		}
		return p.SetInternalTimestamp(&ts, nil)
	}
	return errs.New(errs.KindReadOnly, "set field", "field %q is read only", k)
}

// StreamName is the decoder's stream, or "raw" when the particle has none.
func (p *Particle) StreamName() string {
	if p.decoder == nil {
		return RawStream
	}
	return p.decoder.StreamName()
}

func (p *Particle) InstrumentID() string { return p.instrumentID }
func (p *Particle) DriverTimestamp() float64 { return p.driver }
func (p *Particle) QualityFlag() QualityFlag { return p.quality }
func (p *Particle) PreferredTimestamp() Key { return p.preferred }
func (p *Particle) PortTimestamp() *float64 { return copyFloat(p.port) }
func (p *Particle) InternalTimestamp() *float64 { return copyFloat(p.internal) }

// Raw returns a copy of the raw payload.
func (p *Particle) Raw() []byte {
	return append([]byte(nil), p.raw...)
}

// GenerateRaw serializes the particle on the raw stream: the header plus a
// single base64 value holding the raw payload.
func (p *Particle) GenerateRaw() ([]byte, error) {
	values := []Value{{
		ID:     RawValueID,
		Value:  base64.StdEncoding.EncodeToString(p.raw),
		Binary: true,
	}}
	return p.generate(RawStream, values)
}

// GenerateParsed serializes the particle with values built by its decoder.
func (p *Particle) GenerateParsed() ([]byte, error) {
	if p.decoder == nil {
		return nil, errs.New(errs.KindNotImplemented, "generate parsed", "no decoder for parsed values")
	}
	values, err := p.parsedValues()
	if err != nil {
		return nil, err
	}
	return p.generate(p.decoder.StreamName(), values)
}

func (p *Particle) parsedValues() ([]Value, error) {
	if p.decoder == nil {
		return nil, errs.New(errs.KindNotImplemented, "build parsed values", "no decoder for parsed values")
	}
	values, err := p.decoder.BuildValues(p.raw)
	if err != nil {
		if errs.Is(err, errs.KindSample) {
			return nil, err
		}
		return nil, errs.Wrap(errs.KindSample, "build parsed values", err)
	}
	return values, nil
}

func (p *Particle) header(stream string) (map[string]any, error) {
	const op = "build header"
	for _, ts := range []*float64{p.port, p.internal, &p.driver} {
		if err := p.checkTimestamp(ts); err != nil {
			return nil, errs.Wrap(errs.KindSample, op, err)
		}
	}
	if !IsTimestampKey(p.preferred) {
		return nil, errs.Sample(op, "preferred timestamp %q is not a timestamp field", p.preferred)
	}
	if p.timestamp(p.preferred) == nil {
		return nil, errs.Sample(op, "preferred timestamp %q is not set", p.preferred)
	}

	h := map[string]any{
		string(KeyFormatID):           FormatID,
		string(KeyFormatVersion):      FormatVersion,
		string(KeyStreamName):         stream,
		string(KeyDriverTimestamp):    p.driver,
		string(KeyPreferredTimestamp): string(p.preferred),
		string(KeyQualityFlag):        string(p.quality),
	}
	if p.instrumentID != "" {
		h[string(KeyInstrumentID)] = p.instrumentID
	}
	if p.port != nil {
		h[string(KeyPortTimestamp)] = *p.port
	}
	if p.internal != nil {
		h[string(KeyInternalTimestamp)] = *p.internal
	}
	return h, nil
}

func (p *Particle) generate(stream string, values []Value) ([]byte, error) {
	h, err := p.header(stream)
	if err != nil {
		return nil, err
	}
	encoded := make([]map[string]any, 0, len(values))
	for _, v := range values {
		encoded = append(encoded, v.encode())
	}
	h[string(KeyValues)] = encoded

	// encoding/json writes map keys in sorted order, which keeps output stable
	// for golden files.
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(h); err != nil {
		return nil, errs.Wrap(errs.KindSample, "encode particle", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func (p *Particle) timestamp(k Key) *float64 {
	switch k {
	case KeyPortTimestamp:
		return p.port
	case KeyInternalTimestamp:
		return p.internal
	case KeyDriverTimestamp:
		return &p.driver
	}
	return nil
}

// checkTimestamp accepts nil, and otherwise requires a finite value no more
// than MaxFutureSkew past now.
func (p *Particle) checkTimestamp(ts *float64) error {
	if ts == nil {
		return nil
	}
	v := *ts
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return errs.New(errs.KindSanityCheck, "", "timestamp %v is not a number", v)
	}
	limit := ntp.FromTime(p.now().Add(MaxFutureSkew))
	if v > limit {
		return errs.New(errs.KindSanityCheck, "", "timestamp %f is more than %s in the future", v, MaxFutureSkew)
	}
	return nil
}

func optional(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}
