// Package sbe37 parses the ASCII sample lines of an SBE37 MicroCAT:
//
//	#  18.6784,  3.82543,   21.356, 30 Sep 2013 14:02:25\r\n
//
// temperature (C), conductivity (S/m), pressure (dbar) and the instrument
// clock. Command prompts and blank lines between samples are expected noise.
package sbe37

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"seasieve/pkg/chunker"
	"seasieve/pkg/errs"
	"seasieve/pkg/parser"
	"seasieve/pkg/particle"
)

const (
	Name   = "sbe37"
	Stream = "sbe37_parsed"

	DateLayout = "2 Jan 2006 15:04:05"
)

const (
	Temperature  particle.ValueID = "temperature"
	Conductivity particle.ValueID = "conductivity"
	Pressure     particle.ValueID = "pressure"
	SampleTime   particle.ValueID = "date_time_string"
)

var (
	lineRegex   = regexp.MustCompile(`#[^#\r\n]*\r?\n`)
	sampleRegex = regexp.MustCompile(`^#\s*(-?\d+\.\d+),\s*(-?\d+\.\d+),\s*(-?\d+\.\d+),\s*(\d{1,2} [A-Za-z]{3} \d{4} \d{2}:\d{2}:\d{2})\s*$`)
)

type Driver struct {
	instrumentID string
	clock        func() time.Time
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

func New(instrumentID string, opts ...Option) *Driver {
	d := &Driver{
		instrumentID: instrumentID,
		clock:        time.Now,
		sieve:        chunker.RegexSieve(lineRegex),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Driver) Name() string { return Name }

func (d *Driver) Streams() []string { return []string{Stream} }

func (d *Driver) Sieve(buf []byte) []chunker.Span {
	return d.sieve(buf)
}

// IgnoreNonData drops whitespace and "S>" prompts between samples.
func (d *Driver) IgnoreNonData(data []byte) bool {
	for _, field := range strings.Fields(string(data)) {
		if field != "S>" {
			return false
		}
	}
	return true
}

func (d *Driver) Decode(rec chunker.Chunk, _ *parser.State) ([]*particle.Particle, error) {
	line := strings.TrimRight(string(rec.Data), "\r\n")
	m := sampleRegex.FindStringSubmatch(line)
	if m == nil {
		return nil, errs.UnexpectedData(Name, rec.Data, rec.Start, rec.End)
	}

	values := make([]particle.Value, 0, 4)
	for i, id := range []particle.ValueID{Temperature, Conductivity, Pressure} {
		v, err := strconv.ParseFloat(m[i+1], 64)
		if err != nil {
			return nil, errs.Sample(Name, "bad %s %q", id, m[i+1])
		}
		values = append(values, particle.Value{ID: id, Value: v})
	}
	values = append(values, particle.Value{ID: SampleTime, Value: m[4]})

	sampled, err := time.Parse(DateLayout, m[4])
	if err != nil {
		return nil, errs.Sample(Name, "bad sample time %q", m[4])
	}

	p := particle.New(d.instrumentID, rec.Data,
		particle.WithClock(d.clock),
		particle.WithPortTimestamp(rec.Timestamp),
		particle.WithPreferredTimestamp(particle.KeyInternalTimestamp),
		particle.WithDecoder(particle.StaticDecoder{Stream: Stream, Values: values}),
	)
	unix := float64(sampled.Unix())
	if err := p.SetInternalTimestamp(nil, &unix); err != nil {
		return nil, errs.Wrap(errs.KindSample, Name, err)
	}
	return []*particle.Particle{p}, nil
}
