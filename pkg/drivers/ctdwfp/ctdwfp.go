// Package ctdwfp parses the binary CTD stream recorded by a wire-following
// profiler. The stream holds 11-byte samples; a profile ends with eleven 0xFF
// bytes followed by an 8-byte time record (profile start and end, unix
// seconds, big-endian).
package ctdwfp

import (
	"bytes"
	"encoding/binary"
	"time"

	"seasieve/pkg/chunker"
	"seasieve/pkg/errs"
	"seasieve/pkg/parser"
	"seasieve/pkg/particle"
	"seasieve/pkg/protocol"
)

const (
	Name = "ctdwfp"

	InstrumentStream = "ctdpf_ckl_wfp_instrument"
	MetadataStream   = "ctdpf_ckl_wfp_metadata"

	SampleLen       = 11
	TimeLen         = 8
	EndOfProfileLen = SampleLen + TimeLen

	// CounterSamples counts samples since the last end-of-profile marker.
	CounterSamples = "samples"
)

const (
	Conductivity particle.ValueID = "conductivity"
	Temperature  particle.ValueID = "temperature"
	Pressure     particle.ValueID = "pressure"

	TimeOn      particle.ValueID = "wfp_time_on"
	TimeOff     particle.ValueID = "wfp_time_off"
	SamplesRead particle.ValueID = "wfp_number_samples_read"
)

var endOfProfile = bytes.Repeat([]byte{0xFF}, SampleLen)

type Driver struct {
	instrumentID string
	clock        func() time.Time
	sieve        chunker.Sieve
	sample       *protocol.FieldTable
}

type Option func(*Driver)

// WithClock sets the clock particles use for their driver timestamp.
func WithClock(now func() time.Time) Option {
	return func(d *Driver) {
		if now != nil {
			d.clock = now
		}
	}
}

func New(instrumentID string, opts ...Option) *Driver {
	sample, err := protocol.NewFieldTable(InstrumentStream, SampleLen, binary.BigEndian, []protocol.FieldDef{
		{Name: string(Conductivity), CType: "uint24_t", Offset: 0},
		{Name: string(Temperature), CType: "uint24_t", Offset: 3},
		{Name: string(Pressure), CType: "uint24_t", Offset: 6},
	})
	if err != nil {
		panic(err)
	}
	d := &Driver{
		instrumentID: instrumentID,
		clock:        time.Now,
		sample:       sample,
		sieve: chunker.FixedLengthSieve(
			chunker.FixedKind{Name: "end_of_profile", Len: EndOfProfileLen, Match: matchEndOfProfile},
			chunker.FixedKind{Name: "sample", Len: SampleLen, Match: matchSample},
		),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Driver) Name() string { return Name }

func (d *Driver) Streams() []string {
	return []string{InstrumentStream, MetadataStream}
}

func (d *Driver) Sieve(buf []byte) []chunker.Span {
	return d.sieve(buf)
}

// SeedState starts the sample counter so a state saved before the first
// sample still validates on resume.
func (d *Driver) SeedState(st *parser.State) {
	if _, ok := st.Counters[CounterSamples]; !ok {
		st.SetCounter(CounterSamples, 0)
	}
}

func (d *Driver) ValidateState(st parser.State) error {
	return parser.RequireCounters(st, CounterSamples)
}

func (d *Driver) Decode(rec chunker.Chunk, st *parser.State) ([]*particle.Particle, error) {
	switch {
	case len(rec.Data) == EndOfProfileLen && bytes.Equal(rec.Data[:SampleLen], endOfProfile):
		return d.decodeEndOfProfile(rec, st)
	case len(rec.Data) == SampleLen && !bytes.Equal(rec.Data, endOfProfile):
		return d.decodeSample(rec, st)
	default:
		return nil, errs.UnexpectedData(Name, rec.Data, rec.Start, rec.End)
	}
}

func (d *Driver) decodeSample(rec chunker.Chunk, st *parser.State) ([]*particle.Particle, error) {
	if _, err := d.sample.Decode(rec.Data, true); err != nil {
		return nil, errs.Wrap(errs.KindSample, Name, err)
	}
	p := particle.New(d.instrumentID, rec.Data,
		particle.WithClock(d.clock),
		particle.WithInternalTimestamp(rec.Timestamp),
		particle.WithPreferredTimestamp(particle.KeyInternalTimestamp),
		particle.WithDecoder(particle.DecoderFunc{
			Stream: InstrumentStream,
			Build: func(raw []byte) ([]particle.Value, error) {
				return d.sample.Decode(raw, true)
			},
		}),
	)
	st.SetCounter(CounterSamples, st.Counter(CounterSamples)+1)
	return []*particle.Particle{p}, nil
}

func (d *Driver) decodeEndOfProfile(rec chunker.Chunk, st *parser.State) ([]*particle.Particle, error) {
	times := rec.Data[SampleLen:]
	on := binary.BigEndian.Uint32(times[0:4])
	off := binary.BigEndian.Uint32(times[4:8])
	samples := st.Counter(CounterSamples)

	p := particle.New(d.instrumentID, rec.Data,
		particle.WithClock(d.clock),
		particle.WithPreferredTimestamp(particle.KeyInternalTimestamp),
		particle.WithDecoder(particle.StaticDecoder{
			Stream: MetadataStream,
			Values: []particle.Value{
				{ID: TimeOn, Value: on},
				{ID: TimeOff, Value: off},
				{ID: SamplesRead, Value: samples},
			},
		}),
	)
	unix := float64(on)
	if err := p.SetInternalTimestamp(nil, &unix); err != nil {
		return nil, errs.Wrap(errs.KindSample, Name, err)
	}
	st.SetCounter(CounterSamples, 0)
	return []*particle.Particle{p}, nil
}

func matchSample(w []byte) chunker.Verdict {
	if len(w) < SampleLen {
		return chunker.NeedMore
	}
	if bytes.Equal(w, endOfProfile) {
		return chunker.NoMatch
	}
	return chunker.Match
}

func matchEndOfProfile(w []byte) chunker.Verdict {
	n := min(len(w), SampleLen)
	if !bytes.Equal(w[:n], endOfProfile[:n]) {
		return chunker.NoMatch
	}
	if len(w) < EndOfProfileLen {
		return chunker.NeedMore
	}
	return chunker.Match
}
