// Package parser drives a byte stream through a chunker and a driver's
// decode routine, producing particles while tracking a resumable position.
//
// Noisy field data never stops a parser: unclaimed bytes and records that
// fail to decode are reported through the exception callback and skipped.
// Only misuse (bad state, unseekable input) and driver errors outside the
// sample taxonomy are returned to the caller.
package parser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"seasieve/pkg/chunker"
	"seasieve/pkg/errs"
	"seasieve/pkg/metrics"
	"seasieve/pkg/ntp"
	"seasieve/pkg/particle"
)

const (
	DefaultReadSize = 1024
	// DefaultMaxUnmatched bounds the bytes buffered without a record.
	DefaultMaxUnmatched = 64 * 1024
)

// Driver supplies the instrument-specific parts of a parser.
type Driver interface {
	Name() string
	// Sieve finds candidate record ranges; see chunker.Sieve.
	Sieve(buf []byte) []chunker.Span
	// Decode turns one data chunk into particles. It may update driver
	// counters in st. Errors of kind Sample or UnexpectedData skip the chunk.
	Decode(rec chunker.Chunk, st *State) ([]*particle.Particle, error)
}

// StateValidator is implemented by drivers that keep counters in State.
type StateValidator interface {
	ValidateState(st State) error
}

// StateSeeder is implemented by drivers whose counters must be present in
// every state the parser hands out, including one saved before any record.
type StateSeeder interface {
	SeedState(st *State)
}

// NoiseFilter lets a driver silently drop non-data it expects, such as
// prompts or blank lines between records.
type NoiseFilter interface {
	IgnoreNonData(data []byte) bool
}

// StreamLister reports the particle streams a driver produces.
type StreamLister interface {
	Streams() []string
}

type (
	StateCallback     func(st State, endOfStream bool)
	PublishCallback   func(particles []*particle.Particle)
	ExceptionCallback func(err error)
)

type Parser struct {
	src      io.Reader
	drv      Driver
	chunks   *chunker.Chunker
	state    State
	readPos  int64
	eof      bool
	eosSent  bool
	pending  []*particle.Particle
	readSize int
	maxNoise int
	clock    func() time.Time
	logger   *slog.Logger
	metrics  *metrics.Parser

	onState     StateCallback
	onPublish   PublishCallback
	onException ExceptionCallback
}

type Option func(*Parser)

func WithStateCallback(fn StateCallback) Option {
	return func(p *Parser) {
		if fn != nil {
			p.onState = fn
		}
	}
}

func WithPublishCallback(fn PublishCallback) Option {
	return func(p *Parser) {
		if fn != nil {
			p.onPublish = fn
		}
	}
}

func WithExceptionCallback(fn ExceptionCallback) Option {
	return func(p *Parser) {
		if fn != nil {
			p.onException = fn
		}
	}
}

func WithReadSize(n int) Option {
	return func(p *Parser) {
		if n > 0 {
			p.readSize = n
		}
	}
}

// WithMaxUnmatched caps how many bytes may be buffered with no record in
// them. Past the cap all but the newest quarter is reported as non-data.
func WithMaxUnmatched(n int) Option {
	return func(p *Parser) {
		if n > 0 {
			p.maxNoise = n
		}
	}
}

// WithClock sets the clock used to timestamp reads.
func WithClock(now func() time.Time) Option {
	return func(p *Parser) {
		if now != nil {
			p.clock = now
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Parser) {
		if l != nil {
			p.logger = l
		}
	}
}

func WithMetrics(m *metrics.Parser) Option {
	return func(p *Parser) {
		p.metrics = m
	}
}

// New builds a parser reading src. A non-nil state is applied with SetState.
func New(src io.Reader, drv Driver, state *State, opts ...Option) (*Parser, error) {
	if src == nil {
		return nil, errs.New(errs.KindConfiguration, "new parser", "nil input")
	}
	if drv == nil {
		return nil, errs.New(errs.KindConfiguration, "new parser", "nil driver")
	}
	p := &Parser{
		src:       src,
		drv:       drv,
		chunks:    chunker.New(drv.Sieve),
		readSize:  DefaultReadSize,
		maxNoise:  DefaultMaxUnmatched,
		clock:     time.Now,
		logger:    slog.Default(),
		onState:   func(State, bool) {},
		onPublish: func([]*particle.Particle) {},
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("driver", drv.Name())
	if p.onException == nil {
		p.onException = func(err error) {
			p.logger.Warn("recoverable parse error", "error", err)
		}
	}
	if seeder, ok := drv.(StateSeeder); ok {
		seeder.SeedState(&p.state)
	}
	if state != nil {
		if err := p.SetState(state); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// SetState replaces the read state, discards buffered bytes and repositions
// the input. An invalid state leaves the parser untouched.
func (p *Parser) SetState(st *State) error {
	const op = "set state"
	if st == nil {
		return errs.New(errs.KindDatasetParser, op, "nil state")
	}
	if st.Position < 0 {
		return errs.New(errs.KindDatasetParser, op, "invalid position %d", st.Position)
	}
	if v, ok := p.drv.(StateValidator); ok {
		if err := v.ValidateState(*st); err != nil {
			if errs.Is(err, errs.KindDatasetParser) {
				return err
			}
			return errs.Wrap(errs.KindDatasetParser, op, err)
		}
	}

	if seeker, ok := p.src.(io.Seeker); ok {
		if _, err := seeker.Seek(st.Position, io.SeekStart); err != nil {
			return fmt.Errorf("seek to %d: %w", st.Position, err)
		}
	} else if st.Position != p.readPos {
		return errs.New(errs.KindDatasetParser, op, "input does not support seeking to %d", st.Position)
	}

	p.readPos = st.Position
	p.chunks.Reset(st.Position)
	p.state = st.Clone()
	p.pending = nil
	p.eof = false
	p.eosSent = false
	p.metrics.Position(p.state.Position)
	return nil
}

// State returns a snapshot of the current read state.
func (p *Parser) State() State {
	return p.state.Clone()
}

func (p *Parser) Driver() Driver {
	return p.drv
}

// Exhausted reports whether the input has ended and every byte was consumed.
func (p *Parser) Exhausted() bool {
	return p.eof && p.chunks.Buffered() == 0 && len(p.pending) == 0
}

// GetRecords returns up to n particles, reading more input as needed. Fewer
// particles, possibly none, are returned once the input is exhausted.
func (p *Parser) GetRecords(ctx context.Context, n int) ([]*particle.Particle, error) {
	out := make([]*particle.Particle, 0, max(n, 0))
	if n <= 0 {
		return out, nil
	}
	out = p.takePending(out, n)

	for len(out) < n {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		progressed, err := p.processNext(&out, n)
		if err != nil {
			return out, err
		}
		if progressed {
			continue
		}

		if p.eof {
			p.finish()
			break
		}
		if noise, ok := p.chunks.TrimUnmatched(p.maxNoise, p.maxNoise/4); ok {
			p.HandleNonData(noise)
		}
		if err := p.fill(); err != nil {
			return out, err
		}
	}
	return out, nil
}

// HandleNonData reports bytes no record claimed and advances the position past
// them. Drivers implementing NoiseFilter may mark them as expected.
func (p *Parser) HandleNonData(c chunker.Chunk) {
	if c.Len() == 0 {
		return
	}
	p.metrics.NonData(c.Len())
	if f, ok := p.drv.(NoiseFilter); !ok || !f.IgnoreNonData(c.Data) {
		p.onException(errs.UnexpectedData(p.drv.Name(), c.Data, c.Start, c.End))
	}
	p.advance(c.End)
}

// processNext handles the next data chunk and the non-data before it. It
// reports false when no complete chunk is buffered.
func (p *Parser) processNext(out *[]*particle.Particle, n int) (bool, error) {
	nd, hasNonData := p.chunks.NextNonData(false)
	data, hasData := p.chunks.NextData(false)
	if !hasData {
		return false, nil
	}
	if hasNonData && nd.End <= data.Start {
		p.chunks.NextNonData(true)
		p.HandleNonData(nd)
	}
	p.chunks.NextData(true)

	work := p.state.Clone()
	particles, err := p.drv.Decode(data, &work)
	if err != nil {
		if !errs.IsRecoverable(err) {
			return false, fmt.Errorf("decode record at %d: %w", data.Start, err)
		}
		p.metrics.Skipped()
		p.onException(err)
		p.advance(data.End)
		return true, nil
	}
	if len(particles) == 0 {
		p.logger.Debug("record produced no particles", "start", data.Start, "end", data.End)
	}

	work.Position = max(work.Position, data.End)
	p.state = work
	p.metrics.Position(p.state.Position)
	if len(particles) == 0 {
		return true, nil
	}

	p.metrics.Particles(len(particles))
	p.onPublish(particles)
	p.onState(p.state.Clone(), false)

	room := n - len(*out)
	if len(particles) > room {
		p.pending = append(p.pending, particles[room:]...)
		particles = particles[:room]
	}
	*out = append(*out, particles...)
	return true, nil
}

func (p *Parser) fill() error {
	buf := make([]byte, p.readSize)
	n, err := p.src.Read(buf)
	if n > 0 {
		p.chunks.AddChunk(buf[:n], ntp.FromTime(p.clock()))
		p.readPos += int64(n)
		p.metrics.BytesRead(n)
	}
	if err != nil {
		if errors.Is(err, io.EOF) {
			p.eof = true
			return nil
		}
		return fmt.Errorf("read input: %w", err)
	}
	return nil
}

// finish accounts for trailing bytes once the input has ended and reports the
// end of stream once.
func (p *Parser) finish() {
	if rest, ok := p.chunks.Flush(true); ok {
		p.HandleNonData(rest)
	}
	if !p.eosSent {
		p.eosSent = true
		p.onState(p.state.Clone(), true)
	}
}

func (p *Parser) advance(pos int64) {
	if pos > p.state.Position {
		p.state.Position = pos
		p.metrics.Position(pos)
	}
}

func (p *Parser) takePending(out []*particle.Particle, n int) []*particle.Particle {
	if len(p.pending) == 0 {
		return out
	}
	take := min(n-len(out), len(p.pending))
	out = append(out, p.pending[:take]...)
	p.pending = p.pending[take:]
	return out
}
