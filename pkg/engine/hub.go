package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"seasieve/pkg/particle"
)

// ErrStopped is reported for particles published after the hub stopped.
var ErrStopped = errors.New("hub stopped")

// Envelope carries one serialized particle to hub consumers.
type Envelope struct {
	Stream   string
	Received time.Time
	Body     []byte
}

// NewEnvelope serializes p. raw selects the raw-bytes rendering.
func NewEnvelope(p *particle.Particle, raw bool, received time.Time) (Envelope, error) {
	var (
		body []byte
		err  error
	)
	stream := p.StreamName()
	if raw {
		body, err = p.GenerateRaw()
		stream = particle.RawStream
	} else {
		body, err = p.GenerateParsed()
	}
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Stream: stream, Received: received, Body: body}, nil
}

// Subscription receives envelopes from a Hub on C. C is closed when the hub
// stops or the subscription is removed.
type Subscription struct {
	C <-chan Envelope

	ch       chan Envelope
	name     string
	streams  map[string]struct{}
	lossless bool
	dropped  atomic.Uint64
}

// Dropped counts envelopes this subscriber missed because it fell behind.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Subscription) wants(stream string) bool {
	if len(s.streams) == 0 {
		return true
	}
	_, ok := s.streams[stream]
	return ok
}

type SubscribeOption func(*Subscription)

// Named labels the subscriber in drop reports.
func Named(name string) SubscribeOption {
	return func(s *Subscription) {
		s.name = name
	}
}

// Buffer sets the subscriber's channel capacity.
func Buffer(size int) SubscribeOption {
	return func(s *Subscription) {
		if size > 0 {
			s.ch = make(chan Envelope, size)
		}
	}
}

// Streams limits delivery to the named particle streams.
func Streams(names ...string) SubscribeOption {
	return func(s *Subscription) {
		if len(names) == 0 {
			return
		}
		s.streams = make(map[string]struct{}, len(names))
		for _, n := range names {
			s.streams[n] = struct{}{}
		}
	}
}

// Lossless makes the hub wait for this subscriber instead of dropping
// envelopes. Publishers then slow down to the subscriber's pace.
func Lossless() SubscribeOption {
	return func(s *Subscription) {
		s.lossless = true
	}
}

// Hub fans envelopes out to subscribers. Ordinary subscribers that fall
// behind lose envelopes; lossless ones apply backpressure.
type Hub struct {
	broadcast  chan Envelope
	register   chan *Subscription
	unregister chan *Subscription
	subs       map[*Subscription]struct{}
	clientBuf  int
	onDrop     func(subscriber, stream string)
	done       chan struct{}
}

type Option func(*Hub)

func WithBroadcastBuffer(size int) Option {
	return func(h *Hub) {
		if size > 0 {
			h.broadcast = make(chan Envelope, size)
		}
	}
}

func WithClientBuffer(size int) Option {
	return func(h *Hub) {
		if size > 0 {
			h.clientBuf = size
		}
	}
}

// WithDropHandler is called from the hub loop for every dropped envelope.
func WithDropHandler(fn func(subscriber, stream string)) Option {
	return func(h *Hub) {
		h.onDrop = fn
	}
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		broadcast:  make(chan Envelope, 256),
		register:   make(chan *Subscription),
		unregister: make(chan *Subscription),
		subs:       make(map[*Subscription]struct{}),
		clientBuf:  100,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run delivers envelopes until ctx ends. It must be called once.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	defer func() {
		for sub := range h.subs {
			close(sub.ch)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case sub := <-h.register:
			h.subs[sub] = struct{}{}
		case sub := <-h.unregister:
			if _, ok := h.subs[sub]; ok {
				delete(h.subs, sub)
				close(sub.ch)
			}
		case env := <-h.broadcast:
			if !h.deliver(ctx, env) {
				return
			}
		}
	}
}

func (h *Hub) deliver(ctx context.Context, env Envelope) bool {
	for sub := range h.subs {
		if !sub.wants(env.Stream) {
			continue
		}
		if sub.lossless {
			select {
			case sub.ch <- env:
			case <-ctx.Done():
				return false
			}
			continue
		}
		select {
		case sub.ch <- env:
		default:
			sub.dropped.Add(1)
			if h.onDrop != nil {
				h.onDrop(sub.name, env.Stream)
			}
		}
	}
	return true
}

// Subscribe registers a subscriber. Once the hub has stopped, the returned
// subscription is already closed.
func (h *Hub) Subscribe(opts ...SubscribeOption) *Subscription {
	sub := &Subscription{}
	for _, opt := range opts {
		opt(sub)
	}
	if sub.ch == nil {
		sub.ch = make(chan Envelope, h.clientBuf)
	}
	sub.C = sub.ch
	select {
	case h.register <- sub:
	case <-h.done:
		close(sub.ch)
	}
	return sub
}

func (h *Hub) Unsubscribe(sub *Subscription) {
	select {
	case h.unregister <- sub:
	case <-h.done:
	}
}

// Publish queues env for delivery. It reports false once the hub has stopped.
func (h *Hub) Publish(env Envelope) bool {
	select {
	case h.broadcast <- env:
		return true
	case <-h.done:
		return false
	}
}

// PublishParticles wraps each particle and publishes it. It is shaped to
// serve as a parser publish callback.
func (h *Hub) PublishParticles(raw bool, now func() time.Time, onErr func(error)) func([]*particle.Particle) {
	if now == nil {
		now = time.Now
	}
	return func(ps []*particle.Particle) {
		for _, p := range ps {
			env, err := NewEnvelope(p, raw, now())
			if err != nil {
				if onErr != nil {
					onErr(err)
				}
				continue
			}
			if !h.Publish(env) {
				if onErr != nil {
					onErr(ErrStopped)
				}
				return
			}
		}
	}
}
