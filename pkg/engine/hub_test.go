package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"seasieve/pkg/engine"
	"seasieve/pkg/particle"
)

func TestHubDoesNotBlockOnSlowConsumer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var dropped []string
	hub := engine.NewHub(
		engine.WithBroadcastBuffer(1),
		engine.WithClientBuffer(1),
		engine.WithDropHandler(func(subscriber, _ string) { dropped = append(dropped, subscriber) }),
	)
	go hub.Run(ctx)

	fast := hub.Subscribe(engine.Buffer(128))
	slow := hub.Subscribe(engine.Named("viewer"), engine.Buffer(1))

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			hub.Publish(engine.Envelope{Stream: fmt.Sprintf("s%d", i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatalf("publish blocked on slow consumer")
	}

	received := 0
	timeout := time.After(1 * time.Second)
	for received < 50 {
		select {
		case <-fast.C:
			received++
		case <-timeout:
			t.Fatalf("fast consumer timeout after %d envelopes", received)
		}
	}

	count := 0
	for {
		select {
		case <-slow.C:
			count++
		default:
			if count > 1 {
				t.Fatalf("slow consumer received %d envelopes, expected at most 1", count)
			}
			if got := slow.Dropped(); got != uint64(50-count) {
				t.Fatalf("expected %d drops, got %d", 50-count, got)
			}
			if fast.Dropped() != 0 {
				t.Fatalf("fast consumer dropped %d envelopes", fast.Dropped())
			}
			cancel()
			<-fast.C
			if len(dropped) != 50-count || dropped[0] != "viewer" {
				t.Fatalf("unexpected drop reports: %v", dropped)
			}
			return
		}
	}
}

func TestLosslessSubscriberReceivesEverything(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := engine.NewHub(engine.WithBroadcastBuffer(1))
	go hub.Run(ctx)
	sink := hub.Subscribe(engine.Lossless(), engine.Buffer(1))

	const total = 200
	go func() {
		for i := 0; i < total; i++ {
			hub.Publish(engine.Envelope{Stream: "ctd", Body: []byte(fmt.Sprint(i))})
		}
	}()

	for i := 0; i < total; i++ {
		select {
		case env := <-sink.C:
			if string(env.Body) != fmt.Sprint(i) {
				t.Fatalf("envelope %d out of order: %s", i, env.Body)
			}
			// Let the publisher run ahead of the sink.
			if i%50 == 0 {
				time.Sleep(10 * time.Millisecond)
			}
		case <-time.After(time.Second):
			t.Fatalf("lossless sink stalled after %d envelopes", i)
		}
	}
	if sink.Dropped() != 0 {
		t.Fatalf("lossless sink dropped %d envelopes", sink.Dropped())
	}
}

func TestStreamFilter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := engine.NewHub()
	go hub.Run(ctx)
	meta := hub.Subscribe(engine.Streams("ctdpf_ckl_wfp_metadata"))
	all := hub.Subscribe()

	hub.Publish(engine.Envelope{Stream: "ctdpf_ckl_wfp_instrument"})
	hub.Publish(engine.Envelope{Stream: "ctdpf_ckl_wfp_metadata"})

	for i := 0; i < 2; i++ {
		select {
		case <-all.C:
		case <-time.After(time.Second):
			t.Fatalf("unfiltered subscriber missed envelope %d", i)
		}
	}
	select {
	case env := <-meta.C:
		if env.Stream != "ctdpf_ckl_wfp_metadata" {
			t.Fatalf("filter let through %q", env.Stream)
		}
	case <-time.After(time.Second):
		t.Fatalf("filtered subscriber missed its stream")
	}
	select {
	case env := <-meta.C:
		t.Fatalf("unexpected envelope %q", env.Stream)
	default:
	}
}

func TestStoppedHubRejectsWork(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := engine.NewHub()
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	sub := hub.Subscribe()
	cancel()
	<-stopped

	if _, ok := <-sub.C; ok {
		t.Fatalf("subscription should be closed")
	}
	late := hub.Subscribe()
	if _, ok := <-late.C; ok {
		t.Fatalf("late subscription should be closed")
	}
	hub.Unsubscribe(sub)

	var reported error
	publish := hub.PublishParticles(false, nil, func(err error) { reported = err })
	p := particle.New("ctd-1", nil, particle.WithPortTimestamp(3604305600), particle.WithDecoder(particle.StaticDecoder{Stream: "ctd"}))
	publish([]*particle.Particle{p})
	if !errors.Is(reported, engine.ErrStopped) {
		t.Fatalf("expected stopped error, got %v", reported)
	}
}

func TestPublishParticlesWrapsEachParticle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := engine.NewHub()
	go hub.Run(ctx)
	sub := hub.Subscribe()

	at := time.Date(2014, 3, 20, 12, 0, 0, 0, time.UTC)
	ts := 3604305600.0
	mk := func(v float64) *particle.Particle {
		return particle.New("ctd-1", []byte{0x01},
			particle.WithPortTimestamp(ts),
			particle.WithDecoder(particle.StaticDecoder{
				Stream: "ctd_parsed",
				Values: []particle.Value{{ID: "temperature", Value: v}},
			}),
		)
	}
	publish := hub.PublishParticles(false, func() time.Time { return at }, func(err error) {
		t.Errorf("unexpected error: %v", err)
	})
	publish([]*particle.Particle{mk(1.5), mk(2.5)})

	for i, want := range []float64{1.5, 2.5} {
		select {
		case env := <-sub.C:
			if env.Stream != "ctd_parsed" || !env.Received.Equal(at) {
				t.Fatalf("unexpected envelope %d: %+v", i, env)
			}
			var rec struct {
				Values []struct {
					Value float64 `json:"value"`
				} `json:"values"`
			}
			if err := json.Unmarshal(env.Body, &rec); err != nil {
				t.Fatalf("body is not json: %v", err)
			}
			if len(rec.Values) != 1 || rec.Values[0].Value != want {
				t.Fatalf("unexpected values: %+v", rec.Values)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for envelope %d", i)
		}
	}
}

func TestNewEnvelopeRaw(t *testing.T) {
	p := particle.New("ctd-1", []byte("hi"), particle.WithPortTimestamp(3604305600))
	env, err := engine.NewEnvelope(p, true, time.Time{})
	if err != nil {
		t.Fatalf("raw envelope: %v", err)
	}
	if env.Stream != particle.RawStream {
		t.Fatalf("unexpected stream %q", env.Stream)
	}

	if _, err := engine.NewEnvelope(p, false, time.Time{}); err == nil {
		t.Fatalf("expected error for particle without decoder")
	}
}
