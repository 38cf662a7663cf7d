package ntp

import (
	"math"
	"testing"
	"time"
)

func TestFromUnixEpoch(t *testing.T) {
	if got := FromUnix(0); got != EpochOffset {
		t.Fatalf("unexpected ntp epoch: %v", got)
	}
	if got := ToUnix(FromUnix(1380549745)); got != 1380549745 {
		t.Fatalf("round trip mismatch: %v", got)
	}
}

func TestFromTime(t *testing.T) {
	ts := time.Date(2013, 9, 30, 14, 2, 25, 500_000_000, time.UTC)
	got := FromTime(ts)
	want := float64(ts.Unix()) + 0.5 + EpochOffset
	if math.Abs(got-want) > 1e-6 {
		t.Fatalf("unexpected ntp time: got %v want %v", got, want)
	}
	back := ToTime(got)
	if d := back.Sub(ts); d > time.Microsecond || d < -time.Microsecond {
		t.Fatalf("unexpected round trip: %v", back)
	}
}

func TestNowIsAfter1900(t *testing.T) {
	now := Now()
	if now < EpochOffset {
		t.Fatalf("ntp now before unix epoch: %v", now)
	}
}

func TestPackUnpack(t *testing.T) {
	ts := FromUnix(1380549745.25)
	packed := Pack(ts)
	if packed>>32 != uint64(ts) {
		t.Fatalf("unexpected seconds field: %d", packed>>32)
	}
	if packed&0xFFFFFFFF != 1<<30 {
		t.Fatalf("unexpected fraction field: 0x%x", packed&0xFFFFFFFF)
	}
	if got := Unpack(packed); got != ts {
		t.Fatalf("unpack mismatch: got %v want %v", got, ts)
	}
	if Pack(-1) != 0 {
		t.Fatalf("expected negative time to pack as zero")
	}
}
