// Package ntp converts between wall-clock time and NTP time, the seconds-since-1900
// representation stamped on every particle.
package ntp

import (
	"math"
	"time"
)

// EpochOffset is the number of seconds between 1900-01-01 and 1970-01-01.
const EpochOffset = 2208988800

// Now returns the current time as NTP seconds.
func Now() float64 {
	return FromTime(time.Now())
}

// FromUnix converts unix seconds to NTP seconds.
func FromUnix(sec float64) float64 {
	return sec + EpochOffset
}

// ToUnix converts NTP seconds to unix seconds.
func ToUnix(ts float64) float64 {
	return ts - EpochOffset
}

func FromTime(t time.Time) float64 {
	return FromUnix(float64(t.UnixNano()) / 1e9)
}

func ToTime(ts float64) time.Time {
	sec, frac := math.Modf(ToUnix(ts))
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

// Pack encodes NTP seconds in the 32.32 fixed-point wire form.
func Pack(ts float64) uint64 {
	if ts <= 0 {
		return 0
	}
	sec, frac := math.Modf(ts)
	return uint64(sec)<<32 | uint64(frac*(1<<32))
}

// Unpack decodes a 32.32 fixed-point value into NTP seconds.
func Unpack(v uint64) float64 {
	return float64(v>>32) + float64(v&0xFFFFFFFF)/(1<<32)
}
