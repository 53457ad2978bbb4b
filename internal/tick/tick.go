package tick

import (
	"errors"
	"time"
)

var now = time.Now

// Duration is the length of a single tick.
const Duration = 500 * time.Millisecond

// ErrBeforeEpoch is returned when converting a time that precedes the unix epoch.
var ErrBeforeEpoch = errors.New("time is before the tick epoch")

// Tick is a base unit of time, starting from the unix epoch, split into
// half-second intervals.
type Tick uint64

// Clock yields the current tick. The driver reads time only through a Clock
// so tests can step it by hand.
type Clock interface {
	Now() Tick
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() Tick {
	return Now()
}

// Now returns the current tick
func Now() Tick {
	t, err := FromTime(now())
	if err != nil {
		return 0
	}
	return t
}

// FromTime converts a standard time.Time to the tick containing it.
func FromTime(t time.Time) (Tick, error) {
	ms := t.UnixMilli()
	if ms < 0 {
		return 0, ErrBeforeEpoch
	}
	return Tick(uint64(ms) / uint64(Duration.Milliseconds())), nil
}

// ToTime returns the instant at which the tick starts.
func (t Tick) ToTime() time.Time {
	return time.UnixMilli(int64(t) * Duration.Milliseconds()).UTC()
}

// Add returns t+n, saturating at the maximum tick.
func (t Tick) Add(n Tick) Tick {
	if t+n < t {
		return ^Tick(0)
	}
	return t + n
}

// Sub returns t-u, or zero when u is after t.
func (t Tick) Sub(u Tick) Tick {
	if u > t {
		return 0
	}
	return t - u
}

// Until reports the wall-clock duration from now until the tick starts.
// It is never negative.
func (t Tick) Until() time.Duration {
	d := t.ToTime().Sub(now())
	if d < 0 {
		return 0
	}
	return d
}

// Max returns the later of two ticks.
func Max(a, b Tick) Tick {
	if a > b {
		return a
	}
	return b
}
