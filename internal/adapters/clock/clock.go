package clock

import "time"

// Clock reads the wall clock.
type Clock struct{}

// NowUnix returns current unix seconds.
func (Clock) NowUnix() int64 {
	return time.Now().Unix()
}

// Fixed reports the same instant on every call.
type Fixed int64

// NowUnix returns the fixed instant.
func (f Fixed) NowUnix() int64 {
	return int64(f)
}
