package pacemaker

import (
	"time"

	"github.com/relab/hotstuff2"
)

// RealClock implements hotstuff2.Clock over the standard library's wall
// clock and timers.
type RealClock struct{}

// Now returns the current time as unix nanoseconds.
func (RealClock) Now() int64 { return time.Now().UnixNano() }

// AfterFunc schedules f to run after d nanoseconds.
func (RealClock) AfterFunc(d int64, f func()) hotstuff2.Timer {
	return realTimer{t: time.AfterFunc(time.Duration(d), f)}
}

type realTimer struct {
	t *time.Timer
}

func (r realTimer) Stop() bool         { return r.t.Stop() }
func (r realTimer) Reset(d int64) bool { return r.t.Reset(time.Duration(d)) }
