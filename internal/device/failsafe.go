package device

import "time"

// Failsafe is the on-board watchdog timer. It is not safe for concurrent
// use; Transmitter serializes access.
//
// A trip latches. The latch survives resets until a status query has
// reported it, so the controller always observes that RF was cut.
type Failsafe struct {
	timeout  time.Duration
	fraction float64

	lastFeed time.Time
	tripped  bool
	reported bool
}

// NewFailsafe creates a timer that trips timeout after the last feed.
// fraction is the share of timeout remaining at which Warning turns on.
func NewFailsafe(timeout time.Duration, fraction float64, now time.Time) *Failsafe {
	return &Failsafe{timeout: timeout, fraction: fraction, lastFeed: now}
}

// Feed restarts the timer and clears a latch that has been reported. It
// returns true when the latch was cleared.
func (f *Failsafe) Feed(now time.Time) bool {
	f.lastFeed = now
	if f.tripped && f.reported {
		f.tripped = false
		f.reported = false
		return true
	}
	return false
}

// Arm restarts the timer without touching the latch. Called when RF is
// switched on so an old feed time cannot trip it at once.
func (f *Failsafe) Arm(now time.Time) {
	f.lastFeed = now
}

// Check trips the timer when active and starved. It returns true on the
// tick that trips.
func (f *Failsafe) Check(now time.Time, active bool) bool {
	if !active || f.tripped {
		return false
	}
	if now.Sub(f.lastFeed) >= f.timeout {
		f.tripped = true
		f.reported = false
		return true
	}
	return false
}

// Report marks the latch as seen by a status query and returns it.
func (f *Failsafe) Report() bool {
	if f.tripped {
		f.reported = true
	}
	return f.tripped
}

// Tripped reports the latch without marking it seen.
func (f *Failsafe) Tripped() bool {
	return f.tripped
}

// Remaining returns the time left before a trip: zero once tripped and
// the full timeout while inactive.
func (f *Failsafe) Remaining(now time.Time, active bool) time.Duration {
	if f.tripped {
		return 0
	}
	if !active {
		return f.timeout
	}
	left := f.timeout - now.Sub(f.lastFeed)
	if left < 0 {
		return 0
	}
	return left
}

// Warning reports whether an active timer is close to tripping.
func (f *Failsafe) Warning(now time.Time, active bool) bool {
	if !active || f.tripped {
		return false
	}
	return f.Remaining(now, active) <= time.Duration(float64(f.timeout)*f.fraction)
}
