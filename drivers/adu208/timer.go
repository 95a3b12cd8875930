package adu208

import "time"

// passiveTimer holds a single deadline and is only ever polled, never fired.
type passiveTimer struct {
	interval time.Duration
	deadline time.Time
	now      func() time.Time
}

func newPassiveTimer(interval time.Duration, now func() time.Time) *passiveTimer {
	pt := &passiveTimer{interval: interval, now: now}
	pt.forceExpire()
	return pt
}

func (pt *passiveTimer) expired() bool {
	return !pt.now().Before(pt.deadline)
}

func (pt *passiveTimer) restart() {
	pt.deadline = pt.now().Add(pt.interval)
}

func (pt *passiveTimer) forceExpire() {
	pt.deadline = pt.now()
}

func (pt *passiveTimer) remaining() time.Duration {
	left := pt.deadline.Sub(pt.now())
	if left < 0 {
		return 0
	}
	return left
}
