package insure

import "time"

// secondGate admits at most one caller per wall-clock second, measured
// on the monotonic clock. The baseline is set at construction, so the
// first TryEnter after construction does not fire; the gate opens only
// when the integer second rolls over past the baseline.
type secondGate struct {
	start    time.Time
	lastFire int64
}

func newSecondGate() *secondGate {
	return &secondGate{start: time.Now()}
}

// TryEnter reports whether the per-second interval has elapsed since
// the last admission, and if so records the admission.
func (g *secondGate) TryEnter() bool {
	now := int64(time.Since(g.start) / time.Second)
	if now <= g.lastFire {
		return false
	}
	g.lastFire = now
	return true
}
