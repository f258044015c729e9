package connection

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// DefaultRetryStep is the per-attempt increment of the linear reconnect delay.
const DefaultRetryStep = 5 * time.Second

// linearBackOff waits step*n after the n-th failed attempt.
type linearBackOff struct {
	step    time.Duration
	attempt int
}

var _ backoff.BackOff = (*linearBackOff)(nil)

func newLinearBackOff(step time.Duration) *linearBackOff {
	if step < 0 {
		step = 0
	}
	return &linearBackOff{step: step}
}

// NextBackOff implements backoff.BackOff.
func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return b.step * time.Duration(b.attempt)
}

// Reset implements backoff.BackOff.
func (b *linearBackOff) Reset() {
	b.attempt = 0
}
