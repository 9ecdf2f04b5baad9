package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponentialJitter(t *testing.T) {
	base := 100 * time.Millisecond
	max := 2 * time.Second

	for attempt := 1; attempt <= 10; attempt++ {
		d := ExponentialJitter(base, max, attempt)
		want := base << (attempt - 1)
		if want > max {
			want = max
		}
		lo := want - want/5
		hi := want + want/5
		assert.GreaterOrEqual(t, d, lo, "attempt %d", attempt)
		assert.LessOrEqual(t, d, hi, "attempt %d", attempt)
	}
}

func TestExponentialJitter_Edges(t *testing.T) {
	assert.Zero(t, ExponentialJitter(0, time.Second, 3))

	d := ExponentialJitter(time.Second, 10*time.Second, -4)
	assert.GreaterOrEqual(t, d, 800*time.Millisecond)
	assert.LessOrEqual(t, d, 1200*time.Millisecond)

	// tiny durations have no room for jitter
	assert.Equal(t, time.Duration(2), ExponentialJitter(2, time.Second, 1))
}
