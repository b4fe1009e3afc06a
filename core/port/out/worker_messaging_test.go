package out

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAddJobOptions_Normalize(t *testing.T) {
	t.Run("nil options get defaults", func(t *testing.T) {
		n := (*AddJobOptions)(nil).Normalize()
		assert.Equal(t, DefaultJobAttempts, n.Attempts)
		assert.Equal(t, BackoffExponential, n.Backoff.Type)
		assert.Equal(t, DefaultBackoffBase, n.Backoff.Delay)
		assert.Zero(t, n.Priority)
	})

	t.Run("negative priority is kept", func(t *testing.T) {
		n := (&AddJobOptions{Priority: -7}).Normalize()
		assert.Equal(t, -7, n.Priority)
	})

	t.Run("negative delay runs now", func(t *testing.T) {
		n := (&AddJobOptions{Delay: -time.Second}).Normalize()
		assert.Zero(t, n.Delay)
	})
}

func TestBackoffOptions_DelayFor(t *testing.T) {
	exp := BackoffOptions{Type: BackoffExponential, Delay: time.Second}
	assert.Equal(t, time.Second, exp.DelayFor(1))
	assert.Equal(t, 2*time.Second, exp.DelayFor(2))
	assert.Equal(t, 4*time.Second, exp.DelayFor(3))
	assert.Equal(t, time.Hour, exp.DelayFor(30))

	fixed := BackoffOptions{Type: BackoffFixed, Delay: time.Second}
	assert.Equal(t, time.Second, fixed.DelayFor(5))
	assert.Zero(t, BackoffOptions{}.DelayFor(3))
}
