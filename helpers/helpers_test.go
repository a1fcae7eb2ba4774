package helpers

import (
	"fmt"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/temoto/alive/v2"
)

func TestFoldErrors(t *testing.T) {
	t.Parallel()

	assert.NoError(t, FoldErrors(nil))
	assert.NoError(t, FoldErrors([]error{nil, nil}))

	single := fmt.Errorf("single 100%% issue")
	assert.Equal(t, single, FoldErrors([]error{nil, single}))

	folded := FoldErrors([]error{fmt.Errorf("first"), nil, errors.NotValidf("second")})
	assert.EqualError(t, folded, "first\nsecond not valid")
}

func TestIntervalPerHour(t *testing.T) {
	t.Parallel()

	assert.Equal(t, time.Minute, IntervalPerHour(60))
	assert.Equal(t, 5*time.Minute, IntervalPerHour(12))
	assert.Equal(t, time.Second, IntervalPerHour(3600))
	assert.Equal(t, time.Duration(0), IntervalPerHour(0))
	assert.Equal(t, 20*time.Second, IntSecondDefault(0, 20*time.Second))
	assert.Equal(t, 3*time.Second, IntSecondDefault(3, 20*time.Second))
}

func TestAliveSleep(t *testing.T) {
	t.Parallel()

	a := alive.NewAlive()
	assert.True(t, AliveSleep(a, time.Millisecond))
	go func() {
		time.Sleep(10 * time.Millisecond)
		a.Stop()
	}()
	begin := time.Now()
	assert.False(t, AliveSleep(a, time.Minute))
	assert.True(t, time.Since(begin) < time.Second)
}
