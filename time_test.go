package swmcore

import (
	"testing"
	"time"

	"github.com/gookit/goutil/testutil/assert"
)

func TestAbsoluteNanoTracksWallClock(t *testing.T) {
	start := time.Now()
	startAbs := absoluteNano()
	time.Sleep(50 * time.Millisecond)
	elapsedWall := time.Since(start)
	elapsedAbs := time.Duration(absoluteNano() - startAbs)

	diff := elapsedWall - elapsedAbs
	if diff < 0 {
		diff = -diff
	}
	assert.True(t, diff < 20*time.Millisecond)
}

func TestAbsoluteToUTCRoundTrips(t *testing.T) {
	now := absoluteNano()
	got := absoluteToUTC(now)
	diff := time.Since(got)
	if diff < 0 {
		diff = -diff
	}
	assert.True(t, diff < time.Second)
}
