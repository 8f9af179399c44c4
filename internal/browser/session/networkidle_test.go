package session

import (
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
)

func idleFired(tr *idleTracker, within time.Duration) bool {
	select {
	case <-tr.idle:
		return true
	case <-time.After(within):
		return false
	}
}

func TestIdleTrackerSignalsQuietPage(t *testing.T) {
	tr := newIdleTracker(20 * time.Millisecond)
	defer tr.stop()

	assert.True(t, idleFired(tr, time.Second), "a page with no traffic is idle after one quiet window")
}

func TestIdleTrackerWaitsForInflightRequest(t *testing.T) {
	tr := newIdleTracker(30 * time.Millisecond)
	defer tr.stop()

	tr.handle(&network.EventRequestWillBeSent{RequestID: "r1"})
	assert.False(t, idleFired(tr, 100*time.Millisecond), "an in-flight request holds the page busy")

	tr.handle(&network.EventLoadingFinished{RequestID: "r1"})
	assert.True(t, idleFired(tr, time.Second), "idle fires one quiet window after the last response")
}

func TestIdleTrackerCountsFailedLoadsAsSettled(t *testing.T) {
	tr := newIdleTracker(20 * time.Millisecond)
	defer tr.stop()

	tr.handle(&network.EventRequestWillBeSent{RequestID: "r1"})
	tr.handle(&network.EventLoadingFailed{RequestID: "r1"})

	assert.True(t, idleFired(tr, time.Second))
}

func TestIdleTrackerRequiresEveryRequestToSettle(t *testing.T) {
	tr := newIdleTracker(30 * time.Millisecond)
	defer tr.stop()

	tr.handle(&network.EventRequestWillBeSent{RequestID: "r1"})
	tr.handle(&network.EventRequestWillBeSent{RequestID: "r2"})
	tr.handle(&network.EventLoadingFinished{RequestID: "r1"})
	assert.False(t, idleFired(tr, 100*time.Millisecond), "one settled request is not enough")

	tr.handle(&network.EventLoadingFinished{RequestID: "r2"})
	assert.True(t, idleFired(tr, time.Second))
}
