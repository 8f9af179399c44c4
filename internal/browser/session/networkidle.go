package session

import (
	"context"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// networkQuietWindow is how long the wire must stay silent before the page
// counts as network-idle.
const networkQuietWindow = 500 * time.Millisecond

// idleTracker follows network lifecycle events and signals once no request
// has been in flight for a full quiet window. An already idle page signals
// after one window with no events at all.
type idleTracker struct {
	quiet time.Duration
	idle  chan struct{}

	mu       sync.Mutex
	inflight map[network.RequestID]struct{}
	timer    *time.Timer
}

func newIdleTracker(quiet time.Duration) *idleTracker {
	t := &idleTracker{
		quiet:    quiet,
		idle:     make(chan struct{}, 1),
		inflight: make(map[network.RequestID]struct{}),
	}
	t.timer = time.AfterFunc(quiet, t.fire)
	return t
}

func (t *idleTracker) fire() {
	select {
	case t.idle <- struct{}{}:
	default:
	}
}

func (t *idleTracker) handle(ev interface{}) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		t.mu.Lock()
		t.inflight[e.RequestID] = struct{}{}
		t.timer.Stop()
		t.mu.Unlock()
	case *network.EventLoadingFinished:
		t.finish(e.RequestID)
	case *network.EventLoadingFailed:
		t.finish(e.RequestID)
	}
}

func (t *idleTracker) finish(id network.RequestID) {
	t.mu.Lock()
	delete(t.inflight, id)
	if len(t.inflight) == 0 {
		t.timer.Reset(t.quiet)
	}
	t.mu.Unlock()
}

func (t *idleTracker) stop() {
	t.timer.Stop()
}

// networkIdle blocks until the tab has gone a full quiet window without a
// request in flight, or the operation context expires.
func networkIdle(quiet time.Duration) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		tracker := newIdleTracker(quiet)
		defer tracker.stop()

		listenCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		chromedp.ListenTarget(listenCtx, tracker.handle)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tracker.idle:
			return nil
		}
	})
}
