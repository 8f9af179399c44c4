package session

import (
	"context"
	"time"

	"github.com/chromedp/chromedp"
)

// executor dispatches CDP work for a session. The interaction primitives go
// through this seam so they can be exercised against a scripted
// implementation without a browser.
type executor interface {
	run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error
	evaluate(ctx context.Context, timeout time.Duration, expr string, out any) error
}

// cdpExecutor runs actions against the live tab context under a
// per-operation timeout, disambiguating caller cancellation from tab
// failure.
type cdpExecutor struct {
	tab context.Context
}

var _ executor = (*cdpExecutor)(nil)

func (e *cdpExecutor) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	opCtx, cancel := context.WithTimeout(e.tab, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- chromedp.Run(opCtx, actions...)
	}()

	select {
	case <-ctx.Done():
		cancel()
		<-done
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func (e *cdpExecutor) evaluate(ctx context.Context, timeout time.Duration, expr string, out any) error {
	return e.run(ctx, timeout, chromedp.Evaluate(expr, out))
}
