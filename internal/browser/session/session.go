// Package session wraps a chromedp browser context with the resilient
// interaction primitives the provisioning engine needs: humanized fill and
// click, error-popup-aware retries, best-effort stabilization waits, session
// state isolation, and cookie harvesting.
//
// Each provisioning task owns exactly one Session for its lifetime; sessions
// are never shared across tasks.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/nyxra/enroller/internal/config"
	"github.com/nyxra/enroller/internal/fingerprint"
	"github.com/nyxra/enroller/internal/humanoid"
)

// clearStateScript runs before every document in the session so no residue
// from a previous run can leak into this one.
const clearStateScript = `
(() => {
	try { localStorage.clear(); } catch (e) {}
	try { sessionStorage.clear(); } catch (e) {}
	try {
		if (indexedDB && indexedDB.databases) {
			indexedDB.databases().then(dbs => dbs.forEach(db => indexedDB.deleteDatabase(db.name)));
		}
	} catch (e) {}
	try {
		if (window.caches && caches.keys) {
			caches.keys().then(keys => keys.forEach(k => caches.delete(k)));
		}
	} catch (e) {}
	try {
		if (navigator.serviceWorker && navigator.serviceWorker.getRegistrations) {
			navigator.serviceWorker.getRegistrations().then(rs => rs.forEach(r => r.unregister()));
		}
	} catch (e) {}
})();
`

// Session owns one automated browser tab and its simulated pointer.
type Session struct {
	cancel context.CancelFunc
	// allocCancel tears down the exec allocator after the tab context.
	allocCancel context.CancelFunc
	exec        executor

	cfg    config.BrowserConfig
	fp     fingerprint.Fingerprint
	mover  *humanoid.Mover
	logger *zap.Logger
}

// New launches a browser, applies the fingerprint, and arms the pre-document
// state-clearing script. The caller must Close the session; on failure paths
// Close is still required unless cfg.KeepOpenOnFailure asked for a live
// session for diagnostics.
func New(parent context.Context, cfg config.BrowserConfig, hcfg config.HumanoidConfig, fp fingerprint.Fingerprint, logger *zap.Logger) (*Session, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.UserAgent(fp.UserAgent),
		chromedp.WindowSize(fp.Viewport.Width, fp.Viewport.Height),
	)
	if cfg.IgnoreTLSErrors {
		opts = append(opts, chromedp.Flag("ignore-certificate-errors", true))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(parent, opts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	s := &Session{
		cancel:      tabCancel,
		allocCancel: allocCancel,
		exec:        &cdpExecutor{tab: tabCtx},
		cfg:         cfg,
		fp:          fp,
		logger:      logger.Named("session"),
	}

	if hcfg.Enabled {
		s.mover = humanoid.New(humanoid.Config{
			KeyDelayMin:    time.Duration(hcfg.KeyDelayMinMs) * time.Millisecond,
			KeyDelayMax:    time.Duration(hcfg.KeyDelayMaxMs) * time.Millisecond,
			ThinkPauseProb: hcfg.ThinkPauseProb,
			IdleProb:       hcfg.IdleProb,
		}, logger)
	}

	setup := chromedp.Tasks{
		network.Enable(),
		fingerprint.Apply(fp),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(clearStateScript).Do(ctx)
			return err
		}),
	}
	if err := chromedp.Run(tabCtx, setup); err != nil {
		tabCancel()
		allocCancel()
		return nil, fmt.Errorf("session setup failed: %w", err)
	}

	s.logger.Debug("Session launched.",
		zap.String("userAgent", fp.UserAgent),
		zap.String("platform", fp.Platform))
	return s, nil
}

// ClearSessionState wipes cookies, cache, and origin storage so the next
// navigation starts from a pristine identity.
func (s *Session) ClearSessionState(ctx context.Context) error {
	return s.run(ctx, 15*time.Second, chromedp.Tasks{
		network.ClearBrowserCookies(),
		network.ClearBrowserCache(),
		chromedp.ActionFunc(func(c context.Context) error {
			return storage.ClearDataForOrigin("*", "all").Do(c)
		}),
	})
}

// Navigate loads url and then waits for the page to stabilize.
func (s *Session) Navigate(ctx context.Context, url string) error {
	s.logger.Info("Navigating.", zap.String("url", url))

	navTimeout := s.cfg.NavigationTimeout
	if navTimeout <= 0 {
		navTimeout = 90 * time.Second
	}
	if err := s.run(ctx, navTimeout, chromedp.Navigate(url)); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("navigation canceled: %w", err)
		}
		return fmt.Errorf("navigation to %s failed: %w", url, err)
	}

	s.WaitForStable(ctx, "post-navigation")
	return nil
}

// WaitForStable waits for document readiness, then for the network to go
// quiet, then a settle delay. Each stage is best-effort: failures are
// logged, never propagated; an unstable page is retried by whatever
// interaction comes next.
func (s *Session) WaitForStable(ctx context.Context, description string) {
	settle := s.cfg.SettleDelay
	if settle <= 0 {
		settle = 1500 * time.Millisecond
	}

	var ready bool
	if err := s.run(ctx, 30*time.Second,
		chromedp.Poll(`document.readyState === "complete"`, &ready,
			chromedp.WithPollingTimeout(25*time.Second))); err != nil {
		s.logger.Debug("Stabilization wait incomplete.",
			zap.String("phase", description), zap.Error(err))
	}

	if err := s.run(ctx, 15*time.Second, networkIdle(networkQuietWindow)); err != nil {
		s.logger.Debug("Network still active past the idle budget.",
			zap.String("phase", description), zap.Error(err))
	}

	if err := s.run(ctx, settle+5*time.Second, chromedp.Sleep(settle)); err != nil {
		s.logger.Debug("Settle delay interrupted.",
			zap.String("phase", description), zap.Error(err))
	}
}

// IsVisible reports whether a matching element becomes visible within the
// given window. It never returns an error; a check that cannot resolve is a
// negative signal.
func (s *Session) IsVisible(ctx context.Context, selector string, within time.Duration) bool {
	if within <= 0 {
		within = s.visibilityTimeout()
	}
	err := s.run(ctx, within, chromedp.WaitVisible(selector, chromedp.ByQuery))
	return err == nil
}

// Value reads the current value property of the first matching element.
func (s *Session) Value(ctx context.Context, selector string) (string, error) {
	var value string
	err := s.run(ctx, 10*time.Second,
		chromedp.Value(selector, &value, chromedp.ByQuery))
	if err != nil {
		return "", fmt.Errorf("reading value of '%s': %w", selector, err)
	}
	return value, nil
}

// Evaluate runs a JavaScript expression and decodes the result into out.
func (s *Session) Evaluate(ctx context.Context, expression string, out any) error {
	return s.exec.evaluate(ctx, 15*time.Second, expression, out)
}

// RandomIdle performs a low-probability cosmetic pointer wander and scroll.
// Never required for correctness.
func (s *Session) RandomIdle(ctx context.Context) {
	if s.mover == nil {
		return
	}
	err := s.run(ctx, 10*time.Second, chromedp.ActionFunc(func(c context.Context) error {
		return s.mover.Wander(c, float64(s.fp.Viewport.Width), float64(s.fp.Viewport.Height))
	}))
	if err != nil {
		s.logger.Debug("Idle interaction aborted.", zap.Error(err))
	}
}

// HarvestCookie polls the cookie jar until the named cookie appears or the
// deadline passes. Deadline-based rather than attempt-counted.
func (s *Session) HarvestCookie(ctx context.Context, name string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	deadline := time.Now().Add(timeout)

	for {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		var value string
		var found bool
		err := s.run(ctx, 10*time.Second, chromedp.ActionFunc(func(c context.Context) error {
			cookies, err := storage.GetCookies().Do(c)
			if err != nil {
				return err
			}
			for _, ck := range cookies {
				if ck.Name == name {
					value = ck.Value
					found = true
					return nil
				}
			}
			return nil
		}))
		if err != nil {
			s.logger.Debug("Cookie poll failed.", zap.Error(err))
		}
		if found {
			return value, nil
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("cookie '%s' not present after %s", name, timeout)
		}
		if err := sleepCtx(ctx, 2*time.Second); err != nil {
			return "", err
		}
	}
}

// Close tears the session down. Honors KeepOpenOnFailure only when the
// caller passes keepOpen explicitly.
func (s *Session) Close(keepOpen bool) {
	if keepOpen {
		s.logger.Warn("Leaving browser session open for diagnostics.")
		return
	}
	s.cancel()
	s.allocCancel()
	s.logger.Debug("Session closed.")
}

// run executes chromedp actions against the session tab under an operation
// timeout derived from the caller's context.
func (s *Session) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	return s.exec.run(ctx, timeout, actions...)
}

func (s *Session) visibilityTimeout() time.Duration {
	if s.cfg.VisibilityTimeout > 0 {
		return s.cfg.VisibilityTimeout
	}
	return 30 * time.Second
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
