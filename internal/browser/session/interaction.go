package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/nyxra/enroller/internal/humanoid"
)

// FillOpts tunes FillHumanized. Zero values mean: type character-by-character,
// no retries, default visibility timeout.
type FillOpts struct {
	// Paste inserts the value in one operation instead of typing it.
	Paste bool
	// Retries bounds how many times the whole sequence is re-attempted.
	Retries int
	// Timeout caps the visibility wait per attempt.
	Timeout time.Duration
}

// ClickOpts tunes ClickWithRecovery.
type ClickOpts struct {
	// Retries bounds re-clicks after an error banner is detected.
	Retries int
	// RetryDelay is the fixed wait between re-click attempts.
	RetryDelay time.Duration
	// ErrorBanner is the selector checked after each click. Empty uses the
	// default banner pattern.
	ErrorBanner string
	// Timeout caps the visibility wait.
	Timeout time.Duration
}

// Element describes one visible form field, as enumerated by VisibleFields.
type Element struct {
	Text        string `json:"text"`
	Placeholder string `json:"placeholder"`
	Name        string `json:"name"`
	Type        string `json:"type"`
}

const defaultErrorBanner = `[role="alert"], .error-banner, .error-message, .ant-message-error, .el-message--error`

// FillHumanized waits for the target to become visible, moves the pointer to
// it along a humanized path, clears it, and enters the value. The entire
// sequence retries up to opts.Retries on any failure before surfacing an
// error.
func (s *Session) FillHumanized(ctx context.Context, selector, value string, opts FillOpts) error {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = s.visibilityTimeout()
	}

	var lastErr error
	for attempt := 0; attempt <= opts.Retries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt > 0 {
			s.logger.Debug("Retrying field fill.",
				zap.String("selector", selector), zap.Int("attempt", attempt))
			if err := sleepCtx(ctx, 500*time.Millisecond); err != nil {
				return err
			}
		}

		lastErr = s.fillOnce(ctx, selector, value, opts, timeout)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return lastErr
		}
	}
	return fmt.Errorf("filling '%s' failed after %d attempts: %w", selector, opts.Retries+1, lastErr)
}

func (s *Session) fillOnce(ctx context.Context, selector, value string, opts FillOpts, timeout time.Duration) error {
	return s.run(ctx, timeout+30*time.Second, chromedp.Tasks{
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.ActionFunc(func(c context.Context) error {
			if err := s.pointTo(c, selector); err != nil {
				return err
			}
			return nil
		}),
		chromedp.SetValue(selector, "", chromedp.ByQuery),
		chromedp.Focus(selector, chromedp.ByQuery),
		chromedp.ActionFunc(func(c context.Context) error {
			if opts.Paste || s.mover == nil {
				return input.InsertText(value).Do(c)
			}
			return s.mover.TypeText(c, value)
		}),
	})
}

// ClickWithRecovery waits for the control, clicks it with a humanized pointer
// move, and inspects the DOM for an error banner afterward. A visible banner
// triggers a bounded re-click with a fixed delay between attempts.
func (s *Session) ClickWithRecovery(ctx context.Context, selector string, opts ClickOpts) error {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = s.visibilityTimeout()
	}
	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 2 * time.Second
	}
	banner := opts.ErrorBanner
	if banner == "" {
		banner = defaultErrorBanner
	}

	if err := s.run(ctx, timeout, chromedp.WaitVisible(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("control '%s' never became visible: %w", selector, err)
	}

	for attempt := 0; attempt <= opts.Retries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt > 0 {
			s.logger.Debug("Error banner present, re-clicking.",
				zap.String("selector", selector), zap.Int("attempt", attempt))
			if err := sleepCtx(ctx, retryDelay); err != nil {
				return err
			}
		}

		if err := s.clickOnce(ctx, selector); err != nil {
			if ctx.Err() != nil {
				return err
			}
			continue
		}

		// Give the page a beat to render a rejection before checking.
		if err := sleepCtx(ctx, 750*time.Millisecond); err != nil {
			return err
		}
		if !s.bannerVisible(ctx, banner) {
			return nil
		}
	}
	return fmt.Errorf("clicking '%s' kept producing an error banner after %d attempts", selector, opts.Retries+1)
}

func (s *Session) clickOnce(ctx context.Context, selector string) error {
	return s.run(ctx, 30*time.Second, chromedp.ActionFunc(func(c context.Context) error {
		if err := s.pointTo(c, selector); err != nil {
			return err
		}
		if s.mover != nil {
			return s.mover.Click(c)
		}
		return chromedp.Click(selector, chromedp.ByQuery).Do(c)
	}))
}

// bannerVisible checks for a visible error banner without waiting.
func (s *Session) bannerVisible(ctx context.Context, selector string) bool {
	var visible bool
	expr := fmt.Sprintf(`(() => {
		const els = document.querySelectorAll(%q);
		for (const el of els) {
			const style = window.getComputedStyle(el);
			if (style.display !== "none" && style.visibility !== "hidden" && el.offsetParent !== null) {
				return true;
			}
		}
		return false;
	})()`, selector)
	if err := s.exec.evaluate(ctx, 5*time.Second, expr, &visible); err != nil {
		s.logger.Debug("Banner check failed.", zap.Error(err))
		return false
	}
	return visible
}

// pointTo moves the simulated pointer to the element's center. Without a
// mover (humanization disabled) it is a no-op; the subsequent chromedp action
// targets the element directly.
func (s *Session) pointTo(ctx context.Context, selector string) error {
	if s.mover == nil {
		return nil
	}

	var center struct {
		Found bool    `json:"found"`
		X     float64 `json:"x"`
		Y     float64 `json:"y"`
	}
	expr := fmt.Sprintf(`(() => {
		const el = document.querySelector(%q);
		if (!el) return {found: false, x: 0, y: 0};
		const r = el.getBoundingClientRect();
		return {found: true, x: r.x + r.width / 2, y: r.y + r.height / 2};
	})()`, selector)
	if err := chromedp.Evaluate(expr, &center).Do(ctx); err != nil {
		return err
	}
	if !center.Found {
		return fmt.Errorf("element '%s' not found for pointer move", selector)
	}
	return s.mover.MoveTo(ctx, humanoid.Vector2D{X: center.X, Y: center.Y})
}

// VisibleFields enumerates the currently visible input elements with the
// attributes the flow classifier and password pairing need.
func (s *Session) VisibleFields(ctx context.Context, selector string) ([]Element, error) {
	var fields []Element
	expr := fmt.Sprintf(`(() => {
		const out = [];
		for (const el of document.querySelectorAll(%q)) {
			const style = window.getComputedStyle(el);
			if (style.display === "none" || style.visibility === "hidden" || el.offsetParent === null) {
				continue;
			}
			out.push({
				text: (el.textContent || "").trim(),
				placeholder: el.getAttribute("placeholder") || "",
				name: el.getAttribute("name") || "",
				type: el.getAttribute("type") || "",
			});
		}
		return out;
	})()`, selector)
	if err := s.exec.evaluate(ctx, 10*time.Second, expr, &fields); err != nil {
		return nil, fmt.Errorf("enumerating '%s': %w", selector, err)
	}
	return fields, nil
}

// DismissDialog clicks the sole visible button on the page, or failing that
// the first visible button whose text matches one of the confirmation
// keywords. Best-effort; returns whether anything was clicked.
func (s *Session) DismissDialog(ctx context.Context, keywords []string) bool {
	buttons, err := s.VisibleFields(ctx, "button, [role=button]")
	if err != nil {
		s.logger.Debug("Dialog button enumeration failed.", zap.Error(err))
		return false
	}

	clickNth := func(n int) bool {
		expr := fmt.Sprintf(`(() => {
			const visible = [];
			for (const el of document.querySelectorAll("button, [role=button]")) {
				const style = window.getComputedStyle(el);
				if (style.display === "none" || style.visibility === "hidden" || el.offsetParent === null) {
					continue;
				}
				visible.push(el);
			}
			if (visible.length <= %d) return false;
			visible[%d].click();
			return true;
		})()`, n, n)
		var clicked bool
		if err := s.exec.evaluate(ctx, 10*time.Second, expr, &clicked); err != nil {
			s.logger.Debug("Dialog dismissal click failed.", zap.Error(err))
			return false
		}
		return clicked
	}

	if len(buttons) == 1 {
		return clickNth(0)
	}
	for i, b := range buttons {
		label := strings.ToLower(strings.TrimSpace(b.Text))
		for _, kw := range keywords {
			if label != "" && strings.Contains(label, strings.ToLower(kw)) {
				return clickNth(i)
			}
		}
	}
	return false
}
