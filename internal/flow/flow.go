// Package flow classifies which branch the identity provider's sign-up
// surface has taken for a given email after the first navigation step.
package flow

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Kind is a terminal classification of the provider's UI state.
type Kind string

const (
	// Registration means the email is new and a profile form is shown.
	Registration Kind = "registration"
	// Login means the email is already registered.
	Login Kind = "login"
	// DirectVerify is a login subtype where the password step is skipped
	// and a verification-code field appears immediately.
	DirectVerify Kind = "direct-verify"
)

// IsLogin reports whether the classification takes the login branch of the
// orchestrator. DirectVerify is a login subtype.
func (k Kind) IsLogin() bool {
	return k == Login || k == DirectVerify
}

// Surface is the minimal page-probing capability the classifier needs.
// Implemented by the browser session; faked in tests.
type Surface interface {
	IsVisible(ctx context.Context, selector string, within time.Duration) bool
}

// Detector probes for one signal that identifies a flow branch.
type Detector interface {
	Name() string
	Kind() Kind
	Probe(ctx context.Context, s Surface, within time.Duration) bool
}

// selectorDetector classifies by the visibility of a selector group.
type selectorDetector struct {
	name     string
	kind     Kind
	selector string
}

func (d *selectorDetector) Name() string { return d.name }
func (d *selectorDetector) Kind() Kind   { return d.kind }

func (d *selectorDetector) Probe(ctx context.Context, s Surface, within time.Duration) bool {
	return s.IsVisible(ctx, d.selector, within)
}

// DefaultDetectors covers the three branches. The name-field selector carries
// locale-specific placeholder variants because the provider localizes the
// registration form.
func DefaultDetectors() []Detector {
	return []Detector{
		&selectorDetector{
			name: "name-field",
			kind: Registration,
			selector: `input[placeholder*="name" i], input[placeholder*="姓名"], ` +
				`input[placeholder*="nombre" i], input[name="fullname"], input[name="displayName"]`,
		},
		&selectorDetector{
			name: "login-heading",
			kind: Login,
			selector: `h1[data-testid="login-heading"], h1.sign-in-title, ` +
				`[data-testid="signin-header"]`,
		},
		&selectorDetector{
			name:     "login-password-field",
			kind:     Login,
			selector: `input[type="password"][autocomplete="current-password"], form.login input[type="password"]`,
		},
		&selectorDetector{
			name:     "code-field",
			kind:     DirectVerify,
			selector: `input[autocomplete="one-time-code"], input[name="verificationCode"], input[placeholder*="code" i]`,
		},
	}
}

// Classifier runs the two-phase detector algorithm.
type Classifier struct {
	detectors []Detector
	// Fallback is returned when no detector resolves in either phase.
	// A policy choice, not a guarantee; the fallback path logs loudly.
	Fallback Kind
	logger   *zap.Logger
}

// NewClassifier builds a classifier over the given detectors. Nil detectors
// means DefaultDetectors; empty fallback means Registration.
func NewClassifier(detectors []Detector, fallback Kind, logger *zap.Logger) *Classifier {
	if detectors == nil {
		detectors = DefaultDetectors()
	}
	if fallback == "" {
		fallback = Registration
	}
	return &Classifier{
		detectors: detectors,
		Fallback:  fallback,
		logger:    logger.Named("flow"),
	}
}

// Classify races all detectors with a shared timeout; the first visible
// signal wins. If none resolve, a sequential probe of the same selectors runs
// with a short per-detector window before the fallback policy applies.
func (c *Classifier) Classify(ctx context.Context, s Surface, timeout time.Duration) Kind {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	if kind, ok := c.race(ctx, s, timeout); ok {
		return kind
	}

	c.logger.Debug("Detector race resolved nothing, probing sequentially.")
	for _, d := range c.detectors {
		if ctx.Err() != nil {
			break
		}
		if d.Probe(ctx, s, 3*time.Second) {
			c.logger.Info("Flow classified by sequential probe.",
				zap.String("detector", d.Name()), zap.String("kind", string(d.Kind())))
			return d.Kind()
		}
	}

	c.logger.Warn("No flow signal detected, applying fallback policy.",
		zap.String("fallback", string(c.Fallback)))
	return c.Fallback
}

// race runs every detector concurrently; the first positive probe cancels the
// rest.
func (c *Classifier) race(ctx context.Context, s Surface, timeout time.Duration) (Kind, bool) {
	raceCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	winner := make(chan Detector, len(c.detectors))
	g, gctx := errgroup.WithContext(raceCtx)
	for _, d := range c.detectors {
		d := d
		g.Go(func() error {
			if d.Probe(gctx, s, timeout) {
				winner <- d
				cancel()
			}
			return nil
		})
	}
	g.Wait()
	close(winner)

	if d, ok := <-winner; ok {
		c.logger.Info("Flow classified.",
			zap.String("detector", d.Name()), zap.String("kind", string(d.Kind())))
		return d.Kind(), true
	}
	return "", false
}
