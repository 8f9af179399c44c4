package flow

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

// fakeSurface reports a selector group visible when it carries one of the
// configured markers. Read-only after construction, so safe under the
// detector race.
type fakeSurface struct {
	markers []string
	delay   time.Duration
}

func (f *fakeSurface) IsVisible(ctx context.Context, selector string, within time.Duration) bool {
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(f.delay):
		}
	}
	for _, m := range f.markers {
		if strings.Contains(selector, m) {
			return true
		}
	}
	return false
}

func newClassifierUnderTest(fallback Kind) *Classifier {
	return NewClassifier(nil, fallback, zap.NewNop())
}

func TestClassifyLoginHeading(t *testing.T) {
	c := newClassifierUnderTest("")
	s := &fakeSurface{markers: []string{"login-heading"}}

	kind := c.Classify(context.Background(), s, time.Second)
	assert.Equal(t, Login, kind)
	assert.True(t, kind.IsLogin())
}

func TestClassifyRegistrationNameField(t *testing.T) {
	c := newClassifierUnderTest("")
	s := &fakeSurface{markers: []string{"fullname"}}

	kind := c.Classify(context.Background(), s, time.Second)
	assert.Equal(t, Registration, kind)
	assert.False(t, kind.IsLogin())
}

func TestClassifyDirectVerify(t *testing.T) {
	c := newClassifierUnderTest("")
	s := &fakeSurface{markers: []string{"one-time-code"}}

	kind := c.Classify(context.Background(), s, time.Second)
	assert.Equal(t, DirectVerify, kind)
	assert.True(t, kind.IsLogin(), "direct-verify is a login subtype")
}

func TestClassifyFallbackDefaultsToRegistration(t *testing.T) {
	c := newClassifierUnderTest("")
	s := &fakeSurface{}

	kind := c.Classify(context.Background(), s, 50*time.Millisecond)
	assert.Equal(t, Registration, kind)
}

func TestClassifyFallbackIsConfigurable(t *testing.T) {
	c := newClassifierUnderTest(Login)
	s := &fakeSurface{}

	kind := c.Classify(context.Background(), s, 50*time.Millisecond)
	assert.Equal(t, Login, kind)
}

func TestClassifySequentialFallbackAfterSlowRace(t *testing.T) {
	// The race window expires before the probes resolve; the sequential
	// phase, with its own per-detector window, still finds the signal.
	c := newClassifierUnderTest("")
	s := &fakeSurface{markers: []string{"login-heading"}, delay: 120 * time.Millisecond}

	kind := c.Classify(context.Background(), s, 50*time.Millisecond)
	assert.Equal(t, Login, kind)
}
