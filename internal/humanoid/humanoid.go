// Package humanoid dispatches pointer and keyboard input that resembles
// manual human use rather than scripted automation: curved pointer paths with
// noise, randomized inter-key delays, and occasional cosmetic idling.
package humanoid

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/aquilax/go-perlin"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// Config tunes the simulation. Zero values fall back to sane defaults.
type Config struct {
	KeyDelayMin    time.Duration // minimum inter-key delay, default 80ms
	KeyDelayMax    time.Duration // maximum inter-key delay, default 150ms
	ThinkPauseProb float64       // chance of a doubled "thinking" pause per key, default 0.1
	IdleProb       float64       // chance that Wander does anything at all, default 0.08
	Rng            *rand.Rand    // optional deterministic source for tests
}

func (c *Config) applyDefaults() {
	if c.KeyDelayMin <= 0 {
		c.KeyDelayMin = 80 * time.Millisecond
	}
	if c.KeyDelayMax <= c.KeyDelayMin {
		c.KeyDelayMax = 150 * time.Millisecond
	}
	if c.ThinkPauseProb <= 0 {
		c.ThinkPauseProb = 0.1
	}
	if c.IdleProb <= 0 {
		c.IdleProb = 0.08
	}
}

// Mover owns the simulated pointer state for one browser session.
type Mover struct {
	cfg    Config
	logger *zap.Logger

	mu         sync.Mutex
	currentPos Vector2D
	rng        *rand.Rand
	noiseX     *perlin.Perlin
	noiseY     *perlin.Perlin
	noiseT     float64
}

// New creates a Mover. The pointer starts near the viewport origin with a
// small random offset, the way a real cursor never sits at exactly (0,0).
func New(cfg Config, logger *zap.Logger) *Mover {
	cfg.applyDefaults()
	rng := cfg.Rng
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	seed := rng.Int63()
	return &Mover{
		cfg:    cfg,
		logger: logger.Named("humanoid"),
		rng:    rng,
		currentPos: Vector2D{
			X: 20 + rng.Float64()*60,
			Y: 20 + rng.Float64()*60,
		},
		noiseX: perlin.NewPerlin(2.0, 2.0, 3, seed),
		noiseY: perlin.NewPerlin(2.0, 2.0, 3, seed+1),
	}
}

// MoveTo walks the pointer from its current position to the target along a
// randomized quadratic bezier, dispatching mouse-move events as it goes.
func (m *Mover) MoveTo(ctx context.Context, target Vector2D) error {
	m.mu.Lock()
	start := m.currentPos
	rng := m.rng
	m.mu.Unlock()

	dist := start.Dist(target)
	if dist < 1.0 {
		return nil
	}

	// Control point: midpoint pushed sideways by up to a quarter of the
	// travel distance, so no two paths repeat.
	mid := start.Add(target.Sub(start).Mul(0.5))
	side := target.Sub(start).Perp().Normalize()
	offset := (rng.Float64() - 0.5) * dist * 0.5
	control := mid.Add(side.Mul(offset))

	steps := int(math.Max(12, math.Min(60, dist/8)))
	stepDelay := time.Duration(4+rng.Intn(6)) * time.Millisecond

	for i := 1; i <= steps; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		t := float64(i) / float64(steps)
		// Quadratic bezier with ease-in-out applied to t.
		et := easeInOut(t)
		omt := 1.0 - et
		pos := start.Mul(omt * omt).
			Add(control.Mul(2 * omt * et)).
			Add(target.Mul(et * et))

		// Perlin drift keeps the path from being mathematically smooth.
		m.mu.Lock()
		m.noiseT += 0.05
		jitter := Vector2D{
			X: m.noiseX.Noise1D(m.noiseT) * 1.5,
			Y: m.noiseY.Noise1D(m.noiseT) * 1.5,
		}
		m.mu.Unlock()
		pos = pos.Add(jitter)

		if err := input.DispatchMouseEvent(input.MouseMoved, pos.X, pos.Y).Do(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.logger.Debug("Mouse move dispatch failed.", zap.Error(err))
			return err
		}

		m.mu.Lock()
		m.currentPos = pos
		m.mu.Unlock()

		if err := sleepCtx(ctx, stepDelay); err != nil {
			return err
		}
	}
	return nil
}

// Click presses and releases the left button at the pointer's current
// position with a randomized hold time.
func (m *Mover) Click(ctx context.Context) error {
	m.mu.Lock()
	pos := m.currentPos
	hold := time.Duration(40+m.rng.Intn(80)) * time.Millisecond
	m.mu.Unlock()

	press := input.DispatchMouseEvent(input.MousePressed, pos.X, pos.Y).
		WithButton(input.Left).
		WithClickCount(1)
	if err := press.Do(ctx); err != nil {
		return err
	}
	if err := sleepCtx(ctx, hold); err != nil {
		return err
	}
	release := input.DispatchMouseEvent(input.MouseReleased, pos.X, pos.Y).
		WithButton(input.Left).
		WithClickCount(1)
	return release.Do(ctx)
}

// TypeText sends text to the focused element one character at a time with a
// randomized 80-150ms inter-key delay and an occasional doubled "thinking"
// pause.
func (m *Mover) TypeText(ctx context.Context, text string) error {
	for _, r := range text {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := chromedp.SendKeys("document.activeElement", string(r), chromedp.ByJSPath).Do(ctx)
		if err != nil {
			return err
		}

		delay := m.keyDelay()
		m.mu.Lock()
		think := m.rng.Float64() < m.cfg.ThinkPauseProb
		m.mu.Unlock()
		if think {
			delay *= 2
		}
		if err := sleepCtx(ctx, delay); err != nil {
			return err
		}
	}
	return nil
}

// Wander occasionally performs a cosmetic pointer drift and small scroll.
// Pure anti-fingerprinting noise; callers must never depend on it.
func (m *Mover) Wander(ctx context.Context, width, height float64) error {
	m.mu.Lock()
	roll := m.rng.Float64()
	m.mu.Unlock()
	if roll >= m.cfg.IdleProb {
		return nil
	}

	m.mu.Lock()
	target := Vector2D{
		X: 40 + m.rng.Float64()*(width-80),
		Y: 40 + m.rng.Float64()*(height-80),
	}
	scroll := float64(m.rng.Intn(200) - 100)
	m.mu.Unlock()

	if err := m.MoveTo(ctx, target); err != nil {
		return err
	}

	m.mu.Lock()
	pos := m.currentPos
	m.mu.Unlock()
	wheel := input.DispatchMouseEvent(input.MouseWheel, pos.X, pos.Y).
		WithDeltaX(0).
		WithDeltaY(scroll)
	if err := wheel.Do(ctx); err != nil {
		// Cosmetic only; never let idle noise fail a run.
		m.logger.Debug("Idle scroll dispatch failed.", zap.Error(err))
	}
	return nil
}

// Position returns the pointer's current coordinates.
func (m *Mover) Position() Vector2D {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentPos
}

func (m *Mover) keyDelay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	span := m.cfg.KeyDelayMax - m.cfg.KeyDelayMin
	return m.cfg.KeyDelayMin + time.Duration(m.rng.Int63n(int64(span)))
}

func easeInOut(t float64) float64 {
	if t < 0.5 {
		return 2 * t * t
	}
	return 1 - math.Pow(-2*t+2, 2)/2
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
