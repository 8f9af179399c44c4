package humanoid

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestVector2DOps(t *testing.T) {
	a := Vector2D{X: 3, Y: 4}
	b := Vector2D{X: 1, Y: 2}

	assert.Equal(t, Vector2D{X: 4, Y: 6}, a.Add(b))
	assert.Equal(t, Vector2D{X: 2, Y: 2}, a.Sub(b))
	assert.Equal(t, Vector2D{X: 6, Y: 8}, a.Mul(2))
	assert.InDelta(t, 5.0, a.Mag(), 1e-9)
	assert.InDelta(t, 2.8284271, a.Dist(b), 1e-6)
	assert.Equal(t, Vector2D{X: -4, Y: 3}, a.Perp())

	unit := a.Normalize()
	assert.InDelta(t, 1.0, unit.Mag(), 1e-9)
	assert.Equal(t, Vector2D{}, Vector2D{}.Normalize(), "zero vector stays zero")
}

func TestEaseInOut(t *testing.T) {
	assert.InDelta(t, 0.0, easeInOut(0), 1e-9)
	assert.InDelta(t, 0.5, easeInOut(0.5), 1e-9)
	assert.InDelta(t, 1.0, easeInOut(1), 1e-9)

	// Monotonically non-decreasing across the interval.
	prev := 0.0
	for i := 1; i <= 100; i++ {
		v := easeInOut(float64(i) / 100)
		assert.GreaterOrEqual(t, v, prev)
		prev = v
	}
}

func TestKeyDelayStaysInConfiguredRange(t *testing.T) {
	m := New(Config{
		KeyDelayMin: 80 * time.Millisecond,
		KeyDelayMax: 150 * time.Millisecond,
		Rng:         rand.New(rand.NewSource(11)),
	}, zap.NewNop())

	for i := 0; i < 1000; i++ {
		d := m.keyDelay()
		assert.GreaterOrEqual(t, d, 80*time.Millisecond)
		assert.Less(t, d, 150*time.Millisecond)
	}
}

func TestNewStartsPointerOffOrigin(t *testing.T) {
	m := New(Config{Rng: rand.New(rand.NewSource(3))}, zap.NewNop())
	pos := m.Position()

	assert.GreaterOrEqual(t, pos.X, 20.0)
	assert.LessOrEqual(t, pos.X, 80.0)
	assert.GreaterOrEqual(t, pos.Y, 20.0)
	assert.LessOrEqual(t, pos.Y, 80.0)
}

func TestMoveToSamePositionIsNoOp(t *testing.T) {
	m := New(Config{Rng: rand.New(rand.NewSource(5))}, zap.NewNop())
	start := m.Position()

	// Sub-pixel distance short-circuits before any input dispatch, so no
	// browser context is needed.
	require.NoError(t, m.MoveTo(context.Background(), start))
	assert.Equal(t, start, m.Position())
}

func TestWanderIsGatedByIdleProbability(t *testing.T) {
	m := New(Config{
		IdleProb: 1e-12,
		Rng:      rand.New(rand.NewSource(9)),
	}, zap.NewNop())

	start := m.Position()
	for i := 0; i < 200; i++ {
		require.NoError(t, m.Wander(context.Background(), 1280, 800))
	}
	// The pointer never moved because the gate never opened.
	assert.Equal(t, start, m.Position())
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}
	cfg.applyDefaults()

	assert.Equal(t, 80*time.Millisecond, cfg.KeyDelayMin)
	assert.Equal(t, 150*time.Millisecond, cfg.KeyDelayMax)
	assert.InDelta(t, 0.1, cfg.ThinkPauseProb, 1e-9)
	assert.InDelta(t, 0.08, cfg.IdleProb, 1e-9)
}
