package provision

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// collectSink gathers results thread-safely for assertions.
type collectSink struct {
	mu      sync.Mutex
	results []Result
}

func (c *collectSink) Consume(res Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, res)
}

func (c *collectSink) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.results)
}

func makeTasks(n int) []*Task {
	tasks := make([]*Task, n)
	for i := range tasks {
		tasks[i] = &Task{ID: string(rune('a' + i)), Status: StatusPending}
	}
	return tasks
}

func TestPoolBoundsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32

	durations := []time.Duration{
		50 * time.Millisecond, 10 * time.Millisecond, 30 * time.Millisecond,
		20 * time.Millisecond, 40 * time.Millisecond,
	}
	var started atomic.Int32
	runner := func(ctx context.Context, task *Task) Result {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(durations[int(started.Add(1)-1)%len(durations)])
		task.Status = StatusSuccess
		return Result{TaskID: task.ID, Success: true}
	}

	sink := &collectSink{}
	pool := NewPool(2, runner, sink, zap.NewNop())
	pool.Run(context.Background(), makeTasks(5))

	assert.Equal(t, 5, sink.len(), "every task completes")
	assert.LessOrEqual(t, peak.Load(), int32(2), "never more than 2 simultaneous runs")
	assert.GreaterOrEqual(t, peak.Load(), int32(2), "the limit is actually used")
}

func TestPoolStopSuppressesQueuedTasks(t *testing.T) {
	var ran atomic.Int32
	release := make(chan struct{})

	var pool *Pool
	runner := func(ctx context.Context, task *Task) Result {
		ran.Add(1)
		<-release
		task.Status = StatusSuccess
		return Result{TaskID: task.ID, Success: true}
	}
	pool = NewPool(1, runner, &collectSink{}, zap.NewNop())

	tasks := makeTasks(3)
	go func() {
		// Stop while the first task is still in flight, then let it finish.
		time.Sleep(20 * time.Millisecond)
		pool.Stop()
		close(release)
	}()
	pool.Run(context.Background(), tasks)

	assert.Equal(t, int32(1), ran.Load(), "in-flight task finishes, queued tasks never start")
	assert.True(t, pool.Stopped())
	assert.Equal(t, StatusSuccess, tasks[0].Status)
	assert.Equal(t, StatusPending, tasks[1].Status)
	assert.Equal(t, StatusPending, tasks[2].Status)
}

func TestPoolContextCancellationActsLikeStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var ran atomic.Int32
	runner := func(ctx context.Context, task *Task) Result {
		if ran.Add(1) == 1 {
			cancel()
		}
		return Result{TaskID: task.ID, Success: true}
	}

	pool := NewPool(1, runner, &collectSink{}, zap.NewNop())
	pool.Run(ctx, makeTasks(4))

	assert.Equal(t, int32(1), ran.Load())
}

func TestPoolClampsConcurrency(t *testing.T) {
	runner := func(ctx context.Context, task *Task) Result { return Result{} }
	require.Equal(t, 1, NewPool(0, runner, nil, zap.NewNop()).concurrency)
	require.Equal(t, 10, NewPool(99, runner, nil, zap.NewNop()).concurrency)
}

func TestPoolNilSink(t *testing.T) {
	runner := func(ctx context.Context, task *Task) Result {
		task.Status = StatusSuccess
		return Result{TaskID: task.ID, Success: true}
	}
	pool := NewPool(2, runner, nil, zap.NewNop())

	tasks := makeTasks(3)
	pool.Run(context.Background(), tasks)
	for _, task := range tasks {
		assert.Equal(t, StatusSuccess, task.Status)
	}
}
