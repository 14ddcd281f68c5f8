package hlsfetch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startManager(t *testing.T, opts ...ManagerOption) *Manager {
	t.Helper()
	m := NewManager(opts...)
	require.NoError(t, m.Start())
	t.Cleanup(m.Stop)
	return m
}

func waitCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestManagerRunsTasks(t *testing.T) {
	srv := newStreamServer(t, 3, 4)

	var active, peak atomic.Int32
	src := SourceFunc(func(ctx context.Context) (string, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		active.Add(-1)
		return srv.URL + "/index.m3u8", nil
	})

	var mu sync.Mutex
	states := make(map[string][]TaskState)
	var completed atomic.Int32
	m := startManager(t,
		WithMaxConcurrent(2),
		WithDefaultOptions(testOptions(t, 12*time.Second)...),
		WithOnStateChange(func(task *Task) {
			mu.Lock()
			states[task.ID] = append(states[task.ID], task.State())
			mu.Unlock()
		}),
		WithOnComplete(func(*Task) { completed.Add(1) }),
	)

	for _, id := range []string{"ep1", "ep2", "ep3", "ep4"} {
		_, err := m.AddSource(id, src, id)
		require.NoError(t, err)
	}
	require.NoError(t, m.WaitAll(waitCtx(t)))

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, int32(4), completed.Load())
	assert.Equal(t, ManagerStats{Total: 4, Completed: 4}, m.Stats())

	for _, task := range m.GetAllTasks() {
		assert.Equal(t, TaskCompleted, task.State())
		require.NotNil(t, task.Result())
		assert.True(t, task.Result().OK())
		assert.Equal(t, 3, task.Progress().CompletedSegments)
		assert.Equal(t, 3, task.Progress().TotalSegments)
		assert.Equal(t, float64(100), task.Progress().Percent())
		assert.Positive(t, task.Elapsed())
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []TaskState{TaskFetchingManifest, TaskDownloading, TaskMerging, TaskVerifying, TaskCompleted}, states["ep1"])
}

func TestManagerTaskOrder(t *testing.T) {
	srv := newStreamServer(t, 1, 4)
	m := startManager(t, WithDefaultOptions(testOptions(t, 4*time.Second)...))

	for _, id := range []string{"c", "a", "b"} {
		_, err := m.AddTask(id, srv.URL+"/index.m3u8", id)
		require.NoError(t, err)
	}
	require.NoError(t, m.WaitAll(waitCtx(t)))

	var ids []string
	for _, task := range m.GetAllTasks() {
		ids = append(ids, task.ID)
	}
	assert.Equal(t, []string{"c", "a", "b"}, ids)
}

func TestManagerFailedTask(t *testing.T) {
	srv := newStreamServer(t, 1, 4)

	var failed atomic.Value
	m := startManager(t,
		WithDefaultOptions(testOptions(t, 4*time.Second)...),
		WithOnError(func(task *Task, err error) { failed.Store(err) }),
	)
	_, err := m.AddTask("broken", srv.URL+"/missing.m3u8", "broken")
	require.NoError(t, err)

	err = m.WaitForTask(waitCtx(t), "broken")
	var herr *Error
	require.True(t, errors.As(err, &herr))
	assert.Equal(t, KindManifestFetch, herr.Kind)
	assert.Equal(t, TaskFailed, m.GetTask("broken").State())
	assert.Equal(t, err, failed.Load())
	assert.Equal(t, 1, m.Stats().Failed)
}

// blockingSource waits for cancellation before returning.
func blockingSource(started chan<- string, id string) ManifestSource {
	return SourceFunc(func(ctx context.Context) (string, error) {
		started <- id
		<-ctx.Done()
		return "", ctx.Err()
	})
}

func TestManagerCancel(t *testing.T) {
	started := make(chan string, 2)
	m := startManager(t, WithMaxConcurrent(1), WithDefaultOptions(testOptions(t, 0)...))

	_, err := m.AddSource("running", blockingSource(started, "running"), "running")
	require.NoError(t, err)
	_, err = m.AddSource("queued", blockingSource(started, "queued"), "queued")
	require.NoError(t, err)

	assert.Equal(t, "running", <-started)
	require.NoError(t, m.CancelTask("queued"))
	require.NoError(t, m.CancelTask("running"))

	ctx := waitCtx(t)
	assert.ErrorIs(t, m.WaitForTask(ctx, "running"), ErrTaskCanceled)
	assert.ErrorIs(t, m.WaitForTask(ctx, "queued"), ErrTaskCanceled)
	assert.Equal(t, TaskCanceled, m.GetTask("running").State())
	assert.Equal(t, TaskCanceled, m.GetTask("queued").State())
	assert.True(t, m.GetTask("running").Result().Stopped)
	assert.Nil(t, m.GetTask("queued").Result(), "never started")
	assert.Len(t, started, 0)

	assert.ErrorIs(t, m.CancelTask("running"), ErrTaskFinished)
	assert.ErrorIs(t, m.CancelTask("nope"), ErrTaskNotFound)
}

func TestManagerStopCancelsRunning(t *testing.T) {
	started := make(chan string, 1)
	m := NewManager(WithDefaultOptions(testOptions(t, 0)...))
	require.NoError(t, m.Start())

	task, err := m.AddSource("long", blockingSource(started, "long"), "long")
	require.NoError(t, err)
	<-started

	m.Stop()
	select {
	case <-task.Done():
	default:
		t.Fatal("Stop returned before the task finished")
	}
	assert.Equal(t, TaskCanceled, task.State())

	_, err = m.AddTask("late", "https://example.com/a.m3u8", "late")
	assert.ErrorIs(t, err, ErrManagerStopped)
	assert.ErrorIs(t, m.Start(), ErrManagerStopped)
}

func TestManagerAddAndRemove(t *testing.T) {
	m := NewManager()
	_, err := m.AddTask("a", "https://example.com/a.m3u8", "a")
	assert.ErrorIs(t, err, ErrManagerStopped, "not started")

	started := make(chan string, 1)
	m = startManager(t, WithDefaultOptions(testOptions(t, 0)...))
	_, err = m.AddSource("a", blockingSource(started, "a"), "a")
	require.NoError(t, err)
	_, err = m.AddSource("a", blockingSource(started, "a"), "a")
	assert.ErrorIs(t, err, ErrDuplicateTask)

	<-started
	assert.ErrorIs(t, m.RemoveTask("a"), ErrTaskActive)
	require.NoError(t, m.CancelTask("a"))
	require.ErrorIs(t, m.WaitForTask(waitCtx(t), "a"), ErrTaskCanceled)

	require.NoError(t, m.RemoveTask("a"))
	assert.Nil(t, m.GetTask("a"))
	assert.Empty(t, m.GetAllTasks())
	assert.ErrorIs(t, m.RemoveTask("a"), ErrTaskNotFound)
}

func TestTaskStateHelpers(t *testing.T) {
	assert.False(t, TaskPending.Active())
	assert.True(t, TaskDownloading.Active())
	assert.True(t, TaskVerifying.Active())
	assert.False(t, TaskCompleted.Active())
	assert.True(t, TaskCanceled.Done())
	assert.False(t, TaskMerging.Done())
	assert.Equal(t, "fetching manifest", TaskFetchingManifest.String())

	assert.Equal(t, TaskFetchingManifest, taskStateFor(StateIdle))
	assert.Equal(t, TaskDownloading, taskStateFor(StateDownloading))
	assert.Equal(t, TaskPending, taskStateFor(StateDone))
}

func TestTaskProgressPercent(t *testing.T) {
	assert.Zero(t, TaskProgress{}.Percent())
	assert.Equal(t, float64(25), TaskProgress{TotalSegments: 8, CompletedSegments: 2}.Percent())
}
