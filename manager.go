package hlsfetch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
)

// Manager errors.
var (
	ErrManagerStopped = errors.New("manager not running")
	ErrDuplicateTask  = errors.New("task already exists")
	ErrTaskNotFound   = errors.New("task not found")
	ErrTaskFinished   = errors.New("task already finished")
	ErrTaskActive     = errors.New("cannot remove active task")
	ErrTaskCanceled   = errors.New("task canceled")
)

// TaskState represents the current state of a download task.
type TaskState int

const (
	TaskPending TaskState = iota
	TaskFetchingManifest
	TaskDownloading
	TaskMerging
	TaskVerifying
	TaskCompleted
	TaskFailed
	TaskCanceled
)

func (s TaskState) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskFetchingManifest:
		return "fetching manifest"
	case TaskDownloading:
		return "downloading"
	case TaskMerging:
		return "merging"
	case TaskVerifying:
		return "verifying"
	case TaskCompleted:
		return "completed"
	case TaskFailed:
		return "failed"
	case TaskCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Active reports whether a task in this state holds a pool slot.
func (s TaskState) Active() bool {
	return s >= TaskFetchingManifest && s <= TaskVerifying
}

// Done reports whether the state is terminal.
func (s TaskState) Done() bool {
	return s >= TaskCompleted
}

// taskStateFor maps a downloader state to the coarser task state.
func taskStateFor(s State) TaskState {
	switch s {
	case StateIdle, StateManifestFetched, StateStreamsSelected:
		return TaskFetchingManifest
	case StateDownloading:
		return TaskDownloading
	case StateMerging:
		return TaskMerging
	case StateVerifying:
		return TaskVerifying
	default:
		return TaskPending
	}
}

// Task represents a download task in the queue.
type Task struct {
	ID       string
	Source   ManifestSource
	FileName string
	Options  []Option

	CreatedAt time.Time

	mu          sync.RWMutex
	state       TaskState
	err         error
	result      *Result
	progress    TaskProgress
	startedAt   time.Time
	completedAt time.Time
	cancel      context.CancelFunc
	canceled    bool
	done        chan struct{}
}

// State returns the task's current state.
func (t *Task) State() TaskState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Err returns the error of a failed task.
func (t *Task) Err() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.err
}

// Result returns the download result once the task has run.
func (t *Task) Result() *Result {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.result
}

// Progress returns a snapshot of the task's progress.
func (t *Task) Progress() TaskProgress {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.progress
}

// Elapsed returns how long the task has been running, or ran.
func (t *Task) Elapsed() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	switch {
	case t.startedAt.IsZero():
		return 0
	case t.completedAt.IsZero():
		return time.Since(t.startedAt)
	default:
		return t.completedAt.Sub(t.startedAt)
	}
}

// Done is closed when the task reaches a terminal state.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// TaskProgress holds progress information for a task.
type TaskProgress struct {
	TotalSegments     int
	CompletedSegments int
	FailedSegments    int
	DownloadedBytes   int64
	Speed             float64 // bytes per second
	ETA               time.Duration
	CurrentTrack      string
}

// Percent returns the download progress as a percentage.
func (p TaskProgress) Percent() float64 {
	if p.TotalSegments == 0 {
		return 0
	}
	return float64(p.CompletedSegments) / float64(p.TotalSegments) * 100
}

// Manager runs queued downloads with bounded concurrency.
type Manager struct {
	maxConcurrent int
	tasks         sync.Map // map[string]*Task
	taskOrder     []string
	orderMu       sync.RWMutex

	pool    *ants.Pool
	queue   chan *Task
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	running atomic.Bool
	stopped atomic.Bool
	mu      sync.Mutex

	// Callbacks
	onStateChange func(task *Task)
	onProgress    func(task *Task)
	onComplete    func(task *Task)
	onError       func(task *Task, err error)

	// Default options applied to all tasks
	defaultOptions []Option
}

// ManagerOption configures the Manager.
type ManagerOption func(*Manager)

// WithMaxConcurrent sets the maximum number of concurrent downloads.
func WithMaxConcurrent(n int) ManagerOption {
	return func(m *Manager) {
		if n < 1 {
			n = 1
		}
		if n > 20 {
			n = 20
		}
		m.maxConcurrent = n
	}
}

// WithDefaultOptions sets default options applied to all tasks.
func WithDefaultOptions(opts ...Option) ManagerOption {
	return func(m *Manager) {
		m.defaultOptions = opts
	}
}

// WithOnStateChange sets a callback for task state changes.
func WithOnStateChange(fn func(task *Task)) ManagerOption {
	return func(m *Manager) {
		m.onStateChange = fn
	}
}

// WithOnProgress sets a callback for progress updates.
func WithOnProgress(fn func(task *Task)) ManagerOption {
	return func(m *Manager) {
		m.onProgress = fn
	}
}

// WithOnComplete sets a callback for task completion, warnings included.
func WithOnComplete(fn func(task *Task)) ManagerOption {
	return func(m *Manager) {
		m.onComplete = fn
	}
}

// WithOnError sets a callback for failed tasks.
func WithOnError(fn func(task *Task, err error)) ManagerOption {
	return func(m *Manager) {
		m.onError = fn
	}
}

// NewManager creates a new download manager.
func NewManager(opts ...ManagerOption) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		maxConcurrent: 3,
		queue:         make(chan *Task, 1000),
		ctx:           ctx,
		cancel:        cancel,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Start begins processing the download queue.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped.Load() {
		return ErrManagerStopped
	}
	if m.running.Load() {
		return nil
	}

	pool, err := ants.NewPool(m.maxConcurrent)
	if err != nil {
		return fmt.Errorf("create pool: %w", err)
	}
	m.pool = pool
	m.running.Store(true)

	m.wg.Add(1)
	go m.dispatch()
	return nil
}

// Stop cancels every unfinished task and waits for active ones to return.
// A stopped manager cannot be restarted.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running.Swap(false) {
		m.mu.Unlock()
		return
	}
	m.stopped.Store(true)
	m.cancel()
	close(m.queue)
	m.mu.Unlock()

	m.wg.Wait()
	m.pool.Release()
}

// dispatch hands queued tasks to the pool. Submit blocks while every
// worker is busy, which keeps the rest of the queue pending.
func (m *Manager) dispatch() {
	defer m.wg.Done()

	for task := range m.queue {
		task := task
		m.wg.Add(1)
		err := m.pool.Submit(func() {
			defer m.wg.Done()
			m.processTask(task)
		})
		if err != nil {
			m.wg.Done()
			m.finish(task, nil, fmt.Errorf("submit task: %w", err))
		}
	}
}

// AddTask queues a download of url saved as filename.
func (m *Manager) AddTask(id, url, filename string, opts ...Option) (*Task, error) {
	return m.AddSource(id, StaticSource(url), filename, opts...)
}

// AddSource queues a download whose manifest URL is resolved when the task
// starts.
func (m *Manager) AddSource(id string, src ManifestSource, filename string, opts ...Option) (*Task, error) {
	task := &Task{
		ID:        id,
		Source:    src,
		FileName:  filename,
		Options:   append(append([]Option{}, m.defaultOptions...), opts...),
		CreatedAt: time.Now(),
		state:     TaskPending,
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running.Load() {
		return nil, ErrManagerStopped
	}
	if _, exists := m.tasks.LoadOrStore(id, task); exists {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateTask, id)
	}

	select {
	case m.queue <- task:
	default:
		m.tasks.Delete(id)
		return nil, fmt.Errorf("queue is full")
	}

	m.orderMu.Lock()
	m.taskOrder = append(m.taskOrder, id)
	m.orderMu.Unlock()
	return task, nil
}

// GetTask returns a task by ID.
func (m *Manager) GetTask(id string) *Task {
	if t, ok := m.tasks.Load(id); ok {
		return t.(*Task)
	}
	return nil
}

// GetAllTasks returns all tasks in the order they were added.
func (m *Manager) GetAllTasks() []*Task {
	m.orderMu.RLock()
	defer m.orderMu.RUnlock()

	tasks := make([]*Task, 0, len(m.taskOrder))
	for _, id := range m.taskOrder {
		if t, ok := m.tasks.Load(id); ok {
			tasks = append(tasks, t.(*Task))
		}
	}
	return tasks
}

// CancelTask cancels a pending or running task.
func (m *Manager) CancelTask(id string) error {
	task := m.GetTask(id)
	if task == nil {
		return fmt.Errorf("%w: %q", ErrTaskNotFound, id)
	}

	task.mu.Lock()
	if task.state.Done() {
		task.mu.Unlock()
		return ErrTaskFinished
	}
	task.canceled = true
	cancel := task.cancel
	task.mu.Unlock()

	// A running task turns canceled when its download returns; a pending
	// one when a worker picks it up.
	if cancel != nil {
		cancel()
	}
	return nil
}

// RemoveTask forgets a finished task.
func (m *Manager) RemoveTask(id string) error {
	task := m.GetTask(id)
	if task == nil {
		return fmt.Errorf("%w: %q", ErrTaskNotFound, id)
	}
	if !task.State().Done() {
		return ErrTaskActive
	}

	m.tasks.Delete(id)

	m.orderMu.Lock()
	for i, tid := range m.taskOrder {
		if tid == id {
			m.taskOrder = append(m.taskOrder[:i], m.taskOrder[i+1:]...)
			break
		}
	}
	m.orderMu.Unlock()
	return nil
}

// Stats returns current manager statistics.
func (m *Manager) Stats() ManagerStats {
	stats := ManagerStats{}
	m.tasks.Range(func(_, value any) bool {
		state := value.(*Task).State()
		stats.Total++
		switch {
		case state == TaskPending:
			stats.Pending++
		case state.Active():
			stats.Active++
		case state == TaskCompleted:
			stats.Completed++
		case state == TaskFailed:
			stats.Failed++
		case state == TaskCanceled:
			stats.Canceled++
		}
		return true
	})
	return stats
}

// ManagerStats holds manager statistics.
type ManagerStats struct {
	Total     int
	Pending   int
	Active    int
	Completed int
	Failed    int
	Canceled  int
}

// processTask runs one download on a pool worker.
func (m *Manager) processTask(task *Task) {
	ctx, cancel := context.WithCancel(m.ctx)
	defer cancel()

	task.mu.Lock()
	if task.canceled || ctx.Err() != nil {
		task.mu.Unlock()
		m.finish(task, nil, ErrTaskCanceled)
		return
	}
	task.cancel = cancel
	task.startedAt = time.Now()
	task.mu.Unlock()
	m.setState(task, TaskFetchingManifest)

	opts := append([]Option{
		WithSource(task.Source),
		WithFileName(task.FileName),
	}, task.Options...)

	d, err := New(opts...)
	if err != nil {
		m.finish(task, nil, fmt.Errorf("create downloader: %w", err))
		return
	}
	d.OnState(func(s State) {
		if next := taskStateFor(s); next != TaskPending {
			m.setState(task, next)
		}
	})

	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		m.monitor(task, d.Progress())
	}()

	res := d.Download(ctx)
	d.Close()
	<-monitorDone

	if res.Failed() {
		var err error = ErrTaskCanceled
		if !res.Stopped && res.Err != nil {
			err = res.Err
		}
		m.finish(task, res, err)
		return
	}
	m.finish(task, res, nil)
}

// monitor folds progress updates into the task until the channel closes.
func (m *Manager) monitor(task *Task, updates <-chan ProgressUpdate) {
	totals := make(map[string]int)
	var startTime time.Time

	for p := range updates {
		if startTime.IsZero() {
			startTime = time.Now()
		}
		label := p.Track.String()
		if p.Language != "" {
			label += ":" + p.Language
		}

		task.mu.Lock()
		if _, seen := totals[label]; !seen {
			totals[label] = p.Total
			task.progress.TotalSegments += p.Total
		}
		if p.Completed {
			task.progress.CompletedSegments++
			task.progress.DownloadedBytes += p.BytesLoaded
		} else {
			task.progress.FailedSegments++
		}
		task.progress.CurrentTrack = label

		if elapsed := time.Since(startTime).Seconds(); elapsed > 0 {
			task.progress.Speed = float64(task.progress.DownloadedBytes) / elapsed
		}
		done := task.progress.CompletedSegments
		if task.progress.Speed > 0 && done > 0 {
			remaining := max(task.progress.TotalSegments-done-task.progress.FailedSegments, 0)
			avgSize := float64(task.progress.DownloadedBytes) / float64(done)
			task.progress.ETA = time.Duration(float64(remaining) * avgSize / task.progress.Speed * float64(time.Second))
		}
		task.mu.Unlock()

		if m.onProgress != nil {
			m.onProgress(task)
		}
	}
}

func (m *Manager) setState(task *Task, s TaskState) {
	task.mu.Lock()
	if task.state == s {
		task.mu.Unlock()
		return
	}
	task.state = s
	task.mu.Unlock()
	m.notifyStateChange(task)
}

// finish moves task to its terminal state and fires the callbacks.
func (m *Manager) finish(task *Task, res *Result, err error) {
	task.mu.Lock()
	task.result = res
	task.completedAt = time.Now()
	switch {
	case errors.Is(err, ErrTaskCanceled):
		task.state = TaskCanceled
		task.err = err
	case err != nil:
		task.state = TaskFailed
		task.err = err
	default:
		task.state = TaskCompleted
	}
	state := task.state
	task.mu.Unlock()

	m.notifyStateChange(task)
	switch state {
	case TaskCompleted:
		if m.onComplete != nil {
			m.onComplete(task)
		}
	case TaskFailed:
		if m.onError != nil {
			m.onError(task, err)
		}
	}
	close(task.done)
}

func (m *Manager) notifyStateChange(task *Task) {
	if m.onStateChange != nil {
		m.onStateChange(task)
	}
}

// WaitForTask blocks until a specific task finishes or ctx is done. It
// returns the task's error; nil for a completed task.
func (m *Manager) WaitForTask(ctx context.Context, id string) error {
	task := m.GetTask(id)
	if task == nil {
		return fmt.Errorf("%w: %q", ErrTaskNotFound, id)
	}
	select {
	case <-task.done:
		return task.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitAll blocks until every task added so far has finished or ctx is done.
func (m *Manager) WaitAll(ctx context.Context) error {
	for _, task := range m.GetAllTasks() {
		select {
		case <-task.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
