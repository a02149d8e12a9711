package tasks

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rectangular-labs/workspacesync/internal/logging"
	"github.com/rectangular-labs/workspacesync/internal/metrics"
)

type DispatcherOptions struct {
	Queue         Queue
	Submitter     Submitter
	Compensator   Compensator
	Workers       int
	MaxAttempts   int
	RetryDelay    time.Duration
	SubmitTimeout time.Duration
	// DisableWorkers leaves tasks in the queue; tests drain it by hand.
	DisableWorkers bool
}

// Dispatcher drains the task queue into the Submitter. Failed submissions
// are retried with exponential delay; once attempts run out the
// Compensator is called and the task is dropped.
type Dispatcher struct {
	queue         Queue
	submitter     Submitter
	maxAttempts   int
	retryDelay    time.Duration
	submitTimeout time.Duration

	compMu      sync.RWMutex
	compensator Compensator

	queueMu sync.Mutex
	queued  map[string]struct{}

	// pendingMu guards retries, stopping and additions to pending, which
	// counts background enqueues and scheduled retries.
	pendingMu sync.Mutex
	stopping  bool
	retries   map[string]*retry
	pending   sync.WaitGroup

	closed      chan struct{}
	queueCtx    context.Context
	queueCancel context.CancelFunc
	closeOnce   sync.Once
	wg          sync.WaitGroup
}

func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	queue := opts.Queue
	if queue == nil {
		queue = NewInMemoryQueue(defaultQueueCapacity)
	}
	submitter := opts.Submitter
	if submitter == nil {
		submitter = LogSubmitter{}
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 500 * time.Millisecond
	}
	submitTimeout := opts.SubmitTimeout
	if submitTimeout <= 0 {
		submitTimeout = 30 * time.Second
	}
	queueCtx, queueCancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		queue:         queue,
		submitter:     submitter,
		maxAttempts:   maxAttempts,
		retryDelay:    retryDelay,
		submitTimeout: submitTimeout,
		compensator:   opts.Compensator,
		queued:        map[string]struct{}{},
		retries:       map[string]*retry{},
		closed:        make(chan struct{}),
		queueCtx:      queueCtx,
		queueCancel:   queueCancel,
	}
	if snapshotter, ok := queue.(Snapshotter); ok {
		for _, task := range snapshotter.SnapshotTasks() {
			if strings.TrimSpace(task.ID) != "" {
				d.queued[task.ID] = struct{}{}
			}
		}
	}
	if !opts.DisableWorkers {
		d.wg.Add(workers)
		for i := 0; i < workers; i++ {
			go func() {
				defer d.wg.Done()
				d.worker()
			}()
		}
	}
	return d
}

// SetCompensator installs the compensator after construction, for callers
// that build it on top of the dispatcher.
func (d *Dispatcher) SetCompensator(c Compensator) {
	d.compMu.Lock()
	d.compensator = c
	d.compMu.Unlock()
}

// Enqueue hands a task to the queue without blocking the caller. A task
// already waiting in the queue is not added twice.
func (d *Dispatcher) Enqueue(task Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	select {
	case <-d.closed:
		return context.Canceled
	default:
	}
	d.queueMu.Lock()
	if _, exists := d.queued[task.ID]; exists {
		d.queueMu.Unlock()
		return nil
	}
	d.queued[task.ID] = struct{}{}
	d.queueMu.Unlock()
	if d.queue.TryEnqueue(task) {
		return nil
	}
	if !d.hold() {
		d.forget(task.ID)
		return context.Canceled
	}
	go func() {
		defer d.pending.Done()
		if !d.queue.Enqueue(d.queueCtx, task) {
			d.forget(task.ID)
			metrics.RecordTask(string(task.Kind), "dropped")
			logging.Warn("task dropped before enqueue", taskFields(task)...)
			d.compensate(task)
		}
	}()
	return nil
}

// hold registers one background operation that Close must wait for. It
// fails once Close has started.
func (d *Dispatcher) hold() bool {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	if d.stopping {
		return false
	}
	d.pending.Add(1)
	return true
}

func (d *Dispatcher) Depth() int {
	return d.queue.Depth()
}

// ProcessNext dequeues and handles a single task. It is meant for callers
// running with DisableWorkers.
func (d *Dispatcher) ProcessNext(ctx context.Context) bool {
	task, ok := d.queue.Dequeue(ctx)
	if !ok {
		return false
	}
	d.forget(task.ID)
	d.process(task)
	return true
}

func (d *Dispatcher) worker() {
	for {
		task, ok := d.queue.Dequeue(d.queueCtx)
		if !ok {
			return
		}
		d.forget(task.ID)
		d.process(task)
	}
}

func (d *Dispatcher) forget(id string) {
	d.queueMu.Lock()
	delete(d.queued, id)
	d.queueMu.Unlock()
}

func (d *Dispatcher) process(task Task) {
	fields := taskFields(task)
	input, err := task.Input()
	if err != nil {
		logging.Error("task is not dispatchable", append(fields, logging.Err(err))...)
		metrics.RecordTask(string(task.Kind), "failed")
		d.compensate(task)
		return
	}

	ctx, cancel := context.WithTimeout(d.queueCtx, d.submitTimeout)
	result, err := d.submitter.Submit(ctx, input)
	cancel()
	if err == nil {
		metrics.RecordTask(string(task.Kind), "submitted")
		logging.Info("task submitted", append(fields, zap.String("run_id", result.RunID))...)
		return
	}

	task.Attempt++
	if d.isClosed() {
		metrics.RecordTask(string(task.Kind), "dropped")
		logging.Warn("task abandoned at shutdown", append(fields, logging.Err(err))...)
		d.compensate(task)
		return
	}
	if task.Attempt < d.maxAttempts {
		delay := d.retryDelay << (task.Attempt - 1)
		metrics.RecordTask(string(task.Kind), "retried")
		logging.Warn("task submission failed, retrying",
			append(fields, logging.Err(err), zap.Int("attempt", task.Attempt), zap.Duration("delay", delay))...)
		if !d.scheduleRetry(task, delay) {
			logging.Warn("task abandoned at shutdown", fields...)
			d.compensate(task)
		}
		return
	}

	metrics.RecordTask(string(task.Kind), "failed")
	logging.Error("task submission failed", append(fields, logging.Err(err), zap.Int("attempt", task.Attempt))...)
	d.compensate(task)
}

type retry struct {
	task  Task
	timer *time.Timer
}

func (d *Dispatcher) scheduleRetry(task Task, delay time.Duration) bool {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	if d.stopping {
		return false
	}
	d.pending.Add(1)
	r := &retry{task: task}
	r.timer = time.AfterFunc(delay, func() {
		defer d.pending.Done()
		d.pendingMu.Lock()
		if d.retries[task.ID] == r {
			delete(d.retries, task.ID)
		}
		d.pendingMu.Unlock()
		if d.isClosed() {
			logging.Warn("task abandoned at shutdown", taskFields(task)...)
			d.compensate(task)
			return
		}
		if err := d.Enqueue(task); err != nil {
			logging.Warn("task retry not enqueued", append(taskFields(task), logging.Err(err))...)
			d.compensate(task)
		}
	})
	d.retries[task.ID] = r
	return true
}

func (d *Dispatcher) isClosed() bool {
	select {
	case <-d.closed:
		return true
	default:
		return false
	}
}

// PendingRetries reports submissions waiting for their retry delay.
func (d *Dispatcher) PendingRetries() int {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	return len(d.retries)
}

func (d *Dispatcher) compensate(task Task) {
	d.compMu.RLock()
	compensator := d.compensator
	d.compMu.RUnlock()
	if compensator == nil || task.Token == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.submitTimeout)
	defer cancel()
	if err := compensator.Compensate(ctx, task); err != nil {
		logging.Error("task compensation failed", append(taskFields(task), logging.Err(err))...)
		return
	}
	metrics.RecordTask(string(task.Kind), "compensated")
}

// Close stops the workers. Writing tasks that will never be submitted,
// because a retry was still waiting or the queue does not outlive the
// process, are compensated before Close returns.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.closed)
		d.queueCancel()
		d.wg.Wait()

		d.pendingMu.Lock()
		d.stopping = true
		retries := d.retries
		d.retries = map[string]*retry{}
		d.pendingMu.Unlock()
		for _, r := range retries {
			// A timer that already fired compensates on its own.
			if r.timer.Stop() {
				logging.Warn("pending retry abandoned at shutdown", taskFields(r.task)...)
				d.compensate(r.task)
				d.pending.Done()
			}
		}
		d.pending.Wait()

		if drainer, ok := d.queue.(Drainer); ok {
			for _, task := range drainer.Drain() {
				logging.Warn("queued task abandoned at shutdown", taskFields(task)...)
				d.compensate(task)
			}
		}
		_ = d.queue.Close()
	})
}

func taskFields(task Task) []zap.Field {
	return []zap.Field{
		zap.String("task", task.ID),
		zap.String("kind", string(task.Kind)),
		zap.String("room", task.Room),
		zap.String("node", task.NodeID),
	}
}

// LogSubmitter accepts every task and only logs it. It stands in when no
// workflow engine is configured.
type LogSubmitter struct{}

func (LogSubmitter) Submit(_ context.Context, input Input) (Result, error) {
	logging.Info("task accepted without a workflow engine", zap.String("kind", string(input.TaskKind())))
	return Result{Status: "logged"}, nil
}
