package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"labqueue/internal/models"
)

var errQueueDisabled = errors.New("queue backend is not configured")

const (
	metricsNamespace = "labqueue"
	metricsSubsystem = "dispatcher"

	defaultChunkKey = "default"
)

// DuplicatePolicy decides what a submission against an already locked target
// does: merge folds the new items into the active task's payload, reject
// surfaces ErrDuplicateTarget to the producer.
type DuplicatePolicy string

// const ...
const (
	DuplicatePolicyMerge  DuplicatePolicy = "merge"
	DuplicatePolicyReject DuplicatePolicy = "reject"
)

// Repository defines the storage operations the dispatcher relies on. The
// implementation owns the dedup index: AddTask acquires the target lock or
// fails with ErrDuplicateTarget, terminal transitions release it, and
// ClaimNextTask atomically moves the oldest runnable task to running so that
// no two dispatcher loops pick the same target. CommitChunk drains an
// executed chunk from the stored payload in the same transaction that
// persists the transition, so it cannot clobber items merged into the task
// while the chunk was executing; UpdateTask never touches the payload.
type Repository interface {
	AddTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, id uuid.UUID) (*models.Task, error)
	ClaimNextTask(ctx context.Context) (*models.Task, error)
	UpdateTask(ctx context.Context, task *models.Task) error
	CommitChunk(ctx context.Context, task *models.Task, consumed int, retry []string) (bool, error)
	MergePayload(ctx context.Context, targetRef string, items []string) (uuid.UUID, error)
	ActiveTaskID(ctx context.Context, targetRef string) (uuid.UUID, bool, error)
}

// Dispatcher is the producer-facing surface of the queue engine and the owner
// of the worker loops that drive claimed tasks to completion.
type Dispatcher interface {
	IsEnabled() bool
	IsQueueEnabled(name string) bool
	Submit(ctx context.Context, name, targetRef string, items []string) (uuid.UUID, error)
	RunInline(ctx context.Context, name, targetRef string, items []string) error
	IsQueued(ctx context.Context, targetRef string) bool
	Task(ctx context.Context, id uuid.UUID) (*models.Task, error)
	Abort(ctx context.Context, id uuid.UUID) error
	ProcessNext(ctx context.Context) (bool, error)
	Start(ctx context.Context)
	Stop() error
}

// Config holds the dispatcher settings. ChunkSizes must contain a "default"
// entry; resolution is exact task-name match, else default.
type Config struct {
	ChunkSizes      map[string]int
	DuplicatePolicy DuplicatePolicy
	Policy          Policy
	MaxWorkers      uint
	PollPeriod      time.Duration
	ChunkTimeout    time.Duration
	Registerer      prometheus.Registerer
}

// dispatcherMetrics holds Prometheus metrics for the Dispatcher.
type dispatcherMetrics struct {
	chunkDuration   *prometheus.HistogramVec
	chunksProcessed *prometheus.CounterVec
	queueDepth      prometheus.Gauge
	mergedTotal     prometheus.Counter
	shrinksTotal    prometheus.Counter
}

// dispatcher is the internal implementation of the Dispatcher interface.
type dispatcher struct {
	repo        Repository
	registry    *Registry
	executor    *Executor
	lifecycle   *Lifecycle
	metrics     *dispatcherMetrics
	workerGroup *errgroup.Group
	workerSem   *semaphore.Weighted
	stopChan    chan struct{}
	stopOnce    sync.Once
	config      Config
}

// NewDispatcher creates a dispatcher over the given repository. A nil
// repository yields a disabled dispatcher: producers fall back to RunInline.
func NewDispatcher(repo Repository, registry *Registry, config Config) (Dispatcher, error) {
	if _, ok := config.ChunkSizes[defaultChunkKey]; !ok {
		return nil, errors.New("chunk size map must contain a default entry")
	}
	for name, size := range config.ChunkSizes {
		if size <= 0 {
			return nil, fmt.Errorf("chunk size for %q must be positive", name)
		}
	}
	if config.MaxWorkers == 0 {
		return nil, errors.New("MaxWorkers must be greater than 0")
	}
	if config.PollPeriod <= 0 {
		return nil, errors.New("PollPeriod must be greater than 0")
	}
	if config.DuplicatePolicy == "" {
		config.DuplicatePolicy = DuplicatePolicyMerge
	}
	if config.DuplicatePolicy != DuplicatePolicyMerge && config.DuplicatePolicy != DuplicatePolicyReject {
		return nil, fmt.Errorf("unknown duplicate policy %q", config.DuplicatePolicy)
	}

	executor := NewExecutor(registry, config.ChunkTimeout)
	lifecycle := NewLifecycle(repo, registry, config.Policy)

	metrics, err := newDispatcherMetrics(config.Registerer)
	if err != nil {
		return nil, err
	}

	return &dispatcher{
		repo:        repo,
		registry:    registry,
		executor:    executor,
		lifecycle:   lifecycle,
		metrics:     metrics,
		workerGroup: &errgroup.Group{},
		workerSem:   semaphore.NewWeighted(int64(config.MaxWorkers)),
		stopChan:    make(chan struct{}),
		config:      config,
	}, nil
}

// IsEnabled reports whether a queue backend is configured. When false every
// other dispatcher operation is a no-op and callers run their work inline.
func (d *dispatcher) IsEnabled() bool {
	return d.repo != nil
}

// IsQueueEnabled reports whether tasks of the given name can be queued.
func (d *dispatcher) IsQueueEnabled(name string) bool {
	if !d.IsEnabled() {
		return false
	}
	_, ok := d.registry.Handler(name)
	return ok
}

// Submit creates a task for the target with the given payload and returns its
// identifier without waiting for execution. A submission against a locked
// target follows the configured duplicate policy.
func (d *dispatcher) Submit(ctx context.Context, name, targetRef string, items []string) (uuid.UUID, error) {
	if !d.IsEnabled() {
		return uuid.Nil, errQueueDisabled
	}
	if _, ok := d.registry.Handler(name); !ok {
		return uuid.Nil, fmt.Errorf("%w: %s", models.ErrUnknownTaskType, name)
	}
	if len(items) == 0 {
		return uuid.Nil, errors.New("cannot submit a task with no items")
	}

	now := time.Now()
	task := &models.Task{
		ID:        uuid.New(),
		Name:      name,
		TargetRef: targetRef,
		Payload:   append([]string(nil), items...),
		ChunkSize: d.chunkSize(name),
		Status:    models.TaskStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := d.repo.AddTask(ctx, task)
	if errors.Is(err, models.ErrDuplicateTarget) {
		return d.resolveDuplicate(ctx, task, items)
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to submit task: %w", err)
	}

	d.metrics.queueDepth.Inc()
	log.WithFields(log.Fields{
		"task_id":    task.ID,
		"task_type":  name,
		"target_ref": targetRef,
		"items":      len(items),
		"chunk_size": task.ChunkSize,
	}).Info("Task submitted")
	return task.ID, nil
}

// mergeRaceRetries bounds the merge-or-resubmit loop of resolveDuplicate.
const mergeRaceRetries = 3

// resolveDuplicate applies the duplicate policy to a submission that hit an
// active target lock. Merging may race with the active task completing, and
// resubmitting may race with another producer re-locking the target; the
// loop keeps applying the policy until one of the two sides wins.
func (d *dispatcher) resolveDuplicate(ctx context.Context, task *models.Task, items []string) (uuid.UUID, error) {
	if d.config.DuplicatePolicy == DuplicatePolicyReject {
		return uuid.Nil, fmt.Errorf("%w: %s", models.ErrDuplicateTarget, task.TargetRef)
	}

	for attempt := 0; attempt < mergeRaceRetries; attempt++ {
		id, err := d.repo.MergePayload(ctx, task.TargetRef, items)
		if err == nil {
			d.metrics.mergedTotal.Inc()
			log.WithFields(log.Fields{
				"task_id":    id,
				"task_type":  task.Name,
				"target_ref": task.TargetRef,
				"items":      len(items),
			}).Info("Submission merged into active task")
			return id, nil
		}
		if !errors.Is(err, models.ErrNoActiveTask) {
			return uuid.Nil, fmt.Errorf("failed to merge duplicate submission: %w", err)
		}

		addErr := d.repo.AddTask(ctx, task)
		if addErr == nil {
			d.metrics.queueDepth.Inc()
			return task.ID, nil
		}
		if !errors.Is(addErr, models.ErrDuplicateTarget) {
			return uuid.Nil, fmt.Errorf("failed to submit task after lock release: %w", addErr)
		}
	}

	return uuid.Nil, fmt.Errorf("failed to resolve duplicate submission for %s: target lock kept changing hands", task.TargetRef)
}

// RunInline executes the handler synchronously on the full item list, the
// fallback path for producers when the queue is disabled. No task is created.
func (d *dispatcher) RunInline(ctx context.Context, name, targetRef string, items []string) error {
	handler, ok := d.registry.Handler(name)
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrUnknownTaskType, name)
	}

	applied, err := handler.HandleChunk(ctx, targetRef, items)
	if err != nil {
		return fmt.Errorf("inline execution failed after %d items: %w", len(applied), err)
	}
	return nil
}

// IsQueued reports whether the target is referenced by an active task.
func (d *dispatcher) IsQueued(ctx context.Context, targetRef string) bool {
	if !d.IsEnabled() {
		return false
	}
	_, ok, err := d.repo.ActiveTaskID(ctx, targetRef)
	if err != nil {
		log.WithError(err).WithField("target_ref", targetRef).Error("Failed to query dedup index")
		return false
	}
	return ok
}

// Task returns the task record for status and attempt auditing.
func (d *dispatcher) Task(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	if !d.IsEnabled() {
		return nil, errQueueDisabled
	}
	return d.repo.GetTask(ctx, id)
}

// Abort marks a task failed on administrative request. A running task keeps
// executing its current chunk and stops at the next chunk boundary.
func (d *dispatcher) Abort(ctx context.Context, id uuid.UUID) error {
	if !d.IsEnabled() {
		return errQueueDisabled
	}
	aborted, err := d.lifecycle.Abort(ctx, id)
	if err != nil {
		return err
	}
	if aborted {
		d.metrics.queueDepth.Dec()
	}
	return nil
}

// NextRunnable claims the oldest queued or due retry_pending task, marking it
// running. Exposed through ProcessNext for synchronous draining.
func (d *dispatcher) NextRunnable(ctx context.Context) (*models.Task, error) {
	if !d.IsEnabled() {
		return nil, errQueueDisabled
	}
	return d.repo.ClaimNextTask(ctx)
}

// ProcessNext claims one runnable task and drives it until it leaves the
// running state. It reports whether any task was claimed.
func (d *dispatcher) ProcessNext(ctx context.Context) (bool, error) {
	task, err := d.NextRunnable(ctx)
	if errors.Is(err, models.ErrNoTasks) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	d.runTask(ctx, task)
	return true, nil
}

// runTask executes chunks of a claimed task until the lifecycle moves it out
// of running. Cancellation and administrative aborts are honored only at
// chunk boundaries; an abort observed here was already accounted for by
// Abort itself, so only transitions this worker commits touch the gauge.
func (d *dispatcher) runTask(ctx context.Context, task *models.Task) {
	for task.Status == models.TaskStatusRunning {
		select {
		case <-ctx.Done():
			if err := d.lifecycle.Suspend(context.WithoutCancel(ctx), task); err != nil {
				log.WithError(err).WithField("task_id", task.ID).Error("Failed to suspend task on shutdown")
			}
			return
		default:
		}

		if stored, err := d.repo.GetTask(ctx, task.ID); err == nil && stored.Status != models.TaskStatusRunning {
			// Aborted externally between chunks.
			return
		}

		chunk := Head(task)
		shrinksBefore := task.Shrinks

		start := time.Now()
		result := d.executor.Run(ctx, task, chunk)
		duration := time.Since(start)

		status := "success"
		if result.Err != nil {
			status = "error"
		}

		committed, err := d.lifecycle.Conclude(ctx, task, chunk, result)
		if err != nil {
			log.WithError(err).WithFields(log.Fields{
				"task_id":   task.ID,
				"task_type": task.Name,
			}).Error("Failed to persist task transition")
			return
		}
		if !committed {
			// The write raced an abort; the task is terminal in the store.
			return
		}

		d.metrics.chunkDuration.WithLabelValues(task.Name, status).Observe(duration.Seconds())
		d.metrics.chunksProcessed.WithLabelValues(task.Name, status).Inc()
		if task.Shrinks > shrinksBefore {
			d.metrics.shrinksTotal.Inc()
		}
		if task.Status.Terminal() {
			d.metrics.queueDepth.Dec()
		}
	}
}

// Start launches the background dispatch loop.
func (d *dispatcher) Start(ctx context.Context) {
	if !d.IsEnabled() {
		log.Info("Queue disabled, dispatch loop not started")
		return
	}
	log.Info("Dispatcher starting")
	go d.dispatchLoop(ctx)
}

// dispatchLoop claims runnable tasks and hands them to worker goroutines,
// bounded by the worker semaphore. Per-target serialization comes from the
// claim itself, so workers only ever run distinct targets in parallel.
func (d *dispatcher) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			log.Info("Dispatcher stopping")
			return
		case <-d.stopChan:
			log.Info("Dispatcher stopped")
			return
		default:
			if err := d.workerSem.Acquire(ctx, 1); err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				log.WithError(err).Error("Failed to acquire worker slot")
				continue
			}

			task, err := d.repo.ClaimNextTask(ctx)
			if err != nil {
				d.workerSem.Release(1)
				if !errors.Is(err, models.ErrNoTasks) && !errors.Is(err, context.Canceled) {
					log.WithError(err).Error("Failed to claim next task")
				}
				time.Sleep(d.config.PollPeriod)
				continue
			}

			d.workerGroup.Go(func() error {
				defer d.workerSem.Release(1)
				d.runTask(ctx, task)
				return nil
			})
		}
	}
}

// Stop shuts down the dispatch loop and waits for in-flight chunks. Safe to
// call more than once.
func (d *dispatcher) Stop() error {
	d.stopOnce.Do(func() {
		close(d.stopChan)
	})
	return d.workerGroup.Wait()
}

// chunkSize resolves the configured chunk size for a task name.
func (d *dispatcher) chunkSize(name string) int {
	if size, ok := d.config.ChunkSizes[name]; ok {
		return size
	}
	return d.config.ChunkSizes[defaultChunkKey]
}

// newDispatcherMetrics initializes and registers Prometheus metrics.
func newDispatcherMetrics(reg prometheus.Registerer) (*dispatcherMetrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	metrics := &dispatcherMetrics{
		chunkDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "chunk_duration_seconds",
				Help:      "Duration of chunk executions in seconds",
			},
			[]string{"task_type", "status"},
		),
		chunksProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "chunks_processed_total",
				Help:      "Total number of executed chunks",
			},
			[]string{"task_type", "status"},
		),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "queue_depth",
			Help:      "Number of active tasks in the queue",
		}),
		mergedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "submissions_merged_total",
			Help:      "Submissions merged into an already active task",
		}),
		shrinksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "chunk_shrinks_total",
			Help:      "Chunks shrunk after repeated execution failures",
		}),
	}

	collectors := []prometheus.Collector{
		metrics.chunkDuration,
		metrics.chunksProcessed,
		metrics.queueDepth,
		metrics.mergedTotal,
		metrics.shrinksTotal,
	}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("failed to register dispatcher metrics: %w", err)
		}
	}

	return metrics, nil
}
