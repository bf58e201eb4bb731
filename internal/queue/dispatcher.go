package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hazyhaar/ocrd/internal/gpu"
	"github.com/hazyhaar/ocrd/internal/store"
)

// Options configures a dispatcher for one job kind.
type Options struct {
	// Name labels the dispatcher in logs and snapshots, e.g. "ocr_queue".
	Name string
	// Kind is the job kind this dispatcher serves.
	Kind Kind
	// MaxWorkers bounds concurrent workers. Default: 1.
	MaxWorkers int
	// QueueCapacity bounds each lane. Default: 100.
	QueueCapacity int
	// AcquireTimeout bounds the wait for the GPU per job. Default: 300s.
	AcquireTimeout time.Duration
	// PollInterval is the idle-worker sleep between dequeue attempts.
	// Default: 1s.
	PollInterval time.Duration

	Store  *store.Store
	GPU    *gpu.Controller
	Engine Engine
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Name == "" {
		o.Name = string(o.Kind) + "_queue"
	}
	if o.MaxWorkers <= 0 {
		o.MaxWorkers = 1
	}
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = 100
	}
	if o.AcquireTimeout <= 0 {
		o.AcquireTimeout = 300 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Dispatcher owns the queues and worker pool for one job kind. Workers
// are started on the first Submit, not at construction, so an idle
// deployment carries no goroutines for the unused kind.
type Dispatcher struct {
	opts  Options
	queue *queue

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
	active  map[string]struct{}
}

// New creates a dispatcher. Store, GPU and Engine are required.
func New(opts Options) *Dispatcher {
	opts.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		opts:   opts,
		queue:  newQueue(opts.QueueCapacity),
		ctx:    ctx,
		cancel: cancel,
		active: make(map[string]struct{}),
	}
}

// Submit records the job as pending and enqueues it. The pending record
// is visible to pollers before Submit returns. A full lane fails the job
// immediately with an error record.
func (d *Dispatcher) Submit(ctx context.Context, j *Job) error {
	if j.SubmittedAt.IsZero() {
		j.SubmittedAt = time.Now()
	}

	rec := store.Record{
		ID:          j.ID,
		Status:      store.StatusPending,
		SubmittedAt: j.SubmittedAt,
	}
	if err := d.opts.Store.Put(ctx, rec); err != nil {
		return fmt.Errorf("record pending job %s: %w", j.ID, err)
	}

	if err := d.queue.enqueue(j); err != nil {
		rec.Status = store.StatusError
		rec.Error = "queue full"
		if perr := d.opts.Store.Put(ctx, rec); perr != nil {
			d.opts.Logger.Error("record queue-full failure",
				"queue", d.opts.Name, "job_id", j.ID, "error", perr)
		}
		return fmt.Errorf("enqueue job %s: %w", j.ID, err)
	}

	d.ensureWorkers()
	d.opts.Logger.Info("job queued",
		"queue", d.opts.Name,
		"job_id", j.ID,
		"filename", j.Filename,
		"priority", j.Priority)
	return nil
}

func (d *Dispatcher) ensureWorkers() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true

	for i := 0; i < d.opts.MaxWorkers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
	d.opts.Logger.Info("workers started",
		"queue", d.opts.Name, "max_workers", d.opts.MaxWorkers)
}

func (d *Dispatcher) worker(idx int) {
	defer d.wg.Done()
	holder := fmt.Sprintf("%s_worker_%d", d.opts.Kind, idx)

	for {
		select {
		case <-d.ctx.Done():
			return
		default:
		}

		j := d.queue.tryDequeue()
		if j == nil {
			select {
			case <-d.ctx.Done():
				return
			case <-time.After(d.opts.PollInterval):
			}
			continue
		}
		d.process(j, holder)
	}
}

// process drives one job through its full lifecycle. The store write
// ordering is fixed: processing before the GPU wait, then exactly one
// terminal write. The GPU lease is released on every path once held.
func (d *Dispatcher) process(j *Job, holder string) {
	d.markActive(j.ID, true)
	defer d.markActive(j.ID, false)

	log := d.opts.Logger.With("queue", d.opts.Name, "job_id", j.ID, "worker", holder)
	start := time.Now()

	rec := store.Record{
		ID:          j.ID,
		Status:      store.StatusProcessing,
		Progress:    1,
		SubmittedAt: j.SubmittedAt,
	}
	if err := d.opts.Store.Put(d.ctx, rec); err != nil {
		log.Error("record processing state", "error", err)
	}

	if !d.opts.GPU.WaitAcquire(d.ctx, holder, d.opts.AcquireTimeout) {
		if d.ctx.Err() != nil {
			// Shutdown while waiting. The record stays non-terminal and
			// the durable store hands it back to the operator.
			log.Warn("shutdown during gpu wait")
			return
		}
		d.fail(j, "gpu acquisition timeout")
		return
	}
	defer d.opts.GPU.Release(holder)

	// Progress writes are monotonic per job and stay below the terminal
	// write; the terminal states own 100.
	last := 1
	progress := func(p int) {
		if p <= last || p >= 100 {
			return
		}
		last = p
		rec.Progress = p
		if err := d.opts.Store.Put(context.WithoutCancel(d.ctx), rec); err != nil {
			log.Error("record progress", "error", err)
		}
	}

	// In-flight inference is never cancelled by shutdown; the worker
	// finishes the job it holds the GPU for, then exits.
	result, err := d.opts.Engine.Run(context.WithoutCancel(d.ctx), j, progress)
	if err != nil {
		log.Error("inference failed", "error", err, "elapsed", time.Since(start))
		if errors.Is(err, gpu.ErrOutOfMemory) {
			d.opts.GPU.ClearCache()
		}
		d.fail(j, err.Error())
		return
	}

	rec.Status = store.StatusCompleted
	rec.Progress = 100
	rec.Result = result
	if perr := d.opts.Store.Put(context.WithoutCancel(d.ctx), rec); perr != nil {
		log.Error("record completion", "error", perr)
		return
	}
	log.Info("job completed", "elapsed", time.Since(start))
}

func (d *Dispatcher) fail(j *Job, msg string) {
	rec := store.Record{
		ID:          j.ID,
		Status:      store.StatusError,
		Error:       msg,
		SubmittedAt: j.SubmittedAt,
	}
	if err := d.opts.Store.Put(context.WithoutCancel(d.ctx), rec); err != nil {
		d.opts.Logger.Error("record failure",
			"queue", d.opts.Name, "job_id", j.ID, "error", err)
	}
}

func (d *Dispatcher) markActive(id string, on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if on {
		d.active[id] = struct{}{}
	} else {
		delete(d.active, id)
	}
}

// Snapshot is the advisory queue state exposed by the status endpoints.
// ActiveJobs is the in-flight count; CurrentJobs lists their ids.
type Snapshot struct {
	ActiveJobs        int      `json:"active_jobs"`
	MaxWorkers        int      `json:"max_workers"`
	CurrentJobs       []string `json:"current_jobs"`
	QueueSize         int      `json:"queue_size"`
	PriorityQueueSize int      `json:"priority_queue_size"`
	TotalPending      int      `json:"total_pending"`
}

// Status returns a point-in-time view of the dispatcher. Lane depths and
// the active set are read independently; the snapshot is advisory.
func (d *Dispatcher) Status() Snapshot {
	d.mu.Lock()
	active := make([]string, 0, len(d.active))
	for id := range d.active {
		active = append(active, id)
	}
	d.mu.Unlock()
	sort.Strings(active)

	normal, priority := d.queue.depths()
	return Snapshot{
		ActiveJobs:        len(active),
		MaxWorkers:        d.opts.MaxWorkers,
		CurrentJobs:       active,
		QueueSize:         normal,
		PriorityQueueSize: priority,
		TotalPending:      normal + priority,
	}
}

// Close stops the workers and waits for in-flight jobs to finish. Queued
// jobs that never started stay pending in the store.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}
