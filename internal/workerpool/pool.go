// Package workerpool provides a bounded-concurrency task executor, adapted
// from froz-husain-PairDB/storage-node's internal/util/workerpool package.
// The Tablet Manager uses one pool instance to parallelize tablet
// bootstraps, bounded by tablet.num_tablets_to_open_simultaneously.
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is a unit of work submitted to the pool.
type Task struct {
	ID string
	Fn func(context.Context) error
}

// Config configures a new WorkerPool.
type Config struct {
	Name       string
	MaxWorkers int
	QueueSize  int
	Logger     *zap.Logger
}

// WorkerPool runs submitted tasks across a fixed number of goroutines.
type WorkerPool struct {
	name       string
	maxWorkers int
	taskQueue  chan Task
	queueSize  int
	logger     *zap.Logger

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopChan chan struct{}

	// idleMu/idleCond/outstanding implement Wait(): an idle barrier that,
	// unlike Stop, does not stop the pool from accepting further tasks.
	idleMu      sync.Mutex
	idleCond    *sync.Cond
	outstanding int64

	activeWorkers  int32
	totalTasks     uint64
	completedTasks uint64
	failedTasks    uint64
	rejectedTasks  uint64
}

// New creates a worker pool and starts its workers immediately.
func New(cfg Config) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 10
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.MaxWorkers * 4
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	p := &WorkerPool{
		name:       cfg.Name,
		maxWorkers: cfg.MaxWorkers,
		queueSize:  cfg.QueueSize,
		taskQueue:  make(chan Task, cfg.QueueSize),
		logger:     cfg.Logger,
		stopChan:   make(chan struct{}),
	}
	p.idleCond = sync.NewCond(&p.idleMu)

	for i := 0; i < p.maxWorkers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.logger.Info("worker pool started",
		zap.String("name", p.name),
		zap.Int("max_workers", p.maxWorkers))

	return p
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopChan:
			return
		case task, ok := <-p.taskQueue:
			if !ok {
				return
			}
			p.executeTask(id, task)
		}
	}
}

func (p *WorkerPool) executeTask(workerID int, task Task) {
	atomic.AddInt32(&p.activeWorkers, 1)
	start := time.Now()

	err := p.safeExecute(task)

	atomic.AddInt32(&p.activeWorkers, -1)
	duration := time.Since(start)

	if err != nil {
		atomic.AddUint64(&p.failedTasks, 1)
		p.logger.Error("task failed",
			zap.String("pool", p.name),
			zap.Int("worker_id", workerID),
			zap.String("task_id", task.ID),
			zap.Duration("duration", duration),
			zap.Error(err))
	} else {
		atomic.AddUint64(&p.completedTasks, 1)
		p.logger.Debug("task completed",
			zap.String("pool", p.name),
			zap.Int("worker_id", workerID),
			zap.String("task_id", task.ID),
			zap.Duration("duration", duration))
	}

	p.idleMu.Lock()
	p.outstanding--
	if p.outstanding == 0 {
		p.idleCond.Broadcast()
	}
	p.idleMu.Unlock()
}

func (p *WorkerPool) safeExecute(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %q panicked: %v", task.ID, r)
		}
	}()
	return task.Fn(context.Background())
}

// Submit enqueues a task, blocking while the queue is full. It rejects the
// task if the pool has been stopped.
func (p *WorkerPool) Submit(task Task) error {
	select {
	case <-p.stopChan:
		atomic.AddUint64(&p.rejectedTasks, 1)
		return fmt.Errorf("worker pool %q is stopped", p.name)
	default:
	}

	p.idleMu.Lock()
	p.outstanding++
	p.idleMu.Unlock()

	select {
	case p.taskQueue <- task:
		atomic.AddUint64(&p.totalTasks, 1)
		return nil
	case <-p.stopChan:
		p.idleMu.Lock()
		p.outstanding--
		if p.outstanding == 0 {
			p.idleCond.Broadcast()
		}
		p.idleMu.Unlock()
		atomic.AddUint64(&p.rejectedTasks, 1)
		return fmt.Errorf("worker pool %q is stopped", p.name)
	}
}

// Wait blocks until the pool has no queued or in-flight tasks. Unlike
// Stop, it does not prevent further submissions — a task submitted
// concurrently with Wait is guaranteed to be observed (outstanding is
// incremented before Submit attempts delivery).
func (p *WorkerPool) Wait() {
	p.idleMu.Lock()
	for p.outstanding > 0 {
		p.idleCond.Wait()
	}
	p.idleMu.Unlock()
}

// Stop stops accepting new tasks and waits for in-flight ones to finish,
// up to timeout.
func (p *WorkerPool) Stop(timeout time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		p.logger.Info("stopping worker pool", zap.String("name", p.name))
		close(p.stopChan)

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			p.logger.Info("worker pool stopped", zap.String("name", p.name))
		case <-time.After(timeout):
			err = fmt.Errorf("worker pool %q stop timeout after %v", p.name, timeout)
			p.logger.Warn("worker pool stop timeout", zap.String("name", p.name))
		}
	})
	return err
}

// Stats is a point-in-time snapshot of pool activity.
type Stats struct {
	MaxWorkers     int
	ActiveWorkers  int
	QueuedTasks    int
	TotalTasks     uint64
	CompletedTasks uint64
	FailedTasks    uint64
	RejectedTasks  uint64
}

// Stats returns a snapshot of the pool's counters.
func (p *WorkerPool) Stats() Stats {
	return Stats{
		MaxWorkers:     p.maxWorkers,
		ActiveWorkers:  int(atomic.LoadInt32(&p.activeWorkers)),
		QueuedTasks:    len(p.taskQueue),
		TotalTasks:     atomic.LoadUint64(&p.totalTasks),
		CompletedTasks: atomic.LoadUint64(&p.completedTasks),
		FailedTasks:    atomic.LoadUint64(&p.failedTasks),
		RejectedTasks:  atomic.LoadUint64(&p.rejectedTasks),
	}
}
