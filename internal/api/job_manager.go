package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/pathtiles/server/internal/store"
)

// ErrJobManagerStopped is returned by Submit after Stop.
var ErrJobManagerStopped = errors.New("job manager stopped")

// JobManagerConfig contains configuration for the job manager.
type JobManagerConfig struct {
	MaxConcurrent int // Max concurrent jobs (default 1)
	QueueSize     int // Pending job capacity (default 100)
	RetentionDays int // Days to keep finished jobs (default 7)
	CleanupPeriod time.Duration
}

// JobManager runs analysis jobs on a worker pool with SQLite persistence.
type JobManager struct {
	cfg      JobManagerConfig
	store    *store.Store
	queue    chan string // job IDs
	running  map[string]context.CancelFunc
	mu       sync.Mutex
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
	stopped  bool

	// Executor is called to run the actual analysis.
	Executor func(ctx context.Context, store *store.Store, jobID string) error
	// OnFinished, if set, is called with the final status of every job run.
	OnFinished func(kind string, status store.JobStatus)
}

// NewJobManager creates a job manager over st. The store stays owned by the
// caller.
func NewJobManager(cfg JobManagerConfig, st *store.Store) (*JobManager, error) {
	if st == nil {
		return nil, errors.New("job manager needs a store")
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}
	if cfg.CleanupPeriod <= 0 {
		cfg.CleanupPeriod = 1 * time.Hour
	}

	jm := &JobManager{
		cfg:     cfg,
		store:   st,
		queue:   make(chan string, cfg.QueueSize),
		running: make(map[string]context.CancelFunc),
		stopCh:  make(chan struct{}),
	}
	return jm, nil
}

// Store returns the underlying store for direct access.
func (jm *JobManager) Store() *store.Store {
	return jm.store
}

// Start starts the worker goroutines and cleanup ticker.
// Also recovers from previous shutdown.
func (jm *JobManager) Start() {
	// Mark any running jobs as failed (server restart)
	if err := jm.store.MarkRunningAsFailed("server restarted"); err != nil {
		log.Printf("[JobManager] failed to mark running jobs as failed: %v", err)
	}

	// Re-queue any queued jobs
	queued, err := jm.store.ListQueuedJobs()
	if err != nil {
		log.Printf("[JobManager] failed to list queued jobs: %v", err)
	} else {
		for _, job := range queued {
			select {
			case jm.queue <- job.ID:
				log.Printf("[JobManager] re-queued job %s", job.ID)
			default:
				log.Printf("[JobManager] queue full, cannot re-queue job %s", job.ID)
			}
		}
	}

	for i := 0; i < jm.cfg.MaxConcurrent; i++ {
		jm.wg.Add(1)
		go jm.worker()
	}

	go jm.cleaner()
}

// Stop cancels running jobs and waits for the workers to exit. Jobs still
// queued stay queued in the store and are picked up by the next Start.
func (jm *JobManager) Stop() {
	jm.stopOnce.Do(func() {
		jm.mu.Lock()
		jm.stopped = true
		for _, cancel := range jm.running {
			cancel()
		}
		close(jm.stopCh)
		close(jm.queue)
		jm.mu.Unlock()
		jm.wg.Wait()
	})
}

func (jm *JobManager) worker() {
	defer jm.wg.Done()
	for jobID := range jm.queue {
		select {
		case <-jm.stopCh:
			return
		default:
		}
		jm.runJob(jobID)
	}
}

func (jm *JobManager) runJob(jobID string) {
	job, err := jm.store.GetJob(jobID)
	if err != nil || job == nil {
		log.Printf("[JobManager] job %s disappeared before start: %v", jobID, err)
		return
	}
	if job.Status != store.JobStatusQueued {
		// cancelled while waiting in the queue
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jm.mu.Lock()
	jm.running[jobID] = cancel
	jm.mu.Unlock()

	defer func() {
		jm.mu.Lock()
		delete(jm.running, jobID)
		jm.mu.Unlock()
	}()

	if err := jm.store.UpdateJobStarted(jobID); err != nil {
		log.Printf("[JobManager] failed to update job %s as started: %v", jobID, err)
		return
	}
	log.Printf("[JobManager] running job %s (%s on %s)", jobID, job.Kind, job.SlideID)

	var execErr error
	if jm.Executor != nil {
		execErr = jm.Executor(ctx, jm.store, jobID)
	}

	status := store.JobStatusCompleted
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		status = store.JobStatusCancelled
		msg := "cancelled by user"
		jm.mu.Lock()
		if jm.stopped {
			msg = "server shutting down"
		}
		jm.mu.Unlock()
		jm.store.UpdateJobStatus(jobID, status, msg)
	case execErr != nil:
		status = store.JobStatusFailed
		log.Printf("[JobManager] job %s failed: %v", jobID, execErr)
		jm.store.UpdateJobStatus(jobID, status, execErr.Error())
	default:
		jm.store.UpdateJobStatus(jobID, status, "")
	}
	if jm.OnFinished != nil {
		jm.OnFinished(job.Kind, status)
	}
}

func (jm *JobManager) cleaner() {
	ticker := time.NewTicker(jm.cfg.CleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-jm.stopCh:
			return
		case <-ticker.C:
			jm.cleanup()
		}
	}
}

func (jm *JobManager) cleanup() {
	deleted, err := jm.store.DeleteExpiredJobs(jm.cfg.RetentionDays)
	if err != nil {
		log.Printf("[JobManager] cleanup error: %v", err)
	} else if deleted > 0 {
		log.Printf("[JobManager] cleaned up %d expired jobs", deleted)
	}
}

// Submit creates a new tiling job and enqueues it for execution.
func (jm *JobManager) Submit(params store.TilingParams) (*store.Job, error) {
	id := generateJobID()
	job := &store.Job{
		ID:        id,
		SlideID:   params.SlideID,
		Kind:      store.JobKindTiling,
		Status:    store.JobStatusQueued,
		Params:    params,
		CreatedAt: time.Now(),
	}

	jm.mu.Lock()
	defer jm.mu.Unlock()
	if jm.stopped {
		return nil, ErrJobManagerStopped
	}

	if err := jm.store.CreateJob(job); err != nil {
		return nil, err
	}

	select {
	case jm.queue <- id:
	default:
		// Queue full; mark as failed immediately
		jm.store.UpdateJobStatus(id, store.JobStatusFailed, "job queue is full; try again later")
		job.Status = store.JobStatusFailed
	}

	return job, nil
}

// Get returns a job by ID.
func (jm *JobManager) Get(id string) *store.Job {
	job, err := jm.store.GetJob(id)
	if err != nil {
		log.Printf("[JobManager] error getting job %s: %v", id, err)
		return nil
	}
	return job
}

// List returns the jobs of a slide, newest first.
func (jm *JobManager) List(slideID string) ([]*store.Job, error) {
	return jm.store.ListJobsBySlide(slideID)
}

// Cancel attempts to cancel a queued or running job.
func (jm *JobManager) Cancel(id string) bool {
	jm.mu.Lock()
	cancel, ok := jm.running[id]
	jm.mu.Unlock()

	if ok && cancel != nil {
		cancel()
		return true
	}

	// If not running, try to mark as cancelled in DB
	job, err := jm.store.GetJob(id)
	if err != nil || job == nil {
		return false
	}
	if job.Status == store.JobStatusQueued {
		jm.store.UpdateJobStatus(id, store.JobStatusCancelled, "cancelled before start")
		return true
	}
	return false
}

// Delete deletes a job record.
func (jm *JobManager) Delete(id string) error {
	return jm.store.DeleteJob(id)
}

func generateJobID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}
