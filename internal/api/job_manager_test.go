package api

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pathtiles/server/internal/store"
)

func newTestJobManager(t *testing.T, cfg JobManagerConfig) (*JobManager, *store.Store) {
	t.Helper()
	st, err := store.NewStore(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	jm, err := NewJobManager(cfg, st)
	if err != nil {
		t.Fatal(err)
	}
	return jm, st
}

func waitStatus(t *testing.T, jm *JobManager, id string, want store.JobStatus) *store.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if job := jm.Get(id); job != nil && job.Status == want {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %s (now %+v)", id, want, jm.Get(id))
	return nil
}

func TestJobManagerRunsJobs(t *testing.T) {
	jm, _ := newTestJobManager(t, JobManagerConfig{MaxConcurrent: 2})
	var finished atomic.Int32
	jm.Executor = func(ctx context.Context, st *store.Store, jobID string) error {
		if jobID == "" {
			return errors.New("no id")
		}
		return nil
	}
	jm.OnFinished = func(kind string, status store.JobStatus) { finished.Add(1) }
	jm.Start()
	defer jm.Stop()

	job, err := jm.Submit(store.TilingParams{SlideID: "s1", TileSize: 64})
	if err != nil {
		t.Fatal(err)
	}
	got := waitStatus(t, jm, job.ID, store.JobStatusCompleted)
	if got.StartedAt == nil || got.FinishedAt == nil {
		t.Fatalf("timestamps = %+v", got)
	}
	if got.Kind != store.JobKindTiling || got.Params.TileSize != 64 {
		t.Fatalf("job = %+v", got)
	}
	if finished.Load() != 1 {
		t.Fatalf("OnFinished called %d times", finished.Load())
	}
}

func TestJobManagerFailureAndCancel(t *testing.T) {
	jm, _ := newTestJobManager(t, JobManagerConfig{MaxConcurrent: 1})
	started := make(chan struct{}, 1)
	jm.Executor = func(ctx context.Context, st *store.Store, jobID string) error {
		job, _ := st.GetJob(jobID)
		switch job.Params.Classification {
		case "fail":
			return errors.New("boom")
		case "block":
			started <- struct{}{}
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}
	jm.Start()
	defer jm.Stop()

	failing, _ := jm.Submit(store.TilingParams{SlideID: "s1", Classification: "fail"})
	if got := waitStatus(t, jm, failing.ID, store.JobStatusFailed); got.Error != "boom" {
		t.Fatalf("error = %q", got.Error)
	}

	blocking, _ := jm.Submit(store.TilingParams{SlideID: "s1", Classification: "block"})
	<-started
	// the single worker is busy, so this one waits in the queue
	queued, _ := jm.Submit(store.TilingParams{SlideID: "s1"})
	if !jm.Cancel(queued.ID) {
		t.Fatal("cancel of queued job failed")
	}
	if !jm.Cancel(blocking.ID) {
		t.Fatal("cancel of running job failed")
	}
	waitStatus(t, jm, blocking.ID, store.JobStatusCancelled)

	// the cancelled queued job is skipped, not run
	time.Sleep(50 * time.Millisecond)
	if got := jm.Get(queued.ID); got.Status != store.JobStatusCancelled || got.StartedAt != nil {
		t.Fatalf("queued job = %+v", got)
	}
	if jm.Cancel("missing") {
		t.Fatal("cancel of unknown job succeeded")
	}
}

func TestJobManagerRecoversAfterRestart(t *testing.T) {
	st, err := store.NewStore(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	// jobs left behind by a previous process
	now := time.Now()
	for _, j := range []*store.Job{
		{ID: "was-running", SlideID: "s1", Status: store.JobStatusQueued, CreatedAt: now},
		{ID: "was-queued", SlideID: "s1", Status: store.JobStatusQueued, CreatedAt: now},
	} {
		if err := st.CreateJob(j); err != nil {
			t.Fatal(err)
		}
	}
	if err := st.UpdateJobStarted("was-running"); err != nil {
		t.Fatal(err)
	}

	jm, err := NewJobManager(JobManagerConfig{}, st)
	if err != nil {
		t.Fatal(err)
	}
	jm.Executor = func(ctx context.Context, st *store.Store, jobID string) error { return nil }
	jm.Start()
	defer jm.Stop()

	if got := waitStatus(t, jm, "was-running", store.JobStatusFailed); got.Error != "server restarted" {
		t.Fatalf("error = %q", got.Error)
	}
	waitStatus(t, jm, "was-queued", store.JobStatusCompleted)
}

func TestJobManagerStop(t *testing.T) {
	jm, _ := newTestJobManager(t, JobManagerConfig{})
	jm.Start()
	jm.Stop()
	jm.Stop()
	if _, err := jm.Submit(store.TilingParams{SlideID: "s1"}); !errors.Is(err, ErrJobManagerStopped) {
		t.Fatalf("Submit after Stop = %v", err)
	}
}
