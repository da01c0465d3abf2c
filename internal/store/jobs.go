package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// JobStatus represents the current state of an analysis job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Done reports whether the status is terminal.
func (s JobStatus) Done() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// JobKindTiling covers an annotation with measured tile objects.
const JobKindTiling = "tiling"

// TilingParams contains the parameters of a tiling job.
type TilingParams struct {
	SlideID      string `json:"slide_id"`
	AnnotationID string `json:"annotation_id"`
	// Level is the pyramid level the tiles are read at.
	Level int `json:"level"`
	// TileSize is the tile edge in full-resolution pixels.
	TileSize       int    `json:"tile_size"`
	Classification string `json:"classification,omitempty"`
}

// JobProgress represents the progress of a job.
type JobProgress struct {
	Phase string `json:"phase"`
	Done  int    `json:"done"`
	Total int    `json:"total"`
}

// Job represents an analysis job.
type Job struct {
	ID         string       `json:"job_id"`
	SlideID    string       `json:"slide_id"`
	Kind       string       `json:"kind"`
	Status     JobStatus    `json:"status"`
	Params     TilingParams `json:"params"`
	Progress   JobProgress  `json:"progress"`
	Created    int          `json:"created_objects"`
	CreatedAt  time.Time    `json:"created_at"`
	StartedAt  *time.Time   `json:"started_at,omitempty"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
	Error      string       `json:"error,omitempty"`
}

const jobColumns = `job_id, slide_id, kind, status, params_json, phase, done, total, created_objects, error, created_at, started_at, finished_at`

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// CreateJob stores a new job record.
func (s *Store) CreateJob(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	paramsJSON, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}
	if job.Kind == "" {
		job.Kind = JobKindTiling
	}

	_, err = s.db.Exec(`INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL)`,
		job.ID,
		job.SlideID,
		job.Kind,
		string(job.Status),
		string(paramsJSON),
		job.Progress.Phase,
		job.Progress.Done,
		job.Progress.Total,
		job.Created,
		job.Error,
		job.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetJob retrieves a job by ID. It returns nil and no error when the job
// does not exist.
func (s *Store) GetJob(jobID string) (*Job, error) {
	rows, err := s.db.Query(`SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs, err := scanJobs(rows)
	if err != nil || len(jobs) == 0 {
		return nil, err
	}
	return jobs[0], nil
}

// UpdateJobStatus sets the status and error message. Terminal statuses
// also record the finish time.
func (s *Store) UpdateJobStatus(jobID string, status JobStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var finishedAt *string
	if status.Done() {
		t := now()
		finishedAt = &t
	}

	_, err := s.db.Exec(`
		UPDATE jobs SET status = ?, error = ?, finished_at = COALESCE(?, finished_at)
		WHERE job_id = ?
	`, string(status), errMsg, finishedAt, jobID)
	return err
}

// UpdateJobStarted marks a job as running with start time.
func (s *Store) UpdateJobStarted(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE jobs SET status = ?, started_at = ? WHERE job_id = ?`,
		string(JobStatusRunning), now(), jobID)
	return err
}

// UpdateJobProgress updates the progress fields.
func (s *Store) UpdateJobProgress(jobID string, phase string, done, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE jobs SET phase = ?, done = ?, total = ? WHERE job_id = ?`,
		phase, done, total, jobID)
	return err
}

// UpdateJobCreated records how many objects a job inserted.
func (s *Store) UpdateJobCreated(jobID string, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE jobs SET created_objects = ? WHERE job_id = ?`, n, jobID)
	return err
}

// ListJobsBySlide returns every job of a slide, newest first.
func (s *Store) ListJobsBySlide(slideID string) ([]*Job, error) {
	rows, err := s.db.Query(`SELECT `+jobColumns+` FROM jobs WHERE slide_id = ? ORDER BY created_at DESC, rowid DESC`, slideID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

// ListQueuedJobs returns all queued jobs (for restart recovery).
func (s *Store) ListQueuedJobs() ([]*Job, error) {
	rows, err := s.db.Query(`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY created_at ASC, rowid ASC`,
		string(JobStatusQueued))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

// MarkRunningAsFailed marks all running jobs as failed (for restart recovery).
func (s *Store) MarkRunningAsFailed(errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE jobs SET status = ?, error = ?, finished_at = ? WHERE status = ?`,
		string(JobStatusFailed), errMsg, now(), string(JobStatusRunning))
	return err
}

// DeleteExpiredJobs deletes finished jobs older than retentionDays.
func (s *Store) DeleteExpiredJobs(retentionDays int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays).Format(time.RFC3339)
	result, err := s.db.Exec(`DELETE FROM jobs WHERE finished_at IS NOT NULL AND finished_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// DeleteJob deletes a job.
func (s *Store) DeleteJob(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM jobs WHERE job_id = ?", jobID)
	return err
}

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		var job Job
		var paramsJSON, createdAtStr string
		var startedAtStr, finishedAtStr sql.NullString

		err := rows.Scan(
			&job.ID,
			&job.SlideID,
			&job.Kind,
			&job.Status,
			&paramsJSON,
			&job.Progress.Phase,
			&job.Progress.Done,
			&job.Progress.Total,
			&job.Created,
			&job.Error,
			&createdAtStr,
			&startedAtStr,
			&finishedAtStr,
		)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(paramsJSON), &job.Params); err != nil {
			return nil, fmt.Errorf("failed to unmarshal params: %w", err)
		}

		job.CreatedAt, _ = time.Parse(time.RFC3339, createdAtStr)
		job.StartedAt = parseTime(startedAtStr)
		job.FinishedAt = parseTime(finishedAtStr)
		jobs = append(jobs, &job)
	}
	return jobs, rows.Err()
}

func parseTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return nil
	}
	return &t
}
