package async

import (
	"database/sql"
	"time"

	"github.com/teranos/cachet/errors"
)

// Store handles persistence of async jobs
type Store struct {
	db *sql.DB
}

// NewStore creates a new async job store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateJob inserts a new job into the database
func (s *Store) CreateJob(job *Job) error {
	query := `
		INSERT INTO async_jobs (
			id, handler_name, source, status,
			progress_current, progress_total,
			payload, result, error, retry_count,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.Exec(query,
		job.ID,
		nullString(job.HandlerName),
		job.Source,
		job.Status,
		job.Progress.Current,
		job.Progress.Total,
		nullString(string(job.Payload)),
		nullString(string(job.Result)),
		nullString(job.Error),
		job.RetryCount,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to create job")
	}
	return nil
}

// GetJob retrieves a job by ID
func (s *Store) GetJob(id string) (*Job, error) {
	query := `SELECT ` + StandardJobSelectColumns() + ` FROM async_jobs WHERE id = ?`

	var job Job
	err := ScanJobFromRow(s.db.QueryRow(query, id), &job)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("job %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get job")
	}
	return &job, nil
}

// UpdateJob overwrites every mutable column of a job
func (s *Store) UpdateJob(job *Job) error {
	query := `
		UPDATE async_jobs
		SET handler_name = ?,
		    payload = ?,
		    status = ?,
		    progress_current = ?,
		    progress_total = ?,
		    result = ?,
		    error = ?,
		    retry_count = ?,
		    started_at = ?,
		    completed_at = ?,
		    updated_at = ?
		WHERE id = ?
	`

	_, err := s.db.Exec(query,
		nullString(job.HandlerName),
		nullString(string(job.Payload)),
		job.Status,
		job.Progress.Current,
		job.Progress.Total,
		nullString(string(job.Result)),
		job.Error,
		job.RetryCount,
		job.StartedAt,
		job.CompletedAt,
		job.UpdatedAt,
		job.ID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update job")
	}
	return nil
}

// FinishJob writes a job's terminal state and final payload unless the job
// already reached one. Returns false when the row was left alone, e.g. because
// the job was cancelled while its handler ran.
func (s *Store) FinishJob(job *Job) (bool, error) {
	query := `
		UPDATE async_jobs
		SET status = ?,
		    progress_current = ?,
		    payload = ?,
		    result = ?,
		    error = ?,
		    completed_at = ?,
		    updated_at = ?
		WHERE id = ?
		  AND status IN ('queued', 'running')
	`

	result, err := s.db.Exec(query,
		job.Status,
		job.Progress.Current,
		nullString(string(job.Payload)),
		nullString(string(job.Result)),
		job.Error,
		job.CompletedAt,
		job.UpdatedAt,
		job.ID,
	)
	if err != nil {
		return false, errors.Wrap(err, "failed to finish job")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	return rows == 1, nil
}

// RequeueJob puts a running job back in the queue with its retry count and
// error. Returns false when the job is no longer running.
func (s *Store) RequeueJob(job *Job) (bool, error) {
	job.Status = JobStatusQueued
	job.UpdatedAt = time.Now()
	result, err := s.db.Exec(`
		UPDATE async_jobs
		SET status = ?, retry_count = ?, error = ?, updated_at = ?
		WHERE id = ? AND status = 'running'`,
		job.Status, job.RetryCount, job.Error, job.UpdatedAt, job.ID)
	if err != nil {
		return false, errors.Wrap(err, "failed to requeue job")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	return rows == 1, nil
}

// ClaimNextQueued moves the oldest queued job to running and returns it.
// Returns nil when nothing is queued. Safe across processes sharing the database:
// a claim lost to another worker moves on to the next candidate.
func (s *Store) ClaimNextQueued() (*Job, error) {
	for attempt := 0; attempt < maxClaimAttempts; attempt++ {
		query := `SELECT ` + StandardJobSelectColumns() + `
			FROM async_jobs
			WHERE status = 'queued'
			ORDER BY created_at ASC
			LIMIT 1`

		var job Job
		err := ScanJobFromRow(s.db.QueryRow(query), &job)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, errors.Wrap(err, "failed to select queued job")
		}

		job.Start()
		result, err := s.db.Exec(`
			UPDATE async_jobs
			SET status = ?, started_at = ?, updated_at = ?
			WHERE id = ? AND status = 'queued'`,
			job.Status, job.StartedAt, job.UpdatedAt, job.ID)
		if err != nil {
			return nil, errors.Wrap(err, "failed to claim job")
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return nil, errors.Wrap(err, "failed to get rows affected")
		}
		if rows == 1 {
			return &job, nil
		}
	}
	return nil, nil
}

const maxClaimAttempts = 5

// ListJobs returns jobs newest first, optionally filtered by status
func (s *Store) ListJobs(status *JobStatus, limit int) ([]*Job, error) {
	var query string
	var args []interface{}

	baseQuery := `SELECT ` + StandardJobSelectColumns() + ` FROM async_jobs`
	if status != nil {
		query = baseQuery + ` WHERE status = ? ORDER BY created_at DESC LIMIT ?`
		args = []interface{}{*status, limit}
	} else {
		query = baseQuery + ` ORDER BY created_at DESC LIMIT ?`
		args = []interface{}{limit}
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	return scanJobs(rows, "jobs")
}

// ListActiveJobs returns all jobs that are currently queued or running
func (s *Store) ListActiveJobs(limit int) ([]*Job, error) {
	query := `SELECT ` + StandardJobSelectColumns() + `
		FROM async_jobs
		WHERE status IN ('queued', 'running')
		ORDER BY created_at DESC
		LIMIT ?`

	rows, err := s.db.Query(query, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list active jobs")
	}
	defer rows.Close()

	return scanJobs(rows, "active jobs")
}

// scanJobs scans every remaining row of a job query
func scanJobs(rows *sql.Rows, context string) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		var job Job
		if err := ScanJobFromRows(rows, &job); err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, &job)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "error iterating %s", context)
	}

	return jobs, nil
}

// DeleteJob removes a job from the database
func (s *Store) DeleteJob(id string) error {
	result, err := s.db.Exec(`DELETE FROM async_jobs WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "failed to delete job")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.NewNotFoundError("job %s", id)
	}
	return nil
}

// CleanupOldJobs removes terminal jobs last updated before now-olderThan
func (s *Store) CleanupOldJobs(olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)

	query := `
		DELETE FROM async_jobs
		WHERE status IN ('completed', 'failed', 'cancelled')
		  AND updated_at < ?
	`

	result, err := s.db.Exec(query, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to cleanup old jobs")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(rows), nil
}

// CountByStatus returns the number of jobs in each status
func (s *Store) CountByStatus() (map[JobStatus]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM async_jobs GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count jobs")
	}
	defer rows.Close()

	counts := make(map[JobStatus]int)
	for rows.Next() {
		var status JobStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan job count")
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating job counts")
	}
	return counts, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
