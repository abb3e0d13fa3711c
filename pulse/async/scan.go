package async

import (
	"database/sql"
)

// JobScanArgs holds the nullable columns of a job row during scanning
type JobScanArgs struct {
	HandlerName sql.NullString
	Payload     sql.NullString
	Result      sql.NullString
	ErrorMsg    sql.NullString
	StartedAt   sql.NullTime
	CompletedAt sql.NullTime
}

// GetJobScanTargets returns scan destinations in StandardJobSelectColumns order
func GetJobScanTargets(job *Job, args *JobScanArgs) []interface{} {
	return []interface{}{
		&job.ID,
		&args.HandlerName,
		&job.Source,
		&job.Status,
		&job.Progress.Current,
		&job.Progress.Total,
		&args.Payload,
		&args.Result,
		&args.ErrorMsg,
		&job.RetryCount,
		&job.CreatedAt,
		&args.StartedAt,
		&args.CompletedAt,
		&job.UpdatedAt,
	}
}

// ProcessJobScanArgs copies scanned nullable columns into the job
func ProcessJobScanArgs(job *Job, args *JobScanArgs) {
	if args.HandlerName.Valid {
		job.HandlerName = args.HandlerName.String
	}
	if args.Payload.Valid {
		job.Payload = []byte(args.Payload.String)
	}
	if args.Result.Valid {
		job.Result = []byte(args.Result.String)
	}
	if args.ErrorMsg.Valid {
		job.Error = args.ErrorMsg.String
	}
	if args.StartedAt.Valid {
		job.StartedAt = &args.StartedAt.Time
	}
	if args.CompletedAt.Valid {
		job.CompletedAt = &args.CompletedAt.Time
	}
}

// ScanJobFromRow scans a single job from a sql.Row
func ScanJobFromRow(row *sql.Row, job *Job) error {
	var args JobScanArgs
	if err := row.Scan(GetJobScanTargets(job, &args)...); err != nil {
		return err
	}
	ProcessJobScanArgs(job, &args)
	return nil
}

// ScanJobFromRows scans a single job from sql.Rows (for use in loops)
func ScanJobFromRows(rows *sql.Rows, job *Job) error {
	var args JobScanArgs
	if err := rows.Scan(GetJobScanTargets(job, &args)...); err != nil {
		return err
	}
	ProcessJobScanArgs(job, &args)
	return nil
}

// StandardJobSelectColumns returns the standard column list for job SELECT queries
func StandardJobSelectColumns() string {
	return `id, handler_name, source, status,
		progress_current, progress_total,
		payload, result, error, retry_count,
		created_at, started_at, completed_at, updated_at`
}
