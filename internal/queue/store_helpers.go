package queue

import (
	"database/sql"

	"caseflow/internal/database"
)

const jobColumns = "id, type, document_id, case_id, status, priority, retry_count, max_retries, last_error, error_class, not_before, worker_id, last_heartbeat, started_at, finished_at, result_json, confidence, gate_reason, created_at, updated_at"

func scanJob(scanner interface{ Scan(dest ...any) error }) (*Job, error) {
	var (
		job          Job
		jobType      string
		status       string
		lastError    sql.NullString
		errorClass   sql.NullString
		notBefore    string
		workerID     sql.NullString
		heartbeatRaw sql.NullString
		startedRaw   sql.NullString
		finishedRaw  sql.NullString
		resultJSON   sql.NullString
		confidence   sql.NullFloat64
		gateReason   sql.NullString
		createdRaw   string
		updatedRaw   string
	)
	if err := scanner.Scan(
		&job.ID,
		&jobType,
		&job.DocumentID,
		&job.CaseID,
		&status,
		&job.Priority,
		&job.RetryCount,
		&job.MaxRetries,
		&lastError,
		&errorClass,
		&notBefore,
		&workerID,
		&heartbeatRaw,
		&startedRaw,
		&finishedRaw,
		&resultJSON,
		&confidence,
		&gateReason,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}

	job.Type = JobType(jobType)
	job.Status = Status(status)
	job.LastError = lastError.String
	job.ErrorClass = errorClass.String
	job.WorkerID = workerID.String
	job.LastHeartbeat = database.NullTime(heartbeatRaw)
	job.StartedAt = database.NullTime(startedRaw)
	job.FinishedAt = database.NullTime(finishedRaw)
	job.ResultJSON = resultJSON.String
	job.GateReason = gateReason.String
	if confidence.Valid {
		value := confidence.Float64
		job.Confidence = &value
	}
	if t, err := database.ParseTime(notBefore); err == nil {
		job.NotBefore = t
	}
	if t, err := database.ParseTime(createdRaw); err == nil {
		job.CreatedAt = t
	}
	if t, err := database.ParseTime(updatedRaw); err == nil {
		job.UpdatedAt = t
	}
	return &job, nil
}

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	defer rows.Close()
	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
