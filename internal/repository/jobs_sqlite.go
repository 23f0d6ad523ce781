package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/iago/download-jobs/internal/domain"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS download_jobs (
	id                TEXT PRIMARY KEY,
	status            TEXT NOT NULL,
	file_ids          TEXT NOT NULL,
	progress_current  INTEGER NOT NULL DEFAULT 0,
	progress_total    INTEGER NOT NULL,
	access_url        TEXT,
	access_expires_at INTEGER,
	artifact_ref      TEXT,
	error_kind        TEXT,
	error_message     TEXT,
	idempotency_key   TEXT UNIQUE,
	trace_id          TEXT NOT NULL DEFAULT '',
	claimed_by        TEXT NOT NULL DEFAULT '',
	lease_token       TEXT NOT NULL DEFAULT '',
	attempt_count     INTEGER NOT NULL DEFAULT 0,
	version           INTEGER NOT NULL,
	created_at        INTEGER NOT NULL,
	updated_at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS download_jobs_status_updated_idx ON download_jobs (status, updated_at);
`

var sqliteDialect = sqlDialect{
	placeholder: func(int) string { return "?" },
	timeValue:   func(value time.Time) any { return value.UnixMilli() },
}

// SQLiteJobsRepository is a single-node durable store. All access goes through
// one connection so the version compare-and-swap is serialized by SQLite.
type SQLiteJobsRepository struct {
	db *sql.DB
}

func NewSQLiteJobsRepository(ctx context.Context, path string) (*SQLiteJobsRepository, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, statement := range []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA busy_timeout=5000;`,
		sqliteSchema,
	} {
		if _, err := db.ExecContext(ctx, statement); err != nil {
			db.Close()
			return nil, fmt.Errorf("init sqlite: %w", err)
		}
	}
	return &SQLiteJobsRepository{db: db}, nil
}

func (r *SQLiteJobsRepository) Close() error {
	return r.db.Close()
}

func (r *SQLiteJobsRepository) CreateJob(ctx context.Context, job *domain.Job) error {
	fileIDs, err := json.Marshal(job.FileIDs)
	if err != nil {
		return fmt.Errorf("encode file ids: %w", err)
	}
	row := toJobRow(job)
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO download_jobs (`+jobColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,NULLIF(?,''),?,?,?,?,1,?,?)
	`,
		job.ID,
		string(job.Status),
		string(fileIDs),
		job.Progress.Current,
		job.Progress.Total,
		row.accessURL,
		unixMilliOrNil(row.accessExpiresAt),
		row.artifactRef,
		row.errorKind,
		row.errorMessage,
		job.IdempotencyKey,
		job.TraceID,
		job.ClaimedBy,
		job.LeaseToken,
		job.AttemptCount,
		job.CreatedAt.UnixMilli(),
		job.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: download_jobs.idempotency_key") {
			return ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("insert job: %w", err)
	}
	job.Version = 1
	return nil
}

func (r *SQLiteJobsRepository) UpdateJob(ctx context.Context, job *domain.Job) error {
	row := toJobRow(job)
	result, err := r.db.ExecContext(ctx, `
		UPDATE download_jobs
		SET status = ?,
			progress_current = ?,
			access_url = ?,
			access_expires_at = ?,
			artifact_ref = ?,
			error_kind = ?,
			error_message = ?,
			claimed_by = ?,
			lease_token = ?,
			attempt_count = ?,
			updated_at = ?,
			version = version + 1
		WHERE id = ? AND version = ?
	`,
		string(job.Status),
		job.Progress.Current,
		row.accessURL,
		unixMilliOrNil(row.accessExpiresAt),
		row.artifactRef,
		row.errorKind,
		row.errorMessage,
		job.ClaimedBy,
		job.LeaseToken,
		job.AttemptCount,
		job.UpdatedAt.UnixMilli(),
		job.ID,
		job.Version,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job rows: %w", err)
	}
	if affected == 0 {
		if _, getErr := r.GetJob(ctx, job.ID); getErr != nil {
			return getErr
		}
		return ErrVersionConflict
	}
	job.Version++
	return nil
}

func (r *SQLiteJobsRepository) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM download_jobs WHERE id = ?`, jobID)
	job, err := scanSQLiteJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query job: %w", err)
	}
	return job, nil
}

func (r *SQLiteJobsRepository) GetJobByIdempotencyKey(ctx context.Context, key string) (*domain.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM download_jobs WHERE idempotency_key = ?`, key)
	job, err := scanSQLiteJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query job by idempotency key: %w", err)
	}
	return job, nil
}

func (r *SQLiteJobsRepository) ListJobs(ctx context.Context, filter domain.JobFilter) ([]*domain.Job, error) {
	where, args := buildJobFilters(filter, sqliteDialect)
	query := `SELECT ` + jobColumns + ` FROM download_jobs` + where + ` ORDER BY updated_at ASC`
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	items := make([]*domain.Job, 0)
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		items = append(items, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return items, nil
}

func (r *SQLiteJobsRepository) DeleteJob(ctx context.Context, jobID string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM download_jobs WHERE id = ?`, jobID)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete job rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func scanSQLiteJob(scanner rowScanner) (*domain.Job, error) {
	var (
		job             domain.Job
		status          string
		fileIDs         string
		accessURL       sql.NullString
		accessExpiresMs sql.NullInt64
		artifactRef     sql.NullString
		errorKind       sql.NullString
		errorMessage    sql.NullString
		idempotencyKey  sql.NullString
		createdMs       int64
		updatedMs       int64
	)
	err := scanner.Scan(
		&job.ID,
		&status,
		&fileIDs,
		&job.Progress.Current,
		&job.Progress.Total,
		&accessURL,
		&accessExpiresMs,
		&artifactRef,
		&errorKind,
		&errorMessage,
		&idempotencyKey,
		&job.TraceID,
		&job.ClaimedBy,
		&job.LeaseToken,
		&job.AttemptCount,
		&job.Version,
		&createdMs,
		&updatedMs,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(fileIDs), &job.FileIDs); err != nil {
		return nil, fmt.Errorf("decode file ids: %w", err)
	}

	job.Status = domain.JobStatus(status)
	job.CreatedAt = time.UnixMilli(createdMs).UTC()
	job.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	if accessURL.Valid {
		job.Result = &domain.JobResult{
			AccessURL:   accessURL.String,
			ArtifactRef: artifactRef.String,
		}
		if accessExpiresMs.Valid {
			job.Result.ExpiresAt = time.UnixMilli(accessExpiresMs.Int64).UTC()
		}
	}
	if errorKind.Valid {
		job.Error = &domain.JobError{
			Kind:    domain.ErrorKind(errorKind.String),
			Message: errorMessage.String,
		}
	}
	if idempotencyKey.Valid {
		job.IdempotencyKey = idempotencyKey.String
	}
	return &job, nil
}

func unixMilliOrNil(value *time.Time) any {
	if value == nil {
		return nil
	}
	return value.UnixMilli()
}
