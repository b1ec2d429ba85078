package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/iago/history-synth/internal/domain"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

// Fixed-width so that text comparison matches time order.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const sqliteDateLayout = "2006-01-02"

type SQLiteJobsRepository struct {
	db *sql.DB
}

func NewSQLiteJobsRepository(ctx context.Context, path string) (*SQLiteJobsRepository, error) {
	// Busy timeout to avoid SQLITE_BUSY under concurrent access; foreign keys drive the
	// record cascade on retention deletes.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err := Migrate(ctx, db, goose.DialectSQLite3); err != nil {
		_ = db.Close()
		return nil, err
	}
	// A single writer connection serializes transactions instead of racing on the file lock.
	db.SetMaxOpenConns(1)
	return &SQLiteJobsRepository{db: db}, nil
}

func (r *SQLiteJobsRepository) Close() error {
	return r.db.Close()
}

func (r *SQLiteJobsRepository) CreateJob(ctx context.Context, job *domain.Job) error {
	if err := validateNewJob(job); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO jobs (id, owner_id, status, callback_chat_id, callback_message_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.OwnerID,
		string(job.Status),
		job.Callback.ChatID,
		job.Callback.MessageID,
		formatSQLiteTime(job.CreatedAt),
		formatSQLiteTime(job.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (r *SQLiteJobsRepository) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID)
	job, err := scanSQLiteJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

func (r *SQLiteJobsRepository) Transition(
	ctx context.Context,
	jobID string,
	expected domain.JobStatus,
	next domain.JobStatus,
	fields domain.TransitionFields,
) (bool, error) {
	write, err := domain.PlanTransition(expected, next, fields, time.Now())
	if err != nil {
		return false, err
	}
	return applySQLiteTransition(ctx, r.db, jobID, expected, write)
}

func (r *SQLiteJobsRepository) CommitRecords(
	ctx context.Context,
	jobID string,
	batch domain.RecordBatch,
) (committed bool, err error) {
	write, err := domain.PlanTransition(domain.JobStatusProcessing, domain.JobStatusDone, domain.TransitionFields{}, time.Now())
	if err != nil {
		return false, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin commit tx: %w", err)
	}
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, jobID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("load job status: %w", err)
	}
	if domain.JobStatus(status) != domain.JobStatusProcessing {
		return false, nil
	}

	metricStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO metric_records (job_id, owner_id, record_date, name, value, unit) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return false, fmt.Errorf("prepare metric insert: %w", err)
	}
	defer metricStmt.Close()
	for i, metric := range batch.Metrics {
		_, err := metricStmt.ExecContext(ctx,
			jobID, metric.OwnerID, metric.Date.Format(sqliteDateLayout), metric.Name, metric.Value, metric.Unit)
		if err != nil {
			return false, fmt.Errorf("insert metric record %d: %w", i, err)
		}
	}

	eventStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO event_records (job_id, owner_id, record_date, kind, title, duration_minutes, notes)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return false, fmt.Errorf("prepare event insert: %w", err)
	}
	defer eventStmt.Close()
	for i, event := range batch.Events {
		_, err := eventStmt.ExecContext(ctx,
			jobID, event.OwnerID, event.Date.Format(sqliteDateLayout), event.Kind, event.Title, event.DurationMinutes, event.Notes)
		if err != nil {
			return false, fmt.Errorf("insert event record %d: %w", i, err)
		}
	}

	applied, err := applySQLiteTransition(ctx, tx, jobID, domain.JobStatusProcessing, write)
	if err != nil {
		return false, err
	}
	if !applied {
		return false, nil
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit records: %w", err)
	}
	return true, nil
}

func (r *SQLiteJobsRepository) ListStalled(
	ctx context.Context,
	statuses []domain.JobStatus,
	createdBefore time.Time,
	limit int,
) ([]domain.Job, error) {
	if len(statuses) == 0 {
		return []domain.Job{}, nil
	}
	if limit <= 0 {
		limit = 100
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, 0, len(statuses)+2)
	for _, status := range statusStrings(statuses) {
		args = append(args, status)
	}
	args = append(args, formatSQLiteTime(createdBefore), limit)

	rows, err := r.db.QueryContext(ctx, `SELECT `+jobColumns+`
		FROM jobs
		WHERE status IN (`+placeholders+`) AND created_at < ?
		ORDER BY created_at ASC
		LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("list stalled jobs: %w", err)
	}
	defer rows.Close()

	items := make([]domain.Job, 0)
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stalled job: %w", err)
		}
		items = append(items, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stalled jobs: %w", err)
	}
	return items, nil
}

func (r *SQLiteJobsRepository) DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE status IN ('DONE', 'FAILED') AND created_at < ?`,
		formatSQLiteTime(before),
	)
	if err != nil {
		return 0, fmt.Errorf("delete terminal jobs: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return deleted, nil
}

func (r *SQLiteJobsRepository) CountRecords(ctx context.Context, jobID string) (int, int, error) {
	var metrics, events int
	err := r.db.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM metric_records WHERE job_id = ?),
		(SELECT COUNT(*) FROM event_records WHERE job_id = ?)`, jobID, jobID).Scan(&metrics, &events)
	if err != nil {
		return 0, 0, fmt.Errorf("count records: %w", err)
	}
	return metrics, events, nil
}

type sqliteExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func applySQLiteTransition(
	ctx context.Context,
	executor sqliteExecutor,
	jobID string,
	expected domain.JobStatus,
	write domain.TransitionWrite,
) (bool, error) {
	var code, message, details, completedAt sql.NullString
	if write.Error != nil {
		code = sql.NullString{String: string(write.Error.Code), Valid: true}
		message = sql.NullString{String: write.Error.Message, Valid: true}
		details = sql.NullString{String: write.Error.Details, Valid: true}
	}
	if write.CompletedAt != nil {
		completedAt = sql.NullString{String: formatSQLiteTime(*write.CompletedAt), Valid: true}
	}
	var payload sql.NullString
	if write.Payload != nil {
		payload = sql.NullString{String: *write.Payload, Valid: true}
	}

	result, err := executor.ExecContext(ctx, `UPDATE jobs
		SET status = ?, payload = ?, error_code = ?, error_message = ?, error_details = ?,
			completed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(write.Status), payload, code, message, details,
		completedAt, formatSQLiteTime(write.UpdatedAt),
		jobID, string(expected),
	)
	if err != nil {
		return false, fmt.Errorf("update job status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

type sqliteScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row sqliteScanner) (*domain.Job, error) {
	var (
		job                             domain.Job
		status                          string
		payload, code, message, details sql.NullString
		createdAt, updatedAt            string
		completedAt                     sql.NullString
	)
	if err := row.Scan(
		&job.ID,
		&job.OwnerID,
		&status,
		&payload,
		&code,
		&message,
		&details,
		&job.Callback.ChatID,
		&job.Callback.MessageID,
		&createdAt,
		&updatedAt,
		&completedAt,
	); err != nil {
		return nil, err
	}

	job.Status = domain.JobStatus(status)
	if payload.Valid {
		value := payload.String
		job.Payload = &value
	}
	if code.Valid {
		job.Error = &domain.JobError{
			Code:    domain.ErrorCode(code.String),
			Message: message.String,
			Details: details.String,
		}
	}
	if t, err := time.Parse(sqliteTimeLayout, createdAt); err == nil {
		job.CreatedAt = t
	}
	if t, err := time.Parse(sqliteTimeLayout, updatedAt); err == nil {
		job.UpdatedAt = t
	}
	if completedAt.Valid {
		if t, err := time.Parse(sqliteTimeLayout, completedAt.String); err == nil {
			job.CompletedAt = &t
		}
	}
	return &job, nil
}

func formatSQLiteTime(value time.Time) string {
	return value.UTC().Format(sqliteTimeLayout)
}
