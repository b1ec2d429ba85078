package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/iago/history-synth/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

const jobColumns = `id, owner_id, status, payload, error_code, error_message, error_details,
	callback_chat_id, callback_message_id, created_at, updated_at, completed_at`

type PostgresJobsRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresJobsRepository(ctx context.Context, databaseURL string, maxConns int32) (*PostgresJobsRepository, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse pg config: %w", err)
	}
	if maxConns > 0 {
		poolConfig.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	_, err = Migrate(ctx, db, goose.DialectPostgres)
	_ = db.Close()
	if err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresJobsRepository{pool: pool}, nil
}

func (r *PostgresJobsRepository) Close() error {
	r.pool.Close()
	return nil
}

func (r *PostgresJobsRepository) CreateJob(ctx context.Context, job *domain.Job) error {
	if err := validateNewJob(job); err != nil {
		return err
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO jobs (
			id,
			owner_id,
			status,
			callback_chat_id,
			callback_message_id,
			created_at,
			updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7)
	`,
		job.ID,
		job.OwnerID,
		string(job.Status),
		job.Callback.ChatID,
		job.Callback.MessageID,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (r *PostgresJobsRepository) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID)
	job, err := scanPostgresJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query job: %w", err)
	}
	return job, nil
}

func (r *PostgresJobsRepository) Transition(
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
	return applyPostgresTransition(ctx, r.pool, jobID, expected, write)
}

func (r *PostgresJobsRepository) CommitRecords(
	ctx context.Context,
	jobID string,
	batch domain.RecordBatch,
) (committed bool, err error) {
	write, err := domain.PlanTransition(domain.JobStatusProcessing, domain.JobStatusDone, domain.TransitionFields{}, time.Now())
	if err != nil {
		return false, err
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin commit tx: %w", err)
	}
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	var status string
	err = tx.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1 FOR UPDATE`, jobID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("lock job: %w", err)
	}
	if domain.JobStatus(status) != domain.JobStatusProcessing {
		return false, nil
	}

	if len(batch.Metrics) > 0 {
		_, err = tx.CopyFrom(
			ctx,
			pgx.Identifier{"metric_records"},
			[]string{"job_id", "owner_id", "record_date", "name", "value", "unit"},
			pgx.CopyFromSlice(len(batch.Metrics), func(i int) ([]any, error) {
				metric := batch.Metrics[i]
				return []any{jobID, metric.OwnerID, metric.Date, metric.Name, metric.Value, metric.Unit}, nil
			}),
		)
		if err != nil {
			return false, fmt.Errorf("copy metric records: %w", err)
		}
	}
	if len(batch.Events) > 0 {
		_, err = tx.CopyFrom(
			ctx,
			pgx.Identifier{"event_records"},
			[]string{"job_id", "owner_id", "record_date", "kind", "title", "duration_minutes", "notes"},
			pgx.CopyFromSlice(len(batch.Events), func(i int) ([]any, error) {
				event := batch.Events[i]
				return []any{jobID, event.OwnerID, event.Date, event.Kind, event.Title, event.DurationMinutes, event.Notes}, nil
			}),
		)
		if err != nil {
			return false, fmt.Errorf("copy event records: %w", err)
		}
	}

	applied, err := applyPostgresTransition(ctx, tx, jobID, domain.JobStatusProcessing, write)
	if err != nil {
		return false, err
	}
	if !applied {
		return false, nil
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit records: %w", err)
	}
	return true, nil
}

func (r *PostgresJobsRepository) ListStalled(
	ctx context.Context,
	statuses []domain.JobStatus,
	createdBefore time.Time,
	limit int,
) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE status = ANY($1) AND created_at < $2
		ORDER BY created_at ASC
		LIMIT $3
	`, statusStrings(statuses), createdBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("list stalled jobs: %w", err)
	}
	defer rows.Close()

	items := make([]domain.Job, 0)
	for rows.Next() {
		job, err := scanPostgresJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stalled job: %w", err)
		}
		items = append(items, *job)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate stalled jobs: %w", rows.Err())
	}
	return items, nil
}

func (r *PostgresJobsRepository) DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error) {
	command, err := r.pool.Exec(ctx, `
		DELETE FROM jobs
		WHERE status IN ('DONE', 'FAILED') AND created_at < $1
	`, before)
	if err != nil {
		return 0, fmt.Errorf("delete terminal jobs: %w", err)
	}
	return command.RowsAffected(), nil
}

func (r *PostgresJobsRepository) CountRecords(ctx context.Context, jobID string) (int, int, error) {
	var metrics, events int
	err := r.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM metric_records WHERE job_id = $1),
			(SELECT COUNT(*) FROM event_records WHERE job_id = $1)
	`, jobID).Scan(&metrics, &events)
	if err != nil {
		return 0, 0, fmt.Errorf("count records: %w", err)
	}
	return metrics, events, nil
}

type pgExecutor interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func applyPostgresTransition(
	ctx context.Context,
	executor pgExecutor,
	jobID string,
	expected domain.JobStatus,
	write domain.TransitionWrite,
) (bool, error) {
	var code, message, details *string
	if write.Error != nil {
		errorCode := string(write.Error.Code)
		code = &errorCode
		message = &write.Error.Message
		details = &write.Error.Details
	}

	command, err := executor.Exec(ctx, `
		UPDATE jobs
		SET status = $3,
			payload = $4,
			error_code = $5,
			error_message = $6,
			error_details = $7,
			completed_at = $8,
			updated_at = $9
		WHERE id = $1 AND status = $2
	`, jobID, string(expected), string(write.Status), write.Payload, code, message, details, write.CompletedAt, write.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("update job status: %w", err)
	}
	return command.RowsAffected() > 0, nil
}

func scanPostgresJob(row pgx.Row) (*domain.Job, error) {
	var (
		job     domain.Job
		status  string
		code    *string
		message *string
		details *string
	)
	err := row.Scan(
		&job.ID,
		&job.OwnerID,
		&status,
		&job.Payload,
		&code,
		&message,
		&details,
		&job.Callback.ChatID,
		&job.Callback.MessageID,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Status = domain.JobStatus(status)
	if code != nil {
		job.Error = &domain.JobError{Code: domain.ErrorCode(*code)}
		if message != nil {
			job.Error.Message = *message
		}
		if details != nil {
			job.Error.Details = *details
		}
	}
	return &job, nil
}
