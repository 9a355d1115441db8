package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mikeboe/research-assistant/pkg/database"
	"github.com/mikeboe/research-assistant/pkg/ingest"
)

var ErrJobNotFound = errors.New("index job not found")

// IndexerFactory builds an indexer that logs to logger.
type IndexerFactory func(logger *slog.Logger) *ingest.Indexer

// Execer runs statements that return no rows.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Querier is the part of the connection pool the job service uses.
type Querier interface {
	Execer
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// JobService runs document indexing in the background and records progress
// in index_jobs and index_logs.
type JobService struct {
	DB         Querier
	NewIndexer IndexerFactory
	Logger     *slog.Logger
}

func NewJobService(db *database.PostgresDB, factory IndexerFactory) *JobService {
	return &JobService{DB: db.Pool, NewIndexer: factory, Logger: slog.Default()}
}

type Job struct {
	ID        uuid.UUID       `json:"id"`
	Status    string          `json:"status"`
	Sources   json.RawMessage `json:"sources"`
	Report    json.RawMessage `json:"report,omitempty"`
	Error     *string         `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type CreateJobRequest struct {
	Sources []ingest.Source `json:"sources" binding:"required,min=1,dive"`
	Replace bool            `json:"replace"`
}

type LogEntry struct {
	ID        int             `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Level     string          `json:"level"`
	Message   string          `json:"message"`
	Metadata  json.RawMessage `json:"metadata"`
}

func (s *JobService) CreateJob(ctx context.Context, req CreateJobRequest) (*Job, error) {
	sourcesJSON, err := json.Marshal(req.Sources)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal sources: %w", err)
	}

	query := `
		INSERT INTO index_jobs (id, status, sources)
		VALUES ($1, 'pending', $2)
		RETURNING id, status, sources, created_at, updated_at
	`
	job := &Job{}
	err = s.DB.QueryRow(ctx, query, uuid.New(), sourcesJSON).Scan(
		&job.ID, &job.Status, &job.Sources, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	go s.runWorker(job.ID, req)

	return job, nil
}

func (s *JobService) GetJob(ctx context.Context, id uuid.UUID) (*Job, error) {
	query := `
		SELECT id, status, sources, report, error, created_at, updated_at
		FROM index_jobs
		WHERE id = $1
	`
	job := &Job{}
	err := s.DB.QueryRow(ctx, query, id).Scan(
		&job.ID, &job.Status, &job.Sources, &job.Report, &job.Error, &job.CreatedAt, &job.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

func (s *JobService) ListJobs(ctx context.Context) ([]Job, error) {
	query := `
		SELECT id, status, sources, report, error, created_at, updated_at
		FROM index_jobs
		ORDER BY created_at DESC
		LIMIT 50
	`
	rows, err := s.DB.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []Job{}
	for rows.Next() {
		var job Job
		if err := rows.Scan(&job.ID, &job.Status, &job.Sources, &job.Report, &job.Error, &job.CreatedAt, &job.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *JobService) GetJobLogs(ctx context.Context, jobID uuid.UUID) ([]LogEntry, error) {
	query := `
		SELECT id, timestamp, level, message, metadata
		FROM index_logs
		WHERE job_id = $1
		ORDER BY id ASC
	`
	rows, err := s.DB.Query(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to get logs: %w", err)
	}
	defer rows.Close()

	logs := []LogEntry{}
	for rows.Next() {
		var l LogEntry
		if err := rows.Scan(&l.ID, &l.Timestamp, &l.Level, &l.Message, &l.Metadata); err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func (s *JobService) runWorker(jobID uuid.UUID, req CreateJobRequest) {
	ctx := context.Background()

	if _, err := s.DB.Exec(ctx, "UPDATE index_jobs SET status = 'running', updated_at = NOW() WHERE id = $1", jobID); err != nil {
		s.Logger.Error("Failed to mark job running", "job_id", jobID, "error", err)
	}

	dbLogger := slog.New(NewDBLogHandler(s.DB, jobID, s.Logger.Handler()))

	indexer := s.NewIndexer(dbLogger)
	indexer.Replace = req.Replace

	report, err := indexer.Run(ctx, req.Sources)
	if err != nil {
		s.failJob(ctx, dbLogger, jobID, fmt.Sprintf("Indexing failed: %v", err))
		return
	}

	reportJSON, err := json.Marshal(report)
	if err != nil {
		s.failJob(ctx, dbLogger, jobID, fmt.Sprintf("Failed to marshal report: %v", err))
		return
	}

	_, err = s.DB.Exec(ctx,
		"UPDATE index_jobs SET status = 'completed', report = $2, updated_at = NOW() WHERE id = $1",
		jobID, reportJSON)
	if err != nil {
		dbLogger.Error("Failed to save report to DB", "error", err)
	}
}

func (s *JobService) failJob(ctx context.Context, logger *slog.Logger, jobID uuid.UUID, reason string) {
	logger.Error(reason)
	_, _ = s.DB.Exec(ctx, "UPDATE index_jobs SET status = 'failed', error = $2, updated_at = NOW() WHERE id = $1", jobID, reason)
}
