package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/openclaw/internal/adapter/observability"
	"github.com/fairyhunter13/openclaw/internal/domain"
)

// claimCandidateLimit bounds how many queued rows the claim step inspects
// before giving up on capability matching.
const claimCandidateLimit = 50

// JobRepo persists and loads jobs from the SQLite store.
type JobRepo struct {
	db *sql.DB
	// claimMu serializes the requeue + guarded-claim transaction across
	// handler goroutines within this process.
	claimMu sync.Mutex
	now     func() int64
}

// NewJobRepo constructs a JobRepo over an opened store.
func NewJobRepo(db *sql.DB) *JobRepo {
	return &JobRepo{db: db, now: func() int64 { return time.Now().Unix() }}
}

const jobColumns = "id, created_at, started_at, finished_at, lease_until, status, command, payload, result, error, worker_id, requires"

func scanJob(row interface{ Scan(...any) error }) (domain.Job, error) {
	var (
		j                                 domain.Job
		startedAt, finishedAt, leaseUntil sql.NullInt64
		result, errMsg, workerID, reqs    sql.NullString
		status                            string
	)
	if err := row.Scan(&j.ID, &j.CreatedAt, &startedAt, &finishedAt, &leaseUntil,
		&status, &j.Command, &j.Payload, &result, &errMsg, &workerID, &reqs); err != nil {
		return domain.Job{}, err
	}
	j.Status = domain.JobStatus(status)
	if startedAt.Valid {
		v := startedAt.Int64
		j.StartedAt = &v
	}
	if finishedAt.Valid {
		v := finishedAt.Int64
		j.FinishedAt = &v
	}
	if leaseUntil.Valid {
		v := leaseUntil.Int64
		j.LeaseUntil = &v
	}
	if result.Valid {
		v := result.String
		j.Result = &v
	}
	if errMsg.Valid {
		v := errMsg.String
		j.Error = &v
	}
	if workerID.Valid {
		v := workerID.String
		j.WorkerID = &v
	}
	if reqs.Valid {
		v := reqs.String
		j.Requires = &v
	}
	return j, nil
}

// Create inserts a new queued job and returns the stored record.
func (r *JobRepo) Create(ctx context.Context, command, payload string, requires *string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()
	id := uuid.New().String()
	now := r.now()
	var reqVal sql.NullString
	if requires != nil && strings.TrimSpace(*requires) != "" {
		reqVal = sql.NullString{String: *requires, Valid: true}
	}
	_, err := r.db.ExecContext(ctx,
		"INSERT INTO jobs(id, created_at, status, command, payload, requires) VALUES(?,?,?,?,?,?)",
		id, now, domain.JobQueued, command, payload, reqVal)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=jobs.create: %w", err)
	}
	return r.Get(ctx, id)
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx context.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	row := r.db.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id=?", id)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=jobs.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=jobs.get: %w", err)
	}
	return j, nil
}

// Claim atomically claims the next runnable job for a worker.
//
// Inside one write transaction:
//  1. requeue stale running jobs (lease_until < now), clearing claim and
//     terminal fields
//  2. select the oldest queued candidates (created_at ascending, id as the
//     deterministic tie-break)
//  3. pick the first whose requirement set is a subset of the worker's caps
//  4. claim it with a guarded update so a racing claim cannot double-assign
//
// Returns nil when no queued job matches.
func (r *JobRepo) Claim(ctx context.Context, workerID string, caps []string, lease time.Duration) (*domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Claim")
	defer span.End()

	r.claimMu.Lock()
	defer r.claimMu.Unlock()

	now := r.now()
	leaseUntil := now + int64(lease/time.Second)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("op=jobs.claim: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// The requeue UPDATE is the first statement so the transaction takes the
	// write lock immediately (BEGIN IMMEDIATE semantics).
	res, err := tx.ExecContext(ctx,
		`UPDATE jobs
		 SET status='queued', started_at=NULL, lease_until=NULL,
		     finished_at=NULL, result=NULL, error=NULL, worker_id=NULL
		 WHERE status='running' AND lease_until IS NOT NULL AND lease_until < ?`, now)
	if err != nil {
		return nil, fmt.Errorf("op=jobs.claim: requeue: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		observability.JobsRequeuedTotal.Add(float64(n))
	}

	rows, err := tx.QueryContext(ctx,
		"SELECT id, requires FROM jobs WHERE status='queued' ORDER BY created_at ASC, id ASC LIMIT ?",
		claimCandidateLimit)
	if err != nil {
		return nil, fmt.Errorf("op=jobs.claim: select: %w", err)
	}
	var candidateID string
	for rows.Next() {
		var (
			id   string
			reqs sql.NullString
		)
		if err := rows.Scan(&id, &reqs); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("op=jobs.claim: scan: %w", err)
		}
		var reqp *string
		if reqs.Valid {
			reqp = &reqs.String
		}
		if domain.CapsSatisfied(domain.ParseRequirement(reqp), caps) {
			candidateID = id
			break
		}
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("op=jobs.claim: rows: %w", err)
	}
	if candidateID == "" {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("op=jobs.claim: commit: %w", err)
		}
		return nil, nil
	}

	var workerVal sql.NullString
	if w := strings.TrimSpace(workerID); w != "" {
		workerVal = sql.NullString{String: w, Valid: true}
	}
	res, err = tx.ExecContext(ctx,
		`UPDATE jobs
		 SET status='running', started_at=?, lease_until=?, worker_id=?,
		     error=NULL, result=NULL, finished_at=NULL
		 WHERE id=? AND status='queued'`,
		now, leaseUntil, workerVal, candidateID)
	if err != nil {
		return nil, fmt.Errorf("op=jobs.claim: update: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("op=jobs.claim: commit: %w", err)
		}
		return nil, nil
	}

	row := tx.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id=?", candidateID)
	j, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("op=jobs.claim: refetch: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("op=jobs.claim: commit: %w", err)
	}
	observability.JobsClaimedTotal.WithLabelValues(j.Command).Inc()
	return &j, nil
}

// getTx loads a job inside tx, mapping a missing row to ErrNotFound.
func getTx(ctx context.Context, tx *sql.Tx, op, id string) (domain.Job, error) {
	row := tx.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id=?", id)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=%s: %w", op, domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=%s: %w", op, err)
	}
	return j, nil
}

// Finish marks a running job done. Idempotent: posting against a terminal
// row leaves it untouched; a result against a failed row is ignored with a
// note. Finishing a queued job is an invalid transition. The status read
// and the update share one transaction so a concurrent requeue cannot
// interleave between them.
func (r *JobRepo) Finish(ctx context.Context, id, result string) (domain.TerminalOutcome, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Finish")
	defer span.End()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.TerminalOutcome{}, fmt.Errorf("op=jobs.finish: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	j, err := getTx(ctx, tx, "jobs.finish", id)
	if err != nil {
		return domain.TerminalOutcome{}, err
	}
	switch j.Status {
	case domain.JobDone:
		return domain.TerminalOutcome{Status: domain.JobDone}, tx.Commit()
	case domain.JobFailed:
		return domain.TerminalOutcome{Status: domain.JobFailed, Note: "already failed; result ignored"}, tx.Commit()
	case domain.JobQueued:
		return domain.TerminalOutcome{}, fmt.Errorf("op=jobs.finish: %w: job not in running state: queued", domain.ErrInvalidArgument)
	}
	_, err = tx.ExecContext(ctx,
		"UPDATE jobs SET status='done', result=?, finished_at=?, lease_until=NULL WHERE id=? AND status='running'",
		result, r.now(), id)
	if err != nil {
		return domain.TerminalOutcome{}, fmt.Errorf("op=jobs.finish: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.TerminalOutcome{}, fmt.Errorf("op=jobs.finish: commit: %w", err)
	}
	observability.JobsCompletedTotal.WithLabelValues(string(domain.JobDone)).Inc()
	return domain.TerminalOutcome{Status: domain.JobDone}, nil
}

// Fail marks a queued or running job failed. Idempotent against terminal
// rows; an empty error message is stored as "unknown". Read and update
// share one transaction, as in Finish.
func (r *JobRepo) Fail(ctx context.Context, id, errMsg string) (domain.TerminalOutcome, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Fail")
	defer span.End()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.TerminalOutcome{}, fmt.Errorf("op=jobs.fail: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	j, err := getTx(ctx, tx, "jobs.fail", id)
	if err != nil {
		return domain.TerminalOutcome{}, err
	}
	switch j.Status {
	case domain.JobDone:
		return domain.TerminalOutcome{Status: domain.JobDone, Note: "already done; fail ignored"}, tx.Commit()
	case domain.JobFailed:
		return domain.TerminalOutcome{Status: domain.JobFailed}, tx.Commit()
	}
	if errMsg = strings.TrimSpace(errMsg); errMsg == "" {
		errMsg = "unknown"
	}
	_, err = tx.ExecContext(ctx,
		"UPDATE jobs SET status='failed', error=?, finished_at=?, lease_until=NULL WHERE id=? AND status IN ('queued','running')",
		errMsg, r.now(), id)
	if err != nil {
		return domain.TerminalOutcome{}, fmt.Errorf("op=jobs.fail: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.TerminalOutcome{}, fmt.Errorf("op=jobs.fail: commit: %w", err)
	}
	observability.JobsCompletedTotal.WithLabelValues(string(domain.JobFailed)).Inc()
	return domain.TerminalOutcome{Status: domain.JobFailed}, nil
}

// SetLease overwrites a job's lease deadline. Test and operational hook for
// forcing lease expiry.
func (r *JobRepo) SetLease(ctx context.Context, id string, leaseUntil int64) error {
	_, err := r.db.ExecContext(ctx, "UPDATE jobs SET lease_until=? WHERE id=?", leaseUntil, id)
	if err != nil {
		return fmt.Errorf("op=jobs.set_lease: %w", err)
	}
	return nil
}
