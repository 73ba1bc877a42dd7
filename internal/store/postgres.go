package store

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"academy-job-core/internal/models"
)

// MaxErrorLength bounds the persisted last_error text so a runaway stack
// trace cannot bloat the row.
const MaxErrorLength = 2048

// ErrLeaseLost is returned when a worker's lease-scoped mutation finds the
// job locked by someone else (or not running at all).
var ErrLeaseLost = errors.New("lease no longer held by this worker")

// Store wraps pgxpool for Postgres persistence. The jobs table is the single
// source of truth for job state; every transition here is one atomic
// read-modify-write statement.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	Type           models.JobType
	Tier           string
	TenantID       string
	Payload        []byte
	SourceDomain   string
	SourceID       string
	IdempotencyKey string
	RunAt          time.Time
	MaxAttempts    int
	InitialStatus  string
}

// CreateJob inserts a job row, honoring idempotency if a key is provided.
// It returns the job and a boolean indicating whether an existing job was
// reused via the idempotency key.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, bool, error) {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 3
	}
	if p.Tier == "" {
		p.Tier = models.TierBasic
	}
	if p.TenantID == "" {
		p.TenantID = "default"
	}
	if p.InitialStatus == "" {
		p.InitialStatus = models.StatusPending
	}
	if p.RunAt.IsZero() {
		p.RunAt = time.Now().UTC()
	}
	if len(p.Payload) == 0 {
		p.Payload = []byte("{}")
	}

	// Short-circuit before inserting anything if the key is already taken.
	if p.IdempotencyKey != "" {
		if existing, found, err := s.FindByIdempotencyKey(ctx, p.IdempotencyKey); err != nil {
			return models.Job{}, false, err
		} else if found {
			return existing, true, nil
		}
	}

	id := uuid.New().String()
	now := time.Now().UTC()

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, type, tier, tenant_id, payload, source_domain, source_id,
			status, attempts, max_attempts, next_run_at, idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, $10, $11, $12, $12)
		ON CONFLICT (idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING
	`, id, p.Type, p.Tier, p.TenantID, p.Payload, emptyToNil(p.SourceDomain), emptyToNil(p.SourceID),
		p.InitialStatus, p.MaxAttempts, p.RunAt, emptyToNil(p.IdempotencyKey), now)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("insert job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Someone else claimed the key after our initial check.
		existing, found, err := s.FindByIdempotencyKey(ctx, p.IdempotencyKey)
		if err != nil {
			return models.Job{}, false, err
		}
		if !found {
			return models.Job{}, false, errors.New("idempotency conflict but no existing job found")
		}
		return existing, true, nil
	}

	return models.Job{
		ID:             id,
		Type:           p.Type,
		Tier:           p.Tier,
		TenantID:       p.TenantID,
		Payload:        p.Payload,
		SourceDomain:   emptyToNil(p.SourceDomain),
		SourceID:       emptyToNil(p.SourceID),
		Status:         p.InitialStatus,
		Attempts:       0,
		MaxAttempts:    p.MaxAttempts,
		NextRunAt:      p.RunAt,
		IdempotencyKey: emptyToNil(p.IdempotencyKey),
		CreatedAt:      now,
		UpdatedAt:      now,
	}, false, nil
}

// FindByIdempotencyKey returns the job mapped to the key if present.
func (s *Store) FindByIdempotencyKey(ctx context.Context, key string) (models.Job, bool, error) {
	var id string
	err := s.pool.QueryRow(ctx, `SELECT id FROM jobs WHERE idempotency_key = $1`, key).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("query idempotency key: %w", err)
	}
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

const jobColumns = `id, type, tier, tenant_id, payload, source_domain, source_id, status,
	attempts, max_attempts, locked_by, locked_at, lease_expires_at, last_heartbeat_at,
	next_run_at, last_error, idempotency_key, created_at, updated_at`

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	return scanJob(row)
}

func scanJob(row pgx.Row) (models.Job, error) {
	var (
		job                        models.Job
		srcDomain, srcID, lockedBy pgtype.Text
		lastErr, idem              pgtype.Text
		lockedAt                   pgtype.Timestamptz
		leaseExpires               pgtype.Timestamptz
		lastHeartbeat              pgtype.Timestamptz
	)
	err := row.Scan(&job.ID, &job.Type, &job.Tier, &job.TenantID, &job.Payload,
		&srcDomain, &srcID, &job.Status, &job.Attempts, &job.MaxAttempts,
		&lockedBy, &lockedAt, &leaseExpires, &lastHeartbeat,
		&job.NextRunAt, &lastErr, &idem, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, fmt.Errorf("job not found: %w", err)
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.SourceDomain = textPtr(srcDomain)
	job.SourceID = textPtr(srcID)
	job.LockedBy = textPtr(lockedBy)
	job.LockedAt = timePtr(lockedAt)
	job.LeaseExpiresAt = timePtr(leaseExpires)
	job.LastHeartbeatAt = timePtr(lastHeartbeat)
	job.LastError = textPtr(lastErr)
	job.IdempotencyKey = textPtr(idem)
	return job, nil
}

func typesForPool(pool string) []string {
	if pool == models.PoolMedia {
		return []string{string(models.JobTypeTranscode)}
	}
	return []string{
		string(models.JobTypeOCR),
		string(models.JobTypeOMRGrading),
		string(models.JobTypeVideoAnalysis),
		string(models.JobTypeExcelParsing),
	}
}

// ClaimNext atomically claims one claimable job for the given pool: pending
// or retrying with next_run_at due, or running with an expired lease. SKIP
// LOCKED keeps concurrent claimers from blocking or double-claiming. Returns
// nil when nothing is claimable.
func (s *Store) ClaimNext(ctx context.Context, workerID, pool string, visibility time.Duration) (*models.ClaimedJob, error) {
	row := s.pool.QueryRow(ctx, `
		WITH candidate AS (
			SELECT id FROM jobs
			WHERE type = ANY($3)
			  AND (
				(status IN ('pending', 'retrying') AND next_run_at <= NOW())
				OR (status = 'running' AND lease_expires_at <= NOW())
			  )
			ORDER BY next_run_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE jobs j
		SET status = 'running', locked_by = $1, locked_at = NOW(),
			lease_expires_at = NOW() + make_interval(secs => $2),
			attempts = j.attempts + 1, updated_at = NOW()
		FROM candidate c
		WHERE j.id = c.id
		RETURNING j.id, j.type, j.tier, j.tenant_id, j.payload, j.attempts, j.max_attempts, j.lease_expires_at
	`, workerID, visibility.Seconds(), typesForPool(pool))

	claimed, err := scanClaimed(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return claimed, err
}

// ClaimByID claims a specific job, used by the message-transport path where
// the queue names the job to run. The same claimability rules apply; a job
// that is terminal or validly leased elsewhere yields (nil, status, nil) so
// the caller can decide whether to drop the message.
func (s *Store) ClaimByID(ctx context.Context, jobID, workerID string, visibility time.Duration) (*models.ClaimedJob, string, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = 'running', locked_by = $2, locked_at = NOW(),
			lease_expires_at = NOW() + make_interval(secs => $3),
			attempts = attempts + 1, updated_at = NOW()
		WHERE id = $1
		  AND (
			(status IN ('pending', 'retrying') AND next_run_at <= NOW())
			OR (status = 'running' AND lease_expires_at <= NOW())
		  )
		RETURNING id, type, tier, tenant_id, payload, attempts, max_attempts, lease_expires_at
	`, jobID, workerID, visibility.Seconds())

	claimed, err := scanClaimed(row)
	if err == nil {
		return claimed, models.StatusRunning, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, "", err
	}
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, "", err
	}
	return nil, job.Status, nil
}

func scanClaimed(row pgx.Row) (*models.ClaimedJob, error) {
	var c models.ClaimedJob
	if err := row.Scan(&c.JobID, &c.Type, &c.Tier, &c.TenantID, &c.Payload, &c.Attempt, &c.MaxAttempts, &c.LeaseExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan claimed job: %w", err)
	}
	return &c, nil
}

// Heartbeat records worker liveness. It deliberately does not touch the
// lease deadline; ExtendLease owns that.
func (s *Store) Heartbeat(ctx context.Context, jobID, workerID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET last_heartbeat_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND locked_by = $2 AND status = 'running'
	`, jobID, workerID)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// ExtendLease pushes the lease deadline forward for the holding worker.
func (s *Store) ExtendLease(ctx context.Context, jobID, workerID string, visibility time.Duration) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET lease_expires_at = NOW() + make_interval(secs => $3), updated_at = NOW()
		WHERE id = $1 AND locked_by = $2 AND status = 'running'
	`, jobID, workerID, visibility.Seconds())
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// SetTerminal moves a running job held by workerID into a terminal status
// and stores its result in the same transaction. The returned applied flag
// is false when the transition did not happen because the job is already
// terminal or the lease moved on, both of which callers treat as success.
func (s *Store) SetTerminal(ctx context.Context, jobID, workerID, status string, lastError string, result []byte, reviewCandidate bool) (bool, error) {
	if !models.IsTerminal(status) {
		return false, fmt.Errorf("status %q is not terminal", status)
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	tag, err := tx.Exec(ctx, `
		UPDATE jobs
		SET status = $3, last_error = $4, locked_by = NULL, locked_at = NULL,
			lease_expires_at = NULL, updated_at = NOW()
		WHERE id = $1 AND locked_by = $2 AND status = 'running'
	`, jobID, workerID, status, errTextOrNil(lastError))
	if err != nil {
		return false, fmt.Errorf("set terminal: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	// The result row is written even without a payload: review_candidate
	// travels on it and must survive a bodyless completion.
	if result == nil {
		result = []byte("{}")
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO job_results (job_id, payload, review_candidate, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (job_id) DO UPDATE
		SET payload = EXCLUDED.payload, review_candidate = EXCLUDED.review_candidate, updated_at = NOW()
	`, jobID, result, reviewCandidate); err != nil {
		return false, fmt.Errorf("save result: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// ScheduleRetry returns a running job to the claimable pool with a future
// next_run_at. Applied is false when the worker no longer holds the lease.
func (s *Store) ScheduleRetry(ctx context.Context, jobID, workerID string, nextRun time.Time, lastError string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'retrying', next_run_at = $3, last_error = $4,
			locked_by = NULL, locked_at = NULL, lease_expires_at = NULL, updated_at = NOW()
		WHERE id = $1 AND locked_by = $2 AND status = 'running'
	`, jobID, workerID, nextRun, errTextOrNil(lastError))
	if err != nil {
		return false, fmt.Errorf("schedule retry: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetResult fetches the result row for a job.
func (s *Store) GetResult(ctx context.Context, jobID string) (models.Result, bool, error) {
	var r models.Result
	err := s.pool.QueryRow(ctx, `
		SELECT job_id, payload, review_candidate, updated_at FROM job_results WHERE job_id = $1
	`, jobID).Scan(&r.JobID, &r.Payload, &r.ReviewCandidate, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Result{}, false, nil
	}
	if err != nil {
		return models.Result{}, false, fmt.Errorf("query result: %w", err)
	}
	return r, true, nil
}

// GetTenantProfile looks up per-tenant entitlements. Found is false when no
// row exists so the caller can distinguish "not configured" from "disabled".
func (s *Store) GetTenantProfile(ctx context.Context, tenantID string) (models.TenantProfile, bool, error) {
	var p models.TenantProfile
	err := s.pool.QueryRow(ctx, `
		SELECT tenant_id, premium_enabled, gpu_fallback_enabled FROM tenant_profiles WHERE tenant_id = $1
	`, tenantID).Scan(&p.TenantID, &p.PremiumEnabled, &p.GPUFallbackEnabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.TenantProfile{}, false, nil
	}
	if err != nil {
		return models.TenantProfile{}, false, fmt.Errorf("query tenant profile: %w", err)
	}
	return p, true, nil
}

// AppendEvent adds an audit row.
func (s *Store) AppendEvent(ctx context.Context, jobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_events (job_id, event, detail, ts) VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	return err
}

// CountVisible returns jobs ready to be claimed for the pool.
func (s *Store) CountVisible(ctx context.Context, pool string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs
		WHERE type = ANY($1)
		  AND (
			(status IN ('pending', 'retrying') AND next_run_at <= NOW())
			OR (status = 'running' AND lease_expires_at <= NOW())
		  )
	`, typesForPool(pool)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count visible: %w", err)
	}
	return n, nil
}

// CountInFlight returns jobs currently held under an unexpired lease.
func (s *Store) CountInFlight(ctx context.Context, pool string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs
		WHERE type = ANY($1) AND status = 'running' AND lease_expires_at > NOW()
	`, typesForPool(pool)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count in-flight: %w", err)
	}
	return n, nil
}

// TruncateError bounds an error message for persistence. The cut backs up to
// a rune boundary so multi-byte text never becomes invalid UTF-8, which
// Postgres would reject on the last_error write.
func TruncateError(msg string) string {
	if len(msg) <= MaxErrorLength {
		return msg
	}
	cut := MaxErrorLength
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}

func errTextOrNil(msg string) *string {
	if msg == "" {
		return nil
	}
	t := TruncateError(msg)
	return &t
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		return &t.Time
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
