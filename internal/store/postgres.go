package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cloudvet/cloudvet/pkg/models"
)

// batchLimit is the maximum number of item-breakdown rows written in one
// transactional batch alongside the summary.
const batchLimit = 25

// terminalStatuses are stored statuses that a conditional summary write must
// not overwrite.
const terminalStatuses = `('COMPLETED','COMPLETED_WITH_SAVE_ERROR','FAILED','CANCELLED')`

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Inspection results ---

const upsertSummarySQL = `
	INSERT INTO inspection_jobs
	  (customer_id, job_id, service_type, item_id, status, score, finding_count,
	   critical_count, high_count, partial, failure_reason, duration_ms,
	   started_at, ended_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW())
	ON CONFLICT (customer_id, job_id) DO UPDATE SET
	  status = EXCLUDED.status,
	  score = EXCLUDED.score,
	  finding_count = EXCLUDED.finding_count,
	  critical_count = EXCLUDED.critical_count,
	  high_count = EXCLUDED.high_count,
	  partial = EXCLUDED.partial,
	  failure_reason = EXCLUDED.failure_reason,
	  duration_ms = EXCLUDED.duration_ms,
	  ended_at = EXCLUDED.ended_at,
	  updated_at = NOW()
	WHERE inspection_jobs.status NOT IN ` + terminalStatuses

const unconditionalSummarySQL = `
	INSERT INTO inspection_jobs
	  (customer_id, job_id, service_type, item_id, status, score, finding_count,
	   critical_count, high_count, partial, failure_reason, duration_ms,
	   started_at, ended_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW())
	ON CONFLICT (customer_id, job_id) DO UPDATE SET
	  status = EXCLUDED.status,
	  score = EXCLUDED.score,
	  finding_count = EXCLUDED.finding_count,
	  critical_count = EXCLUDED.critical_count,
	  high_count = EXCLUDED.high_count,
	  partial = EXCLUDED.partial,
	  failure_reason = EXCLUDED.failure_reason,
	  duration_ms = EXCLUDED.duration_ms,
	  ended_at = EXCLUDED.ended_at,
	  updated_at = NOW()`

const upsertItemSQL = `
	INSERT INTO item_breakdowns
	  (customer_id, item_key, job_id, risk_level, score, findings, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, NOW())
	ON CONFLICT (customer_id, item_key) DO UPDATE SET
	  job_id = EXCLUDED.job_id,
	  risk_level = EXCLUDED.risk_level,
	  score = EXCLUDED.score,
	  findings = EXCLUDED.findings,
	  updated_at = NOW()`

// SaveInspectionResult writes the summary and per-item breakdowns in
// sequential transactional batches of at most batchLimit items. The first
// batch carries the conditional summary write and is load-bearing: its
// failure aborts the save (ErrConflict when the condition lost). Failures of
// later batches do not roll back earlier successes and are reported in the
// outcome.
func (s *PostgresStore) SaveInspectionResult(ctx context.Context, summary *JobSummary, items []ItemBreakdown) (SaveOutcome, error) {
	first := items
	if len(first) > batchLimit {
		first = items[:batchLimit]
	}

	if err := s.writeFirstBatch(ctx, summary, first); err != nil {
		return SaveOutcome{}, err
	}
	outcome := SaveOutcome{Batches: 1}

	for start := batchLimit; start < len(items); start += batchLimit {
		end := start + batchLimit
		if end > len(items) {
			end = len(items)
		}
		outcome.Batches++
		if err := s.writeItemBatch(ctx, items[start:end]); err != nil {
			outcome.FailedBatches++
		}
	}
	return outcome, nil
}

func (s *PostgresStore) writeFirstBatch(ctx context.Context, summary *JobSummary, items []ItemBreakdown) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin save transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, upsertSummarySQL, summaryArgs(summary)...)
	if err != nil {
		return fmt.Errorf("write job summary: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// A concurrent writer already completed this job.
		return ErrConflict
	}

	if err := execItems(ctx, tx, items); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit save transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) writeItemBatch(ctx context.Context, items []ItemBreakdown) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin item batch: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := execItems(ctx, tx, items); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit item batch: %w", err)
	}
	return nil
}

func execItems(ctx context.Context, tx pgx.Tx, items []ItemBreakdown) error {
	if len(items) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, item := range items {
		findings, err := json.Marshal(item.Findings)
		if err != nil {
			return fmt.Errorf("marshal findings for %s: %w", item.ItemKey, err)
		}
		batch.Queue(upsertItemSQL, item.CustomerID, item.ItemKey, item.JobID,
			item.RiskLevel, item.Score, findings)
	}

	results := tx.SendBatch(ctx, batch)
	defer results.Close()
	for range items {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("write item breakdown: %w", err)
		}
	}
	return results.Close()
}

// SaveJobSummary writes the summary alone, without the conditional guard and
// outside any batch. Used by the fallback persistence tier.
func (s *PostgresStore) SaveJobSummary(ctx context.Context, summary *JobSummary) error {
	_, err := s.pool.Exec(ctx, unconditionalSummarySQL, summaryArgs(summary)...)
	if err != nil {
		return fmt.Errorf("write job summary fallback: %w", err)
	}
	return nil
}

func summaryArgs(sum *JobSummary) []any {
	return []any{
		sum.CustomerID, sum.JobID, sum.ServiceType, sum.ItemID, sum.Status,
		sum.Score, sum.FindingCount, sum.CriticalCount, sum.HighCount,
		sum.Partial, sum.FailureReason, sum.DurationMs, sum.StartedAt, sum.EndedAt,
	}
}

func (s *PostgresStore) GetJobSummary(ctx context.Context, customerID string, jobID uuid.UUID) (*JobSummary, error) {
	var sum JobSummary
	err := s.pool.QueryRow(ctx,
		`SELECT customer_id, job_id, service_type, item_id, status, score,
		        finding_count, critical_count, high_count, partial,
		        failure_reason, duration_ms, started_at, ended_at, updated_at
		 FROM inspection_jobs WHERE customer_id = $1 AND job_id = $2`,
		customerID, jobID,
	).Scan(&sum.CustomerID, &sum.JobID, &sum.ServiceType, &sum.ItemID, &sum.Status,
		&sum.Score, &sum.FindingCount, &sum.CriticalCount, &sum.HighCount, &sum.Partial,
		&sum.FailureReason, &sum.DurationMs, &sum.StartedAt, &sum.EndedAt, &sum.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job summary: %w", err)
	}
	return &sum, nil
}

func (s *PostgresStore) ListItemBreakdowns(ctx context.Context, customerID string, jobID uuid.UUID) ([]ItemBreakdown, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT customer_id, item_key, job_id, risk_level, score, findings, updated_at
		 FROM item_breakdowns WHERE customer_id = $1 AND job_id = $2 ORDER BY item_key`,
		customerID, jobID)
	if err != nil {
		return nil, fmt.Errorf("list item breakdowns: %w", err)
	}
	defer rows.Close()

	var items []ItemBreakdown
	for rows.Next() {
		var (
			item ItemBreakdown
			raw  []byte
		)
		if err := rows.Scan(&item.CustomerID, &item.ItemKey, &item.JobID,
			&item.RiskLevel, &item.Score, &raw, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan item breakdown: %w", err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &item.Findings); err != nil {
				return nil, fmt.Errorf("unmarshal findings for %s: %w", item.ItemKey, err)
			}
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, customer_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()
	return scanAPIKeys(rows)
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, customer_id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.CustomerID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context, customerID string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, customer_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE customer_id = $1 AND deleted_at IS NULL ORDER BY created_at DESC`, customerID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()
	return scanAPIKeys(rows)
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID, customerID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND customer_id = $2 AND deleted_at IS NULL`, id, customerID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAPIKeys(rows pgx.Rows) ([]*models.APIKey, error) {
	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.CustomerID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// SummaryFromJob maps an in-memory job to its persisted summary record.
func SummaryFromJob(job *models.InspectionJob) *JobSummary {
	sum := &JobSummary{
		JobID:         job.ID,
		CustomerID:    job.CustomerID,
		ServiceType:   job.ServiceType,
		ItemID:        job.ItemID,
		Status:        job.Status,
		FindingCount:  len(job.Findings),
		Partial:       job.Partial,
		FailureReason: job.FailureReason,
		DurationMs:    job.Duration.Milliseconds(),
		StartedAt:     job.StartedAt,
		EndedAt:       job.EndedAt,
		UpdatedAt:     time.Now().UTC(),
	}
	if job.Summary != nil {
		sum.Score = job.Summary.Score
		sum.CriticalCount = job.Summary.CriticalCount
		sum.HighCount = job.Summary.HighCount
	}
	return sum
}

// BreakdownsFromJob groups a job's findings by resource into per-item
// breakdown records keyed by serviceType/itemID/resourceID.
func BreakdownsFromJob(job *models.InspectionJob) []ItemBreakdown {
	byResource := make(map[string][]models.Finding)
	var order []string
	for _, f := range job.Findings {
		if _, seen := byResource[f.ResourceID]; !seen {
			order = append(order, f.ResourceID)
		}
		byResource[f.ResourceID] = append(byResource[f.ResourceID], f)
	}

	items := make([]ItemBreakdown, 0, len(order))
	for _, resourceID := range order {
		findings := byResource[resourceID]
		items = append(items, ItemBreakdown{
			CustomerID: job.CustomerID,
			ItemKey:    fmt.Sprintf("%s/%s/%s", job.ServiceType, job.ItemID, resourceID),
			JobID:      job.ID,
			RiskLevel:  worstRisk(findings),
			Score:      models.Summarize(findings).Score,
			Findings:   findings,
		})
	}
	return items
}

var riskRank = map[models.RiskLevel]int{
	models.RiskPass:     0,
	models.RiskLow:      1,
	models.RiskMedium:   2,
	models.RiskHigh:     3,
	models.RiskCritical: 4,
}

func worstRisk(findings []models.Finding) models.RiskLevel {
	worst := models.RiskPass
	for _, f := range findings {
		if riskRank[f.RiskLevel] > riskRank[worst] {
			worst = f.RiskLevel
		}
	}
	return worst
}
