package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/packlab-io/packlab-go/internal/domain"
	"github.com/packlab-io/packlab-go/internal/repo"
)

// RunStore is the Postgres-backed authoritative run log. All mutations after
// Create go through CASUpdate, a single-row compare-and-set on the version
// column plus arbitrary extra predicates.
type RunStore struct {
	db DB
}

func NewRunStore(db DB) *RunStore {
	if db == nil {
		return nil
	}
	return &RunStore{db: db}
}

const runColumns = `run_id, tenant_id, pack_type, pack_input, status, money_state, finalize_stage,
	idempotency_key, payload_hash, version,
	reservation_max_cost_micros, actual_cost_micros, minimum_fee_micros,
	result_key, result_sha256, retention_until,
	lease_token, lease_expires_at,
	finalize_token, finalize_claimed_at,
	last_error_reason_code, last_error_detail,
	timebox_sec, created_at, updated_at`

func (s *RunStore) Create(ctx context.Context, run domain.Run) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	if err := run.Validate(); err != nil {
		return err
	}
	inputJSON, err := encodeMetadata(run.PackInput)
	if err != nil {
		return fmt.Errorf("encode pack input: %w", err)
	}
	createdAt := run.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	version := run.Version
	if version == 0 {
		version = 1
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO runs (
			run_id, tenant_id, pack_type, pack_input, status, money_state, finalize_stage,
			idempotency_key, payload_hash, version,
			reservation_max_cost_micros, actual_cost_micros, minimum_fee_micros,
			result_key, result_sha256, retention_until,
			lease_token, lease_expires_at,
			finalize_token, finalize_claimed_at,
			last_error_reason_code, last_error_detail,
			timebox_sec, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$24)`,
		strings.TrimSpace(run.RunID),
		strings.TrimSpace(run.TenantID),
		strings.TrimSpace(run.PackType),
		inputJSON,
		string(run.Status),
		string(run.MoneyState),
		string(run.FinalizeStage),
		nullIfEmpty(run.IdempotencyKey),
		strings.TrimSpace(run.PayloadHash),
		version,
		int64(run.ReservationMaxCost),
		normalizeArg(run.ActualCost),
		int64(run.MinimumFee),
		nullIfEmpty(run.ResultKey),
		nullIfEmpty(run.ResultSHA256),
		run.RetentionUntil.UTC(),
		nullIfEmpty(run.LeaseToken),
		nullableTime(run.LeaseExpiresAt),
		nullIfEmpty(run.FinalizeToken),
		nullableTime(run.FinalizeClaimedAt),
		nullIfEmpty(run.LastErrorReasonCode),
		nullIfEmpty(run.LastErrorDetail),
		run.TimeboxSec,
		createdAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return repo.ErrDuplicateRun
		}
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *RunStore) Load(ctx context.Context, runID string) (domain.Run, error) {
	if s == nil || s.db == nil {
		return domain.Run{}, fmt.Errorf("run store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return domain.Run{}, fmt.Errorf("run id is required")
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = $1`, runID)
	return scanRun(row)
}

func (s *RunStore) LoadForTenant(ctx context.Context, tenantID, runID string) (domain.Run, error) {
	if s == nil || s.db == nil {
		return domain.Run{}, fmt.Errorf("run store not initialized")
	}
	tenantID = strings.TrimSpace(tenantID)
	runID = strings.TrimSpace(runID)
	if tenantID == "" || runID == "" {
		return domain.Run{}, fmt.Errorf("tenant id and run id are required")
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE tenant_id = $1 AND run_id = $2`, tenantID, runID)
	return scanRun(row)
}

func (s *RunStore) LoadByIdempotencyKey(ctx context.Context, tenantID, key string) (domain.Run, error) {
	if s == nil || s.db == nil {
		return domain.Run{}, fmt.Errorf("run store not initialized")
	}
	tenantID = strings.TrimSpace(tenantID)
	key = strings.TrimSpace(key)
	if tenantID == "" || key == "" {
		return domain.Run{}, fmt.Errorf("tenant id and idempotency key are required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+runColumns+` FROM runs WHERE tenant_id = $1 AND idempotency_key = $2`,
		tenantID,
		key,
	)
	return scanRun(row)
}

// CASUpdate applies the field updates and increments version iff the stored
// version equals expectedVersion and every condition holds. Zero rows affected
// means the caller lost the race; that outcome is reported, not retried.
func (s *RunStore) CASUpdate(ctx context.Context, runID string, expectedVersion int64, updates repo.FieldUpdates, conditions repo.Conditions) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("run store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return false, fmt.Errorf("run id is required")
	}
	query, args, err := buildCASUpdate(runID, expectedVersion, updates, conditions)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("cas update run: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cas update run: %w", err)
	}
	return rows == 1, nil
}

func buildCASUpdate(runID string, expectedVersion int64, updates repo.FieldUpdates, conditions repo.Conditions) (string, []any, error) {
	if len(updates) == 0 {
		return "", nil, fmt.Errorf("cas update requires at least one field")
	}
	args := make([]any, 0, len(updates)+len(conditions)+2)
	sets := make([]string, 0, len(updates)+2)
	for _, col := range sortedKeys(updates) {
		if !updatableColumns[col] {
			return "", nil, fmt.Errorf("column %q is not updatable", col)
		}
		args = append(args, normalizeArg(updates[col]))
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	sets = append(sets, "version = version + 1", "updated_at = now()")

	args = append(args, runID)
	wheres := []string{fmt.Sprintf("run_id = $%d", len(args))}
	args = append(args, expectedVersion)
	wheres = append(wheres, fmt.Sprintf("version = $%d", len(args)))

	for _, col := range sortedKeys(conditions) {
		if !conditionColumns[col] {
			return "", nil, fmt.Errorf("column %q is not allowed in conditions", col)
		}
		switch v := conditions[col].(type) {
		case nil:
			wheres = append(wheres, fmt.Sprintf("%s IS NULL", col))
		case repo.Before:
			args = append(args, v.Value.UTC())
			wheres = append(wheres, fmt.Sprintf("%s < $%d", col, len(args)))
		default:
			args = append(args, normalizeArg(v))
			wheres = append(wheres, fmt.Sprintf("%s = $%d", col, len(args)))
		}
	}

	query := "UPDATE runs SET " + strings.Join(sets, ", ") + " WHERE " + strings.Join(wheres, " AND ")
	return query, args, nil
}

// ScanStuckClaimed returns runs that claimed finalize before the cutoff but
// never committed. Used by the reconciler's stuck-claimed sweep.
func (s *RunStore) ScanStuckClaimed(ctx context.Context, olderThan time.Time, limit int) ([]domain.Run, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	limit, err := requirePositiveLimit(limit)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE finalize_stage = $1 AND finalize_claimed_at < $2
		 ORDER BY finalize_claimed_at ASC
		 LIMIT $3`,
		string(domain.FinalizeClaimed),
		olderThan.UTC(),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("scan stuck claimed: %w", err)
	}
	return collectRuns(rows)
}

// ScanExpiredLeases returns PROCESSING runs whose worker lease has lapsed.
func (s *RunStore) ScanExpiredLeases(ctx context.Context, now time.Time, limit int) ([]domain.Run, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	limit, err := requirePositiveLimit(limit)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE status = $1 AND lease_expires_at < $2
		 ORDER BY lease_expires_at ASC
		 LIMIT $3`,
		string(domain.StatusProcessing),
		now.UTC(),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("scan expired leases: %w", err)
	}
	return collectRuns(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (domain.Run, error) {
	var run domain.Run
	var inputJSON []byte
	var idempotencyKey sql.NullString
	var actualCost sql.NullInt64
	var resultKey, resultSHA sql.NullString
	var leaseToken sql.NullString
	var leaseExpiresAt sql.NullTime
	var finalizeToken sql.NullString
	var finalizeClaimedAt sql.NullTime
	var reasonCode, errorDetail sql.NullString
	var reservedMicros, minimumFeeMicros int64
	var status, moneyState, finalizeStage string

	if err := row.Scan(
		&run.RunID, &run.TenantID, &run.PackType, &inputJSON, &status, &moneyState, &finalizeStage,
		&idempotencyKey, &run.PayloadHash, &run.Version,
		&reservedMicros, &actualCost, &minimumFeeMicros,
		&resultKey, &resultSHA, &run.RetentionUntil,
		&leaseToken, &leaseExpiresAt,
		&finalizeToken, &finalizeClaimedAt,
		&reasonCode, &errorDetail,
		&run.TimeboxSec, &run.CreatedAt, &run.UpdatedAt,
	); err != nil {
		return domain.Run{}, handleNotFound(err)
	}

	run.Status = domain.Status(status)
	run.MoneyState = domain.MoneyState(moneyState)
	run.FinalizeStage = domain.FinalizeStage(finalizeStage)
	run.ReservationMaxCost = domain.Micros(reservedMicros)
	run.MinimumFee = domain.Micros(minimumFeeMicros)
	if actualCost.Valid {
		cost := domain.Micros(actualCost.Int64)
		run.ActualCost = &cost
	}
	if idempotencyKey.Valid {
		run.IdempotencyKey = idempotencyKey.String
	}
	if resultKey.Valid {
		run.ResultKey = resultKey.String
	}
	if resultSHA.Valid {
		run.ResultSHA256 = resultSHA.String
	}
	if leaseToken.Valid {
		run.LeaseToken = leaseToken.String
	}
	if leaseExpiresAt.Valid {
		t := leaseExpiresAt.Time.UTC()
		run.LeaseExpiresAt = &t
	}
	if finalizeToken.Valid {
		run.FinalizeToken = finalizeToken.String
	}
	if finalizeClaimedAt.Valid {
		t := finalizeClaimedAt.Time.UTC()
		run.FinalizeClaimedAt = &t
	}
	if reasonCode.Valid {
		run.LastErrorReasonCode = reasonCode.String
	}
	if errorDetail.Valid {
		run.LastErrorDetail = errorDetail.String
	}
	input, err := decodeMetadata(inputJSON)
	if err != nil {
		return domain.Run{}, fmt.Errorf("decode pack input: %w", err)
	}
	run.PackInput = input
	return run, nil
}

func collectRuns(rows *sql.Rows) ([]domain.Run, error) {
	defer rows.Close()
	runs := make([]domain.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("collect runs: %w", err)
	}
	return runs, nil
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
