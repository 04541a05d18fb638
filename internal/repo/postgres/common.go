package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/packlab-io/packlab-go/internal/domain"
	"github.com/packlab-io/packlab-go/internal/repo"
)

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// updatableColumns is the whitelist of run columns a CAS update may touch.
// version, created_at, and identity columns are managed by the store itself.
var updatableColumns = map[string]bool{
	"status":                 true,
	"money_state":            true,
	"finalize_stage":         true,
	"finalize_token":         true,
	"finalize_claimed_at":    true,
	"lease_token":            true,
	"lease_expires_at":       true,
	"actual_cost_micros":     true,
	"result_key":             true,
	"result_sha256":          true,
	"last_error_reason_code": true,
	"last_error_detail":      true,
}

// conditionColumns is the whitelist of columns CAS conditions may reference.
var conditionColumns = map[string]bool{
	"status":              true,
	"money_state":         true,
	"finalize_stage":      true,
	"finalize_token":      true,
	"finalize_claimed_at": true,
	"lease_token":         true,
	"lease_expires_at":    true,
}

// normalizeArg converts domain types to driver values.
func normalizeArg(v any) any {
	switch t := v.(type) {
	case domain.Status:
		return string(t)
	case domain.MoneyState:
		return string(t)
	case domain.FinalizeStage:
		return string(t)
	case domain.Micros:
		return int64(t)
	case *domain.Micros:
		if t == nil {
			return nil
		}
		return int64(*t)
	default:
		return v
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func encodeMetadata(meta domain.Metadata) ([]byte, error) {
	if meta == nil {
		meta = domain.Metadata{}
	}
	return json.Marshal(meta)
}

func decodeMetadata(raw []byte) (domain.Metadata, error) {
	if len(raw) == 0 {
		return domain.Metadata{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return domain.Metadata(out), nil
}

func nullIfEmpty(value string) sql.NullString {
	value = strings.TrimSpace(value)
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

func handleNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return repo.ErrNotFound
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func requirePositiveLimit(limit int) (int, error) {
	if limit <= 0 {
		return 0, fmt.Errorf("scan limit must be positive, got %d", limit)
	}
	return limit, nil
}
