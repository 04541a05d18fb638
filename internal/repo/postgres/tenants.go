package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/packlab-io/packlab-go/internal/domain"
)

type TenantStore struct {
	db DB
}

func NewTenantStore(db DB) *TenantStore {
	if db == nil {
		return nil
	}
	return &TenantStore{db: db}
}

func (s *TenantStore) Create(ctx context.Context, tenant domain.Tenant) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("tenant store not initialized")
	}
	if err := tenant.Validate(); err != nil {
		return err
	}
	createdAt := tenant.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	status := strings.TrimSpace(tenant.Status)
	if status == "" {
		status = "ACTIVE"
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO tenants (tenant_id, display_name, tier, soft_limit_micros, status, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		strings.TrimSpace(tenant.TenantID),
		strings.TrimSpace(tenant.DisplayName),
		nullIfEmpty(tenant.Tier),
		int64(tenant.SoftLimit),
		status,
		createdAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("tenant %s already exists", tenant.TenantID)
		}
		return fmt.Errorf("insert tenant: %w", err)
	}
	return nil
}

func (s *TenantStore) Get(ctx context.Context, tenantID string) (domain.Tenant, error) {
	if s == nil || s.db == nil {
		return domain.Tenant{}, fmt.Errorf("tenant store not initialized")
	}
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return domain.Tenant{}, fmt.Errorf("tenant id is required")
	}
	var tenant domain.Tenant
	var tier, status *string
	var softLimit int64
	row := s.db.QueryRowContext(
		ctx,
		`SELECT tenant_id, display_name, tier, soft_limit_micros, status, created_at
		 FROM tenants WHERE tenant_id = $1`,
		tenantID,
	)
	if err := row.Scan(&tenant.TenantID, &tenant.DisplayName, &tier, &softLimit, &status, &tenant.CreatedAt); err != nil {
		return domain.Tenant{}, handleNotFound(err)
	}
	if tier != nil {
		tenant.Tier = *tier
	}
	if status != nil {
		tenant.Status = *status
	}
	tenant.SoftLimit = domain.Micros(softLimit)
	return tenant, nil
}
