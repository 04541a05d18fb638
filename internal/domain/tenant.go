package domain

import (
	"errors"
	"strings"
	"time"
)

// Tenant is an isolated billing principal. The balance itself lives in the
// budget ledger; the durable row carries identity, tier, and the soft limit
// the ledger enforces on reserve.
type Tenant struct {
	TenantID    string
	DisplayName string
	Tier        string
	SoftLimit   Micros
	Status      string
	CreatedAt   time.Time
}

func (t Tenant) Validate() error {
	if strings.TrimSpace(t.TenantID) == "" {
		return errors.New("tenant id is required")
	}
	if strings.TrimSpace(t.DisplayName) == "" {
		return errors.New("display name is required")
	}
	if t.SoftLimit > 0 {
		return errors.New("soft limit must be zero or negative")
	}
	return nil
}
