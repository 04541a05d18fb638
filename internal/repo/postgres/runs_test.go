package postgres

import (
	"strings"
	"testing"
	"time"

	"github.com/packlab-io/packlab-go/internal/domain"
	"github.com/packlab-io/packlab-go/internal/repo"
)

func TestBuildCASUpdateRequiresFields(t *testing.T) {
	_, _, err := buildCASUpdate("run-1", 3, repo.FieldUpdates{}, nil)
	if err == nil {
		t.Fatalf("expected error for empty updates")
	}
}

func TestBuildCASUpdateRejectsUnknownColumn(t *testing.T) {
	_, _, err := buildCASUpdate("run-1", 3, repo.FieldUpdates{"version": 9}, nil)
	if err == nil {
		t.Fatalf("expected rejection of direct version write")
	}
	_, _, err = buildCASUpdate("run-1", 3, repo.FieldUpdates{"status": "COMPLETED"}, repo.Conditions{"tenant_id": "t"})
	if err == nil {
		t.Fatalf("expected rejection of tenant_id condition")
	}
}

func TestBuildCASUpdateVersionGuard(t *testing.T) {
	query, args, err := buildCASUpdate(
		"run-1",
		7,
		repo.FieldUpdates{"status": domain.StatusProcessing},
		nil,
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(query, "version = version + 1") {
		t.Fatalf("expected version increment in query, got %s", query)
	}
	if !strings.Contains(query, "version = $3") {
		t.Fatalf("expected version guard in query, got %s", query)
	}
	if args[0] != "PROCESSING" {
		t.Fatalf("expected normalized status arg, got %v", args[0])
	}
	if args[2] != int64(7) {
		t.Fatalf("expected expected-version arg, got %v", args[2])
	}
}

func TestBuildCASUpdateConditionForms(t *testing.T) {
	cutoff := time.Date(2026, 8, 5, 12, 0, 0, 0, time.UTC)
	query, args, err := buildCASUpdate(
		"run-1",
		2,
		repo.FieldUpdates{"finalize_stage": domain.FinalizeClaimed},
		repo.Conditions{
			"finalize_stage":      domain.FinalizeUnclaimed,
			"lease_token":         nil,
			"finalize_claimed_at": repo.Before{Value: cutoff},
		},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(query, "finalize_claimed_at < $") {
		t.Fatalf("expected less-than predicate, got %s", query)
	}
	if !strings.Contains(query, "lease_token IS NULL") {
		t.Fatalf("expected IS NULL predicate, got %s", query)
	}
	if !strings.Contains(query, "finalize_stage = $") {
		t.Fatalf("expected equality predicate, got %s", query)
	}
	found := false
	for _, a := range args {
		if tv, ok := a.(time.Time); ok && tv.Equal(cutoff) {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected cutoff time in args, got %v", args)
	}
}
