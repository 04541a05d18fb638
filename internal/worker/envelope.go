package worker

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/packlab-io/packlab-go/internal/domain"
)

const envelopeSchemaVersion = "1"

// envelope is the JSON document uploaded as the run's result artifact. Money
// values appear only in wire form; the log keeps the integer truth.
type envelope struct {
	SchemaVersion string         `json:"schema_version"`
	RunID         string         `json:"run_id"`
	TenantID      string         `json:"tenant_id"`
	PackType      string         `json:"pack_type"`
	GeneratedAt   time.Time      `json:"generated_at"`
	Cost          envelopeCost   `json:"cost"`
	Data          map[string]any `json:"data"`
}

type envelopeCost struct {
	Reserved string `json:"reserved"`
	Used     string `json:"used"`
}

// buildEnvelope renders the artifact body and its sha256 hex digest.
func buildEnvelope(run domain.Run, result ExecResult, generatedAt time.Time) ([]byte, string, error) {
	doc := envelope{
		SchemaVersion: envelopeSchemaVersion,
		RunID:         run.RunID,
		TenantID:      run.TenantID,
		PackType:      run.PackType,
		GeneratedAt:   generatedAt.UTC(),
		Cost: envelopeCost{
			Reserved: run.ReservationMaxCost.String(),
			Used:     result.ActualCost.String(),
		},
		Data: result.Data,
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, "", fmt.Errorf("encode envelope: %w", err)
	}
	sum := sha256.Sum256(raw)
	return raw, hex.EncodeToString(sum[:]), nil
}
