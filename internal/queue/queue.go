// Package queue is the dispatch channel between the submission path and the
// workers. Messages carry no money values; workers read authoritative state
// from the run store.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrReceiptNotFound is returned by Delete when the receipt does not match an
// in-flight message.
var ErrReceiptNotFound = errors.New("receipt not found")

// Message is the dispatch payload: identity plus the lease TTL the worker
// should request, nothing more.
type Message struct {
	RunID           string         `json:"run_id"`
	TenantID        string         `json:"tenant_id"`
	PackType        string         `json:"pack_type"`
	PackInput       map[string]any `json:"pack_input,omitempty"`
	LeaseTTLSeconds int            `json:"lease_ttl_seconds"`
	EnqueuedAt      time.Time      `json:"enqueued_at"`
	SchemaVersion   string         `json:"schema_version"`

	// Receipt identifies the in-flight delivery for Delete. Set by Receive.
	Receipt string `json:"-"`
}

type Queue interface {
	// Enqueue publishes a dispatch message and returns a message id.
	Enqueue(ctx context.Context, msg Message) (string, error)

	// Receive long-polls for up to wait and returns the next message, or nil
	// when none arrived. Undeleted messages stay in flight; RedisQueue.Redrive
	// returns them to pending, MemoryQueue keeps them until Delete.
	Receive(ctx context.Context, wait time.Duration) (*Message, error)

	// Delete acknowledges an in-flight message by its receipt.
	Delete(ctx context.Context, receipt string) error
}
