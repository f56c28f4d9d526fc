package monitor

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"XCMFlow/internal/xcm"
)

// Status is the lifecycle state of a transfer.
type Status string

const (
	// StatusPending is accepted but not yet built.
	StatusPending Status = "PENDING"
	// StatusBuilding means the protocol message is being constructed.
	StatusBuilding Status = "BUILDING"
	// StatusSubmitted means the message was handed to the source chain.
	StatusSubmitted Status = "SUBMITTED"
	// StatusInBlock means the message was observed in a source block.
	StatusInBlock Status = "IN_BLOCK"
	// StatusFinalized means the including block is final on the source chain.
	StatusFinalized Status = "FINALIZED"
	// StatusSuccess is terminal: delivery confirmed on the destination.
	StatusSuccess Status = "SUCCESS"
	// StatusFailed is terminal: delivery failed or retries ran out.
	StatusFailed Status = "FAILED"
	// StatusRetrying waits out the backoff before re-entering PENDING.
	StatusRetrying Status = "RETRYING"
)

// Terminal reports whether the status can never change again.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Outcome is the destination-side delivery result.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)

// Transaction is one tracked cross-chain transfer. All fields are owned by
// the monitor; callers receive clones.
type Transaction struct {
	ID          string             `json:"id"`
	Params      xcm.TransferParams `json:"params"`
	RouteID     string             `json:"route_id,omitempty"`
	MessageKind xcm.Kind           `json:"message_kind,omitempty"`
	MessageHash common.Hash        `json:"message_hash"`
	Status      Status             `json:"status"`
	RetryCount  int                `json:"retry_count"`
	LastError   string             `json:"last_error,omitempty"`

	BlockNumber uint64      `json:"block_number,omitempty"`
	BlockHash   common.Hash `json:"block_hash,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	SubmittedAt time.Time `json:"submitted_at,omitempty"`
	FinalizedAt time.Time `json:"finalized_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	NextRetryAt time.Time `json:"next_retry_at,omitempty"`
}

// NewTransaction creates a PENDING transaction for the given parameters.
func NewTransaction(params xcm.TransferParams, routeID string) *Transaction {
	now := time.Now()
	return &Transaction{
		ID:        uuid.NewString(),
		Params:    params,
		RouteID:   routeID,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns an independent copy.
func (t *Transaction) Clone() *Transaction {
	clone := *t
	return &clone
}

// CompletionDuration is the wall time from creation to a terminal state,
// zero while the transaction is still active.
func (t *Transaction) CompletionDuration() time.Duration {
	if t.CompletedAt.IsZero() {
		return 0
	}
	return t.CompletedAt.Sub(t.CreatedAt)
}
