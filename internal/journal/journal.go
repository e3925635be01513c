// Package journal records provisioning runs and every transaction they send.
package journal

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunStarted   RunStatus = "started"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// TxStatus is the state recorded by a transaction event.
type TxStatus string

const (
	TxSubmitted TxStatus = "submitted"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
)

// Run is one invocation of the provisioner.
type Run struct {
	ID         uuid.UUID  `json:"id"`
	Endpoint   string     `json:"endpoint"`
	ChainID    uint64     `json:"chain_id"`
	Skip       []string   `json:"skip"`
	Status     RunStatus  `json:"status"`
	Phase      string     `json:"phase,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// TxEvent is one lifecycle event of one transaction.
type TxEvent struct {
	ID        string    `json:"id"`
	RunID     uuid.UUID `json:"run_id"`
	Kind      string    `json:"kind"`
	Label     string    `json:"label"`
	Operation string    `json:"operation,omitempty"`
	From      string    `json:"from"`
	To        string    `json:"to,omitempty"`
	Nonce     uint64    `json:"nonce"`
	TxHash    string    `json:"tx_hash,omitempty"`
	Status    TxStatus  `json:"status"`
	Block     uint64    `json:"block,omitempty"`
	GasUsed   uint64    `json:"gas_used,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Repository persists runs and transaction events.
type Repository interface {
	CreateRun(ctx context.Context, run *Run) error
	FinishRun(ctx context.Context, id uuid.UUID, status RunStatus, phase, errMsg string) error
	GetRun(ctx context.Context, id uuid.UUID) (*Run, error)
	RecordTx(ctx context.Context, ev *TxEvent) error
	ListTxs(ctx context.Context, runID uuid.UUID) ([]*TxEvent, error)
	Close()
}

// Nop discards everything. It is used when no journal is configured.
type Nop struct{}

func (Nop) CreateRun(context.Context, *Run) error { return nil }

func (Nop) FinishRun(context.Context, uuid.UUID, RunStatus, string, string) error { return nil }

func (Nop) GetRun(context.Context, uuid.UUID) (*Run, error) { return nil, nil }

func (Nop) RecordTx(context.Context, *TxEvent) error { return nil }

func (Nop) ListTxs(context.Context, uuid.UUID) ([]*TxEvent, error) { return nil, nil }

func (Nop) Close() {}
