package journal

import (
	"context"
	"crypto/rand"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/Bidon15/popsigner/provisioner/internal/txengine"
)

// NewEventID returns a lexically sortable event id for t.
func NewEventID(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}

// Observer writes transaction events for one run. Write failures are logged
// and never interrupt the run.
type Observer struct {
	repo   Repository
	runID  uuid.UUID
	logger *slog.Logger
}

// NewObserver returns an observer recording into repo under runID.
func NewObserver(repo Repository, runID uuid.UUID, logger *slog.Logger) *Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Observer{repo: repo, runID: runID, logger: logger}
}

func (o *Observer) event(s txengine.Submission) *TxEvent {
	ev := &TxEvent{
		ID:        NewEventID(time.Now()),
		RunID:     o.runID,
		Kind:      string(s.Kind),
		Label:     s.Label,
		Operation: s.Operation,
		From:      s.From.Hex(),
		Nonce:     s.Nonce,
		CreatedAt: time.Now(),
	}
	if s.To != nil {
		ev.To = s.To.Hex()
	}
	if s.TxHash != (common.Hash{}) {
		ev.TxHash = s.TxHash.Hex()
	}
	return ev
}

func (o *Observer) write(ctx context.Context, ev *TxEvent) {
	// The run may be cancelling; the record still belongs in the journal.
	if err := o.repo.RecordTx(context.WithoutCancel(ctx), ev); err != nil {
		o.logger.Warn("failed to journal transaction",
			slog.String("label", ev.Label),
			slog.String("status", string(ev.Status)),
			slog.String("error", err.Error()),
		)
	}
}

// TxSubmitted implements txengine.Observer.
func (o *Observer) TxSubmitted(ctx context.Context, s txengine.Submission) {
	ev := o.event(s)
	ev.Status = TxSubmitted
	o.write(ctx, ev)
}

// TxConfirmed implements txengine.Observer.
func (o *Observer) TxConfirmed(ctx context.Context, s txengine.Submission, r *types.Receipt, _ time.Duration) {
	ev := o.event(s)
	ev.Status = TxConfirmed
	ev.GasUsed = r.GasUsed
	if r.BlockNumber != nil {
		ev.Block = r.BlockNumber.Uint64()
	}
	o.write(ctx, ev)
}

// TxFailed implements txengine.Observer.
func (o *Observer) TxFailed(ctx context.Context, s txengine.Submission, err error) {
	ev := o.event(s)
	ev.Status = TxFailed
	ev.Error = err.Error()
	o.write(ctx, ev)
}
