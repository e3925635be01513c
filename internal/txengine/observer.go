package txengine

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Submission describes one transaction handed to the node.
type Submission struct {
	Kind      Kind
	Label     string
	Operation string
	From      common.Address
	To        *common.Address
	Nonce     uint64
	Gas       uint64
	TxHash    common.Hash
}

// Observer receives transaction lifecycle events. Implementations must not
// block for long; they run on the submitting goroutine.
type Observer interface {
	TxSubmitted(ctx context.Context, s Submission)
	TxConfirmed(ctx context.Context, s Submission, receipt *types.Receipt, latency time.Duration)
	TxFailed(ctx context.Context, s Submission, err error)
}

type nopObserver struct{}

func (nopObserver) TxSubmitted(context.Context, Submission) {}
func (nopObserver) TxConfirmed(context.Context, Submission, *types.Receipt, time.Duration) {}
func (nopObserver) TxFailed(context.Context, Submission, error) {}

type multiObserver []Observer

// Observers fans events out to every non-nil observer.
func Observers(obs ...Observer) Observer {
	var m multiObserver
	for _, o := range obs {
		if o != nil {
			m = append(m, o)
		}
	}
	if len(m) == 0 {
		return nopObserver{}
	}
	return m
}

func (m multiObserver) TxSubmitted(ctx context.Context, s Submission) {
	for _, o := range m {
		o.TxSubmitted(ctx, s)
	}
}

func (m multiObserver) TxConfirmed(ctx context.Context, s Submission, r *types.Receipt, latency time.Duration) {
	for _, o := range m {
		o.TxConfirmed(ctx, s, r, latency)
	}
}

func (m multiObserver) TxFailed(ctx context.Context, s Submission, err error) {
	for _, o := range m {
		o.TxFailed(ctx, s, err)
	}
}
