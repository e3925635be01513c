package txengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrDeploymentRejected is returned when a construction produced no
	// contract address or its receipt reports failure.
	ErrDeploymentRejected = errors.New("txengine: deployment rejected")
	// ErrCallReverted is returned when a method call's receipt reports failure.
	ErrCallReverted = errors.New("txengine: call reverted")
	// ErrRPCUnavailable is returned when the node cannot be reached.
	ErrRPCUnavailable = errors.New("txengine: rpc unavailable")
	// ErrUnderpriced is returned when the node refuses the fee.
	ErrUnderpriced = errors.New("txengine: transaction underpriced")
	// ErrTimeout is returned when no receipt appeared within the
	// confirmation window. The transaction may still be mined later.
	ErrTimeout = errors.New("txengine: confirmation timeout")
	// ErrNonceConflict is returned when the node already has a transaction
	// at the chosen nonce.
	ErrNonceConflict = errors.New("txengine: nonce conflict")
	// ErrTxRejected is returned when the node refuses a transaction for any
	// other reason (insufficient funds, intrinsic gas, ...).
	ErrTxRejected = errors.New("txengine: transaction rejected")
	// ErrInvalidRequest is returned for requests that cannot be encoded.
	ErrInvalidRequest = errors.New("txengine: invalid request")
)

// Kind distinguishes constructions from method calls.
type Kind string

const (
	KindDeploy Kind = "deploy"
	KindInvoke Kind = "invoke"
)

// TxError attributes a failure to one transaction.
type TxError struct {
	Kind      Kind
	Label     string
	From      common.Address
	Target    *common.Address
	Operation string
	Nonce     uint64
	TxHash    common.Hash
	Err       error
}

func (e *TxError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", e.Kind, e.Label)
	if e.Target != nil {
		fmt.Fprintf(&b, " at %s", e.Target.Hex())
	}
	if e.Operation != "" {
		fmt.Fprintf(&b, " op %s", e.Operation)
	}
	if e.TxHash != (common.Hash{}) {
		fmt.Fprintf(&b, " (tx %s, nonce %d)", e.TxHash.Hex(), e.Nonce)
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	return b.String()
}

func (e *TxError) Unwrap() error { return e.Err }

// IsNetworkError reports whether err looks like a transport failure rather
// than a node-side rejection.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRPCUnavailable) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection refused", "connection reset", "no such host", "broken pipe", "eof"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// classifySendError maps a SendTransaction error to a sentinel.
func classifySendError(err error) error {
	if IsNetworkError(err) {
		return fmt.Errorf("%w: %v", ErrRPCUnavailable, err)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "underpriced"),
		strings.Contains(msg, "fee too low"),
		strings.Contains(msg, "max fee per gas less than block base fee"):
		return fmt.Errorf("%w: %v", ErrUnderpriced, err)
	case strings.Contains(msg, "nonce too low"),
		strings.Contains(msg, "already known"),
		strings.Contains(msg, "known transaction"):
		return fmt.Errorf("%w: %v", ErrNonceConflict, err)
	default:
		return fmt.Errorf("%w: %v", ErrTxRejected, err)
	}
}

// rpcError wraps a read-side RPC failure.
func rpcError(step string, err error) error {
	if IsNetworkError(err) {
		return fmt.Errorf("%w: %s: %v", ErrRPCUnavailable, step, err)
	}
	return fmt.Errorf("%s: %w", step, err)
}
