// Package txengine builds, signs, submits and confirms single transactions.
// All submissions for one account are serialized so that nonces are assigned
// in submission order.
package txengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/Bidon15/popsigner/provisioner/internal/artifacts"
)

// Defaults for Config.
const (
	DefaultGasBufferPercent = 20
	DefaultConfirmTimeout   = 2 * time.Minute
	DefaultPollInterval     = 2 * time.Second
	requeryTimeout          = 10 * time.Second
)

// FeeMode selects the transaction type.
type FeeMode string

const (
	FeeLegacy  FeeMode = "legacy"
	FeeDynamic FeeMode = "dynamic"
)

// Backend is the subset of the node API the engine needs. *ethclient.Client
// satisfies it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Config configures an Engine.
type Config struct {
	// ChainID used for signing. Nil means ask the node once.
	ChainID          *big.Int
	FeeMode          FeeMode
	// GasBufferPercent is added on top of the node's estimate. Zero sends
	// the estimate unchanged; callers wanting headroom pass
	// DefaultGasBufferPercent.
	GasBufferPercent uint64
	ConfirmTimeout   time.Duration
	PollInterval     time.Duration
	Observer         Observer
	Logger           *slog.Logger
}

// Result is the outcome of a confirmed transaction.
type Result struct {
	TxHash  common.Hash
	Nonce   uint64
	Address common.Address // created contract, zero for method calls
	Receipt *types.Receipt
}

// Engine owns nonce sequencing for every account it signs for.
type Engine struct {
	backend  Backend
	cfg      Config
	logger   *slog.Logger
	observer Observer

	mu       sync.Mutex
	chainID  *big.Int
	accounts map[common.Address]*sync.Mutex
}

// New creates an engine over backend.
func New(backend Backend, cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.FeeMode == "" {
		cfg.FeeMode = FeeLegacy
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = DefaultConfirmTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	return &Engine{
		backend:  backend,
		cfg:      cfg,
		logger:   cfg.Logger,
		observer: cfg.Observer,
		chainID:  cfg.ChainID,
		accounts: make(map[common.Address]*sync.Mutex),
	}
}

// request is the engine-internal form of a transaction to send.
type request struct {
	kind      Kind
	label     string
	operation string
	from      Signer
	to        *common.Address
	data      []byte
}

// Deploy constructs a contract from artifact with constructor args, signed
// by from, and returns once the receipt shows the created address.
func (e *Engine) Deploy(ctx context.Context, artifact *artifacts.CompiledArtifact, args []interface{}, from Signer) (*Result, error) {
	code, err := artifact.Code()
	if err != nil {
		return nil, &TxError{Kind: KindDeploy, Label: artifact.Name, From: from.Address(), Err: fmt.Errorf("%w: %v", ErrInvalidRequest, err)}
	}
	parsed, err := artifact.ParseABI()
	if err != nil {
		return nil, &TxError{Kind: KindDeploy, Label: artifact.Name, From: from.Address(), Err: fmt.Errorf("%w: %v", ErrInvalidRequest, err)}
	}
	input, err := parsed.Pack("", args...)
	if err != nil {
		return nil, &TxError{Kind: KindDeploy, Label: artifact.Name, From: from.Address(), Err: fmt.Errorf("%w: encode constructor: %v", ErrInvalidRequest, err)}
	}

	data := make([]byte, 0, len(code)+len(input))
	data = append(data, code...)
	data = append(data, input...)

	return e.submit(ctx, request{kind: KindDeploy, label: artifact.Name, from: from, data: data})
}

// Invoke calls operation on the contract at target and returns once the
// receipt is observed.
func (e *Engine) Invoke(ctx context.Context, label string, target common.Address, contractABI abi.ABI, operation string, args []interface{}, from Signer) (*Result, error) {
	data, err := contractABI.Pack(operation, args...)
	if err != nil {
		return nil, &TxError{Kind: KindInvoke, Label: label, From: from.Address(), Target: &target, Operation: operation, Err: fmt.Errorf("%w: encode %s: %v", ErrInvalidRequest, operation, err)}
	}
	return e.submit(ctx, request{kind: KindInvoke, label: label, operation: operation, from: from, to: &target, data: data})
}

// accountLock returns the mutex serializing submissions for addr.
func (e *Engine) accountLock(addr common.Address) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.accounts[addr]
	if !ok {
		l = &sync.Mutex{}
		e.accounts[addr] = l
	}
	return l
}

func (e *Engine) resolveChainID(ctx context.Context) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.chainID != nil {
		return e.chainID, nil
	}
	id, err := e.backend.ChainID(ctx)
	if err != nil {
		return nil, rpcError("get chain id", err)
	}
	e.chainID = id
	return id, nil
}

// fees are read fresh for every transaction.
type fees struct {
	gasPrice  *big.Int
	tipCap    *big.Int
	feeCap    *big.Int
	isDynamic bool
}

func (e *Engine) currentFees(ctx context.Context) (fees, error) {
	if e.cfg.FeeMode == FeeDynamic {
		head, err := e.backend.HeaderByNumber(ctx, nil)
		if err != nil {
			return fees{}, rpcError("get head", err)
		}
		if head.BaseFee != nil {
			tip, err := e.backend.SuggestGasTipCap(ctx)
			if err != nil {
				return fees{}, rpcError("get gas tip cap", err)
			}
			feeCap := new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tip)
			return fees{tipCap: tip, feeCap: feeCap, isDynamic: true}, nil
		}
		e.logger.Debug("node has no base fee, falling back to legacy pricing")
	}
	price, err := e.backend.SuggestGasPrice(ctx)
	if err != nil {
		return fees{}, rpcError("get gas price", err)
	}
	return fees{gasPrice: price}, nil
}

func (e *Engine) submit(ctx context.Context, req request) (*Result, error) {
	from := req.from.Address()
	sub := Submission{Kind: req.kind, Label: req.label, Operation: req.operation, From: from, To: req.to}
	fail := func(err error) (*Result, error) {
		txErr := &TxError{
			Kind: req.kind, Label: req.label, From: from, Target: req.to,
			Operation: req.operation, Nonce: sub.Nonce, TxHash: sub.TxHash, Err: err,
		}
		e.observer.TxFailed(ctx, sub, txErr)
		return nil, txErr
	}

	// Cancellation is honored only before a transaction is handed to the node.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lock := e.accountLock(from)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	chainID, err := e.resolveChainID(ctx)
	if err != nil {
		return fail(err)
	}

	nonce, err := e.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return fail(rpcError("get nonce", err))
	}
	sub.Nonce = nonce

	fee, err := e.currentFees(ctx)
	if err != nil {
		return fail(err)
	}

	msg := ethereum.CallMsg{From: from, To: req.to, Value: big.NewInt(0), Data: req.data}
	if fee.isDynamic {
		msg.GasFeeCap, msg.GasTipCap = fee.feeCap, fee.tipCap
	} else {
		msg.GasPrice = fee.gasPrice
	}
	gasLimit, err := e.backend.EstimateGas(ctx, msg)
	if err != nil {
		if IsNetworkError(err) {
			return fail(rpcError("estimate gas", err))
		}
		return fail(fmt.Errorf("%w: estimate gas: %v", e.rejection(req.kind), err))
	}
	gasLimit = gasLimit * (100 + e.cfg.GasBufferPercent) / 100
	sub.Gas = gasLimit

	var tx *types.Transaction
	if fee.isDynamic {
		tx = types.NewTx(&types.DynamicFeeTx{
			ChainID:   chainID,
			Nonce:     nonce,
			GasTipCap: fee.tipCap,
			GasFeeCap: fee.feeCap,
			Gas:       gasLimit,
			To:        req.to,
			Value:     big.NewInt(0),
			Data:      req.data,
		})
	} else {
		tx = types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: fee.gasPrice,
			Gas:      gasLimit,
			To:       req.to,
			Value:    big.NewInt(0),
			Data:     req.data,
		})
	}

	signed, err := req.from.SignTransaction(ctx, tx, chainID)
	if err != nil {
		return fail(fmt.Errorf("%w: sign transaction: %v", ErrInvalidRequest, err))
	}

	e.logger.Info("sending transaction",
		slog.String("kind", string(req.kind)),
		slog.String("label", req.label),
		slog.String("from", from.Hex()),
		slog.Uint64("nonce", nonce),
		slog.Uint64("gas_limit", gasLimit),
	)

	// From here on the transaction may be in the node's pool; its outcome is
	// resolved even if ctx is cancelled, within ConfirmTimeout.
	sub.TxHash = signed.Hash()
	detached := context.WithoutCancel(ctx)
	start := time.Now()

	receipt, err := e.send(detached, signed)
	if err != nil {
		return fail(err)
	}
	e.observer.TxSubmitted(ctx, sub)

	if receipt == nil {
		e.logger.Info("transaction submitted, waiting for confirmation",
			slog.String("label", req.label),
			slog.String("tx_hash", signed.Hash().Hex()),
		)
		receipt, err = e.waitReceipt(detached, signed.Hash())
		if err != nil {
			return fail(err)
		}
	}

	result := &Result{TxHash: signed.Hash(), Nonce: nonce, Receipt: receipt}

	if receipt.Status != types.ReceiptStatusSuccessful {
		return fail(fmt.Errorf("%w: status %d in block %s", e.rejection(req.kind), receipt.Status, blockString(receipt)))
	}
	if req.kind == KindDeploy {
		if receipt.ContractAddress == (common.Address{}) {
			return fail(fmt.Errorf("%w: receipt has no contract address", ErrDeploymentRejected))
		}
		result.Address = receipt.ContractAddress
	}

	latency := time.Since(start)
	e.observer.TxConfirmed(ctx, sub, receipt, latency)

	e.logger.Info("transaction confirmed",
		slog.String("label", req.label),
		slog.String("tx_hash", signed.Hash().Hex()),
		slog.String("block", blockString(receipt)),
		slog.Uint64("gas_used", receipt.GasUsed),
		slog.Duration("latency", latency),
	)
	return result, nil
}

// send hands tx to the node. A send that fails at the transport level may
// still have reached the pool, so the receipt is queried once before the
// failure is reported; a receipt found that way is returned.
func (e *Engine) send(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	sendCtx, cancel := context.WithTimeout(ctx, e.cfg.ConfirmTimeout)
	err := e.backend.SendTransaction(sendCtx, tx)
	timedOut := sendCtx.Err() != nil
	cancel()
	if err == nil {
		return nil, nil
	}

	sendErr := classifySendError(err)
	if timedOut && !errors.Is(sendErr, ErrRPCUnavailable) {
		sendErr = fmt.Errorf("%w: send not answered within %s: %v", ErrRPCUnavailable, e.cfg.ConfirmTimeout, err)
	}
	if !errors.Is(sendErr, ErrRPCUnavailable) {
		return nil, sendErr
	}

	receipt, qerr := e.requery(ctx, tx.Hash(), err)
	if qerr != nil {
		e.logger.Warn("send failed and transaction not found",
			slog.String("tx_hash", tx.Hash().Hex()),
			slog.Uint64("nonce", tx.Nonce()),
			slog.String("error", err.Error()),
		)
		return nil, sendErr
	}
	e.logger.Warn("send reported an error but the transaction was mined",
		slog.String("tx_hash", tx.Hash().Hex()),
		slog.String("error", err.Error()),
	)
	return receipt, nil
}

func (e *Engine) rejection(kind Kind) error {
	if kind == KindDeploy {
		return ErrDeploymentRejected
	}
	return ErrCallReverted
}

// waitReceipt polls for the receipt until ConfirmTimeout elapses, then
// re-queries once more before reporting a timeout.
func (e *Engine) waitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, e.cfg.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		receipt, err := e.backend.TransactionReceipt(waitCtx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			lastErr = err
			e.logger.Debug("receipt query failed, retrying",
				slog.String("tx_hash", hash.Hex()),
				slog.String("error", err.Error()),
			)
		}

		select {
		case <-waitCtx.Done():
			return e.requery(ctx, hash, lastErr)
		case <-ticker.C:
		}
	}
}

func (e *Engine) requery(ctx context.Context, hash common.Hash, lastErr error) (*types.Receipt, error) {
	qctx, cancel := context.WithTimeout(ctx, requeryTimeout)
	defer cancel()

	receipt, err := e.backend.TransactionReceipt(qctx, hash)
	if err == nil && receipt != nil {
		return receipt, nil
	}
	if err != nil && !errors.Is(err, ethereum.NotFound) {
		lastErr = err
	}
	if lastErr != nil && IsNetworkError(lastErr) {
		return nil, fmt.Errorf("%w: %w after %s: %v", ErrTimeout, ErrRPCUnavailable, e.cfg.ConfirmTimeout, lastErr)
	}
	return nil, fmt.Errorf("%w: no receipt for %s after %s", ErrTimeout, hash.Hex(), e.cfg.ConfirmTimeout)
}

func blockString(r *types.Receipt) string {
	if r.BlockNumber == nil {
		return "unknown"
	}
	return r.BlockNumber.String()
}
