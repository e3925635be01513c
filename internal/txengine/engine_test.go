package txengine

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Bidon15/popsigner/provisioner/internal/chaintest"
)

var (
	admin   = common.HexToAddress("0x000000000000000000000000000000000000ad01")
	manager = common.HexToAddress("0x000000000000000000000000000000000000ad02")
)

func newSigner(t *testing.T) *KeySigner {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return NewKeySignerFromECDSA(key)
}

func fastConfig() Config {
	return Config{GasBufferPercent: DefaultGasBufferPercent, ConfirmTimeout: 200 * time.Millisecond, PollInterval: time.Millisecond}
}

func parseABI(t *testing.T, ops ...string) abi.ABI {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(chaintest.ABI(ops...)))
	require.NoError(t, err)
	return parsed
}

type recordingObserver struct {
	mu        sync.Mutex
	submitted []Submission
	confirmed []Submission
	failed    []error
}

func (o *recordingObserver) TxSubmitted(_ context.Context, s Submission) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.submitted = append(o.submitted, s)
}

func (o *recordingObserver) TxConfirmed(_ context.Context, s Submission, _ *types.Receipt, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.confirmed = append(o.confirmed, s)
}

func (o *recordingObserver) TxFailed(_ context.Context, _ Submission, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed = append(o.failed, err)
}

func TestEngine_Deploy(t *testing.T) {
	chain := chaintest.New()
	obs := &recordingObserver{}
	cfg := fastConfig()
	cfg.Observer = obs
	engine := New(chain, cfg)
	owner := newSigner(t)

	res, err := engine.Deploy(context.Background(), chaintest.Artifact("UserManager"), []interface{}{admin, manager}, owner)
	require.NoError(t, err)
	assert.Equal(t, crypto.CreateAddress(owner.Address(), 0), res.Address)
	assert.Equal(t, uint64(0), res.Nonce)
	assert.True(t, chain.HasCode(res.Address))

	deployments := chain.Deployments()
	require.Len(t, deployments, 1)
	tail := append(common.LeftPadBytes(admin.Bytes(), 32), common.LeftPadBytes(manager.Bytes(), 32)...)
	assert.True(t, strings.HasSuffix(string(deployments[0].Data), string(tail)), "constructor args appended to bytecode")
	assert.Equal(t, uint8(types.LegacyTxType), deployments[0].Type)

	require.Len(t, obs.submitted, 1)
	require.Len(t, obs.confirmed, 1)
	assert.Equal(t, uint64(120_000), obs.submitted[0].Gas, "20% gas buffer")
	assert.Equal(t, KindDeploy, obs.confirmed[0].Kind)
}

func TestEngine_SequentialNonces(t *testing.T) {
	chain := chaintest.New()
	engine := New(chain, fastConfig())
	owner := newSigner(t)

	for i := 0; i < 3; i++ {
		res, err := engine.Deploy(context.Background(), chaintest.Artifact("C"), []interface{}{admin, manager}, owner)
		require.NoError(t, err)
		assert.Equal(t, uint64(i), res.Nonce)
	}
}

func TestEngine_ConcurrentSubmissionsAreSerialized(t *testing.T) {
	chain := chaintest.New()
	chain.PendingPolls = 1
	engine := New(chain, fastConfig())
	owner := newSigner(t)
	parsed := parseABI(t, "setThing")
	target := common.HexToAddress("0x00000000000000000000000000000000000000c0")

	const n = 10
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.Invoke(context.Background(), "c", target, parsed, "setThing", []interface{}{admin}, owner)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	txs := chain.Txs()
	require.Len(t, txs, n)
	for i, tx := range txs {
		assert.Equal(t, uint64(i), tx.Nonce)
	}
}

func TestEngine_Invoke(t *testing.T) {
	chain := chaintest.New()
	engine := New(chain, fastConfig())
	owner := newSigner(t)
	target := common.HexToAddress("0x00000000000000000000000000000000000000d1")
	arg := common.HexToAddress("0x00000000000000000000000000000000000000d2")

	res, err := engine.Invoke(context.Background(), "DRCManager.loadDrcStorage", target, parseABI(t, "loadDrcStorage"), "loadDrcStorage", []interface{}{arg}, owner)
	require.NoError(t, err)
	assert.Equal(t, common.Address{}, res.Address)
	assert.Equal(t, types.ReceiptStatusSuccessful, res.Receipt.Status)

	calls := chain.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, target, *calls[0].To)
	op, got, err := chaintest.DecodeCall(chaintest.ABI("loadDrcStorage"), calls[0].Data)
	require.NoError(t, err)
	assert.Equal(t, "loadDrcStorage", op)
	assert.Equal(t, arg, got)
}

func TestEngine_Failures(t *testing.T) {
	target := common.HexToAddress("0x00000000000000000000000000000000000000e1")

	tests := []struct {
		name      string
		setup     func(c *chaintest.Chain)
		deploy    bool
		wantErr   error
		wantSent  int
		operation string
	}{
		{
			name:     "call reverted",
			setup:    func(c *chaintest.Chain) { c.Revert = func(*chaintest.Tx) bool { return true } },
			wantErr:  ErrCallReverted,
			wantSent: 1,
		},
		{
			name:     "deployment reverted",
			setup:    func(c *chaintest.Chain) { c.Revert = func(*chaintest.Tx) bool { return true } },
			deploy:   true,
			wantErr:  ErrDeploymentRejected,
			wantSent: 1,
		},
		{
			name:     "deployment without address",
			setup:    func(c *chaintest.Chain) { c.NoAddress = func(*chaintest.Tx) bool { return true } },
			deploy:   true,
			wantErr:  ErrDeploymentRejected,
			wantSent: 1,
		},
		{
			name: "estimate reverts call",
			setup: func(c *chaintest.Chain) {
				c.EstimateErr = func(ethereum.CallMsg) error { return errors.New("execution reverted: only owner") }
			},
			wantErr: ErrCallReverted,
		},
		{
			name: "estimate reverts deployment",
			setup: func(c *chaintest.Chain) {
				c.EstimateErr = func(ethereum.CallMsg) error { return errors.New("execution reverted") }
			},
			deploy:  true,
			wantErr: ErrDeploymentRejected,
		},
		{
			name:    "node down",
			setup:   func(c *chaintest.Chain) { c.Down = true },
			wantErr: ErrRPCUnavailable,
		},
		{
			name: "underpriced",
			setup: func(c *chaintest.Chain) {
				c.SendErr = func(*chaintest.Tx) error { return errors.New("transaction underpriced") }
			},
			wantErr: ErrUnderpriced,
		},
		{
			name: "nonce conflict",
			setup: func(c *chaintest.Chain) {
				c.SendErr = func(*chaintest.Tx) error { return errors.New("already known") }
			},
			wantErr: ErrNonceConflict,
		},
		{
			name: "insufficient funds",
			setup: func(c *chaintest.Chain) {
				c.SendErr = func(*chaintest.Tx) error { return errors.New("insufficient funds for gas * price + value") }
			},
			wantErr: ErrTxRejected,
		},
		{
			name:     "never mined",
			setup:    func(c *chaintest.Chain) { c.NeverMine = true },
			wantErr:  ErrTimeout,
			wantSent: 1,
		},
		{
			name:      "unknown operation",
			setup:     func(*chaintest.Chain) {},
			operation: "doesNotExist",
			wantErr:   ErrInvalidRequest,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			chain := chaintest.New()
			tc.setup(chain)
			obs := &recordingObserver{}
			cfg := Config{ConfirmTimeout: 20 * time.Millisecond, PollInterval: time.Millisecond, Observer: obs}
			engine := New(chain, cfg)
			owner := newSigner(t)

			var err error
			if tc.deploy {
				_, err = engine.Deploy(context.Background(), chaintest.Artifact("X"), []interface{}{admin, manager}, owner)
			} else {
				op := tc.operation
				if op == "" {
					op = "setThing"
				}
				_, err = engine.Invoke(context.Background(), "X.setThing", target, parseABI(t, "setThing"), op, []interface{}{admin}, owner)
			}

			require.Error(t, err)
			assert.ErrorIs(t, err, tc.wantErr)

			var txErr *TxError
			require.ErrorAs(t, err, &txErr)
			if !tc.deploy {
				require.NotNil(t, txErr.Target)
				assert.Equal(t, target, *txErr.Target)
			}
			assert.Len(t, chain.Txs(), tc.wantSent)
			if tc.wantErr != ErrInvalidRequest {
				assert.Len(t, obs.failed, 1)
			}
		})
	}
}

func TestEngine_WaitsForPendingReceipt(t *testing.T) {
	chain := chaintest.New()
	chain.PendingPolls = 3
	engine := New(chain, fastConfig())

	res, err := engine.Deploy(context.Background(), chaintest.Artifact("X"), []interface{}{admin, manager}, newSigner(t))
	require.NoError(t, err)
	assert.NotEqual(t, common.Address{}, res.Address)
}

func TestEngine_CancelledBeforeSubmission(t *testing.T) {
	chain := chaintest.New()
	engine := New(chain, fastConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := engine.Deploy(ctx, chaintest.Artifact("X"), []interface{}{admin, manager}, newSigner(t))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, chain.Txs())
}

func TestEngine_CancelDuringConfirmationStillResolves(t *testing.T) {
	chain := chaintest.New()
	chain.PendingPolls = 5
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	chain.SendErr = func(*chaintest.Tx) error {
		cancel()
		return nil
	}
	engine := New(chain, fastConfig())

	res, err := engine.Deploy(ctx, chaintest.Artifact("X"), []interface{}{admin, manager}, newSigner(t))
	require.NoError(t, err)
	assert.NotEqual(t, common.Address{}, res.Address)
	assert.Len(t, chain.Txs(), 1)
}

func TestEngine_FeeModes(t *testing.T) {
	tests := []struct {
		name     string
		mode     FeeMode
		baseFee  int64
		wantType uint8
	}{
		{name: "legacy", mode: FeeLegacy, wantType: types.LegacyTxType},
		{name: "dynamic", mode: FeeDynamic, baseFee: 7, wantType: types.DynamicFeeTxType},
		{name: "dynamic without base fee", mode: FeeDynamic, wantType: types.LegacyTxType},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			chain := chaintest.New()
			if tc.baseFee > 0 {
				chain.BaseFee = big.NewInt(tc.baseFee)
			}
			cfg := fastConfig()
			cfg.FeeMode = tc.mode
			engine := New(chain, cfg)

			_, err := engine.Deploy(context.Background(), chaintest.Artifact("X"), []interface{}{admin, manager}, newSigner(t))
			require.NoError(t, err)
			assert.Equal(t, tc.wantType, chain.Txs()[0].Type)
		})
	}
}

func TestNewKeySigner(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	hexKey := common.Bytes2Hex(crypto.FromECDSA(key))

	for _, in := range []string{hexKey, "0x" + hexKey, " " + hexKey + "\n"} {
		s, err := NewKeySigner(in)
		require.NoError(t, err)
		assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), s.Address())
	}

	_, err = NewKeySigner("zz")
	assert.Error(t, err)
}

func TestIsNetworkError(t *testing.T) {
	assert.True(t, IsNetworkError(errors.New("dial tcp: connection refused")))
	assert.True(t, IsNetworkError(ErrRPCUnavailable))
	assert.False(t, IsNetworkError(errors.New("execution reverted")))
	assert.False(t, IsNetworkError(context.Canceled))
	assert.False(t, IsNetworkError(nil))
}

// unansweredSend accepts the connection but never replies to a send.
type unansweredSend struct {
	*chaintest.Chain
}

func (unansweredSend) SendTransaction(ctx context.Context, _ *types.Transaction) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestEngine_SendIsBounded(t *testing.T) {
	chain := chaintest.New()
	obs := &recordingObserver{}
	cfg := fastConfig()
	cfg.Observer = obs
	engine := New(unansweredSend{chain}, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := engine.Deploy(ctx, chaintest.Artifact("X"), []interface{}{admin, manager}, newSigner(t))
		done <- err
	}()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrRPCUnavailable)

		var txErr *TxError
		require.ErrorAs(t, err, &txErr)
		assert.NotEqual(t, common.Hash{}, txErr.TxHash, "a failed send still names its transaction")
		assert.Len(t, obs.failed, 1)
		assert.Empty(t, obs.submitted)
	case <-time.After(5 * time.Second):
		t.Fatal("deploy did not return after the send deadline")
	}
}

// lostAck delivers the transaction and then drops the reply.
type lostAck struct {
	*chaintest.Chain
}

func (l lostAck) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if err := l.Chain.SendTransaction(ctx, tx); err != nil {
		return err
	}
	return errors.New("read tcp 127.0.0.1:51234->127.0.0.1:8545: connection reset by peer")
}

func TestEngine_SendErrorRequeriesReceipt(t *testing.T) {
	chain := chaintest.New()
	obs := &recordingObserver{}
	cfg := fastConfig()
	cfg.Observer = obs
	engine := New(lostAck{chain}, cfg)

	res, err := engine.Deploy(context.Background(), chaintest.Artifact("X"), []interface{}{admin, manager}, newSigner(t))
	require.NoError(t, err)
	assert.NotEqual(t, common.Address{}, res.Address)
	assert.Len(t, chain.Txs(), 1)
	assert.Len(t, obs.submitted, 1)
	assert.Len(t, obs.confirmed, 1)
}

func TestEngine_SendRejectionCarriesHash(t *testing.T) {
	chain := chaintest.New()
	chain.SendErr = func(*chaintest.Tx) error { return errors.New("transaction underpriced") }
	engine := New(chain, fastConfig())

	_, err := engine.Invoke(context.Background(), "X.setThing", common.HexToAddress("0xe1"), parseABI(t, "setThing"), "setThing", []interface{}{admin}, newSigner(t))
	require.ErrorIs(t, err, ErrUnderpriced)

	var txErr *TxError
	require.ErrorAs(t, err, &txErr)
	assert.NotEqual(t, common.Hash{}, txErr.TxHash)
}

func TestEngine_ZeroGasBufferIsHonored(t *testing.T) {
	chain := chaintest.New()
	obs := &recordingObserver{}
	cfg := fastConfig()
	cfg.GasBufferPercent = 0
	cfg.Observer = obs
	engine := New(chain, cfg)

	_, err := engine.Deploy(context.Background(), chaintest.Artifact("X"), []interface{}{admin, manager}, newSigner(t))
	require.NoError(t, err)
	require.Len(t, obs.submitted, 1)
	assert.Equal(t, chain.GasEstimate, obs.submitted[0].Gas)
}
