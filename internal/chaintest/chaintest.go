// Package chaintest provides an in-memory chain for exercising the
// transaction engine and everything built on it.
package chaintest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/Bidon15/popsigner/provisioner/internal/artifacts"
)

// DefaultChainID is the chain id of a new Chain.
var DefaultChainID = big.NewInt(1337)

// Tx is a transaction the chain accepted.
type Tx struct {
	From   common.Address
	To     *common.Address
	Nonce  uint64
	Data   []byte
	Hash   common.Hash
	Type   uint8
	Status uint64
}

// Chain is a fake node. Every accepted transaction is mined on the next
// receipt query unless PendingPolls or NeverMine say otherwise.
type Chain struct {
	mu sync.Mutex

	ChainIDValue *big.Int
	GasPrice     *big.Int
	BaseFee      *big.Int
	TipCap       *big.Int
	GasEstimate  uint64
	Balances     map[common.Address]*big.Int

	// Hooks. Each returns a non-nil error to fail the corresponding call.
	EstimateErr func(msg ethereum.CallMsg) error
	SendErr     func(tx *Tx) error
	// Revert marks a mined transaction as failed.
	Revert func(tx *Tx) bool
	// NoAddress mines a construction without reporting a contract address.
	NoAddress func(tx *Tx) bool

	// PendingPolls is how many receipt queries return NotFound first.
	PendingPolls int
	NeverMine    bool
	// Down makes every call fail with a connection error.
	Down bool

	nonces   map[common.Address]uint64
	txs      []*Tx
	receipts map[common.Hash]*types.Receipt
	polls    map[common.Hash]int
	code     map[common.Address][]byte
	block    int64
}

// New returns an empty chain.
func New() *Chain {
	return &Chain{
		ChainIDValue: new(big.Int).Set(DefaultChainID),
		GasPrice:     big.NewInt(1_000_000_000),
		TipCap:       big.NewInt(1_000_000),
		GasEstimate:  100_000,
		Balances:     make(map[common.Address]*big.Int),
		nonces:       make(map[common.Address]uint64),
		receipts:     make(map[common.Hash]*types.Receipt),
		polls:        make(map[common.Hash]int),
		code:         make(map[common.Address][]byte),
	}
}

var errDown = errors.New("dial tcp 127.0.0.1:8545: connect: connection refused")

func (c *Chain) ChainID(context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Down {
		return nil, errDown
	}
	return new(big.Int).Set(c.ChainIDValue), nil
}

func (c *Chain) PendingNonceAt(_ context.Context, account common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Down {
		return 0, errDown
	}
	return c.nonces[account], nil
}

func (c *Chain) SuggestGasPrice(context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Down {
		return nil, errDown
	}
	return new(big.Int).Set(c.GasPrice), nil
}

func (c *Chain) SuggestGasTipCap(context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Down {
		return nil, errDown
	}
	return new(big.Int).Set(c.TipCap), nil
}

func (c *Chain) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Down {
		return nil, errDown
	}
	h := &types.Header{Number: big.NewInt(c.block)}
	if c.BaseFee != nil {
		h.BaseFee = new(big.Int).Set(c.BaseFee)
	}
	return h, nil
}

func (c *Chain) BalanceAt(_ context.Context, account common.Address, _ *big.Int) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Down {
		return nil, errDown
	}
	if b, ok := c.Balances[account]; ok {
		return new(big.Int).Set(b), nil
	}
	return big.NewInt(0), nil
}

func (c *Chain) EstimateGas(_ context.Context, msg ethereum.CallMsg) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Down {
		return 0, errDown
	}
	if c.EstimateErr != nil {
		if err := c.EstimateErr(msg); err != nil {
			return 0, err
		}
	}
	return c.GasEstimate, nil
}

func (c *Chain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Down {
		return errDown
	}

	from, err := types.Sender(types.LatestSignerForChainID(c.ChainIDValue), tx)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	if want := c.nonces[from]; tx.Nonce() != want {
		if tx.Nonce() < want {
			return errors.New("nonce too low")
		}
		return fmt.Errorf("nonce gap: have %d want %d", tx.Nonce(), want)
	}

	rec := &Tx{From: from, To: tx.To(), Nonce: tx.Nonce(), Data: tx.Data(), Hash: tx.Hash(), Type: tx.Type()}
	if c.SendErr != nil {
		if err := c.SendErr(rec); err != nil {
			return err
		}
	}

	c.nonces[from]++
	c.txs = append(c.txs, rec)

	if c.NeverMine {
		return nil
	}

	c.block++
	receipt := &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		TxHash:      tx.Hash(),
		BlockNumber: big.NewInt(c.block),
		GasUsed:     tx.Gas() / 2,
	}
	if c.Revert != nil && c.Revert(rec) {
		receipt.Status = types.ReceiptStatusFailed
	}
	if tx.To() == nil && receipt.Status == types.ReceiptStatusSuccessful && (c.NoAddress == nil || !c.NoAddress(rec)) {
		receipt.ContractAddress = crypto.CreateAddress(from, tx.Nonce())
		c.code[receipt.ContractAddress] = []byte{0x60, 0x80}
	}
	rec.Status = receipt.Status
	c.receipts[tx.Hash()] = receipt
	return nil
}

func (c *Chain) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Down {
		return nil, errDown
	}
	r, ok := c.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	if c.polls[hash] < c.PendingPolls {
		c.polls[hash]++
		return nil, ethereum.NotFound
	}
	return r, nil
}

// Txs returns every accepted transaction in submission order.
func (c *Chain) Txs() []*Tx {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Tx, len(c.txs))
	copy(out, c.txs)
	return out
}

// Deployments returns the accepted construction transactions.
func (c *Chain) Deployments() []*Tx {
	var out []*Tx
	for _, tx := range c.Txs() {
		if tx.To == nil {
			out = append(out, tx)
		}
	}
	return out
}

// Calls returns the accepted method-call transactions.
func (c *Chain) Calls() []*Tx {
	var out []*Tx
	for _, tx := range c.Txs() {
		if tx.To != nil {
			out = append(out, tx)
		}
	}
	return out
}

// HasCode reports whether a successful construction created addr.
func (c *Chain) HasCode(addr common.Address) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.code[addr]) > 0
}

// Fund sets the balance of addr in ether.
func (c *Chain) Fund(addr common.Address, ether int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Balances[addr] = new(big.Int).Mul(big.NewInt(ether), big.NewInt(1e18))
}

// ABI returns an interface description with a (admin, manager) constructor
// and one single-address setter per operation.
func ABI(operations ...string) string {
	type arg struct {
		Name string `json:"name"`
		Type string `json:"type"`
	}
	type entry struct {
		Type            string `json:"type"`
		Name            string `json:"name,omitempty"`
		Inputs          []arg  `json:"inputs"`
		Outputs         []arg  `json:"outputs,omitempty"`
		StateMutability string `json:"stateMutability"`
	}
	entries := []entry{{
		Type:            "constructor",
		Inputs:          []arg{{Name: "admin", Type: "address"}, {Name: "manager", Type: "address"}},
		StateMutability: "nonpayable",
	}}
	for _, op := range operations {
		entries = append(entries, entry{
			Type:            "function",
			Name:            op,
			Inputs:          []arg{{Name: "addr", Type: "address"}},
			Outputs:         []arg{},
			StateMutability: "nonpayable",
		})
	}
	data, _ := json.Marshal(entries)
	return string(data)
}

// Artifact builds a compiled artifact using ABI(operations...).
func Artifact(name string, operations ...string) *artifacts.CompiledArtifact {
	return &artifacts.CompiledArtifact{
		Name:     name,
		ABI:      json.RawMessage(ABI(operations...)),
		Bytecode: "0x6080604052348015600f57600080fd5b50",
	}
}

// DecodeCall returns the method name and the single address argument of a
// call produced against ABI(...).
func DecodeCall(abiJSON string, data []byte) (string, common.Address, error) {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return "", common.Address{}, err
	}
	if len(data) < 4 {
		return "", common.Address{}, errors.New("short calldata")
	}
	method, err := parsed.MethodById(data[:4])
	if err != nil {
		return "", common.Address{}, err
	}
	vals, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return "", common.Address{}, err
	}
	if len(vals) != 1 {
		return "", common.Address{}, fmt.Errorf("expected 1 argument, got %d", len(vals))
	}
	addr, ok := vals[0].(common.Address)
	if !ok {
		return "", common.Address{}, fmt.Errorf("argument is %T", vals[0])
	}
	return method.Name, addr, nil
}
