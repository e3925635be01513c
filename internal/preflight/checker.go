// Package preflight checks the node and the signing accounts before any
// transaction is sent.
package preflight

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// DefaultTimeout bounds all RPC calls made by one RunChecks.
const DefaultTimeout = 10 * time.Second

// ErrChecksFailed is returned by Require when any check did not pass.
var ErrChecksFailed = errors.New("preflight: checks failed")

// CheckName identifies a specific pre-flight check.
type CheckName string

const (
	// CheckRPCReachable verifies the node answers.
	CheckRPCReachable CheckName = "rpc_reachable"
	// CheckChainIDMatch verifies the node serves the configured chain.
	CheckChainIDMatch CheckName = "chain_id_match"
	// CheckAccountBalance verifies a signing account can pay for gas.
	CheckAccountBalance CheckName = "account_balance"
)

// CheckResult represents the result of a single pre-flight check.
type CheckResult struct {
	Name    CheckName              `json:"name"`
	Subject string                 `json:"subject,omitempty"`
	Passed  bool                   `json:"passed"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Account is a role and the address that signs for it.
type Account struct {
	Role    string         `json:"role"`
	Address common.Address `json:"address"`
	// NeedsFunds is false for roles that never sign in this run.
	NeedsFunds bool `json:"needs_funds"`
}

// Request contains the parameters for pre-flight checks.
type Request struct {
	RPCURL string `json:"rpc_url"`
	// ChainID is the expected chain; 0 accepts whatever the node reports.
	ChainID          uint64    `json:"chain_id"`
	Accounts         []Account `json:"accounts"`
	AllowZeroBalance bool      `json:"allow_zero_balance"`
}

// Response contains the results of all pre-flight checks.
type Response struct {
	OK      bool          `json:"ok"`
	ChainID uint64        `json:"chain_id,omitempty"`
	Checks  []CheckResult `json:"checks"`
}

// Client is the node API the checks use. *ethclient.Client satisfies it.
type Client interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	Close()
}

// DialFunc connects to the node.
type DialFunc func(ctx context.Context, rpcURL string) (Client, error)

func dialEthclient(ctx context.Context, rpcURL string) (Client, error) {
	return ethclient.DialContext(ctx, rpcURL)
}

// Checker performs pre-flight validation checks.
type Checker struct {
	timeout time.Duration
	dial    DialFunc
}

// NewChecker creates a new pre-flight checker.
func NewChecker() *Checker {
	return &Checker{
		timeout: DefaultTimeout,
		dial:    dialEthclient,
	}
}

// WithTimeout sets a custom timeout for RPC calls.
func (c *Checker) WithTimeout(timeout time.Duration) *Checker {
	c.timeout = timeout
	return c
}

// WithDialer replaces how the checker connects to the node.
func (c *Checker) WithDialer(dial DialFunc) *Checker {
	c.dial = dial
	return c
}

// RunChecks performs all pre-flight checks and returns the results.
func (c *Checker) RunChecks(ctx context.Context, req *Request) (*Response, error) {
	if err := c.validateRequest(req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}

	rpcCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	response := &Response{
		OK:     true,
		Checks: make([]CheckResult, 0, 2+len(req.Accounts)),
	}

	client, chainID, reachable := c.checkRPCReachable(rpcCtx, req.RPCURL)
	response.Checks = append(response.Checks, reachable)
	if !reachable.Passed {
		response.OK = false
		return response, nil
	}
	defer client.Close()
	response.ChainID = chainID.Uint64()

	if req.ChainID != 0 {
		idResult := checkChainIDMatch(chainID, req.ChainID)
		response.Checks = append(response.Checks, idResult)
		if !idResult.Passed {
			response.OK = false
		}
	}

	for _, acct := range req.Accounts {
		if !acct.NeedsFunds {
			continue
		}
		result := c.checkAccountBalance(rpcCtx, client, acct, req.AllowZeroBalance)
		response.Checks = append(response.Checks, result)
		if !result.Passed {
			response.OK = false
		}
	}

	return response, nil
}

// Require runs the checks and returns ErrChecksFailed naming the first
// failure when any check did not pass.
func (c *Checker) Require(ctx context.Context, req *Request) (*Response, error) {
	resp, err := c.RunChecks(ctx, req)
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		for _, check := range resp.Checks {
			if !check.Passed {
				return resp, fmt.Errorf("%w: %s", ErrChecksFailed, check.Message)
			}
		}
	}
	return resp, nil
}

func (c *Checker) validateRequest(req *Request) error {
	if req.RPCURL == "" {
		return fmt.Errorf("rpc_url is required")
	}
	if len(req.Accounts) == 0 {
		return fmt.Errorf("at least one account is required")
	}
	for _, a := range req.Accounts {
		if a.Role == "" {
			return fmt.Errorf("account role is required")
		}
		if a.Address == (common.Address{}) {
			return fmt.Errorf("account %s has no address", a.Role)
		}
	}
	return nil
}

func (c *Checker) checkRPCReachable(ctx context.Context, rpcURL string) (Client, *big.Int, CheckResult) {
	result := CheckResult{Name: CheckRPCReachable, Subject: rpcURL}

	client, err := c.dial(ctx, rpcURL)
	if err != nil {
		result.Message = fmt.Sprintf("Failed to connect to RPC: %v", err)
		result.Details = map[string]interface{}{"error": err.Error()}
		return nil, nil, result
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		result.Message = fmt.Sprintf("RPC connection failed: %v", err)
		result.Details = map[string]interface{}{"error": err.Error()}
		return nil, nil, result
	}

	result.Passed = true
	result.Message = fmt.Sprintf("Connected to RPC, chain %d", chainID.Uint64())
	return client, chainID, result
}

func checkChainIDMatch(actual *big.Int, expected uint64) CheckResult {
	result := CheckResult{Name: CheckChainIDMatch}
	if actual.Cmp(new(big.Int).SetUint64(expected)) != 0 {
		result.Message = fmt.Sprintf("Chain ID mismatch: expected %d, got %d", expected, actual.Uint64())
		result.Details = map[string]interface{}{
			"expected": expected,
			"actual":   actual.Uint64(),
		}
		return result
	}
	result.Passed = true
	result.Message = fmt.Sprintf("Chain ID %d confirmed", expected)
	return result
}

func (c *Checker) checkAccountBalance(ctx context.Context, client Client, acct Account, allowZero bool) CheckResult {
	result := CheckResult{Name: CheckAccountBalance, Subject: acct.Role}

	balance, err := client.BalanceAt(ctx, acct.Address, nil)
	if err != nil {
		result.Message = fmt.Sprintf("Failed to get %s balance: %v", acct.Role, err)
		result.Details = map[string]interface{}{"error": err.Error()}
		return result
	}

	haveETH := weiToETHString(balance)
	result.Details = map[string]interface{}{
		"address":  acct.Address.Hex(),
		"have_wei": balance.String(),
		"have_eth": haveETH,
	}

	if balance.Sign() == 0 && !allowZero {
		result.Message = fmt.Sprintf("%s account %s has no balance", acct.Role, acct.Address.Hex())
		return result
	}

	result.Passed = true
	result.Message = fmt.Sprintf("%s account balance: %s ETH", acct.Role, haveETH)
	return result
}

// weiToETHString converts wei to a human-readable ETH string.
func weiToETHString(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	ethFloat := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(1e18))
	return ethFloat.Text('f', 4)
}
