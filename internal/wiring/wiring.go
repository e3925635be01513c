// Package wiring runs the ordered cross-reference calls that tell deployed
// components about each other.
//
// Rules run strictly one after another. A failure at rule k stops the run;
// rules after k are never attempted because their preconditions may not hold.
package wiring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/Bidon15/popsigner/provisioner/internal/addressbook"
	"github.com/Bidon15/popsigner/provisioner/internal/artifacts"
	"github.com/Bidon15/popsigner/provisioner/internal/manifest"
	"github.com/Bidon15/popsigner/provisioner/internal/txengine"
)

var (
	// ErrUnresolvedReference is returned when a rule names a component that
	// has no address in the book.
	ErrUnresolvedReference = errors.New("wiring: unresolved reference")
	// ErrUnknownOperation is returned at plan-build time when the source
	// component's interface has no such operation.
	ErrUnknownOperation = errors.New("wiring: unknown operation")
	// ErrOperationSignature is returned when the operation does not take a
	// single address or cannot change state.
	ErrOperationSignature = errors.New("wiring: operation signature mismatch")
	// ErrUnknownSigner is returned when no signer is configured for a role.
	ErrUnknownSigner = errors.New("wiring: no signer for role")
	// ErrRuleIndex is returned for a resume index outside the plan.
	ErrRuleIndex = errors.New("wiring: rule index out of range")
)

// RuleError attributes a failure to one rule. Index is 1-based.
type RuleError struct {
	Index int
	Rule  manifest.WiringRule
	Err   error
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("wiring rule %d %s: %v", e.Index, e.Rule, e.Err)
}

func (e *RuleError) Unwrap() error { return e.Err }

// step is a rule bound to its validated method.
type step struct {
	index  int
	rule   manifest.WiringRule
	abi    abi.ABI
	method abi.Method
}

// Plan is a validated, ordered wiring plan.
type Plan struct {
	steps []step
}

// Len returns the number of rules.
func (p *Plan) Len() int { return len(p.steps) }

// Rules returns the rules in execution order.
func (p *Plan) Rules() []manifest.WiringRule {
	out := make([]manifest.WiringRule, len(p.steps))
	for i, s := range p.steps {
		out[i] = s.rule
	}
	return out
}

// BuildPlan checks every rule's operation against the source component's
// interface. It performs no network calls.
func BuildPlan(rules []manifest.WiringRule, arts map[string]*artifacts.CompiledArtifact) (*Plan, error) {
	plan := &Plan{steps: make([]step, 0, len(rules))}
	parsed := make(map[string]abi.ABI)

	for i, r := range rules {
		idx := i + 1
		contractABI, ok := parsed[r.Source]
		if !ok {
			art, found := arts[r.Source]
			if !found {
				return nil, &RuleError{Index: idx, Rule: r, Err: artifacts.ErrArtifactMissing}
			}
			var err error
			contractABI, err = art.ParseABI()
			if err != nil {
				return nil, &RuleError{Index: idx, Rule: r, Err: err}
			}
			parsed[r.Source] = contractABI
		}

		method, ok := contractABI.Methods[r.Operation]
		if !ok {
			return nil, &RuleError{Index: idx, Rule: r, Err: fmt.Errorf("%w: %s has no operation %q", ErrUnknownOperation, r.Source, r.Operation)}
		}
		if len(method.Inputs) != 1 || method.Inputs[0].Type.T != abi.AddressTy {
			return nil, &RuleError{Index: idx, Rule: r, Err: fmt.Errorf("%w: %s is %s, want one address argument", ErrOperationSignature, r.Operation, method.Sig)}
		}
		if method.IsConstant() {
			return nil, &RuleError{Index: idx, Rule: r, Err: fmt.Errorf("%w: %s is read-only", ErrOperationSignature, r.Operation)}
		}

		plan.steps = append(plan.steps, step{index: idx, rule: r, abi: contractABI, method: method})
	}
	return plan, nil
}

// From returns the plan starting at the 1-based rule index. Rule numbering
// is preserved.
func (p *Plan) From(index int) (*Plan, error) {
	if index < 1 || index > len(p.steps)+1 {
		return nil, fmt.Errorf("%w: %d (plan has %d rules)", ErrRuleIndex, index, len(p.steps))
	}
	return &Plan{steps: p.steps[index-1:]}, nil
}

// Call is a rule resolved against an address book.
type Call struct {
	Index     int                 `json:"index"`
	Rule      manifest.WiringRule `json:"rule"`
	Source    common.Address      `json:"source_address"`
	Target    common.Address      `json:"target_address"`
	Signature string              `json:"signature"`
}

func (s step) resolve(book *addressbook.Book) (Call, error) {
	src, ok := book.Get(s.rule.Source)
	if !ok {
		return Call{}, &RuleError{Index: s.index, Rule: s.rule, Err: fmt.Errorf("%w: source %s", ErrUnresolvedReference, s.rule.Source)}
	}
	dst, ok := book.Get(s.rule.Target)
	if !ok {
		return Call{}, &RuleError{Index: s.index, Rule: s.rule, Err: fmt.Errorf("%w: target %s", ErrUnresolvedReference, s.rule.Target)}
	}
	return Call{Index: s.index, Rule: s.rule, Source: src, Target: dst, Signature: s.method.Sig}, nil
}

// Resolve returns every call the plan would make, without sending anything.
func (p *Plan) Resolve(book *addressbook.Book) ([]Call, error) {
	calls := make([]Call, 0, len(p.steps))
	for _, s := range p.steps {
		c, err := s.resolve(book)
		if err != nil {
			return nil, err
		}
		calls = append(calls, c)
	}
	return calls, nil
}

// Invoker sends one method call. *txengine.Engine satisfies it.
type Invoker interface {
	Invoke(ctx context.Context, label string, target common.Address, contractABI abi.ABI, operation string, args []interface{}, from txengine.Signer) (*txengine.Result, error)
}

// Config configures an Engine.
type Config struct {
	Invoker Invoker
	Signers map[manifest.Role]txengine.Signer
	// OnApplied is called after each rule's transaction is confirmed.
	OnApplied func(Applied)
	Logger    *slog.Logger
}

// Applied is a rule that was executed successfully.
type Applied struct {
	Call
	TxHash common.Hash `json:"tx_hash"`
}

// Engine executes wiring plans.
type Engine struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a wiring engine.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{cfg: cfg, logger: logger}
}

// Execute runs the plan against book. It returns the rules applied so far
// and, on failure, a *RuleError for the rule that failed.
func (e *Engine) Execute(ctx context.Context, plan *Plan, book *addressbook.Book) ([]Applied, error) {
	applied := make([]Applied, 0, plan.Len())

	for _, s := range plan.steps {
		if err := ctx.Err(); err != nil {
			return applied, &RuleError{Index: s.index, Rule: s.rule, Err: err}
		}

		call, err := s.resolve(book)
		if err != nil {
			return applied, err
		}

		signer, ok := e.cfg.Signers[s.rule.Signer()]
		if !ok || signer == nil {
			return applied, &RuleError{Index: s.index, Rule: s.rule, Err: fmt.Errorf("%w: %s", ErrUnknownSigner, s.rule.Signer())}
		}

		e.logger.Info("applying wiring rule",
			slog.Int("rule", s.index),
			slog.String("source", s.rule.Source),
			slog.String("operation", s.rule.Operation),
			slog.String("target", s.rule.Target),
			slog.String("target_address", call.Target.Hex()),
		)

		res, err := e.cfg.Invoker.Invoke(ctx, s.rule.String(), call.Source, s.abi, s.rule.Operation, []interface{}{call.Target}, signer)
		if err != nil {
			e.logger.Error("wiring rule failed",
				slog.Int("rule", s.index),
				slog.String("rule_name", s.rule.String()),
				slog.String("error", err.Error()),
			)
			return applied, &RuleError{Index: s.index, Rule: s.rule, Err: err}
		}

		a := Applied{Call: call, TxHash: res.TxHash}
		applied = append(applied, a)
		if e.cfg.OnApplied != nil {
			e.cfg.OnApplied(a)
		}
	}

	e.logger.Info("wiring complete", slog.Int("rules", len(applied)))
	return applied, nil
}
