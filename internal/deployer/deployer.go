// Package deployer walks a deployment plan and constructs every component
// that is not being reused, persisting the address book after each one.
package deployer

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
	"github.com/Bidon15/popsigner/provisioner/internal/planner"
	"github.com/Bidon15/popsigner/provisioner/internal/txengine"
)

var (
	// ErrMissingPriorDeployment is returned when a skipped component has no
	// recorded address.
	ErrMissingPriorDeployment = errors.New("deployer: skipped component has no recorded address")
	// ErrConstructorMismatch is returned when a component's constructor does
	// not accept the arguments it would be given.
	ErrConstructorMismatch = errors.New("deployer: constructor signature mismatch")
	// ErrPersist is returned when the address book cannot be written.
	ErrPersist = errors.New("deployer: persist address book")
)

// StepError attributes a failure to one component.
type StepError struct {
	Component string
	Err       error
}

func (e *StepError) Error() string { return fmt.Sprintf("component %s: %v", e.Component, e.Err) }

func (e *StepError) Unwrap() error { return e.Err }

// Transactor deploys one artifact. *txengine.Engine satisfies it.
type Transactor interface {
	Deploy(ctx context.Context, artifact *artifacts.CompiledArtifact, args []interface{}, from txengine.Signer) (*txengine.Result, error)
}

// Roles are the privileged addresses handed to every constructor.
type Roles struct {
	Admin   common.Address
	Manager common.Address
}

// ProgressFunc is called after each component is deployed or reused.
type ProgressFunc func(name string, action planner.Action, addr common.Address)

// Config configures an Executor.
type Config struct {
	Engine Transactor
	// Owner signs every construction.
	Owner txengine.Signer
	Roles Roles
	// Persist flushes the book after every deployment. Nil disables it.
	Persist    func(*addressbook.Book) error
	OnProgress ProgressFunc
	Logger     *slog.Logger
}

// Deployment is one construction performed by this run.
type Deployment struct {
	Name     string         `json:"name"`
	Address  common.Address `json:"address"`
	TxHash   common.Hash    `json:"tx_hash"`
	Replaced common.Address `json:"replaced,omitempty"`
}

// Outcome summarizes an execution.
type Outcome struct {
	Deployed []Deployment `json:"deployed"`
	Reused   []string     `json:"reused"`
}

// Executor runs deployment plans.
type Executor struct {
	cfg    Config
	logger *slog.Logger
}

// New creates an executor.
func New(cfg Config) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{cfg: cfg, logger: logger}
}

// Validate checks, without touching the network, that every reused component
// has a recorded address and every deployed component has an artifact whose
// constructor fits its arguments.
func (x *Executor) Validate(plan *planner.Plan, arts map[string]*artifacts.CompiledArtifact, book *addressbook.Book) error {
	for _, step := range plan.Steps {
		name := step.Component.Name
		if step.Action == planner.ActionReuse {
			if _, ok := book.Get(name); !ok {
				return &StepError{Component: name, Err: ErrMissingPriorDeployment}
			}
			continue
		}

		art, ok := arts[name]
		if !ok {
			return &StepError{Component: name, Err: artifacts.ErrArtifactMissing}
		}
		parsed, err := art.ParseABI()
		if err != nil {
			return &StepError{Component: name, Err: err}
		}
		if err := checkConstructor(parsed, step.Component.ConstructorArgs); err != nil {
			return &StepError{Component: name, Err: err}
		}
	}
	return nil
}

func checkConstructor(parsed abi.ABI, mode manifest.ConstructorArgs) error {
	inputs := parsed.Constructor.Inputs
	switch mode {
	case manifest.ArgsNone:
		if len(inputs) != 0 {
			return fmt.Errorf("%w: expects %d arguments, none configured", ErrConstructorMismatch, len(inputs))
		}
	default:
		if len(inputs) != 2 || inputs[0].Type.T != abi.AddressTy || inputs[1].Type.T != abi.AddressTy {
			return fmt.Errorf("%w: want constructor(address admin, address manager), have %s", ErrConstructorMismatch, signature(inputs))
		}
	}
	return nil
}

func signature(args abi.Arguments) string {
	s := "constructor("
	for i, a := range args {
		if i > 0 {
			s += ","
		}
		s += a.Type.String()
	}
	return s + ")"
}

func (x *Executor) constructorArgs(spec manifest.ComponentSpec) []interface{} {
	if spec.ConstructorArgs == manifest.ArgsNone {
		return nil
	}
	return []interface{}{x.cfg.Roles.Admin, x.cfg.Roles.Manager}
}

// Execute deploys every deploy step in order and records addresses in book.
// On failure at component N, entries for components before N are already
// in book and persisted.
func (x *Executor) Execute(ctx context.Context, plan *planner.Plan, arts map[string]*artifacts.CompiledArtifact, book *addressbook.Book) (*Outcome, error) {
	if err := x.Validate(plan, arts, book); err != nil {
		return nil, err
	}

	out := &Outcome{}
	for _, step := range plan.Steps {
		name := step.Component.Name

		if step.Action == planner.ActionReuse {
			addr, _ := book.Get(name)
			x.logger.Info("reusing component",
				slog.String("component", name),
				slog.String("address", addr.Hex()),
			)
			out.Reused = append(out.Reused, name)
			x.progress(name, planner.ActionReuse, addr)
			continue
		}

		if err := ctx.Err(); err != nil {
			return out, &StepError{Component: name, Err: err}
		}

		x.logger.Info("deploying component", slog.String("component", name))

		res, err := x.cfg.Engine.Deploy(ctx, arts[name], x.constructorArgs(step.Component), x.cfg.Owner)
		if err != nil {
			x.logger.Error("component deployment failed",
				slog.String("component", name),
				slog.String("error", err.Error()),
			)
			return out, &StepError{Component: name, Err: err}
		}

		prev, replaced := book.Set(name, res.Address)
		d := Deployment{Name: name, Address: res.Address, TxHash: res.TxHash}
		if replaced && prev != res.Address {
			d.Replaced = prev
			x.logger.Warn("replaced recorded address",
				slog.String("component", name),
				slog.String("old_address", prev.Hex()),
				slog.String("new_address", res.Address.Hex()),
			)
		}
		out.Deployed = append(out.Deployed, d)

		if x.cfg.Persist != nil {
			if err := x.cfg.Persist(book); err != nil {
				return out, &StepError{Component: name, Err: fmt.Errorf("%w: %v", ErrPersist, err)}
			}
		}

		x.logger.Info("component deployed",
			slog.String("component", name),
			slog.String("address", res.Address.Hex()),
			slog.String("tx_hash", res.TxHash.Hex()),
		)
		x.progress(name, planner.ActionDeploy, res.Address)
	}
	return out, nil
}

func (x *Executor) progress(name string, action planner.Action, addr common.Address) {
	if x.cfg.OnProgress != nil {
		x.cfg.OnProgress(name, action, addr)
	}
}
