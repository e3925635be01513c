package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/Bidon15/popsigner/provisioner/internal/artifacts"
	"github.com/Bidon15/popsigner/provisioner/internal/config"
	"github.com/Bidon15/popsigner/provisioner/internal/deployer"
	"github.com/Bidon15/popsigner/provisioner/internal/lock"
	"github.com/Bidon15/popsigner/provisioner/internal/manifest"
	"github.com/Bidon15/popsigner/provisioner/internal/planner"
	"github.com/Bidon15/popsigner/provisioner/internal/preflight"
	"github.com/Bidon15/popsigner/provisioner/internal/txengine"
	"github.com/Bidon15/popsigner/provisioner/internal/wiring"
)

// Phase names one stage of a run.
type Phase string

const (
	PhaseCompile     Phase = "compile"
	PhaseArtifacts   Phase = "artifacts"
	PhaseAddressBook Phase = "address_book"
	PhasePlan        Phase = "plan"
	PhasePreflight   Phase = "preflight"
	PhaseLock        Phase = "lock"
	PhaseDeploy      Phase = "deploy"
	PhasePersist     Phase = "persist"
	PhaseWire        Phase = "wire"
	PhasePublish     Phase = "publish"
)

// PhaseError attributes a run failure to a phase and, where known, to the
// component or wiring rule that failed.
type PhaseError struct {
	Phase   Phase
	Subject string
	Err     error
}

func (e *PhaseError) Error() string {
	if e.Subject == "" {
		return fmt.Sprintf("%s phase failed: %v", e.Phase, e.Err)
	}
	return fmt.Sprintf("%s phase failed at %s: %v", e.Phase, e.Subject, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }

func phaseError(phase Phase, err error) error {
	var pe *PhaseError
	if errors.As(err, &pe) {
		return err
	}
	return &PhaseError{Phase: phase, Subject: subjectOf(err), Err: err}
}

// subjectOf names the component or rule an error is attributed to.
func subjectOf(err error) string {
	var stepErr *deployer.StepError
	if errors.As(err, &stepErr) {
		return stepErr.Component
	}
	var ruleErr *wiring.RuleError
	if errors.As(err, &ruleErr) {
		return fmt.Sprintf("rule %d (%s)", ruleErr.Index, ruleErr.Rule)
	}
	var txErr *txengine.TxError
	if errors.As(err, &txErr) {
		return txErr.Label
	}
	return ""
}

// Category is the operator-facing failure class.
type Category string

const (
	CategoryNone                Category = ""
	CategoryConfiguration       Category = "ConfigurationError"
	CategoryCompilation         Category = "CompilationError"
	CategoryNetwork             Category = "NetworkError"
	CategoryChainRejection      Category = "ChainRejection"
	CategoryUnresolvedReference Category = "UnresolvedReference"
	CategoryCancelled           Category = "Cancelled"
	CategoryInternal            Category = "InternalError"
)

// Retryable reports whether rerunning with a corrected skip set can succeed
// without changing anything else.
func (c Category) Retryable() bool {
	return c == CategoryNetwork || c == CategoryCancelled
}

var configurationErrors = []error{
	config.ErrInvalidConfig,
	manifest.ErrInvalidManifest,
	planner.ErrCyclicDependency,
	planner.ErrUnknownDependency,
	planner.ErrDuplicateComponent,
	planner.ErrUnknownSkip,
	deployer.ErrMissingPriorDeployment,
	deployer.ErrConstructorMismatch,
	artifacts.ErrArtifactMissing,
	artifacts.ErrInvalidArtifact,
	wiring.ErrUnknownOperation,
	wiring.ErrOperationSignature,
	wiring.ErrUnknownSigner,
	wiring.ErrRuleIndex,
	preflight.ErrChecksFailed,
	lock.ErrHeld,
	txengine.ErrInvalidRequest,
}

var networkErrors = []error{
	txengine.ErrRPCUnavailable,
	txengine.ErrTimeout,
	txengine.ErrUnderpriced,
	txengine.ErrNonceConflict,
}

var rejectionErrors = []error{
	txengine.ErrDeploymentRejected,
	txengine.ErrCallReverted,
	txengine.ErrTxRejected,
}

func isAny(err error, targets []error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}

// Classify maps an error from any phase to its category.
func Classify(err error) Category {
	switch {
	case err == nil:
		return CategoryNone
	case errors.Is(err, artifacts.ErrCompilation):
		return CategoryCompilation
	case errors.Is(err, wiring.ErrUnresolvedReference):
		return CategoryUnresolvedReference
	case isAny(err, rejectionErrors):
		return CategoryChainRejection
	case isAny(err, networkErrors):
		return CategoryNetwork
	case isAny(err, configurationErrors):
		return CategoryConfiguration
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CategoryCancelled
	default:
		return CategoryInternal
	}
}
