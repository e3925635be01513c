// Package orchestrator drives a provisioning run: it loads artifacts and the
// address book, plans deployments, deploys, persists, wires and publishes,
// stopping at the first phase that fails.
package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/Bidon15/popsigner/provisioner/internal/addressbook"
	"github.com/Bidon15/popsigner/provisioner/internal/artifacts"
	"github.com/Bidon15/popsigner/provisioner/internal/deployer"
	"github.com/Bidon15/popsigner/provisioner/internal/journal"
	"github.com/Bidon15/popsigner/provisioner/internal/lock"
	"github.com/Bidon15/popsigner/provisioner/internal/manifest"
	"github.com/Bidon15/popsigner/provisioner/internal/metrics"
	"github.com/Bidon15/popsigner/provisioner/internal/planner"
	"github.com/Bidon15/popsigner/provisioner/internal/publish"
	"github.com/Bidon15/popsigner/provisioner/internal/txengine"
	"github.com/Bidon15/popsigner/provisioner/internal/wiring"
)

// Signers holds one signer per role.
type Signers struct {
	Owner   txengine.Signer
	Admin   txengine.Signer
	Manager txengine.Signer
}

func (s Signers) byRole() map[manifest.Role]txengine.Signer {
	return map[manifest.Role]txengine.Signer{
		manifest.RoleOwner:   s.Owner,
		manifest.RoleAdmin:   s.Admin,
		manifest.RoleManager: s.Manager,
	}
}

// Config contains everything a run needs. Optional collaborators may be nil.
type Config struct {
	Manifest        *manifest.Manifest
	Store           *artifacts.Store
	AddressBookPath string
	Skip            planner.SkipSet

	// Compiler rebuilds the artifact store before loading. Nil uses the
	// artifacts already on disk.
	Compiler artifacts.Compiler

	Backend txengine.Backend
	// Tx configures the transaction engine. Observer and Logger are set by
	// the orchestrator.
	Tx      txengine.Config
	Signers Signers

	// Endpoint and ChainID are recorded in the journal.
	Endpoint string
	ChainID  uint64

	// Preflight runs after planning and before any transaction.
	Preflight func(ctx context.Context) error

	Locker  lock.Locker
	LockKey string

	Journal     journal.Repository
	Metrics     *metrics.Metrics
	MetricsFile string

	// Publish exports artifacts and the address book after a successful
	// deploy run. Nil disables it.
	Publish *publish.Options

	Logger *slog.Logger
}

// Orchestrator runs provisioning.
type Orchestrator struct {
	cfg    Config
	logger *slog.Logger
}

// New creates an orchestrator.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Locker == nil {
		cfg.Locker = lock.Nop{}
	}
	if cfg.Journal == nil {
		cfg.Journal = journal.Nop{}
	}
	if cfg.Skip == nil {
		cfg.Skip = planner.NewSkipSet()
	}
	return &Orchestrator{cfg: cfg, logger: logger}
}

// Prepared is the validated input of a run. Building it never touches the
// network.
type Prepared struct {
	Artifacts map[string]*artifacts.CompiledArtifact
	Book      *addressbook.Book
	Plan      *planner.Plan
	Wiring    *wiring.Plan
}

// Prepare loads artifacts and the address book and validates the deployment
// and wiring plans against them.
func (o *Orchestrator) Prepare(ctx context.Context) (*Prepared, error) {
	p := &Prepared{}

	err := o.phase(ctx, PhaseArtifacts, func() error {
		arts, err := o.cfg.Store.Load(o.cfg.Manifest.Names())
		p.Artifacts = arts
		return err
	})
	if err != nil {
		return nil, err
	}

	err = o.phase(ctx, PhaseAddressBook, func() error {
		book, err := addressbook.Load(o.cfg.AddressBookPath)
		p.Book = book
		return err
	})
	if err != nil {
		return nil, err
	}

	err = o.phase(ctx, PhasePlan, func() error {
		plan, err := planner.Build(o.cfg.Manifest.Components, o.cfg.Skip)
		if err != nil {
			return err
		}
		if err := deployer.New(deployer.Config{Logger: o.logger}).Validate(plan, p.Artifacts, p.Book); err != nil {
			return err
		}
		wplan, err := wiring.BuildPlan(o.cfg.Manifest.Wiring, p.Artifacts)
		if err != nil {
			return err
		}
		p.Plan, p.Wiring = plan, wplan
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Run executes a full deploy-and-wire run. The address book is loaded,
// extended and persisted under one account lease.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	rep := newReport(ModeDeploy)
	err := o.run(ctx, rep, func(ctx context.Context, engine *txengine.Engine) error {
		return o.guarded(ctx, func(ctx context.Context) error {
			if o.cfg.Compiler != nil {
				err := o.phase(ctx, PhaseCompile, func() error {
					_, err := artifacts.Build(ctx, o.cfg.Compiler, o.cfg.Store, o.cfg.Manifest.SourceRefs())
					return err
				})
				if err != nil {
					return err
				}
			}

			prep, err := o.Prepare(ctx)
			if err != nil {
				return err
			}
			rep.Order = prep.Plan.Order()
			rep.AddressBook = prep.Book.Map()

			if err := o.deploy(ctx, engine, prep, rep); err != nil {
				return err
			}
			if err := o.wire(ctx, engine, prep.Wiring, prep.Book, rep); err != nil {
				return err
			}
			if o.cfg.Publish != nil {
				return o.phase(ctx, PhasePublish, func() error {
					res, err := publish.Publish(*o.cfg.Publish)
					rep.Published = res
					return err
				})
			}
			return nil
		})
	})
	return rep, err
}

// Wire runs only the wiring plan against the persisted address book,
// starting at rule fromRule (1-based).
func (o *Orchestrator) Wire(ctx context.Context, fromRule int) (*Report, error) {
	rep := newReport(ModeWire)
	err := o.run(ctx, rep, func(ctx context.Context, engine *txengine.Engine) error {
		return o.guarded(ctx, func(ctx context.Context) error {
			var arts map[string]*artifacts.CompiledArtifact
			err := o.phase(ctx, PhaseArtifacts, func() error {
				var err error
				arts, err = o.cfg.Store.Load(o.cfg.Manifest.Names())
				return err
			})
			if err != nil {
				return err
			}

			var book *addressbook.Book
			err = o.phase(ctx, PhaseAddressBook, func() error {
				var err error
				book, err = addressbook.Load(o.cfg.AddressBookPath)
				return err
			})
			if err != nil {
				return err
			}
			rep.AddressBook = book.Map()

			var plan *wiring.Plan
			err = o.phase(ctx, PhasePlan, func() error {
				full, err := wiring.BuildPlan(o.cfg.Manifest.Wiring, arts)
				if err != nil {
					return err
				}
				plan, err = full.From(fromRule)
				if err != nil {
					return err
				}
				// Resolve up front so a missing address fails before any call.
				_, err = plan.Resolve(book)
				return err
			})
			if err != nil {
				return err
			}

			return o.wire(ctx, engine, plan, book, rep)
		})
	})
	return rep, err
}

// run brackets body with journal, metrics and report bookkeeping.
func (o *Orchestrator) run(ctx context.Context, rep *Report, body func(context.Context, *txengine.Engine) error) error {
	logger := o.logger.With(slog.String("run_id", rep.RunID.String()))
	logger.Info("provisioning run started", slog.String("mode", string(rep.Mode)))

	o.journalStart(ctx, rep)

	txcfg := o.cfg.Tx
	txcfg.Logger = o.logger
	observers := []txengine.Observer{journal.NewObserver(o.cfg.Journal, rep.RunID, o.logger)}
	if o.cfg.Metrics != nil {
		observers = append(observers, o.cfg.Metrics)
	}
	txcfg.Observer = txengine.Observers(observers...)
	engine := txengine.New(o.cfg.Backend, txcfg)

	err := body(ctx, engine)

	rep.FinishedAt = time.Now().UTC()
	if err != nil {
		rep.fail(err)
		logger.Error("provisioning run failed",
			slog.String("phase", string(rep.Failure.Phase)),
			slog.String("subject", rep.Failure.Subject),
			slog.String("category", string(rep.Failure.Category)),
			slog.String("error", err.Error()),
		)
	} else {
		rep.Status = StatusSucceeded
		logger.Info("provisioning run completed",
			slog.Int("deployed", len(rep.Deployed)),
			slog.Int("reused", len(rep.Reused)),
			slog.Int("wired", len(rep.Wired)),
			slog.Duration("duration", rep.FinishedAt.Sub(rep.StartedAt)),
		)
	}

	o.journalFinish(ctx, rep)
	o.writeMetrics(rep)
	return err
}

// guarded runs body after preflight and while holding the account lock.
// Everything that reads or writes the address book belongs inside body.
func (o *Orchestrator) guarded(ctx context.Context, body func(context.Context) error) error {
	if o.cfg.Preflight != nil {
		if err := o.phase(ctx, PhasePreflight, func() error { return o.cfg.Preflight(ctx) }); err != nil {
			return err
		}
	}

	var lease lock.Lease
	err := o.phase(ctx, PhaseLock, func() error {
		var err error
		lease, err = o.cfg.Locker.Acquire(ctx, o.cfg.LockKey)
		return err
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			o.logger.Warn("failed to release lock",
				slog.String("key", lease.Key()),
				slog.String("error", err.Error()),
			)
		}
	}()

	return body(ctx)
}

func (o *Orchestrator) deploy(ctx context.Context, engine *txengine.Engine, prep *Prepared, rep *Report) error {
	exec := deployer.New(deployer.Config{
		Engine: engine,
		Owner:  o.cfg.Signers.Owner,
		Roles: deployer.Roles{
			Admin:   o.cfg.Signers.Admin.Address(),
			Manager: o.cfg.Signers.Manager.Address(),
		},
		Persist: func(b *addressbook.Book) error {
			return addressbook.Persist(o.cfg.AddressBookPath, b)
		},
		Logger: o.logger,
	})

	err := o.phase(ctx, PhaseDeploy, func() error {
		out, err := exec.Execute(ctx, prep.Plan, prep.Artifacts, prep.Book)
		if out != nil {
			rep.Deployed = append(rep.Deployed, out.Deployed...)
			rep.Reused = append(rep.Reused, out.Reused...)
		}
		rep.AddressBook = prep.Book.Map()
		return err
	})
	if err != nil {
		return err
	}

	return o.phase(ctx, PhasePersist, func() error {
		return addressbook.Persist(o.cfg.AddressBookPath, prep.Book)
	})
}

func (o *Orchestrator) wire(ctx context.Context, engine *txengine.Engine, plan *wiring.Plan, book *addressbook.Book, rep *Report) error {
	signers := o.cfg.Signers.byRole()
	for role, s := range signers {
		if s == nil {
			delete(signers, role)
		}
	}
	eng := wiring.New(wiring.Config{
		Invoker: engine,
		Signers: signers,
		Logger:  o.logger,
	})
	return o.phase(ctx, PhaseWire, func() error {
		applied, err := eng.Execute(ctx, plan, book)
		rep.addWired(applied)
		return err
	})
}

// phase times fn and attributes its error to name.
func (o *Orchestrator) phase(ctx context.Context, name Phase, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return phaseError(name, err)
	}
	start := time.Now()
	o.logger.Debug("phase started", slog.String("phase", string(name)))

	err := fn()
	elapsed := time.Since(start)
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.ObservePhase(string(name), elapsed)
	}
	if err != nil {
		return phaseError(name, err)
	}

	o.logger.Info("phase completed",
		slog.String("phase", string(name)),
		slog.Duration("duration", elapsed),
	)
	return nil
}

func (o *Orchestrator) journalStart(ctx context.Context, rep *Report) {
	run := &journal.Run{
		ID:        rep.RunID,
		Endpoint:  o.cfg.Endpoint,
		ChainID:   o.cfg.ChainID,
		Skip:      o.cfg.Skip.Names(),
		Status:    journal.RunStarted,
		StartedAt: rep.StartedAt,
	}
	if err := o.cfg.Journal.CreateRun(ctx, run); err != nil {
		o.logger.Warn("failed to journal run start", slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) journalFinish(ctx context.Context, rep *Report) {
	status, phase, msg := journal.RunSucceeded, "", ""
	if rep.Failure != nil {
		status, phase, msg = journal.RunFailed, string(rep.Failure.Phase), rep.Failure.Error
	}
	if err := o.cfg.Journal.FinishRun(context.WithoutCancel(ctx), rep.RunID, status, phase, msg); err != nil {
		o.logger.Warn("failed to journal run result", slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) writeMetrics(rep *Report) {
	if o.cfg.Metrics == nil {
		return
	}
	o.cfg.Metrics.SetComponents(len(rep.Deployed), len(rep.Reused))
	o.cfg.Metrics.RunFinished(string(rep.Status), rep.FinishedAt)
	if o.cfg.MetricsFile == "" {
		return
	}
	if err := o.cfg.Metrics.WriteTextfile(o.cfg.MetricsFile); err != nil {
		o.logger.Warn("failed to write metrics",
			slog.String("path", o.cfg.MetricsFile),
			slog.String("error", err.Error()),
		)
	}
}
