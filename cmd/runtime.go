package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"path/filepath"

	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/Bidon15/popsigner/provisioner/internal/artifacts"
	"github.com/Bidon15/popsigner/provisioner/internal/config"
	"github.com/Bidon15/popsigner/provisioner/internal/journal"
	"github.com/Bidon15/popsigner/provisioner/internal/lock"
	"github.com/Bidon15/popsigner/provisioner/internal/logging"
	"github.com/Bidon15/popsigner/provisioner/internal/manifest"
	"github.com/Bidon15/popsigner/provisioner/internal/metrics"
	"github.com/Bidon15/popsigner/provisioner/internal/orchestrator"
	"github.com/Bidon15/popsigner/provisioner/internal/planner"
	"github.com/Bidon15/popsigner/provisioner/internal/preflight"
	"github.com/Bidon15/popsigner/provisioner/internal/publish"
	"github.com/Bidon15/popsigner/provisioner/internal/txengine"
)

// runtime is the resolved configuration of one command plus everything that
// must be closed when it returns.
type runtime struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// loadRuntime decodes the configuration. Signing commands pass strict so
// that keys and endpoints are validated before anything else happens.
func loadRuntime(strict bool) (*runtime, error) {
	var (
		cfg *config.Config
		err error
	)
	if strict {
		cfg, err = config.Load(v)
	} else {
		cfg, err = config.Decode(v)
	}
	if err != nil {
		return nil, err
	}

	logger, closeLog, err := logging.New(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}

	rt := &runtime{cfg: cfg, logger: logger}
	rt.onClose(func() { _ = closeLog() })
	return rt, nil
}

func (r *runtime) onClose(fn func()) { r.closers = append(r.closers, fn) }

// close runs the registered closers in reverse order.
func (r *runtime) close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

func (r *runtime) manifest() (*manifest.Manifest, error) {
	return manifest.Load(r.cfg.Manifest)
}

func (r *runtime) store() *artifacts.Store {
	return artifacts.NewStore(r.cfg.BuildDir)
}

func (r *runtime) signers() (orchestrator.Signers, error) {
	owner, err := txengine.NewKeySigner(r.cfg.OwnerAccountKey)
	if err != nil {
		return orchestrator.Signers{}, fmt.Errorf("%w: owner_account_key: %v", config.ErrInvalidConfig, err)
	}
	admin, err := txengine.NewKeySigner(r.cfg.AdminAccountKey)
	if err != nil {
		return orchestrator.Signers{}, fmt.Errorf("%w: admin_account_key: %v", config.ErrInvalidConfig, err)
	}
	manager, err := txengine.NewKeySigner(r.cfg.ManagerAccountKey)
	if err != nil {
		return orchestrator.Signers{}, fmt.Errorf("%w: manager_account_key: %v", config.ErrInvalidConfig, err)
	}
	return orchestrator.Signers{Owner: owner, Admin: admin, Manager: manager}, nil
}

// preflightRequest lists every role account. The owner always signs; admin
// and manager need funds only when a wiring rule is signed by them.
func preflightRequest(cfg *config.Config, m *manifest.Manifest, s orchestrator.Signers) *preflight.Request {
	used := map[manifest.Role]bool{manifest.RoleOwner: true}
	for _, rule := range m.Wiring {
		used[rule.Signer()] = true
	}
	return &preflight.Request{
		RPCURL:  cfg.Endpoint(),
		ChainID: cfg.ChainID,
		Accounts: []preflight.Account{
			{Role: string(manifest.RoleOwner), Address: s.Owner.Address(), NeedsFunds: true},
			{Role: string(manifest.RoleAdmin), Address: s.Admin.Address(), NeedsFunds: used[manifest.RoleAdmin]},
			{Role: string(manifest.RoleManager), Address: s.Manager.Address(), NeedsFunds: used[manifest.RoleManager]},
		},
		AllowZeroBalance: cfg.AllowZeroBalance,
	}
}

func (r *runtime) txConfig() txengine.Config {
	tc := txengine.Config{
		FeeMode:          txengine.FeeMode(r.cfg.FeeMode),
		GasBufferPercent: r.cfg.GasBufferPercent,
		ConfirmTimeout:   r.cfg.ConfirmTimeout,
		PollInterval:     r.cfg.PollInterval,
	}
	if r.cfg.ChainID != 0 {
		tc.ChainID = new(big.Int).SetUint64(r.cfg.ChainID)
	}
	return tc
}

func (r *runtime) publishOptions() *publish.Options {
	if r.cfg.PublishDir == "" {
		return nil
	}
	return &publish.Options{
		BuildDir:    r.cfg.BuildDir,
		AddressBook: r.cfg.AddressBook,
		Dest:        r.cfg.PublishDir,
		Bundle:      r.cfg.PublishBundle,
		Logger:      r.logger,
	}
}

type runOptions struct {
	noCompile     bool
	skipPreflight bool
	noPublish     bool
}

// orchestratorConfig connects to the node and every optional backend named
// in the configuration.
func (r *runtime) orchestratorConfig(ctx context.Context, opts runOptions) (orchestrator.Config, error) {
	m, err := r.manifest()
	if err != nil {
		return orchestrator.Config{}, err
	}
	signers, err := r.signers()
	if err != nil {
		return orchestrator.Config{}, err
	}

	endpoint := r.cfg.Endpoint()
	client, err := ethclient.DialContext(ctx, endpoint)
	if err != nil {
		return orchestrator.Config{}, fmt.Errorf("%w: dial %s: %v", txengine.ErrRPCUnavailable, endpoint, err)
	}
	r.onClose(client.Close)

	oc := orchestrator.Config{
		Manifest:        m,
		Store:           r.store(),
		AddressBookPath: r.cfg.AddressBook,
		Skip:            planner.NewSkipSet(r.cfg.Skip...),
		Backend:         client,
		Tx:              r.txConfig(),
		Signers:         signers,
		Endpoint:        endpoint,
		ChainID:         r.cfg.ChainID,
		LockKey:         lock.Key(endpoint, signers.Owner.Address().Hex()),
		Logger:          r.logger,
	}

	if !opts.noCompile {
		oc.Compiler = artifacts.NewSolcCompiler(artifacts.SolcConfig{
			Path:    r.cfg.SolcPath,
			Version: r.cfg.SolcVersion,
			BaseDir: r.cfg.ContractsDir,
			Logger:  r.logger,
		})
	}

	if !opts.skipPreflight {
		req := preflightRequest(r.cfg, m, signers)
		checker := preflight.NewChecker()
		oc.Preflight = func(ctx context.Context) error {
			_, err := checker.Require(ctx, req)
			return err
		}
	}

	if r.cfg.RedisAddr != "" {
		rc := lock.NewRedisClient(r.cfg.RedisAddr)
		r.onClose(func() { _ = rc.Close() })
		oc.Locker = lock.NewRedisLocker(rc, r.cfg.LockTTL)
	}

	if r.cfg.JournalDSN != "" {
		repo, err := journal.Open(ctx, r.cfg.JournalDSN)
		if err != nil {
			return orchestrator.Config{}, err
		}
		r.onClose(repo.Close)
		oc.Journal = repo
	}

	if r.cfg.MetricsFile != "" {
		oc.Metrics = metrics.New()
		oc.MetricsFile = filepath.Clean(r.cfg.MetricsFile)
	}

	if !opts.noPublish {
		oc.Publish = r.publishOptions()
	}
	return oc, nil
}
