package deployer

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Bidon15/popsigner/provisioner/internal/addressbook"
	"github.com/Bidon15/popsigner/provisioner/internal/artifacts"
	"github.com/Bidon15/popsigner/provisioner/internal/chaintest"
	"github.com/Bidon15/popsigner/provisioner/internal/manifest"
	"github.com/Bidon15/popsigner/provisioner/internal/planner"
	"github.com/Bidon15/popsigner/provisioner/internal/txengine"
)

var roles = Roles{
	Admin:   common.HexToAddress("0x000000000000000000000000000000000000ad01"),
	Manager: common.HexToAddress("0x000000000000000000000000000000000000ad02"),
}

func recordSpecs() []manifest.ComponentSpec {
	return []manifest.ComponentSpec{
		{Name: "UserRegistry", SourceRef: "UserRegistry.sol"},
		{Name: "RecordStore", SourceRef: "RecordStore.sol"},
		{Name: "RecordManager", SourceRef: "RecordManager.sol", DependsOn: []string{"UserRegistry", "RecordStore"}},
	}
}

func recordArtifacts() map[string]*artifacts.CompiledArtifact {
	return map[string]*artifacts.CompiledArtifact{
		"UserRegistry":  chaintest.Artifact("UserRegistry"),
		"RecordStore":   chaintest.Artifact("RecordStore"),
		"RecordManager": chaintest.Artifact("RecordManager", "setUserRegistry", "setRecordStore"),
	}
}

type harness struct {
	chain    *chaintest.Chain
	owner    *txengine.KeySigner
	exec     *Executor
	bookPath string
	persists int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	h := &harness{
		chain:    chaintest.New(),
		owner:    txengine.NewKeySignerFromECDSA(key),
		bookPath: filepath.Join(t.TempDir(), "addresses.json"),
	}
	engine := txengine.New(h.chain, txengine.Config{ConfirmTimeout: 50 * time.Millisecond, PollInterval: time.Millisecond})
	h.exec = New(Config{
		Engine: engine,
		Owner:  h.owner,
		Roles:  roles,
		Persist: func(b *addressbook.Book) error {
			h.persists++
			return addressbook.Persist(h.bookPath, b)
		},
	})
	return h
}

func mustPlan(t *testing.T, skip ...string) *planner.Plan {
	t.Helper()
	plan, err := planner.Build(recordSpecs(), planner.NewSkipSet(skip...))
	require.NoError(t, err)
	return plan
}

func TestExecute_DeploysInOrder(t *testing.T) {
	h := newHarness(t)
	book := addressbook.New()

	var progress []string
	h.exec.cfg.OnProgress = func(name string, action planner.Action, _ common.Address) {
		progress = append(progress, name+":"+string(action))
	}

	out, err := h.exec.Execute(context.Background(), mustPlan(t), recordArtifacts(), book)
	require.NoError(t, err)

	require.Len(t, out.Deployed, 3)
	assert.Equal(t, "RecordManager", out.Deployed[2].Name)
	assert.Equal(t, 3, book.Len())
	assert.Equal(t, 3, h.persists, "book is persisted after every deployment")
	assert.Equal(t, []string{"UserRegistry:deploy", "RecordStore:deploy", "RecordManager:deploy"}, progress)

	for i, tx := range h.chain.Deployments() {
		assert.Equal(t, h.owner.Address(), tx.From)
		addr, ok := book.Get(out.Deployed[i].Name)
		require.True(t, ok)
		assert.Equal(t, crypto.CreateAddress(h.owner.Address(), tx.Nonce), addr)
	}

	persisted, err := addressbook.Load(h.bookPath)
	require.NoError(t, err)
	assert.Equal(t, book.Map(), persisted.Map())
}

func TestExecute_SkipWithoutPriorAddress(t *testing.T) {
	h := newHarness(t)

	_, err := h.exec.Execute(context.Background(), mustPlan(t, "UserRegistry"), recordArtifacts(), addressbook.New())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingPriorDeployment)

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "UserRegistry", stepErr.Component)
	assert.Empty(t, h.chain.Txs(), "no network call before validation passes")
}

func TestExecute_SkipReusesRecordedAddress(t *testing.T) {
	h := newHarness(t)
	book := addressbook.New()
	prior := common.HexToAddress("0x00000000000000000000000000000000000000f1")
	book.Set("UserRegistry", prior)

	out, err := h.exec.Execute(context.Background(), mustPlan(t, "UserRegistry"), recordArtifacts(), book)
	require.NoError(t, err)

	assert.Equal(t, []string{"UserRegistry"}, out.Reused)
	assert.Len(t, out.Deployed, 2)
	assert.Len(t, h.chain.Deployments(), 2)
	got, _ := book.Get("UserRegistry")
	assert.Equal(t, prior, got)
}

func TestExecute_FailureKeepsEarlierAddresses(t *testing.T) {
	h := newHarness(t)
	deploys := 0
	h.chain.Revert = func(tx *chaintest.Tx) bool {
		if tx.To != nil {
			return false
		}
		deploys++
		return deploys == 2
	}
	book := addressbook.New()

	out, err := h.exec.Execute(context.Background(), mustPlan(t), recordArtifacts(), book)
	require.Error(t, err)
	assert.ErrorIs(t, err, txengine.ErrDeploymentRejected)

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "RecordStore", stepErr.Component)

	assert.Equal(t, []string{"UserRegistry"}, book.Names())
	require.Len(t, out.Deployed, 1)

	persisted, err := addressbook.Load(h.bookPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"UserRegistry"}, persisted.Names())
}

func TestExecute_Idempotent(t *testing.T) {
	h := newHarness(t)
	book := addressbook.New()
	_, err := h.exec.Execute(context.Background(), mustPlan(t), recordArtifacts(), book)
	require.NoError(t, err)
	first := book.Map()
	txCount := len(h.chain.Txs())

	reloaded, err := addressbook.Load(h.bookPath)
	require.NoError(t, err)
	out, err := h.exec.Execute(context.Background(), mustPlan(t, reloaded.Names()...), recordArtifacts(), reloaded)
	require.NoError(t, err)

	assert.Empty(t, out.Deployed)
	assert.Len(t, out.Reused, 3)
	assert.Len(t, h.chain.Txs(), txCount)
	assert.Equal(t, first, reloaded.Map())
}

func TestExecute_RedeployReplacesEntry(t *testing.T) {
	h := newHarness(t)
	book := addressbook.New()
	stale := common.HexToAddress("0x00000000000000000000000000000000000000ee")
	book.Set("UserRegistry", stale)

	out, err := h.exec.Execute(context.Background(), mustPlan(t), recordArtifacts(), book)
	require.NoError(t, err)
	assert.Equal(t, stale, out.Deployed[0].Replaced)
	got, _ := book.Get("UserRegistry")
	assert.NotEqual(t, stale, got)
}

func TestExecute_CancelBetweenDeployments(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.exec.cfg.OnProgress = func(string, planner.Action, common.Address) { cancel() }

	_, err := h.exec.Execute(ctx, mustPlan(t), recordArtifacts(), addressbook.New())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, h.chain.Txs(), 1)
}

func TestValidate(t *testing.T) {
	noCtor := &artifacts.CompiledArtifact{Name: "Lib", ABI: json.RawMessage(`[]`), Bytecode: "6080"}
	oneArg := &artifacts.CompiledArtifact{
		Name:     "One",
		ABI:      json.RawMessage(`[{"type":"constructor","inputs":[{"name":"a","type":"uint256"}],"stateMutability":"nonpayable"}]`),
		Bytecode: "6080",
	}

	tests := []struct {
		name    string
		spec    manifest.ComponentSpec
		art     *artifacts.CompiledArtifact
		wantErr error
	}{
		{
			name: "roles constructor",
			spec: manifest.ComponentSpec{Name: "A", SourceRef: "a", ConstructorArgs: manifest.ArgsRoles},
			art:  chaintest.Artifact("A"),
		},
		{
			name: "no-arg constructor",
			spec: manifest.ComponentSpec{Name: "Lib", SourceRef: "l", ConstructorArgs: manifest.ArgsNone},
			art:  noCtor,
		},
		{
			name:    "roles against empty constructor",
			spec:    manifest.ComponentSpec{Name: "Lib", SourceRef: "l"},
			art:     noCtor,
			wantErr: ErrConstructorMismatch,
		},
		{
			name:    "none against roles constructor",
			spec:    manifest.ComponentSpec{Name: "A", SourceRef: "a", ConstructorArgs: manifest.ArgsNone},
			art:     chaintest.Artifact("A"),
			wantErr: ErrConstructorMismatch,
		},
		{
			name:    "wrong types",
			spec:    manifest.ComponentSpec{Name: "One", SourceRef: "o"},
			art:     oneArg,
			wantErr: ErrConstructorMismatch,
		},
		{
			name:    "missing artifact",
			spec:    manifest.ComponentSpec{Name: "Ghost", SourceRef: "g"},
			wantErr: artifacts.ErrArtifactMissing,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			plan, err := planner.Build([]manifest.ComponentSpec{tc.spec}, nil)
			require.NoError(t, err)
			arts := map[string]*artifacts.CompiledArtifact{}
			if tc.art != nil {
				arts[tc.spec.Name] = tc.art
			}
			err = New(Config{}).Validate(plan, arts, addressbook.New())
			if tc.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}
