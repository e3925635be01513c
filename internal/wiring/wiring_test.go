package wiring

import (
	"context"
	"encoding/json"
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
	"github.com/Bidon15/popsigner/provisioner/internal/txengine"
)

var (
	userRegistry  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	recordStore   = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	recordManager = common.HexToAddress("0x00000000000000000000000000000000000000a3")
)

var managerABI = chaintest.ABI("setUserRegistry", "setRecordStore")

func recordRules() []manifest.WiringRule {
	return []manifest.WiringRule{
		{Source: "RecordManager", Operation: "setUserRegistry", Target: "UserRegistry"},
		{Source: "RecordManager", Operation: "setRecordStore", Target: "RecordStore"},
	}
}

func recordArtifacts() map[string]*artifacts.CompiledArtifact {
	return map[string]*artifacts.CompiledArtifact{
		"UserRegistry":  chaintest.Artifact("UserRegistry"),
		"RecordStore":   chaintest.Artifact("RecordStore"),
		"RecordManager": chaintest.Artifact("RecordManager", "setUserRegistry", "setRecordStore"),
	}
}

func fullBook() *addressbook.Book {
	b := addressbook.New()
	b.Set("UserRegistry", userRegistry)
	b.Set("RecordStore", recordStore)
	b.Set("RecordManager", recordManager)
	return b
}

func newSigner(t *testing.T) *txengine.KeySigner {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return txengine.NewKeySignerFromECDSA(key)
}

type harness struct {
	chain *chaintest.Chain
	owner *txengine.KeySigner
	admin *txengine.KeySigner
	eng   *Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{chain: chaintest.New(), owner: newSigner(t), admin: newSigner(t)}
	tx := txengine.New(h.chain, txengine.Config{ConfirmTimeout: 50 * time.Millisecond, PollInterval: time.Millisecond})
	h.eng = New(Config{
		Invoker: tx,
		Signers: map[manifest.Role]txengine.Signer{
			manifest.RoleOwner: h.owner,
			manifest.RoleAdmin: h.admin,
		},
	})
	return h
}

type decodedCall struct {
	To     common.Address
	Op     string
	Arg    common.Address
	Sender common.Address
}

func decodeCalls(t *testing.T, c *chaintest.Chain) []decodedCall {
	t.Helper()
	var out []decodedCall
	for _, tx := range c.Calls() {
		op, arg, err := chaintest.DecodeCall(managerABI, tx.Data)
		require.NoError(t, err)
		out = append(out, decodedCall{To: *tx.To, Op: op, Arg: arg, Sender: tx.From})
	}
	return out
}

func TestExecute_RecordScenario(t *testing.T) {
	h := newHarness(t)
	plan, err := BuildPlan(recordRules(), recordArtifacts())
	require.NoError(t, err)

	var seen []int
	h.eng.cfg.OnApplied = func(a Applied) { seen = append(seen, a.Index) }

	applied, err := h.eng.Execute(context.Background(), plan, fullBook())
	require.NoError(t, err)
	require.Len(t, applied, 2)
	assert.Equal(t, []int{1, 2}, seen)

	assert.Equal(t, []decodedCall{
		{To: recordManager, Op: "setUserRegistry", Arg: userRegistry, Sender: h.owner.Address()},
		{To: recordManager, Op: "setRecordStore", Arg: recordStore, Sender: h.owner.Address()},
	}, decodeCalls(t, h.chain))
}

func TestExecute_Deterministic(t *testing.T) {
	plan, err := BuildPlan(recordRules(), recordArtifacts())
	require.NoError(t, err)

	run := func() []decodedCall {
		h := newHarness(t)
		_, err := h.eng.Execute(context.Background(), plan, fullBook())
		require.NoError(t, err)
		calls := decodeCalls(t, h.chain)
		for i := range calls {
			calls[i].Sender = common.Address{}
		}
		return calls
	}
	assert.Equal(t, run(), run())
}

func TestExecute_UnresolvedReference(t *testing.T) {
	h := newHarness(t)
	plan, err := BuildPlan(recordRules(), recordArtifacts())
	require.NoError(t, err)

	book := fullBook()
	partial := addressbook.New()
	for _, name := range []string{"UserRegistry", "RecordManager"} {
		addr, _ := book.Get(name)
		partial.Set(name, addr)
	}

	applied, err := h.eng.Execute(context.Background(), plan, partial)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnresolvedReference)

	var ruleErr *RuleError
	require.ErrorAs(t, err, &ruleErr)
	assert.Equal(t, 2, ruleErr.Index)
	assert.Contains(t, err.Error(), "target RecordStore")
	assert.Len(t, applied, 1)
	assert.Len(t, h.chain.Calls(), 1)
}

func TestExecute_HaltsAtFailingRule(t *testing.T) {
	h := newHarness(t)
	h.chain.Revert = func(*chaintest.Tx) bool { return true }
	plan, err := BuildPlan(recordRules(), recordArtifacts())
	require.NoError(t, err)

	applied, err := h.eng.Execute(context.Background(), plan, fullBook())
	require.Error(t, err)
	assert.ErrorIs(t, err, txengine.ErrCallReverted)

	var ruleErr *RuleError
	require.ErrorAs(t, err, &ruleErr)
	assert.Equal(t, 1, ruleErr.Index)
	assert.Equal(t, "setUserRegistry", ruleErr.Rule.Operation)

	var txErr *txengine.TxError
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, recordManager, *txErr.Target)

	assert.Empty(t, applied)
	assert.Len(t, h.chain.Calls(), 1, "rule 2 must not be attempted")
}

func TestExecute_CancelledBetweenRules(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.eng.cfg.OnApplied = func(Applied) { cancel() }
	plan, err := BuildPlan(recordRules(), recordArtifacts())
	require.NoError(t, err)

	applied, err := h.eng.Execute(ctx, plan, fullBook())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, applied, 1)
	assert.Len(t, h.chain.Calls(), 1)
}

func TestExecute_SignerRole(t *testing.T) {
	h := newHarness(t)
	rules := recordRules()[:1]
	rules[0].From = manifest.RoleAdmin
	plan, err := BuildPlan(rules, recordArtifacts())
	require.NoError(t, err)

	_, err = h.eng.Execute(context.Background(), plan, fullBook())
	require.NoError(t, err)
	assert.Equal(t, h.admin.Address(), decodeCalls(t, h.chain)[0].Sender)

	rules[0].From = manifest.RoleManager
	plan, err = BuildPlan(rules, recordArtifacts())
	require.NoError(t, err)
	_, err = h.eng.Execute(context.Background(), plan, fullBook())
	assert.ErrorIs(t, err, ErrUnknownSigner)
}

func TestPlan_From(t *testing.T) {
	h := newHarness(t)
	plan, err := BuildPlan(recordRules(), recordArtifacts())
	require.NoError(t, err)

	rest, err := plan.From(2)
	require.NoError(t, err)
	require.Equal(t, 1, rest.Len())

	applied, err := h.eng.Execute(context.Background(), rest, fullBook())
	require.NoError(t, err)
	require.Len(t, applied, 1)
	assert.Equal(t, 2, applied[0].Index)
	assert.Equal(t, "setRecordStore", decodeCalls(t, h.chain)[0].Op)

	_, err = plan.From(0)
	assert.ErrorIs(t, err, ErrRuleIndex)
	_, err = plan.From(4)
	assert.ErrorIs(t, err, ErrRuleIndex)
}

func TestPlan_Resolve(t *testing.T) {
	plan, err := BuildPlan(recordRules(), recordArtifacts())
	require.NoError(t, err)

	calls, err := plan.Resolve(fullBook())
	require.NoError(t, err)
	require.Len(t, calls, 2)
	assert.Equal(t, "setUserRegistry(address)", calls[0].Signature)
	assert.Equal(t, recordStore, calls[1].Target)

	_, err = plan.Resolve(addressbook.New())
	assert.ErrorIs(t, err, ErrUnresolvedReference)
}

func TestBuildPlan_Errors(t *testing.T) {
	uintSetter := &artifacts.CompiledArtifact{
		Name:     "RecordManager",
		ABI:      json.RawMessage(`[{"type":"function","name":"setLimit","inputs":[{"name":"v","type":"uint256"}],"outputs":[],"stateMutability":"nonpayable"}]`),
		Bytecode: "6080",
	}
	viewGetter := &artifacts.CompiledArtifact{
		Name:     "RecordManager",
		ABI:      json.RawMessage(`[{"type":"function","name":"isAllowed","inputs":[{"name":"a","type":"address"}],"outputs":[{"name":"","type":"bool"}],"stateMutability":"view"}]`),
		Bytecode: "6080",
	}

	tests := []struct {
		name    string
		rule    manifest.WiringRule
		art     *artifacts.CompiledArtifact
		wantErr error
	}{
		{
			name:    "unknown operation",
			rule:    manifest.WiringRule{Source: "RecordManager", Operation: "setNothing", Target: "RecordStore"},
			art:     chaintest.Artifact("RecordManager", "setRecordStore"),
			wantErr: ErrUnknownOperation,
		},
		{
			name:    "non-address argument",
			rule:    manifest.WiringRule{Source: "RecordManager", Operation: "setLimit", Target: "RecordStore"},
			art:     uintSetter,
			wantErr: ErrOperationSignature,
		},
		{
			name:    "read-only operation",
			rule:    manifest.WiringRule{Source: "RecordManager", Operation: "isAllowed", Target: "RecordStore"},
			art:     viewGetter,
			wantErr: ErrOperationSignature,
		},
		{
			name:    "missing artifact",
			rule:    manifest.WiringRule{Source: "RecordManager", Operation: "setRecordStore", Target: "RecordStore"},
			wantErr: artifacts.ErrArtifactMissing,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			arts := map[string]*artifacts.CompiledArtifact{}
			if tc.art != nil {
				arts["RecordManager"] = tc.art
			}
			_, err := BuildPlan([]manifest.WiringRule{tc.rule}, arts)
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.wantErr)

			var ruleErr *RuleError
			require.ErrorAs(t, err, &ruleErr)
			assert.Equal(t, 1, ruleErr.Index)
		})
	}
}
