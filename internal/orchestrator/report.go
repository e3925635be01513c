package orchestrator

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/Bidon15/popsigner/provisioner/internal/deployer"
	"github.com/Bidon15/popsigner/provisioner/internal/publish"
	"github.com/Bidon15/popsigner/provisioner/internal/wiring"
)

// Mode selects which phases a run executes.
type Mode string

const (
	ModeDeploy Mode = "deploy"
	ModeWire   Mode = "wire"
)

// Status is the final state of a run.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// WiredRule is one applied wiring rule as reported.
type WiredRule struct {
	Index  int            `json:"index"`
	Rule   string         `json:"rule"`
	Source common.Address `json:"source"`
	Target common.Address `json:"target"`
	TxHash common.Hash    `json:"tx_hash"`
}

// Failure describes why a run stopped.
type Failure struct {
	Phase     Phase    `json:"phase"`
	Subject   string   `json:"subject,omitempty"`
	Category  Category `json:"category"`
	Retryable bool     `json:"retryable"`
	Error     string   `json:"error"`
}

// Report is the structured outcome of a run. It is filled in as phases
// complete, so a failed run still reports everything done before the failure.
type Report struct {
	RunID       uuid.UUID             `json:"run_id"`
	Mode        Mode                  `json:"mode"`
	Status      Status                `json:"status"`
	StartedAt   time.Time             `json:"started_at"`
	FinishedAt  time.Time             `json:"finished_at"`
	Order       []string              `json:"order,omitempty"`
	Deployed    []deployer.Deployment `json:"deployed"`
	Reused      []string              `json:"reused"`
	Wired       []WiredRule           `json:"wired"`
	Published   *publish.Result       `json:"published,omitempty"`
	AddressBook map[string]string     `json:"address_book"`
	Failure     *Failure              `json:"failure,omitempty"`
}

func newReport(mode Mode) *Report {
	return &Report{
		RunID:     uuid.New(),
		Mode:      mode,
		StartedAt: time.Now().UTC(),
		Deployed:  []deployer.Deployment{},
		Reused:    []string{},
		Wired:     []WiredRule{},
	}
}

func (r *Report) addWired(applied []wiring.Applied) {
	for _, a := range applied {
		r.Wired = append(r.Wired, WiredRule{
			Index:  a.Index,
			Rule:   a.Rule.String(),
			Source: a.Source,
			Target: a.Target,
			TxHash: a.TxHash,
		})
	}
}

func (r *Report) fail(err error) {
	r.Status = StatusFailed
	f := &Failure{Category: Classify(err), Error: err.Error()}
	f.Retryable = f.Category.Retryable()
	var pe *PhaseError
	if errors.As(err, &pe) {
		f.Phase = pe.Phase
		f.Subject = pe.Subject
	}
	r.Failure = f
}

// JSON renders the report indented.
func (r *Report) JSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}
