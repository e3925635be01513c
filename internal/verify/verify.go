// Package verify checks that every address in an address book holds code.
package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lmittmann/w3"
	"github.com/lmittmann/w3/module/eth"
	"github.com/lmittmann/w3/w3types"

	"github.com/Bidon15/popsigner/provisioner/internal/addressbook"
)

// ErrNoCode is returned when at least one recorded address has no code.
var ErrNoCode = errors.New("verify: address has no deployed code")

// Caller issues batched JSON-RPC requests. *w3.Client implements it.
type Caller interface {
	CallCtx(ctx context.Context, calls ...w3types.RPCCaller) error
}

// Entry is the verification result for one component.
type Entry struct {
	Name     string         `json:"name"`
	Address  common.Address `json:"address"`
	CodeSize int            `json:"code_size"`
	OK       bool           `json:"ok"`
	Error    string         `json:"error,omitempty"`
}

// Report is the outcome of a verification pass, in address-book name order.
type Report struct {
	Entries []Entry `json:"entries"`
}

// Missing returns the names whose check failed.
func (r *Report) Missing() []string {
	var out []string
	for _, e := range r.Entries {
		if !e.OK {
			out = append(out, e.Name)
		}
	}
	return out
}

// Dial connects a w3 client to rpcURL.
func Dial(rpcURL string) (*w3.Client, error) {
	client, err := w3.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	return client, nil
}

// Verifier fetches code for a whole address book in one batch.
type Verifier struct {
	client Caller
	logger *slog.Logger
}

// New returns a Verifier using client.
func New(client Caller, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{client: client, logger: logger}
}

// Verify reports every entry of book. The error is ErrNoCode when any entry
// lacks code, or the transport error when the batch could not be sent.
func (v *Verifier) Verify(ctx context.Context, book *addressbook.Book) (*Report, error) {
	names := book.Names()
	report := &Report{Entries: make([]Entry, len(names))}
	if len(names) == 0 {
		return report, nil
	}

	codes := make([][]byte, len(names))
	calls := make([]w3types.RPCCaller, len(names))
	for i, name := range names {
		addr, _ := book.Get(name)
		report.Entries[i] = Entry{Name: name, Address: addr}
		calls[i] = eth.Code(addr, nil).Returns(&codes[i])
	}

	err := v.client.CallCtx(ctx, calls...)
	var callErrs w3.CallErrors
	switch {
	case err == nil:
	case errors.As(err, &callErrs):
		for i, cerr := range callErrs {
			if cerr != nil && i < len(report.Entries) {
				report.Entries[i].Error = cerr.Error()
			}
		}
	default:
		return nil, fmt.Errorf("verify: fetch code: %w", err)
	}

	for i := range report.Entries {
		e := &report.Entries[i]
		e.CodeSize = len(codes[i])
		e.OK = e.Error == "" && e.CodeSize > 0
		if e.OK {
			v.logger.Debug("verified component",
				slog.String("component", e.Name),
				slog.String("address", e.Address.Hex()),
				slog.Int("code_size", e.CodeSize),
			)
			continue
		}
		v.logger.Warn("component has no code",
			slog.String("component", e.Name),
			slog.String("address", e.Address.Hex()),
		)
	}

	if missing := report.Missing(); len(missing) > 0 {
		return report, fmt.Errorf("%w: %s", ErrNoCode, strings.Join(missing, ", "))
	}
	return report, nil
}
