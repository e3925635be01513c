// Package artifacts loads and stores compiled contract artifacts.
package artifacts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// CompiledArtifact is a component's interface description plus its
// executable bytecode.
type CompiledArtifact struct {
	Name     string          `json:"name"`
	ABI      json.RawMessage `json:"abi"`
	Bytecode string          `json:"bytecode"`
}

// ParseABI decodes the artifact's interface description.
func (a *CompiledArtifact) ParseABI() (abi.ABI, error) {
	parsed, err := abi.JSON(bytes.NewReader(a.ABI))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("%w: %s: parse abi: %v", ErrInvalidArtifact, a.Name, err)
	}
	return parsed, nil
}

// Code decodes the bytecode. The 0x prefix is optional.
func (a *CompiledArtifact) Code() ([]byte, error) {
	s := strings.TrimSpace(a.Bytecode)
	if s == "" {
		return nil, fmt.Errorf("%w: %s: empty bytecode", ErrInvalidArtifact, a.Name)
	}
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	code, err := hexutil.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: decode bytecode: %v", ErrInvalidArtifact, a.Name, err)
	}
	return code, nil
}
