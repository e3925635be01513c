package artifacts

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Bidon15/popsigner/provisioner/internal/atomicfile"
)

const (
	abiDirName      = "abi"
	bytecodeDirName = "bytecode"
	abiExt          = ".abi"
	bytecodeExt     = ".bin"
)

// Store reads and writes artifacts under a build directory laid out as
// <dir>/abi/<Name>.abi and <dir>/bytecode/<Name>.bin.
type Store struct {
	dir string
}

// NewStore creates a store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the build directory.
func (s *Store) Dir() string { return s.dir }

// ABIDir returns the directory holding interface descriptions.
func (s *Store) ABIDir() string { return filepath.Join(s.dir, abiDirName) }

// BytecodeDir returns the directory holding bytecode.
func (s *Store) BytecodeDir() string { return filepath.Join(s.dir, bytecodeDirName) }

// Load returns the artifacts for the named components. Every name must have
// both files; the error lists all missing names at once.
func (s *Store) Load(names []string) (map[string]*CompiledArtifact, error) {
	loaded := make(map[string]*CompiledArtifact, len(names))
	var missing []string

	for _, name := range names {
		a, err := s.loadOne(name)
		if errors.Is(err, fs.ErrNotExist) {
			missing = append(missing, name)
			continue
		}
		if err != nil {
			return nil, err
		}
		loaded[name] = a
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrArtifactMissing, strings.Join(missing, ", "))
	}
	return loaded, nil
}

func (s *Store) loadOne(name string) (*CompiledArtifact, error) {
	abiData, err := os.ReadFile(filepath.Join(s.ABIDir(), name+abiExt))
	if err != nil {
		return nil, err
	}
	bin, err := os.ReadFile(filepath.Join(s.BytecodeDir(), name+bytecodeExt))
	if err != nil {
		return nil, err
	}
	if !json.Valid(abiData) {
		return nil, fmt.Errorf("%w: %s: abi is not valid JSON", ErrInvalidArtifact, name)
	}
	a := &CompiledArtifact{
		Name:     name,
		ABI:      json.RawMessage(abiData),
		Bytecode: strings.TrimSpace(string(bin)),
	}
	if strings.TrimPrefix(a.Bytecode, "0x") == "" {
		return nil, fmt.Errorf("%w: %s: empty bytecode", ErrInvalidArtifact, name)
	}
	return a, nil
}

// Save writes one artifact. Each file is replaced atomically.
func (s *Store) Save(a *CompiledArtifact) error {
	if err := atomicfile.Write(filepath.Join(s.ABIDir(), a.Name+abiExt), a.ABI, 0o644); err != nil {
		return fmt.Errorf("save abi %s: %w", a.Name, err)
	}
	if err := atomicfile.Write(filepath.Join(s.BytecodeDir(), a.Name+bytecodeExt), []byte(a.Bytecode), 0o644); err != nil {
		return fmt.Errorf("save bytecode %s: %w", a.Name, err)
	}
	return nil
}

// SaveAll writes artifacts in name order.
func (s *Store) SaveAll(all map[string]*CompiledArtifact) error {
	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := s.Save(all[name]); err != nil {
			return err
		}
	}
	return nil
}
