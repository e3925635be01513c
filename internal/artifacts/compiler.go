package artifacts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
)

// Compiler turns source references into compiled artifacts keyed by
// contract name.
type Compiler interface {
	Compile(ctx context.Context, sources []string) (map[string]*CompiledArtifact, error)
}

// SolcConfig configures a SolcCompiler.
type SolcConfig struct {
	// Path is an explicit solc binary. When empty, solc-<Version> is tried
	// on PATH, then plain solc.
	Path    string
	Version string
	// BaseDir resolves relative source references.
	BaseDir string
	Logger  *slog.Logger
}

// runFunc executes the compiler and returns stdout.
type runFunc func(ctx context.Context, dir, bin string, args ...string) ([]byte, error)

// SolcCompiler shells out to the solidity compiler.
type SolcCompiler struct {
	cfg    SolcConfig
	logger *slog.Logger
	run    runFunc
}

// NewSolcCompiler creates a compiler for cfg.
func NewSolcCompiler(cfg SolcConfig) *SolcCompiler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SolcCompiler{cfg: cfg, logger: logger, run: execSolc}
}

func execSolc(ctx context.Context, dir, bin string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("%s: %s", bin, msg)
	}
	return stdout.Bytes(), nil
}

// binary resolves which solc executable to run.
func (c *SolcCompiler) binary() string {
	if c.cfg.Path != "" {
		return c.cfg.Path
	}
	if c.cfg.Version != "" {
		versioned := "solc-" + c.cfg.Version
		if p, err := exec.LookPath(versioned); err == nil {
			return p
		}
	}
	return "solc"
}

type combinedOutput struct {
	Contracts map[string]struct {
		ABI json.RawMessage `json:"abi"`
		Bin string          `json:"bin"`
	} `json:"contracts"`
	Version string `json:"version"`
}

// Compile runs solc --combined-json abi,bin over sources.
func (c *SolcCompiler) Compile(ctx context.Context, sources []string) (map[string]*CompiledArtifact, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("%w: no sources", ErrCompilation)
	}

	bin := c.binary()
	args := append([]string{"--combined-json", "abi,bin", "--allow-paths", "."}, sources...)

	c.logger.Info("compiling contracts",
		slog.String("solc", bin),
		slog.Int("sources", len(sources)),
	)

	out, err := c.run(ctx, c.baseDir(), bin, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompilation, err)
	}
	return c.parse(out)
}

func (c *SolcCompiler) baseDir() string {
	if c.cfg.BaseDir == "" {
		return "."
	}
	return filepath.Clean(c.cfg.BaseDir)
}

func (c *SolcCompiler) parse(out []byte) (map[string]*CompiledArtifact, error) {
	var combined combinedOutput
	if err := json.Unmarshal(out, &combined); err != nil {
		return nil, fmt.Errorf("%w: decode compiler output: %v", ErrCompilation, err)
	}
	if len(combined.Contracts) == 0 {
		return nil, fmt.Errorf("%w: compiler produced no contracts", ErrCompilation)
	}

	result := make(map[string]*CompiledArtifact, len(combined.Contracts))
	for key, contract := range combined.Contracts {
		name := key
		if i := strings.LastIndex(key, ":"); i >= 0 {
			name = key[i+1:]
		}

		// Older solc releases emit the ABI as a JSON-encoded string.
		abiJSON := contract.ABI
		if len(abiJSON) > 0 && abiJSON[0] == '"' {
			var s string
			if err := json.Unmarshal(abiJSON, &s); err != nil {
				return nil, fmt.Errorf("%w: %s: decode abi: %v", ErrCompilation, name, err)
			}
			abiJSON = json.RawMessage(s)
		}

		if prev, ok := result[name]; ok {
			c.logger.Warn("duplicate contract name in compiler output, keeping last",
				slog.String("contract", name),
				slog.Int("previous_bytecode_len", len(prev.Bytecode)),
			)
		}
		result[name] = &CompiledArtifact{Name: name, ABI: abiJSON, Bytecode: contract.Bin}
	}

	c.logger.Info("contracts compiled",
		slog.Int("contracts", len(result)),
		slog.String("solc_version", combined.Version),
	)
	return result, nil
}

// Build compiles sources and writes every artifact into the store.
func Build(ctx context.Context, compiler Compiler, store *Store, sources []string) (map[string]*CompiledArtifact, error) {
	compiled, err := compiler.Compile(ctx, sources)
	if err != nil {
		return nil, err
	}
	if err := store.SaveAll(compiled); err != nil {
		return nil, err
	}
	return compiled, nil
}
