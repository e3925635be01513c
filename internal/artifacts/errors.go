package artifacts

import "errors"

var (
	// ErrArtifactMissing is returned when a required component has no
	// compiled interface or bytecode.
	ErrArtifactMissing = errors.New("artifacts: artifact missing")

	// ErrCompilation is returned when the compiler collaborator fails.
	ErrCompilation = errors.New("artifacts: compilation failed")

	// ErrInvalidArtifact is returned for an artifact whose interface or
	// bytecode cannot be decoded.
	ErrInvalidArtifact = errors.New("artifacts: invalid artifact")
)
