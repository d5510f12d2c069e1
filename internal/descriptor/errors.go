package descriptor

import "errors"

var (
	ErrEmptyName           = errors.New("name is required")
	ErrInvalidName         = errors.New("name must not contain whitespace or path separators")
	ErrDuplicateName       = errors.New("duplicate app name")
	ErrEmptyCommand        = errors.New("script is required")
	ErrInvalidInstances    = errors.New("instances must be >= 1")
	ErrInvalidExecMode     = errors.New("exec_mode must be fork or cluster")
	ErrNegativeDuration    = errors.New("duration must be >= 0")
	ErrNegativeMaxRestarts = errors.New("max_restarts must be >= 0")
	ErrRelativeCwd         = errors.New("cwd must be an absolute path")
	ErrInvalidEnvKey       = errors.New("invalid env key")
	ErrUnknownFormat       = errors.New("unknown descriptor format")
	ErrUnknownField        = errors.New("unknown field")
	ErrNotInteger          = errors.New("expected an integer")
	ErrUnsupportedJS       = errors.New("unsupported expression in ecosystem file")
)
