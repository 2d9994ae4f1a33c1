package exception

import "github.com/yanun0323/errors"

// Config errors
var (
	ErrConfigUnsupportedFormat = errors.New("config: unsupported file format")
	ErrConfigInvalidDuration   = errors.New("config: invalid duration")
	ErrConfigInvalidValue      = errors.New("config: invalid value")
)
