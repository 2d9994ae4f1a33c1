package exception

import "github.com/yanun0323/errors"

// Selection errors
var (
	ErrSelectionEmptyPath   = errors.New("selection: empty file path")
	ErrSelectionNilStore    = errors.New("selection: nil store")
	ErrSelectionNilDatabase = errors.New("selection: nil database")
	ErrSelectionInvalidID   = errors.New("selection: invalid calendar id")
)
