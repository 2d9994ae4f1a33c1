package exception

import "github.com/yanun0323/errors"

// Frame errors
var (
	ErrMalformedFrame   = errors.New("frame: malformed")
	ErrMalformedPath    = errors.New("frame: malformed resource path")
	ErrEmptyControlList = errors.New("frame: empty control path list")
)
