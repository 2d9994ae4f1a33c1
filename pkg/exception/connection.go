package exception

import "github.com/yanun0323/errors"

// Connection lifecycle errors
var (
	ErrNilDialer          = errors.New("connection: nil dialer")
	ErrEmptyEndpoint      = errors.New("connection: empty endpoint")
	ErrNoCredentials      = errors.New("connection: no credentials")
	ErrCredentialsExpired = errors.New("connection: credentials expired")
	ErrDisposed           = errors.New("connection: coordinator disposed")
	ErrAlreadyRunning     = errors.New("connection: coordinator already running")
	ErrReconnectExhausted = errors.New("connection: reconnection attempts exhausted")
)
