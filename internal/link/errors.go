package link

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyConnected = errors.New("already connected")
	ErrNotConnected     = errors.New("not connected")
	ErrConnectFailed    = errors.New("connection failed")
	ErrSendFailed       = errors.New("send failed")
)

// SendError reports a failed write. It matches ErrSendFailed and the
// underlying cause under errors.Is.
type SendError struct {
	Written int
	Err     error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("%v after %d bytes: %v", ErrSendFailed, e.Written, e.Err)
}

func (e *SendError) Unwrap() []error {
	return []error{ErrSendFailed, e.Err}
}
