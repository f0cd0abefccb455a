//go:build !linux

package bluez

import "github.com/rudransh-shrivastava/btlink/internal/transport"

// Radio is unavailable on this platform.
type Radio struct {
	transport.Transport
}

func New(Options) (*Radio, error) {
	return nil, ErrUnsupported
}
