// Package gate answers whether the radio may be used right now. It holds no
// state: every question goes to the probe so that power and permission
// changes between calls are observed.
package gate

import "errors"

var (
	ErrUnavailable  = errors.New("radio not available")
	ErrUnauthorized = errors.New("radio access not authorized")
)

// Probe is implemented by every transport. Platform and version specific
// checks live behind it.
type Probe interface {
	IsAvailable() bool
	IsAuthorized() bool
}

type Gate struct {
	probe Probe
}

func New(probe Probe) *Gate {
	return &Gate{probe: probe}
}

func (g *Gate) Available() bool {
	return g.probe.IsAvailable()
}

func (g *Gate) Authorized() bool {
	return g.probe.IsAuthorized()
}

// Check returns ErrUnavailable or ErrUnauthorized, in that order, or nil when
// both probes pass.
func (g *Gate) Check() error {
	if !g.probe.IsAvailable() {
		return ErrUnavailable
	}
	if !g.probe.IsAuthorized() {
		return ErrUnauthorized
	}
	return nil
}
