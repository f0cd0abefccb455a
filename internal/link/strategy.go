package link

import "github.com/rudransh-shrivastava/btlink/internal/transport"

// Strategy is one way of reaching the remote service.
type Strategy struct {
	Name    string
	Service transport.ServiceSelector
}

func (s Strategy) String() string {
	return s.Name + "(" + s.Service.String() + ")"
}

// DefaultStrategies tries the SPP record first and then RFCOMM channel 1.
func DefaultStrategies() []Strategy {
	return Strategies(transport.PrimaryService(), transport.FallbackService())
}

// Strategies builds the primary/fallback pair. A zero fallback selector means
// there is no fallback.
func Strategies(primary, fallback transport.ServiceSelector) []Strategy {
	out := []Strategy{{Name: "primary", Service: primary}}
	if fallback != (transport.ServiceSelector{}) {
		out = append(out, Strategy{Name: "fallback", Service: fallback})
	}
	return out
}
