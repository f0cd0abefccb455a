//go:build linux

package bluez

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rudransh-shrivastava/btlink/internal/logger"
	"github.com/rudransh-shrivastava/btlink/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func offlineRadio(register func(*Radio, *profile) error) *Radio {
	r := &Radio{
		logger:   logger.Discard(),
		profiles: make(map[string]*profile),
	}
	r.register = func(p *profile) error { return register(r, p) }
	return r
}

func TestEnsureProfileRegistersWithoutRadioLock(t *testing.T) {
	var calls atomic.Int32
	r := offlineRadio(func(r *Radio, _ *profile) error {
		calls.Add(1)
		if !r.mu.TryLock() {
			t.Errorf("radio lock held during registration")
			return nil
		}
		r.mu.Unlock()
		return nil
	})

	var wg sync.WaitGroup
	got := make([]*profile, 4)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := r.ensureProfile(transport.SPPUUID)
			assert.NoError(t, err)
			got[i] = p
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, p := range got[1:] {
		assert.Same(t, got[0], p)
	}
}

func TestEnsureProfileAfterCloseDuringRegistration(t *testing.T) {
	r := offlineRadio(func(r *Radio, _ *profile) error {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
		return nil
	})

	_, err := r.ensureProfile(transport.SPPUUID)
	require.ErrorIs(t, err, errRadioClosed)
	assert.Empty(t, r.profiles)
}
