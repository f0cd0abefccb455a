//go:build linux

package bluez

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	dbus "github.com/godbus/dbus/v5"
	"github.com/rudransh-shrivastava/btlink/internal/logger"
	"github.com/rudransh-shrivastava/btlink/internal/transport"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

var pathCounter uint64

type objectMap = map[dbus.ObjectPath]map[string]map[string]dbus.Variant

type Radio struct {
	opts    Options
	logger  *logrus.Logger
	bus     *dbus.Conn
	adapter dbus.ObjectPath

	mu       sync.Mutex
	scan     *scanCycle
	profiles map[string]*profile
	closed   bool

	// regMu serializes profile registration so mu is free during the
	// RegisterProfile round trip.
	regMu    sync.Mutex
	register func(*profile) error
}

func New(opts Options) (*Radio, error) {
	opts.setDefaults()
	log := opts.Logger
	if log == nil {
		log = logger.NewLogger()
	}

	bus, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connecting to system bus: %w", err)
	}
	r := &Radio{
		opts:     opts,
		logger:   log,
		bus:      bus,
		adapter:  adapterPath(opts.Adapter),
		profiles: make(map[string]*profile),
	}
	r.register = r.registerProfile
	return r, nil
}

func (r *Radio) adapterObj() dbus.BusObject {
	return r.bus.Object(bluezService, r.adapter)
}

func (r *Radio) managedObjects() (objectMap, error) {
	var objs objectMap
	call := r.bus.Object(bluezService, "/").Call(objManagerIface+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, call.Err
	}
	if err := call.Store(&objs); err != nil {
		return nil, fmt.Errorf("decoding managed objects: %w", err)
	}
	return objs, nil
}

// IsAvailable reports whether the adapter exists and is powered.
func (r *Radio) IsAvailable() bool {
	v, err := r.adapterObj().GetProperty(adapterIface + ".Powered")
	if err != nil {
		return false
	}
	powered, _ := v.Value().(bool)
	return powered
}

// IsAuthorized reports whether the bus policy lets this process talk to
// BlueZ.
func (r *Radio) IsAuthorized() bool {
	_, err := r.managedObjects()
	return !isDBusError(err, errAccessDenied, errNotAuthz)
}

func (r *Radio) BondedPeers() ([]transport.Sighting, error) {
	objs, err := r.managedObjects()
	if err != nil {
		return nil, err
	}
	var out []transport.Sighting
	for path, ifaces := range objs {
		props, ok := ifaces[deviceIface]
		if !ok || !underAdapter(path, r.adapter) {
			continue
		}
		s := sightingFromProps(path, props)
		if s.Bond == transport.BondBonded {
			out = append(out, s)
		}
	}
	return out, nil
}

type scanCycle struct {
	gen  uint64
	sink transport.ScanSink
	stop chan struct{}
	once sync.Once
}

func (c *scanCycle) cancel() {
	c.once.Do(func() { close(c.stop) })
}

func (c *scanCycle) stopped() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

// BeginScan starts one discovery window. Events are delivered from the
// cycle's goroutine.
func (r *Radio) BeginScan(gen uint64, sink transport.ScanSink) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errRadioClosed
	}
	if r.scan != nil {
		r.scan.cancel()
	}

	if call := r.adapterObj().Call(adapterIface+".StartDiscovery", 0); call.Err != nil {
		r.scan = nil
		return fmt.Errorf("StartDiscovery: %w", call.Err)
	}

	c := &scanCycle{gen: gen, sink: sink, stop: make(chan struct{})}
	r.scan = c
	go r.runScan(c)
	return nil
}

func (r *Radio) CancelScan() error {
	r.mu.Lock()
	c := r.scan
	r.scan = nil
	r.mu.Unlock()
	if c == nil {
		return nil
	}
	c.cancel()
	if call := r.adapterObj().Call(adapterIface+".StopDiscovery", 0); call.Err != nil {
		return fmt.Errorf("StopDiscovery: %w", call.Err)
	}
	return nil
}

// finishScan ends c if it is still the active cycle.
func (r *Radio) finishScan(c *scanCycle, cause error) {
	r.mu.Lock()
	active := r.scan == c
	if active {
		r.scan = nil
	}
	r.mu.Unlock()
	if !active {
		return
	}
	c.cancel()
	_ = r.adapterObj().Call(adapterIface+".StopDiscovery", 0).Err
	if cause != nil {
		c.sink.ScanAborted(c.gen, cause)
		return
	}
	c.sink.ScanEnded(c.gen)
}

func (r *Radio) runScan(c *scanCycle) {
	sigCh := make(chan *dbus.Signal, 64)
	r.bus.Signal(sigCh)
	defer r.bus.RemoveSignal(sigCh)

	matches := [][]dbus.MatchOption{
		{dbus.WithMatchInterface(objManagerIface), dbus.WithMatchMember("InterfacesAdded")},
		{dbus.WithMatchInterface(propsIface), dbus.WithMatchMember("PropertiesChanged")},
	}
	for _, m := range matches {
		if err := r.bus.AddMatchSignal(m...); err != nil {
			r.finishScan(c, fmt.Errorf("AddMatchSignal: %w", err))
			return
		}
		defer func(m []dbus.MatchOption) { _ = r.bus.RemoveMatchSignal(m...) }(m)
	}

	known := make(map[dbus.ObjectPath]map[string]dbus.Variant)
	emit := func(path dbus.ObjectPath) {
		if c.stopped() {
			return
		}
		c.sink.PeerSeen(c.gen, sightingFromProps(path, known[path]))
	}

	objs, err := r.managedObjects()
	if err != nil {
		r.finishScan(c, fmt.Errorf("GetManagedObjects: %w", err))
		return
	}
	for path, ifaces := range objs {
		props, ok := ifaces[deviceIface]
		if !ok || !underAdapter(path, r.adapter) {
			continue
		}
		known[path] = mergeProps(nil, props)
		// BlueZ only carries RSSI for devices heard during the current
		// discovery.
		if _, heard := props["RSSI"]; heard {
			emit(path)
		}
	}

	window := time.NewTimer(r.opts.ScanWindow)
	defer window.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-window.C:
			r.logger.Debugf("Scan window of %s elapsed", r.opts.ScanWindow)
			r.finishScan(c, nil)
			return
		case sig, ok := <-sigCh:
			if !ok {
				r.finishScan(c, errors.New("system bus connection closed"))
				return
			}
			if r.handleSignal(sig, known, emit) {
				r.finishScan(c, nil)
				return
			}
		}
	}
}

// handleSignal updates known from sig. It reports whether the adapter
// stopped discovering on its own.
func (r *Radio) handleSignal(sig *dbus.Signal, known map[dbus.ObjectPath]map[string]dbus.Variant, emit func(dbus.ObjectPath)) bool {
	switch sig.Name {
	case objManagerIface + ".InterfacesAdded":
		if len(sig.Body) < 2 {
			return false
		}
		path, _ := sig.Body[0].(dbus.ObjectPath)
		ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
		props, ok := ifaces[deviceIface]
		if !ok || !underAdapter(path, r.adapter) {
			return false
		}
		known[path] = mergeProps(known[path], props)
		emit(path)

	case propsIface + ".PropertiesChanged":
		if len(sig.Body) < 2 {
			return false
		}
		iface, _ := sig.Body[0].(string)
		changed, _ := sig.Body[1].(map[string]dbus.Variant)
		switch {
		case iface == adapterIface && sig.Path == r.adapter:
			if v, ok := changed["Discovering"]; ok {
				if discovering, _ := v.Value().(bool); !discovering {
					r.logger.Debug("Adapter stopped discovering")
					return true
				}
			}
		case iface == deviceIface && underAdapter(sig.Path, r.adapter):
			if _, ok := known[sig.Path]; !ok {
				var all map[string]dbus.Variant
				call := r.bus.Object(bluezService, sig.Path).Call(propsIface+".GetAll", 0, deviceIface)
				if call.Err == nil && call.Store(&all) == nil {
					known[sig.Path] = all
				}
			}
			known[sig.Path] = mergeProps(known[sig.Path], changed)
			if _, ok := changed["RSSI"]; ok {
				emit(sig.Path)
			}
		}
	}
	return false
}

// profile implements org.bluez.Profile1 for the client role and hands each
// delivered socket to the goroutine waiting on that device.
type profile struct {
	uuid string
	path dbus.ObjectPath

	mu      sync.Mutex
	waiters map[dbus.ObjectPath]chan int
}

func (p *profile) Release() *dbus.Error { return nil }

func (p *profile) Cancel() *dbus.Error { return nil }

func (p *profile) RequestDisconnection(_ dbus.ObjectPath) *dbus.Error { return nil }

func (p *profile) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	p.mu.Lock()
	ch, ok := p.waiters[dev]
	delete(p.waiters, dev)
	p.mu.Unlock()

	if !ok {
		_ = unix.Close(int(fd))
		return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{"no receiver"}}
	}
	ch <- int(fd)
	return nil
}

func (p *profile) wait(dev dbus.ObjectPath) chan int {
	ch := make(chan int, 1)
	p.mu.Lock()
	p.waiters[dev] = ch
	p.mu.Unlock()
	return ch
}

func (p *profile) forget(dev dbus.ObjectPath, ch chan int) {
	p.mu.Lock()
	if p.waiters[dev] == ch {
		delete(p.waiters, dev)
	}
	p.mu.Unlock()
}

func (r *Radio) ensureProfile(uuid string) (*profile, error) {
	r.regMu.Lock()
	defer r.regMu.Unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, errRadioClosed
	}
	if p, ok := r.profiles[uuid]; ok {
		r.mu.Unlock()
		return p, nil
	}
	r.mu.Unlock()

	id := atomic.AddUint64(&pathCounter, 1)
	p := &profile{
		uuid:    uuid,
		path:    dbus.ObjectPath("/org/btlink/profile/client" + strconv.FormatUint(id, 10)),
		waiters: make(map[dbus.ObjectPath]chan int),
	}
	if err := r.register(p); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Close ran during registration and took the bus down with the profile.
	if r.closed {
		return nil, errRadioClosed
	}
	r.profiles[uuid] = p
	return p, nil
}

func (r *Radio) registerProfile(p *profile) error {
	if err := r.bus.Export(p, p.path, profileIface); err != nil {
		return fmt.Errorf("exporting profile: %w", err)
	}
	opts := map[string]dbus.Variant{
		"Role": dbus.MakeVariant("client"),
	}
	pm := r.bus.Object(bluezService, "/org/bluez")
	if call := pm.Call(profileManagerIface+".RegisterProfile", 0, p.path, p.uuid, opts); call.Err != nil {
		_ = r.bus.Export(nil, p.path, profileIface)
		return fmt.Errorf("RegisterProfile: %w", call.Err)
	}
	return nil
}

func (r *Radio) OpenStream(ctx context.Context, addr transport.Address, sel transport.ServiceSelector) (transport.Stream, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.ConnectTimeout)
	defer cancel()
	if sel.UUID != "" {
		return r.openProfile(ctx, addr, sel.UUID)
	}
	return r.openChannel(ctx, addr, sel.Channel)
}

func (r *Radio) openProfile(ctx context.Context, addr transport.Address, uuid string) (transport.Stream, error) {
	p, err := r.ensureProfile(uuid)
	if err != nil {
		return nil, err
	}

	devPath := devicePath(r.adapter, addr)
	dev := r.bus.Object(bluezService, devPath)

	if v, err := dev.GetProperty(deviceIface + ".Paired"); err == nil {
		if paired, ok := v.Value().(bool); ok && !paired {
			if call := dev.CallWithContext(ctx, deviceIface+".Pair", 0); call.Err != nil {
				return nil, fmt.Errorf("Pair: %w", call.Err)
			}
		}
	}

	ch := p.wait(devPath)
	if call := dev.CallWithContext(ctx, deviceIface+".ConnectProfile", 0, uuid); call.Err != nil {
		p.forget(devPath, ch)
		return nil, fmt.Errorf("ConnectProfile: %w", call.Err)
	}

	select {
	case fd := <-ch:
		return fileStream(fd, addr)
	case <-ctx.Done():
		p.forget(devPath, ch)
		select {
		case fd := <-ch:
			_ = unix.Close(fd)
		default:
		}
		return nil, ctx.Err()
	}
}

func (r *Radio) openChannel(ctx context.Context, addr transport.Address, channel uint8) (transport.Stream, error) {
	bd, err := parseBDAddr(addr)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, unix.BTPROTO_RFCOMM)
	if err != nil {
		return nil, fmt.Errorf("rfcomm socket: %w", err)
	}
	if err := connectContext(ctx, fd, &unix.SockaddrRFCOMM{Addr: bd, Channel: channel}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("rfcomm connect channel %d: %w", channel, err)
	}
	return fileStream(fd, addr)
}

// connectContext runs a non-blocking connect and polls for completion so the
// attempt can be abandoned when ctx ends.
func connectContext(ctx context.Context, fd int, sa unix.Sockaddr) error {
	err := unix.Connect(fd, sa)
	if err == nil {
		return nil
	}
	if !errors.Is(err, unix.EINPROGRESS) && !errors.Is(err, unix.EAGAIN) {
		return err
	}

	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := unix.Poll(fds, 100)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return err
		}
		if n == 0 {
			continue
		}
		soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil {
			return err
		}
		if soErr != 0 {
			return unix.Errno(soErr)
		}
		return nil
	}
}

// fileStream wraps a socket so Close unblocks a pending Read through the
// runtime poller.
func fileStream(fd int, addr transport.Address) (transport.Stream, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("set nonblock: %w", err)
	}
	return os.NewFile(uintptr(fd), "rfcomm:"+addr.String()), nil
}

func (r *Radio) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	c := r.scan
	r.scan = nil
	profiles := r.profiles
	r.profiles = nil
	r.mu.Unlock()

	if c != nil {
		c.cancel()
		_ = r.adapterObj().Call(adapterIface+".StopDiscovery", 0).Err
	}
	pm := r.bus.Object(bluezService, "/org/bluez")
	for _, p := range profiles {
		_ = pm.Call(profileManagerIface+".UnregisterProfile", 0, p.path).Err
		_ = r.bus.Export(nil, p.path, profileIface)
	}
	return r.bus.Close()
}

var _ transport.Transport = (*Radio)(nil)
