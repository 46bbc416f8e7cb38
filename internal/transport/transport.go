package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/dantte-lp/udpcore/internal/netio"
	"github.com/dantte-lp/udpcore/internal/packet"
)

// -------------------------------------------------------------------------
// State
// -------------------------------------------------------------------------

// State is the lifecycle state of a Transport.
type State uint32

const (
	// StateUnbound is the initial state; Bind is permitted.
	StateUnbound State = iota

	// StateBound means sockets are open and, unless in manual mode,
	// receive goroutines are running.
	StateBound

	// StateSuspended means the sockets were released by Pause and the
	// transport waits for Resume.
	StateSuspended

	// StateClosed is terminal. A closed Transport cannot be bound again.
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUnbound:
		return "unbound"
	case StateBound:
		return "bound"
	case StateSuspended:
		return "suspended"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", uint32(s))
	}
}

// -------------------------------------------------------------------------
// Sentinel Errors
// -------------------------------------------------------------------------

var (
	// ErrNotBound indicates an operation that needs a bound socket.
	ErrNotBound = errors.New("transport is not bound")

	// ErrNotSuspended indicates Resume on a transport that is not paused.
	ErrNotSuspended = errors.New("transport is not suspended")

	// ErrRestoreFailed indicates that Resume could not rebind the sockets.
	// The transport is closed when this is returned.
	ErrRestoreFailed = errors.New("transport restore after pause failed")

	// ErrInvalidRange indicates an offset/size pair outside the buffer.
	ErrInvalidRange = errors.New("offset and size exceed buffer")
)

// -------------------------------------------------------------------------
// Options
// -------------------------------------------------------------------------

// Option configures optional Transport parameters.
type Option func(*Transport)

// WithPlatform overrides host capability detection.
func WithPlatform(p netio.Platform) Option {
	return func(t *Transport) {
		if p != nil {
			t.platform = p
		}
	}
}

// WithNativeSockets requests the raw-syscall socket variant. It takes
// effect only where the platform supports it and is fixed at first Bind.
func WithNativeSockets(enabled bool) Option {
	return func(t *Transport) {
		t.wantNative = enabled
	}
}

// WithPool sets the buffer allocator. The default is a fresh packet.Pool.
func WithPool(a Allocator) Option {
	return func(t *Transport) {
		if a != nil {
			t.pool = a
		}
	}
}

// WithMetrics sets the MetricsReporter. If mr is nil, a no-op reporter is
// used.
func WithMetrics(mr MetricsReporter) Option {
	return func(t *Transport) {
		if mr != nil {
			t.metrics = mr
		}
	}
}

// WithListenFunc replaces the socket factory. Sockets are otherwise
// created by netio.ListenPortable or netio.ListenNative. Useful for
// testing with mock sockets.
func WithListenFunc(fn netio.ListenFunc) Option {
	return func(t *Transport) {
		t.listen = fn
	}
}

// WithLifecycle sets the pause/resume hook provider.
func WithLifecycle(l Lifecycle) Option {
	return func(t *Transport) {
		if l != nil {
			t.lifecycle = l
		}
	}
}

// -------------------------------------------------------------------------
// Transport
// -------------------------------------------------------------------------

// socketSet is an immutable snapshot of the bound sockets. In dual mode
// v6 and primary are the same socket.
type socketSet struct {
	primary netio.Socket
	v6      netio.Socket
	dual    bool
	manual  bool
	ipv6    bool
}

// count returns the number of distinct non-nil sockets.
func (s *socketSet) count() int {
	n := 0
	if s.primary != nil {
		n++
	}
	if s.v6 != nil && s.v6 != s.primary {
		n++
	}
	return n
}

// Transport owns up to two UDP sockets and their receive goroutines.
//
// Bind, Close, Pause and Resume are serialized. SendTo, SendBroadcast,
// ManualReceive and the accessors may be called from any goroutine,
// concurrently with receive goroutines.
type Transport struct {
	sink       Sink
	pool       Allocator
	metrics    MetricsReporter
	platform   netio.Platform
	lifecycle  Lifecycle
	registry   *netio.Registry
	listen     netio.ListenFunc
	wantNative bool
	logger     *slog.Logger

	// mu serializes state transitions. Fields below it are guarded by mu
	// unless they are atomics.
	mu            sync.Mutex
	variantChosen bool
	opts          netio.BindOptions
	receivers     []*receiver
	detach        func()

	state     atomic.Uint32
	running   atomic.Bool
	paused    atomic.Bool
	native    atomic.Bool
	softBound atomic.Bool
	localPort atomic.Int32
	sockets   atomic.Pointer[socketSet]
}

// New creates an unbound Transport delivering to sink.
func New(sink Sink, logger *slog.Logger, opts ...Option) *Transport {
	t := &Transport{
		sink:      sink,
		pool:      packet.NewPool(),
		metrics:   noopMetrics{},
		platform:  netio.HostPlatform{},
		lifecycle: NoopLifecycle{},
		registry:  netio.NewRegistry(),
		logger:    logger.With(slog.String("component", "transport")),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// active reports whether receive loops and sends should proceed.
func (t *Transport) active() bool {
	return t.running.Load() && !t.paused.Load()
}

// -------------------------------------------------------------------------
// Bind
// -------------------------------------------------------------------------

// Bind creates and binds the sockets described by opts and starts receive
// goroutines unless opts.ManualMode is set. It returns false, leaving the
// state unchanged, if the transport is not Unbound or Suspended or if the
// primary socket cannot be bound.
func (t *Transport) Bind(opts netio.BindOptions) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.bindLocked(opts)
}

func (t *Transport) bindLocked(opts netio.BindOptions) bool {
	if st := t.State(); st != StateUnbound && st != StateSuspended {
		t.logger.Warn("bind rejected", slog.String("state", st.String()))
		return false
	}
	if opts.Port < 0 || opts.Port > 0xFFFF {
		t.logger.Error("bind rejected", slog.Int("port", opts.Port))
		t.metrics.IncBindFailures()
		return false
	}

	if !t.variantChosen {
		t.native.Store(t.wantNative && t.platform.NativeSocketsSupported())
		t.variantChosen = true
	}
	listen := t.listen
	if listen == nil {
		listen = netio.Listen(t.native.Load())
	}

	ipv6 := t.platform.IPv6Supported()
	dual := opts.IPv6Mode == netio.IPv6DualMode && ipv6

	family, addr := netio.FamilyIPv4, opts.IPv4
	if dual {
		family, addr = netio.FamilyIPv6, opts.IPv6
	}

	//nolint:gosec // G115: port range checked above.
	primary, soft, err := t.bindSocket(listen, family, netip.AddrPortFrom(addr, uint16(opts.Port)), opts, dual)
	if err != nil {
		t.logger.Error("bind failed",
			slog.String("family", family.String()),
			slog.String("addr", addr.String()),
			slog.Int("port", opts.Port),
			slog.String("error", err.Error()),
		)
		t.metrics.IncBindFailures()
		return false
	}

	port := opts.Port
	if primary != nil {
		port = int(primary.LocalAddr().Port())
	}

	set := &socketSet{primary: primary, dual: dual, manual: opts.ManualMode, ipv6: ipv6}
	if dual {
		set.v6 = primary
	}

	t.softBound.Store(soft)
	//nolint:gosec // G115: port fits in int32.
	t.localPort.Store(int32(port))
	t.running.Store(true)
	t.paused.Store(false)

	if primary != nil && !opts.ManualMode {
		t.startReceiver(primary)
	}

	if ipv6 && opts.IPv6Mode == netio.IPv6SeparateSocket {
		//nolint:gosec // G115: port comes from a bound socket or the checked option.
		laddr := netip.AddrPortFrom(opts.IPv6, uint16(port))
		v6, _, err := t.bindSocket(listen, netio.FamilyIPv6, laddr, opts, false)
		switch {
		case err != nil:
			t.logger.Warn("ipv6 socket not bound, continuing with ipv4 only",
				slog.String("addr", laddr.String()),
				slog.String("error", err.Error()),
			)
		case v6 != nil:
			set.v6 = v6
			if !opts.ManualMode {
				t.startReceiver(v6)
			}
		}
	}

	t.sockets.Store(set)
	t.opts = opts
	t.state.Store(uint32(StateBound))

	if t.detach == nil {
		t.detach = t.lifecycle.Attach(t.Pause, t.resumeFromLifecycle)
	}

	t.logger.Info("transport bound",
		slog.Int("port", port),
		slog.Int("sockets", set.count()),
		slog.Bool("dual_mode", dual),
		slog.Bool("native", t.native.Load()),
		slog.Bool("manual", opts.ManualMode),
		slog.Bool("soft", soft),
	)
	return true
}

// bindSocket binds one socket, applying the fallback rules: an IPv6
// address-in-use outside dual mode is retried once with IPV6_V6ONLY set,
// and an unsupported address family is a soft success with no socket.
func (t *Transport) bindSocket(
	listen netio.ListenFunc,
	family netio.Family,
	laddr netip.AddrPort,
	opts netio.BindOptions,
	dual bool,
) (netio.Socket, bool, error) {
	cfg := netio.SocketConfig{
		ReuseAddress: opts.ReuseAddress,
		DualMode:     dual,
		Logger:       t.logger,
	}

	sock, err := listen(family, laddr, cfg)
	switch {
	case err == nil:
	case errors.Is(err, syscall.EADDRINUSE) && family == netio.FamilyIPv6 && opts.IPv6Mode != netio.IPv6DualMode:
		t.logger.Debug("ipv6 address in use, retrying with IPV6_V6ONLY",
			slog.String("addr", laddr.String()),
		)
		cfg.V6Only = true
		sock, err = listen(family, laddr, cfg)
		if err != nil {
			return nil, false, fmt.Errorf("bind %s with IPV6_V6ONLY: %w", laddr, err)
		}
	case errors.Is(err, syscall.EAFNOSUPPORT):
		t.logger.Warn("address family not supported, continuing without socket",
			slog.String("family", family.String()),
			slog.String("addr", laddr.String()),
		)
		return nil, true, nil
	default:
		return nil, false, err
	}

	t.metrics.SocketOpened(family, sock.Native())

	if family == netio.FamilyIPv6 {
		if err := sock.JoinAllNodes(); err != nil {
			t.logger.Debug("multicast join failed",
				slog.String("group", netio.AllNodes().String()),
				slog.String("error", err.Error()),
			)
		}
	}

	t.logger.Debug("socket bound",
		slog.String("family", family.String()),
		slog.String("local", sock.LocalAddr().String()),
	)
	return sock, false, nil
}

// -------------------------------------------------------------------------
// Close
// -------------------------------------------------------------------------

// Close releases both sockets and waits for every receive goroutine that
// is not inside a sink callback; those stop as soon as the callback
// returns, which lets a callback close its own transport. With suspend
// false the transport becomes Closed for good; with suspend true a bound
// transport becomes Suspended and can be restored by Resume. Close is
// idempotent.
//
// The sockets are released before t.mu is, so a Resume racing with Close
// always finds the port free.
func (t *Transport) Close(suspend bool) {
	t.mu.Lock()
	var detach func()
	switch {
	case !suspend:
		t.running.Store(false)
		t.state.Store(uint32(StateClosed))
		detach, t.detach = t.detach, nil
	case t.State() == StateBound:
		t.paused.Store(true)
		t.state.Store(uint32(StateSuspended))
	}
	set := t.sockets.Swap(nil)
	if set != nil {
		t.closeSockets(set)
	}
	receivers := t.receivers
	t.receivers = nil
	t.mu.Unlock()

	for _, r := range receivers {
		if r.inSink.Load() {
			continue
		}
		<-r.done
	}

	if detach != nil {
		detach()
	}

	if set != nil {
		t.logger.Info("transport closed", slog.Bool("suspend", suspend))
	}
}

func (t *Transport) closeSockets(set *socketSet) {
	socks := []netio.Socket{set.primary}
	if set.v6 != set.primary {
		socks = append(socks, set.v6)
	}

	var errs []error
	for _, s := range socks {
		if s == nil {
			continue
		}
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
		t.metrics.SocketClosed(s.Family(), s.Native())
	}
	if err := errors.Join(errs...); err != nil {
		t.logger.Warn("socket close failed", slog.String("error", err.Error()))
	}
}

// -------------------------------------------------------------------------
// Accessors
// -------------------------------------------------------------------------

// State returns the current lifecycle state.
func (t *Transport) State() State {
	return State(t.state.Load())
}

// IsRunning reports whether the transport is bound and not closed. A
// suspended transport is still running.
func (t *Transport) IsRunning() bool {
	return t.running.Load()
}

// LocalPort returns the bound local port, or zero before the first Bind.
func (t *Transport) LocalPort() int {
	return int(t.localPort.Load())
}

// SocketCount returns the number of open sockets: one in dual mode, two
// with a separate IPv6 socket.
func (t *Transport) SocketCount() int {
	set := t.sockets.Load()
	if set == nil {
		return 0
	}
	return set.count()
}

// DualMode reports whether one dual-stack socket serves both families.
func (t *Transport) DualMode() bool {
	set := t.sockets.Load()
	return set != nil && set.dual
}

// Native reports whether the raw-syscall socket variant was selected.
func (t *Transport) Native() bool {
	return t.native.Load()
}

// SoftBound reports whether the last Bind succeeded without a primary
// socket because the address family was not supported.
func (t *Transport) SoftBound() bool {
	return t.softBound.Load()
}

// TTL returns the TTL (IPv4) or unicast hop limit (IPv6) of the primary
// socket.
func (t *Transport) TTL() (int, error) {
	set := t.sockets.Load()
	if set == nil || set.primary == nil {
		return 0, ErrNotBound
	}
	return set.primary.TTL()
}

// SetTTL sets the TTL (IPv4) or unicast hop limit (IPv6) of the primary
// socket.
func (t *Transport) SetTTL(ttl int) error {
	set := t.sockets.Load()
	if set == nil || set.primary == nil {
		return ErrNotBound
	}
	return set.primary.SetTTL(ttl)
}

// -------------------------------------------------------------------------
// Endpoint registry
// -------------------------------------------------------------------------

// RegisterEndpoint makes ep the identity delivered for datagrams from its
// address and returns the canonical endpoint, which is ep unless an equal
// address was registered earlier.
func (t *Transport) RegisterEndpoint(ep *netio.Endpoint) *netio.Endpoint {
	canonical := t.registry.Register(ep)
	t.metrics.SetRegisteredEndpoints(t.registry.Len())
	return canonical
}

// UnregisterEndpoint removes the registration for ep's address.
func (t *Transport) UnregisterEndpoint(ep *netio.Endpoint) {
	if t.registry.Unregister(ep) {
		t.metrics.SetRegisteredEndpoints(t.registry.Len())
	}
}

// Resolve returns the registered endpoint for ap, or a new unregistered
// one.
func (t *Transport) Resolve(ap netip.AddrPort) *netio.Endpoint {
	var raw netio.RawAddr
	raw.Encode(ap)
	if ep, ok := t.registry.Lookup(&raw); ok {
		return ep
	}
	return netio.NewEndpoint(ap)
}
