package rwsentinel

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/mediocregopher/radix/v3"
	"github.com/mediocregopher/radix/v3/resp"
	"github.com/mediocregopher/radix/v3/resp/resp2"
	"github.com/pingcap/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mediocregopher/rwsentinel/trace"
)

// Errors returned by Sentinel.
var (
	ErrClosed       = errors.New("sentinel client is closed")
	ErrNoSentinels  = errors.New("no sentinel addresses given")
	ErrNoMasterName = errors.New("no master name given")
	ErrDiscovery    = errors.New("could not discover master from any sentinel")
)

type sentinelOpts struct {
	cf                   radix.ConnFunc
	pc                   PoolConfig
	pf                   PoolFunc
	probe                Probe
	healthCheckInterval  time.Duration
	resubscribeDelay     time.Duration
	pingInterval         time.Duration
	discoveryInterval    time.Duration
	discoveryMaxAttempts int
	readRetries          int
	lg                   *zap.Logger
	traces               []trace.SentinelTrace
	clock                clock.Clock
}

// SentinelOpt is an optional behavior which can be applied to the NewSentinel
// function to effect a Sentinel's behavior.
type SentinelOpt func(*sentinelOpts)

// SentinelConnFunc tells the Sentinel to use the given ConnFunc when
// connecting to sentinel instances, both for queries and for the
// +switch-master subscriptions.
//
// If not given, sentinels are dialed with the connect timeout of the
// PoolConfig and no AUTH or SELECT.
func SentinelConnFunc(cf radix.ConnFunc) SentinelOpt {
	return func(so *sentinelOpts) {
		so.cf = cf
	}
}

// SentinelPoolConfig tells the Sentinel how to create pools and probe
// connections to the master and replica instances.
func SentinelPoolConfig(pc PoolConfig) SentinelOpt {
	return func(so *sentinelOpts) {
		so.pc = pc
	}
}

// SentinelPoolFunc tells the Sentinel to use the given PoolFunc when creating
// pools to the master and replicas, overriding SentinelPoolConfig.
func SentinelPoolFunc(pf PoolFunc) SentinelOpt {
	return func(so *sentinelOpts) {
		so.pf = pf
	}
}

// SentinelProbe tells the Sentinel to use the given Probe when checking
// replicas, overriding the one derived from SentinelPoolConfig.
func SentinelProbe(p Probe) SentinelOpt {
	return func(so *sentinelOpts) {
		so.probe = p
	}
}

// SentinelHealthCheckInterval specifies how often available replicas are
// pinged and unavailable replicas are re-probed.
func SentinelHealthCheckInterval(d time.Duration) SentinelOpt {
	return func(so *sentinelOpts) {
		so.healthCheckInterval = d
	}
}

// SentinelResubscribeDelay specifies how long to wait before resubscribing to
// a sentinel whose +switch-master subscription was lost.
func SentinelResubscribeDelay(d time.Duration) SentinelOpt {
	return func(so *sentinelOpts) {
		so.resubscribeDelay = d
	}
}

// SentinelPingInterval specifies how often the +switch-master subscriptions
// are pinged to detect a dead sentinel connection.
func SentinelPingInterval(d time.Duration) SentinelOpt {
	return func(so *sentinelOpts) {
		so.pingInterval = d
	}
}

// SentinelDiscoveryRetry effects how NewSentinel behaves when none of the
// sentinels can tell it where the master is. It waits interval between full
// passes over the sentinels, and gives up with ErrDiscovery after maxAttempts
// passes. A maxAttempts of zero means NewSentinel retries until its context is
// cancelled.
func SentinelDiscoveryRetry(interval time.Duration, maxAttempts int) SentinelOpt {
	return func(so *sentinelOpts) {
		so.discoveryInterval = interval
		so.discoveryMaxAttempts = maxAttempts
	}
}

// SentinelReadRetries specifies how many replicas DoRead will try, when
// replicas fail with connection errors, before falling back to the master.
func SentinelReadRetries(n int) SentinelOpt {
	return func(so *sentinelOpts) {
		so.readRetries = n
	}
}

// SentinelLogger sets the logger the Sentinel writes to.
func SentinelLogger(lg *zap.Logger) SentinelOpt {
	return func(so *sentinelOpts) {
		so.lg = lg
	}
}

// SentinelWithTrace tells the Sentinel to trace itself with the given
// SentinelTrace. May be given multiple times, all traces are called.
func SentinelWithTrace(st trace.SentinelTrace) SentinelOpt {
	return func(so *sentinelOpts) {
		so.traces = append(so.traces, st)
	}
}

// SentinelClock sets the clock used for all of the Sentinel's timers. Mostly
// useful for tests.
func SentinelClock(c clock.Clock) SentinelOpt {
	return func(so *sentinelOpts) {
		so.clock = c
	}
}

////////////////////////////////////////////////////////////////////////////////

// Sentinel is a Client which, in the background, tracks the master and
// replicas of a single redis master name using a set of sentinels. It handles
// all of the following:
//
// * Creates a pool to the current master instance, as advertised by the
//   sentinels, and replaces it whenever any sentinel announces a failover.
//
// * Creates a pool to every reachable replica, and reloads the replica set
//   from the sentinels after every failover.
//
// * Periodically pings replica pools and probes unreachable replicas, so that
//   reads are only routed to replicas which are believed to be alive.
//
// Do always goes to the master. DoRead goes to a random available replica,
// falling back to the master if there are none.
type Sentinel struct {
	name          string
	sentinelAddrs []string
	so            sentinelOpts
	lg            *zap.Logger

	master   *masterRegistry
	replicas *replicaSet
	monitor  *healthMonitor
	reloadCh chan string

	cancel    context.CancelFunc
	eg        *errgroup.Group
	closeOnce sync.Once
	closeErr  error
}

// NewSentinel creates and returns a *Sentinel for the given master name.
//
// NewSentinel blocks until one of the sentinels, tried in the given order,
// tells it where the master and replicas are and a pool to the master could be
// created. Until then it retries in full passes, see SentinelDiscoveryRetry.
// ctx only bounds this discovery; the background routines live until Close.
//
// The default options NewSentinel uses are:
//
//	SentinelConnFunc(radix.Dial with the PoolConfig's connect timeout)
//	SentinelPoolConfig(DefaultPoolConfig)
//	SentinelHealthCheckInterval(30 * time.Second)
//	SentinelResubscribeDelay(5 * time.Second)
//	SentinelPingInterval(10 * time.Second)
//	SentinelDiscoveryRetry(1 * time.Second, 0)
//	SentinelReadRetries(3)
//	SentinelLogger(zap.NewNop())
//
func NewSentinel(ctx context.Context, masterName string, sentinelAddrs []string, opts ...SentinelOpt) (*Sentinel, error) {
	if masterName == "" {
		return nil, errors.Trace(ErrNoMasterName)
	} else if len(sentinelAddrs) == 0 {
		return nil, errors.Trace(ErrNoSentinels)
	}

	so := sentinelOpts{
		pc:                  DefaultPoolConfig,
		healthCheckInterval: 30 * time.Second,
		resubscribeDelay:    5 * time.Second,
		pingInterval:        10 * time.Second,
		discoveryInterval:   1 * time.Second,
		readRetries:         3,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&so)
		}
	}
	if so.cf == nil {
		connectTimeout := so.pc.withDefaults().ConnectTimeout
		so.cf = func(network, addr string) (radix.Conn, error) {
			return radix.Dial(network, addr, radix.DialConnectTimeout(connectTimeout))
		}
	}
	if so.pf == nil {
		so.pf = so.pc.PoolFunc()
	}
	if so.probe == nil {
		so.probe = NewProbe(so.pc.ConnFunc())
	}
	if so.lg == nil {
		so.lg = zap.NewNop()
	}
	if so.clock == nil {
		so.clock = clock.New()
	}

	lg := so.lg.With(zap.String("master", masterName))
	s := &Sentinel{
		name:          masterName,
		sentinelAddrs: dedupe(sentinelAddrs),
		so:            so,
		lg:            lg,
		master:        newMasterRegistry(so.pf, lg),
		replicas:      newReplicaSet(so.pf, so.probe, lg),
		reloadCh:      make(chan string, 1),
	}
	s.monitor = &healthMonitor{
		rs:       s.replicas,
		probe:    so.probe,
		clock:    so.clock,
		interval: so.healthCheckInterval,
		lg:       lg,
		trace:    s.traceReplicasSwept,
	}

	if err := s.discover(ctx); err != nil {
		s.replicas.close()
		s.master.close()
		return nil, err
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.eg, bgCtx = errgroup.WithContext(bgCtx)
	for _, addr := range s.sentinelAddrs {
		l := &masterListener{s: s, addr: addr}
		s.eg.Go(func() error { return l.run(bgCtx) })
	}
	s.eg.Go(func() error { return s.reloadLoop(bgCtx) })
	s.eg.Go(func() error { return s.monitor.run(bgCtx) })

	lg.Info("sentinel client started", zap.Strings("sentinels", s.sentinelAddrs))
	return s, nil
}

func dedupe(ss []string) []string {
	seen := make(map[string]bool, len(ss))
	out := make([]string, 0, len(ss))
	for _, s := range ss {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// Master returns the address of the current master and its pool. The pool
// may be closed by the time it is used if a failover happens concurrently, in
// which case it returns errors like any other failed connection.
func (s *Sentinel) Master() (Addr, radix.Client) {
	st := s.master.load()
	if st == nil {
		return Addr{}, closedClient{}
	}
	return st.addr, st.pool
}

// Replica returns the address and pool of a random available replica. If no
// replica is available the master's are returned.
func (s *Sentinel) Replica() (Addr, radix.Client) {
	if addr, pool, ok := s.replicas.pick(); ok {
		return addr, pool
	}
	return s.Master()
}

// Do performs the Action on the master. Use radix.WithConn to hold on to a
// single connection across multiple commands.
func (s *Sentinel) Do(a radix.Action) error {
	_, pool := s.Master()
	return pool.Do(a)
}

// DoRead performs the Action on a random available replica. If that fails
// with a connection error another replica is tried, up to the number of read retries, after which the Action is
// performed on the master.
func (s *Sentinel) DoRead(a radix.Action) error {
	for i := 0; i < s.so.readRetries; i++ {
		addr, pool, ok := s.replicas.pick()
		if !ok {
			break
		}
		err := pool.Do(a)
		if err == nil || !isConnErr(err) {
			return err
		}
		s.lg.Warn("replica failed, selecting another", zap.Stringer("addr", addr), zap.Error(err))
	}
	return s.Do(a)
}

// isConnErr returns true unless the error was returned by redis in response to
// a command, or the reply couldn't be unmarshaled into the Action's receiver.
// In both cases the connection is still usable.
func isConnErr(err error) bool {
	if _, ok := errors.Cause(err).(resp2.Error); ok {
		return false
	}
	return !stderrors.As(err, new(resp.ErrDiscarded))
}

// Topology describes the Sentinel's view of the replica set at a point in
// time.
type Topology struct {
	Master      Addr
	Available   []Addr
	Unavailable []Addr

	// Generation is incremented every time the replicas are reloaded from the
	// sentinels and actually change.
	Generation uint64
}

// Topology returns the current Topology.
func (s *Sentinel) Topology() Topology {
	masterAddr, _ := s.Master()
	avail, unavail, gen := s.replicas.addrs()
	return Topology{
		Master:      masterAddr,
		Available:   avail,
		Unavailable: unavail,
		Generation:  gen,
	}
}

// Close stops all background routines, interrupting any blocked sentinel
// subscriptions, and then closes every master and replica pool.
func (s *Sentinel) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		err := s.eg.Wait()
		err = multierr.Combine(err, s.replicas.close(), s.master.close())
		s.closeErr = errors.Trace(err)
		s.lg.Info("sentinel client closed")
	})
	return s.closeErr
}

////////////////////////////////////////////////////////////////////////////////

// installMaster replaces the master, tracing and logging if it changed.
// sentinelAddr is the sentinel the new address came from, if any.
func (s *Sentinel) installMaster(sentinelAddr string, addr Addr) error {
	prev, changed, err := s.master.replace(addr)
	if err != nil || !changed {
		return err
	}
	s.lg.Info("master pool installed",
		zap.Stringer("addr", addr), zap.Stringer("previous", prev), zap.String("sentinel", sentinelAddr))

	ev := trace.SentinelMasterSwitched{Sentinel: sentinelAddr, NewAddr: addr.String()}
	if !prev.IsZero() {
		ev.OldAddr = prev.String()
	}
	for _, st := range s.so.traces {
		if st.MasterSwitched != nil {
			st.MasterSwitched(ev)
		}
	}
	return nil
}

func (s *Sentinel) reconcileReplicas(addrs []Addr) {
	if !s.replicas.reconcile(addrs) {
		return
	}
	avail, unavail, gen := s.replicas.addrs()
	s.lg.Info("replica set reloaded",
		zap.Strings("available", addrStrings(avail)),
		zap.Strings("unavailable", addrStrings(unavail)),
		zap.Uint64("generation", gen))

	ev := trace.SentinelReplicasReconciled{
		Available:   addrStrings(avail),
		Unavailable: addrStrings(unavail),
		Generation:  gen,
	}
	for _, st := range s.so.traces {
		if st.ReplicasReconciled != nil {
			st.ReplicasReconciled(ev)
		}
	}
}

func (s *Sentinel) traceReplicasSwept(ev trace.SentinelReplicasSwept) {
	for _, st := range s.so.traces {
		if st.ReplicasSwept != nil {
			st.ReplicasSwept(ev)
		}
	}
}

func (s *Sentinel) traceListenerDisconnected(ev trace.SentinelListenerDisconnected) {
	for _, st := range s.so.traces {
		if st.ListenerDisconnected != nil {
			st.ListenerDisconnected(ev)
		}
	}
}

// closedClient is returned from Master once the Sentinel is closed.
type closedClient struct{}

func (closedClient) Do(radix.Action) error { return errors.Trace(ErrClosed) }
func (closedClient) Close() error          { return nil }
