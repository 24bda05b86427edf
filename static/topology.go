// Package static implements a read/write split client for a fixed list of
// redis servers, for deployments without sentinels. The role of every server
// is detected with INFO, and an optional checker rebuilds the whole topology
// whenever a server stops answering or fewer servers than configured could be
// connected to.
package static

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/mediocregopher/radix/v3"
	"github.com/pingcap/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mediocregopher/rwsentinel"
	"github.com/mediocregopher/rwsentinel/trace"
)

// Errors returned by Topology.
var (
	ErrNoServers = errors.New("no redis server available")
	ErrClosed    = errors.New("static topology is closed")
)

// ConnFunc opens a single connection to one of a Server's addresses. It is
// used to detect the role of the server.
type ConnFunc func(srv Server, addr rwsentinel.Addr) (radix.Conn, error)

// PoolFunc opens a pool to one of a Server's addresses.
type PoolFunc func(srv Server, addr rwsentinel.Addr) (radix.Client, error)

type opts struct {
	pc          rwsentinel.PoolConfig
	cf          ConnFunc
	pf          PoolFunc
	probe       rwsentinel.Probe
	healthCheck bool
	period      time.Duration
	fullPeriod  time.Duration
	lg          *zap.Logger
	traces      []trace.StaticTrace
	clock       clock.Clock
}

// Opt is an optional behavior which can be applied to New.
type Opt func(*opts)

// WithPoolConfig sets the PoolConfig used for every server. The password and
// timeout of each Server override the ones in pc.
func WithPoolConfig(pc rwsentinel.PoolConfig) Opt {
	return func(o *opts) {
		o.pc = pc
	}
}

// WithConnFunc overrides how role detection connections are made.
func WithConnFunc(cf ConnFunc) Opt {
	return func(o *opts) {
		o.cf = cf
	}
}

// WithPoolFunc overrides how pools are made.
func WithPoolFunc(pf PoolFunc) Opt {
	return func(o *opts) {
		o.pf = pf
	}
}

// WithProbe overrides how the checker pings pools.
func WithProbe(p rwsentinel.Probe) Opt {
	return func(o *opts) {
		o.probe = p
	}
}

// WithHealthCheck enables the checker. Every period every pool is pinged, and
// if any fails the topology is rebuilt. If fullPeriod has passed since the
// last rebuild and fewer servers are connected than configured the topology
// is rebuilt as well. Non-positive durations default to 30 seconds and four
// times period, respectively.
func WithHealthCheck(period, fullPeriod time.Duration) Opt {
	return func(o *opts) {
		o.healthCheck = true
		o.period = period
		o.fullPeriod = fullPeriod
	}
}

// WithLogger sets the logger the Topology writes to.
func WithLogger(lg *zap.Logger) Opt {
	return func(o *opts) {
		o.lg = lg
	}
}

// WithTrace tells the Topology to trace itself with the given StaticTrace. May
// be given multiple times.
func WithTrace(st trace.StaticTrace) Opt {
	return func(o *opts) {
		o.traces = append(o.traces, st)
	}
}

// WithClock sets the clock used by the checker.
func WithClock(c clock.Clock) Opt {
	return func(o *opts) {
		o.clock = c
	}
}

////////////////////////////////////////////////////////////////////////////////

type node struct {
	addr rwsentinel.Addr
	pool radix.Client
}

type state struct {
	masters  []node
	replicas []node

	// shared is set when no replicas were found and reads go to the masters,
	// in which case replicas is the same slice as masters.
	shared bool
}

func (st *state) pools() []node {
	if st.shared {
		return st.masters
	}
	return append(append(make([]node, 0, len(st.masters)+len(st.replicas)), st.masters...), st.replicas...)
}

// connected returns how many distinct servers have pools.
func (st *state) connected() int {
	if st.shared {
		return len(st.masters)
	}
	return len(st.masters) + len(st.replicas)
}

// Topology is a Client over a fixed list of servers. Do goes to the masters
// and DoRead to the replicas, both round-robin.
type Topology struct {
	servers []Server
	o       opts
	lg      *zap.Logger

	st                      atomic.Pointer[state]
	masterNext, replicaNext atomic.Uint64
	lastRebuild             atomic.Time
	rebuildL                sync.Mutex
	closed                  atomic.Bool

	cancel    context.CancelFunc
	eg        *errgroup.Group
	closeOnce sync.Once
	closeErr  error
}

// New returns a Topology over the given servers, having already detected their
// roles and opened pools to them. Servers which can't be reached are left out
// until a later rebuild, so New only fails if no servers are given.
//
// The default options New uses are:
//
//	WithPoolConfig(rwsentinel.DefaultPoolConfig)
//	WithLogger(zap.NewNop())
//
// The checker is only run if WithHealthCheck is given.
func New(servers []Server, options ...Opt) (*Topology, error) {
	if len(servers) == 0 {
		return nil, errors.Trace(ErrNoServers)
	}

	o := opts{pc: rwsentinel.DefaultPoolConfig}
	for _, opt := range options {
		if opt != nil {
			opt(&o)
		}
	}
	if o.cf == nil {
		o.cf = func(srv Server, addr rwsentinel.Addr) (radix.Conn, error) {
			return srv.PoolConfig(o.pc).ConnFunc()("tcp", addr.String())
		}
	}
	if o.pf == nil {
		o.pf = func(srv Server, addr rwsentinel.Addr) (radix.Client, error) {
			return srv.PoolConfig(o.pc).PoolFunc()(addr)
		}
	}
	if o.probe == nil {
		o.probe = rwsentinel.NewProbe(o.pc.ConnFunc())
	}
	if o.period <= 0 {
		o.period = 30 * time.Second
	}
	if o.fullPeriod <= 0 {
		o.fullPeriod = 4 * o.period
	}
	if o.lg == nil {
		o.lg = zap.NewNop()
	}
	if o.clock == nil {
		o.clock = clock.New()
	}

	t := &Topology{
		servers: servers,
		o:       o,
		lg:      o.lg,
	}
	t.st.Store(&state{shared: true})
	t.rebuild(trace.StaticRebuildReasonInit)

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.eg, ctx = errgroup.WithContext(ctx)
	if o.healthCheck {
		t.eg.Go(func() error { return t.runChecker(ctx) })
	}
	return t, nil
}

// Rebuild re-detects the role of every server and replaces all pools. If a
// rebuild is already in progress this returns false immediately and does
// nothing.
func (t *Topology) Rebuild() bool {
	return t.rebuild(trace.StaticRebuildReasonManual)
}

func (t *Topology) rebuild(reason trace.StaticRebuildReason) bool {
	if !t.rebuildL.TryLock() {
		t.lg.Debug("rebuild already in progress, skipping", zap.String("reason", string(reason)))
		return false
	}
	defer t.rebuildL.Unlock()
	if t.closed.Load() {
		return false
	}

	next := &state{}
	seen := map[string]bool{}
	for _, srv := range t.servers {
		key := srv.Key()
		if seen[key] {
			t.lg.Warn("skipping duplicate server", zap.String("server", key))
			continue
		}
		seen[key] = true

		n, master, err := t.connect(srv)
		if err != nil {
			t.lg.Warn("could not connect to server", zap.String("server", key), zap.Error(err))
			continue
		}
		if master {
			next.masters = append(next.masters, n)
		} else {
			next.replicas = append(next.replicas, n)
		}
	}
	if len(next.replicas) == 0 {
		next.replicas = next.masters
		next.shared = true
	}

	prev := t.st.Swap(next)
	t.lastRebuild.Store(t.o.clock.Now())
	var closeErr error
	for _, n := range prev.pools() {
		closeErr = multierr.Append(closeErr, n.pool.Close())
	}
	if closeErr != nil {
		t.lg.Warn("error closing previous pools", zap.Error(closeErr))
	}

	ev := trace.StaticRebuilt{
		Reason:     reason,
		Masters:    nodeAddrs(next.masters),
		Configured: len(seen),
	}
	if !next.shared {
		ev.Replicas = nodeAddrs(next.replicas)
	}
	if next.connected() == 0 {
		ev.Err = errors.Trace(ErrNoServers)
		t.lg.Error("static topology rebuilt without any servers",
			zap.String("reason", string(reason)), zap.Int("configured", len(seen)))
	} else {
		t.lg.Info("static topology rebuilt",
			zap.String("reason", string(reason)),
			zap.Strings("masters", ev.Masters),
			zap.Strings("replicas", ev.Replicas),
			zap.Int("configured", len(seen)))
	}
	for _, st := range t.o.traces {
		if st.Rebuilt != nil {
			st.Rebuilt(ev)
		}
	}
	return true
}

// connect tries each of the Server's addresses in order, returning a pool to
// the first one which can be connected to and whether it's a master.
func (t *Topology) connect(srv Server) (node, bool, error) {
	var lastErr error
	for _, addr := range srv.Addrs() {
		master, err := t.detectRole(srv, addr)
		if err != nil {
			t.lg.Warn("could not connect to server address", zap.Stringer("addr", addr), zap.Error(err))
			lastErr = err
			continue
		}
		pool, err := t.o.pf(srv, addr)
		if err != nil {
			lastErr = errors.Annotatef(err, "opening pool to %s", addr)
			continue
		}
		return node{addr: addr, pool: pool}, master, nil
	}
	return node{}, false, lastErr
}

// detectRole connects to addr and returns true if INFO reports it as a master.
// Instances which don't support INFO are treated as replicas.
func (t *Topology) detectRole(srv Server, addr rwsentinel.Addr) (bool, error) {
	conn, err := t.o.cf(srv, addr)
	if err != nil {
		return false, errors.Annotatef(err, "connecting to %s", addr)
	}
	defer conn.Close()

	var info string
	if err := conn.Do(radix.Cmd(&info, "INFO", "replication")); err != nil {
		t.lg.Warn("INFO not supported, treating server as replica", zap.Stringer("addr", addr), zap.Error(err))
		return false, nil
	}
	return isMaster(info), nil
}

func nodeAddrs(nodes []node) []string {
	if len(nodes) == 0 {
		return nil
	}
	ss := make([]string, len(nodes))
	for i := range nodes {
		ss[i] = nodes[i].addr.String()
	}
	return ss
}

////////////////////////////////////////////////////////////////////////////////

func pickNode(nodes []node, counter *atomic.Uint64) (node, bool) {
	if len(nodes) == 0 {
		return node{}, false
	}
	i := (counter.Inc() - 1) % uint64(len(nodes))
	return nodes[i], true
}

// Master returns the next master, round-robin. If no masters are connected a
// replica is returned instead. If nothing is connected the returned client
// returns ErrNoServers from every call.
func (t *Topology) Master() (rwsentinel.Addr, radix.Client) {
	st := t.st.Load()
	if n, ok := pickNode(st.masters, &t.masterNext); ok {
		return n.addr, n.pool
	} else if n, ok := pickNode(st.replicas, &t.replicaNext); ok {
		return n.addr, n.pool
	}
	return rwsentinel.Addr{}, errClient{t.noServersErr()}
}

// Replica returns the next replica, round-robin. If no replicas are connected
// a master is returned instead.
func (t *Topology) Replica() (rwsentinel.Addr, radix.Client) {
	st := t.st.Load()
	if n, ok := pickNode(st.replicas, &t.replicaNext); ok {
		return n.addr, n.pool
	}
	return t.Master()
}

func (t *Topology) noServersErr() error {
	if t.closed.Load() {
		return ErrClosed
	}
	return ErrNoServers
}

// Do performs the Action on a master.
func (t *Topology) Do(a radix.Action) error {
	_, pool := t.Master()
	return pool.Do(a)
}

// DoRead performs the Action on a replica.
func (t *Topology) DoRead(a radix.Action) error {
	_, pool := t.Replica()
	return pool.Do(a)
}

// Masters returns the addresses of the currently connected masters.
func (t *Topology) Masters() []rwsentinel.Addr {
	return addrsOf(t.st.Load().masters)
}

// Replicas returns the addresses of the currently connected replicas. It is
// empty if reads are going to the masters.
func (t *Topology) Replicas() []rwsentinel.Addr {
	st := t.st.Load()
	if st.shared {
		return nil
	}
	return addrsOf(st.replicas)
}

func addrsOf(nodes []node) []rwsentinel.Addr {
	addrs := make([]rwsentinel.Addr, len(nodes))
	for i := range nodes {
		addrs[i] = nodes[i].addr
	}
	return addrs
}

// Close stops the checker, waits for any in-progress rebuild, and closes every
// pool.
func (t *Topology) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		t.cancel()
		err := t.eg.Wait()

		t.rebuildL.Lock()
		defer t.rebuildL.Unlock()
		prev := t.st.Swap(&state{shared: true})
		for _, n := range prev.pools() {
			err = multierr.Append(err, n.pool.Close())
		}
		t.closeErr = errors.Trace(err)
		t.lg.Info("static topology closed")
	})
	return t.closeErr
}

type errClient struct{ err error }

func (ec errClient) Do(radix.Action) error { return errors.Trace(ec.err) }
func (ec errClient) Close() error          { return nil }
