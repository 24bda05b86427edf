package rwsentinel

import (
	"math/rand"
	"sync"

	"github.com/mediocregopher/radix/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// replicaSet tracks the replicas last reported for the master. Every tracked
// address is in exactly one of available (with an open pool) or unavailable.
//
// Full reconciliations rebuild both collections from scratch and bump
// generation. The health monitor only moves single entries between the two,
// and only if generation hasn't changed since it took its snapshot.
type replicaSet struct {
	pf    PoolFunc
	probe Probe
	lg    *zap.Logger

	l           sync.RWMutex
	available   map[Addr]radix.Client
	availList   []Addr // keys of available, for random selection
	unavailable map[Addr]struct{}
	generation  uint64
	closed      bool
}

func newReplicaSet(pf PoolFunc, probe Probe, lg *zap.Logger) *replicaSet {
	return &replicaSet{
		pf:          pf,
		probe:       probe,
		lg:          lg,
		available:   map[Addr]radix.Client{},
		unavailable: map[Addr]struct{}{},
	}
}

// must be called with l held
func (rs *replicaSet) tracks(addrs map[Addr]struct{}) bool {
	if len(addrs) != len(rs.available)+len(rs.unavailable) {
		return false
	}
	for addr := range addrs {
		_, inAvail := rs.available[addr]
		_, inUnavail := rs.unavailable[addr]
		if !inAvail && !inUnavail {
			return false
		}
	}
	return true
}

// must be called with l held
func (rs *replicaSet) refreshAvailList() {
	rs.availList = rs.availList[:0]
	for addr := range rs.available {
		rs.availList = append(rs.availList, addr)
	}
}

// reconcile replaces the tracked replicas with addrs. If addrs is the same set
// as what is already tracked nothing is done and false is returned. Otherwise
// every available pool is closed, each address is probed, pools are opened for
// the reachable ones, and the generation is bumped.
func (rs *replicaSet) reconcile(addrs []Addr) bool {
	next := make(map[Addr]struct{}, len(addrs))
	for _, addr := range addrs {
		next[addr] = struct{}{}
	}

	rs.l.Lock()
	defer rs.l.Unlock()
	if rs.closed || rs.tracks(next) {
		return false
	}

	for addr, pool := range rs.available {
		if err := pool.Close(); err != nil {
			rs.lg.Warn("error closing replica pool", zap.Stringer("addr", addr), zap.Error(err))
		}
	}

	rs.available = make(map[Addr]radix.Client, len(next))
	rs.unavailable = map[Addr]struct{}{}
	for addr := range next {
		if !rs.probe.Reachable(addr) {
			rs.lg.Warn("replica unreachable", zap.Stringer("addr", addr))
			rs.unavailable[addr] = struct{}{}
			continue
		}
		pool, err := rs.pf(addr)
		if err != nil {
			rs.lg.Warn("could not open replica pool", zap.Stringer("addr", addr), zap.Error(err))
			rs.unavailable[addr] = struct{}{}
			continue
		}
		rs.lg.Info("replica pool opened", zap.Stringer("addr", addr))
		rs.available[addr] = pool
	}
	rs.refreshAvailList()
	rs.generation++
	return true
}

// pick returns a uniformly random available replica, or false if there are
// none.
func (rs *replicaSet) pick() (Addr, radix.Client, bool) {
	rs.l.RLock()
	defer rs.l.RUnlock()
	if len(rs.availList) == 0 {
		return Addr{}, nil, false
	}
	addr := rs.availList[rand.Intn(len(rs.availList))]
	return addr, rs.available[addr], true
}

type replicaSnapshot struct {
	generation  uint64
	available   map[Addr]radix.Client
	unavailable []Addr
}

func (snap replicaSnapshot) empty() bool {
	return len(snap.available) == 0 && len(snap.unavailable) == 0
}

func (rs *replicaSet) snapshot() replicaSnapshot {
	rs.l.RLock()
	defer rs.l.RUnlock()
	snap := replicaSnapshot{
		generation:  rs.generation,
		available:   make(map[Addr]radix.Client, len(rs.available)),
		unavailable: make([]Addr, 0, len(rs.unavailable)),
	}
	for addr, pool := range rs.available {
		snap.available[addr] = pool
	}
	for addr := range rs.unavailable {
		snap.unavailable = append(snap.unavailable, addr)
	}
	return snap
}

// apply moves demote from available to unavailable (closing their pools) and
// promote from unavailable to available (opening pools), returning the
// addresses which were actually moved. If the generation has moved on from the
// given one nothing is applied and false is returned.
//
// A promoted address whose pool fails to open stays unavailable.
func (rs *replicaSet) apply(generation uint64, demote, promote []Addr) (demoted, promoted []Addr, ok bool) {
	rs.l.Lock()
	defer rs.l.Unlock()
	if rs.closed || rs.generation != generation {
		return nil, nil, false
	}

	for _, addr := range demote {
		pool, ok := rs.available[addr]
		if !ok {
			continue
		}
		if err := pool.Close(); err != nil {
			rs.lg.Warn("error closing replica pool", zap.Stringer("addr", addr), zap.Error(err))
		}
		delete(rs.available, addr)
		rs.unavailable[addr] = struct{}{}
		demoted = append(demoted, addr)
		rs.lg.Info("replica demoted", zap.Stringer("addr", addr))
	}

	for _, addr := range promote {
		if _, ok := rs.unavailable[addr]; !ok {
			continue
		}
		pool, err := rs.pf(addr)
		if err != nil {
			rs.lg.Warn("could not open replica pool", zap.Stringer("addr", addr), zap.Error(err))
			continue
		}
		delete(rs.unavailable, addr)
		rs.available[addr] = pool
		promoted = append(promoted, addr)
		rs.lg.Info("replica promoted", zap.Stringer("addr", addr))
	}

	rs.refreshAvailList()
	return demoted, promoted, true
}

// addrs returns the available and unavailable addresses, sorted, along with
// the current generation.
func (rs *replicaSet) addrs() ([]Addr, []Addr, uint64) {
	rs.l.RLock()
	defer rs.l.RUnlock()
	avail := make([]Addr, 0, len(rs.available))
	for addr := range rs.available {
		avail = append(avail, addr)
	}
	unavail := make([]Addr, 0, len(rs.unavailable))
	for addr := range rs.unavailable {
		unavail = append(unavail, addr)
	}
	return sortAddrs(avail), sortAddrs(unavail), rs.generation
}

func (rs *replicaSet) close() error {
	rs.l.Lock()
	defer rs.l.Unlock()
	if rs.closed {
		return nil
	}
	rs.closed = true

	var err error
	for _, pool := range rs.available {
		err = multierr.Append(err, pool.Close())
	}
	rs.available = map[Addr]radix.Client{}
	rs.unavailable = map[Addr]struct{}{}
	rs.availList = nil
	return err
}
