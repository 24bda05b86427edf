package rwsentinel

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/mediocregopher/rwsentinel/trace"
)

// healthMonitor periodically pings available replicas and probes unavailable
// ones, moving entries between the two collections of a replicaSet.
type healthMonitor struct {
	rs       *replicaSet
	probe    Probe
	clock    clock.Clock
	interval time.Duration
	lg       *zap.Logger
	trace    func(trace.SentinelReplicasSwept)
}

type sweepResult struct {
	demoted, promoted []Addr
	stale             bool
}

func (sr sweepResult) changed() bool {
	return len(sr.demoted) > 0 || len(sr.promoted) > 0
}

func (hm *healthMonitor) run(ctx context.Context) error {
	tick := hm.clock.Ticker(hm.interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			hm.sweep()
		}
	}
}

// sweep runs a single health check cycle. The network checks are done against
// a snapshot taken under the read lock; the resulting changes are applied
// under the write lock only if no reconciliation happened in the meantime.
func (hm *healthMonitor) sweep() sweepResult {
	snap := hm.rs.snapshot()
	if snap.empty() {
		return sweepResult{}
	}

	var res sweepResult
	for addr, pool := range snap.available {
		if !hm.probe.Alive(pool) {
			res.demoted = append(res.demoted, addr)
		}
	}
	for _, addr := range snap.unavailable {
		if hm.probe.Reachable(addr) {
			res.promoted = append(res.promoted, addr)
		}
	}
	if !res.changed() {
		return res
	}

	sortAddrs(res.demoted)
	sortAddrs(res.promoted)
	demoted, promoted, ok := hm.rs.apply(snap.generation, res.demoted, res.promoted)
	if !ok {
		res.stale = true
		hm.lg.Info("replica set reconciled during health check, discarding results",
			zap.Int("demoted", len(res.demoted)), zap.Int("promoted", len(res.promoted)))
	} else {
		res.demoted, res.promoted = demoted, promoted
	}

	if hm.trace != nil {
		hm.trace(trace.SentinelReplicasSwept{
			Demoted:  addrStrings(res.demoted),
			Promoted: addrStrings(res.promoted),
			Stale:    res.stale,
		})
	}
	return res
}

func addrStrings(addrs []Addr) []string {
	if len(addrs) == 0 {
		return nil
	}
	ss := make([]string, len(addrs))
	for i := range addrs {
		ss[i] = addrs[i].String()
	}
	return ss
}
