package static

import (
	"context"

	"go.uber.org/zap"

	"github.com/mediocregopher/rwsentinel/trace"
)

func (t *Topology) runChecker(ctx context.Context) error {
	tick := t.o.clock.Ticker(t.o.period)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			t.check()
		}
	}
}

// check runs a single health check, rebuilding the topology if needed. It
// returns the reason a rebuild was wanted, if any, and whether it ran.
func (t *Topology) check() (trace.StaticRebuildReason, bool) {
	st := t.st.Load()

	var failed int
	for _, n := range st.pools() {
		if !t.o.probe.Alive(n.pool) {
			t.lg.Warn("server failed health check", zap.Stringer("addr", n.addr))
			failed++
		}
	}
	if failed > 0 {
		t.lg.Warn("rebuilding static topology", zap.Int("failed", failed))
		return trace.StaticRebuildReasonPing, t.rebuild(trace.StaticRebuildReasonPing)
	}

	if t.o.clock.Since(t.lastRebuild.Load()) < t.o.fullPeriod {
		return "", false
	}

	// servers which were down during the last rebuild may be back
	if connected, configured := st.connected(), t.configured(); connected != configured {
		t.lg.Warn("rebuilding static topology",
			zap.Int("connected", connected), zap.Int("configured", configured))
		return trace.StaticRebuildReasonCount, t.rebuild(trace.StaticRebuildReasonCount)
	}
	return "", false
}

// configured returns the number of distinct servers.
func (t *Topology) configured() int {
	seen := make(map[string]bool, len(t.servers))
	for _, srv := range t.servers {
		seen[srv.Key()] = true
	}
	return len(seen)
}
