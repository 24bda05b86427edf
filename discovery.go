package rwsentinel

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mediocregopher/radix/v3"
	"github.com/pingcap/errors"
	"go.uber.org/zap"
)

// discover blocks until a full pass over the sentinels finds the master and
// installs it along with the replicas. Passes are retried at a constant
// interval until they succeed, the context is cancelled, or the configured
// number of attempts is used up.
func (s *Sentinel) discover(ctx context.Context) error {
	var b backoff.BackOff = backoff.NewConstantBackOff(s.so.discoveryInterval)
	if s.so.discoveryMaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(s.so.discoveryMaxAttempts-1))
	}
	b = backoff.WithContext(b, ctx)

	notify := func(err error, wait time.Duration) {
		s.lg.Error("all sentinels down, cannot determine where master is",
			zap.Duration("retry-in", wait), zap.Error(err))
	}
	err := backoff.RetryNotify(s.discoverOnce, b, notify)
	if err == nil {
		return nil
	} else if ctxErr := ctx.Err(); ctxErr != nil {
		return errors.Trace(ctxErr)
	}
	return errors.Annotatef(ErrDiscovery, "master %q: %v", s.name, err)
}

func (s *Sentinel) discoverOnce() error {
	var lastErr error
	for _, addr := range s.sentinelAddrs {
		lg := s.lg.With(zap.String("sentinel", addr))
		masterAddr, replicaAddrs, err := s.querySentinel(addr)
		if err != nil {
			lg.Warn("cannot query sentinel, trying next one", zap.Error(err))
			lastErr = err
			continue
		}
		if err := s.installMaster("", masterAddr); err != nil {
			lg.Warn("cannot open pool to master reported by sentinel", zap.Stringer("addr", masterAddr), zap.Error(err))
			lastErr = err
			continue
		}
		s.reconcileReplicas(replicaAddrs)
		lg.Info("discovered master", zap.Stringer("addr", masterAddr), zap.Int("replicas", len(replicaAddrs)))
		return nil
	}
	return lastErr
}

// querySentinel asks the sentinel at addr for the current master and replicas.
func (s *Sentinel) querySentinel(addr string) (Addr, []Addr, error) {
	conn, err := s.so.cf("tcp", addr)
	if err != nil {
		return Addr{}, nil, errors.Annotatef(err, "connecting to sentinel %s", addr)
	}
	defer conn.Close()

	masterAddr, err := s.getMasterAddr(conn)
	if err != nil {
		return Addr{}, nil, errors.Annotatef(err, "sentinel %s", addr)
	}
	replicaAddrs, err := s.getReplicaAddrs(conn)
	if err != nil {
		return Addr{}, nil, errors.Annotatef(err, "sentinel %s", addr)
	}
	return masterAddr, replicaAddrs, nil
}

// queryReplicas asks the sentinel at addr for the current replicas.
func (s *Sentinel) queryReplicas(addr string) ([]Addr, error) {
	conn, err := s.so.cf("tcp", addr)
	if err != nil {
		return nil, errors.Annotatef(err, "connecting to sentinel %s", addr)
	}
	defer conn.Close()
	return s.getReplicaAddrs(conn)
}

func (s *Sentinel) getMasterAddr(conn radix.Conn) (Addr, error) {
	var res []string
	if err := conn.Do(radix.Cmd(&res, "SENTINEL", "get-master-addr-by-name", s.name)); err != nil {
		return Addr{}, errors.Trace(err)
	} else if len(res) != 2 {
		return Addr{}, errors.Errorf("sentinel does not know master %q", s.name)
	}
	return newAddr(res[0], res[1])
}

func (s *Sentinel) getReplicaAddrs(conn radix.Conn) ([]Addr, error) {
	var mm []map[string]string
	if err := conn.Do(radix.Cmd(&mm, "SENTINEL", "slaves", s.name)); err != nil {
		return nil, errors.Trace(err)
	}

	addrs := make([]Addr, 0, len(mm))
	for _, m := range mm {
		var addr Addr
		var err error
		if m["ip"] != "" && m["port"] != "" {
			addr, err = newAddr(m["ip"], m["port"])
		} else {
			addr, err = ParseAddr(m["name"])
		}
		if err != nil {
			s.lg.Warn("ignoring malformed replica entry from sentinel", zap.Error(err))
			continue
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

////////////////////////////////////////////////////////////////////////////////

// requestReload asks the reload routine to refresh the replica set, preferring
// the given sentinel. Requests made while one is already pending are dropped,
// the pending one covers them.
func (s *Sentinel) requestReload(sentinelAddr string) {
	select {
	case s.reloadCh <- sentinelAddr:
	default:
	}
}

func (s *Sentinel) reloadLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case addr := <-s.reloadCh:
			s.reloadReplicas(addr)
		}
	}
}

// reloadReplicas queries the preferred sentinel, and then the others in order,
// for the replica list and reconciles the first one successfully returned.
func (s *Sentinel) reloadReplicas(preferred string) {
	order := make([]string, 0, len(s.sentinelAddrs))
	order = append(order, preferred)
	for _, addr := range s.sentinelAddrs {
		if addr != preferred {
			order = append(order, addr)
		}
	}

	for _, addr := range order {
		replicaAddrs, err := s.queryReplicas(addr)
		if err != nil {
			s.lg.Warn("cannot reload replicas from sentinel", zap.String("sentinel", addr), zap.Error(err))
			continue
		}
		s.reconcileReplicas(replicaAddrs)
		return
	}
	s.lg.Error("cannot reload replicas from any sentinel")
}
