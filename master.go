package rwsentinel

import (
	"sync"

	"github.com/mediocregopher/radix/v3"
	"github.com/pingcap/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

type masterState struct {
	addr Addr
	pool radix.Client
}

// masterRegistry holds the single current master and its pool. Readers load
// the state through an atomic pointer and never block; writers are serialized
// by l so that the equality check, pool creation and swap happen as one step.
type masterRegistry struct {
	pf PoolFunc
	lg *zap.Logger

	l      sync.Mutex
	closed bool
	curr   atomic.Pointer[masterState]
}

func newMasterRegistry(pf PoolFunc, lg *zap.Logger) *masterRegistry {
	return &masterRegistry{pf: pf, lg: lg}
}

// load returns the current master, or nil if none has been installed yet or
// the registry is closed.
func (mr *masterRegistry) load() *masterState {
	return mr.curr.Load()
}

// replace installs addr as the master, returning the previously installed
// address. It is a no-op returning false if addr is already the master.
// Otherwise a new pool is opened, published, and only then the previous pool
// is closed, so no reader ever loads a closed pool as current.
func (mr *masterRegistry) replace(addr Addr) (Addr, bool, error) {
	mr.l.Lock()
	defer mr.l.Unlock()
	if mr.closed {
		return Addr{}, false, errors.Trace(ErrClosed)
	}

	prev := mr.curr.Load()
	if prev == nil {
		prev = &masterState{}
	} else if prev.addr == addr {
		return addr, false, nil
	}

	pool, err := mr.pf(addr)
	if err != nil {
		return prev.addr, false, errors.Annotatef(err, "opening master pool to %s", addr)
	}
	mr.curr.Store(&masterState{addr: addr, pool: pool})

	if prev.pool != nil {
		if err := prev.pool.Close(); err != nil {
			mr.lg.Warn("error closing previous master pool",
				zap.Stringer("addr", prev.addr), zap.Error(err))
		}
	}
	return prev.addr, true, nil
}

func (mr *masterRegistry) close() error {
	mr.l.Lock()
	defer mr.l.Unlock()
	if mr.closed {
		return nil
	}
	mr.closed = true
	prev := mr.curr.Swap(nil)
	if prev == nil {
		return nil
	}
	return errors.Trace(prev.pool.Close())
}
