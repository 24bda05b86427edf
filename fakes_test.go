package rwsentinel

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/mediocregopher/radix/v3"
	"github.com/mediocregopher/radix/v3/resp/resp2"
)

var errFakeConn = errors.New("fake connection refused")

// fakeCluster stands in for a set of redis instances. It acts as the PoolFunc
// and Probe of a Sentinel, and keeps count of every pool it hands out.
type fakeCluster struct {
	l       sync.Mutex
	down    map[Addr]bool // unreachable, failing probes and commands
	broken  map[Addr]bool // passing probes, but failing commands
	opened  map[Addr]int
	closed  map[Addr]int
	actions map[Addr]int // Actions run, successfully or not
	onClose func(*fakePool)
}

func newFakeCluster() *fakeCluster {
	return &fakeCluster{
		down:    map[Addr]bool{},
		broken:  map[Addr]bool{},
		opened:  map[Addr]int{},
		closed:  map[Addr]int{},
		actions: map[Addr]int{},
	}
}

func (fc *fakeCluster) setDown(addr Addr, down bool) {
	fc.l.Lock()
	defer fc.l.Unlock()
	fc.down[addr] = down
}

func (fc *fakeCluster) setBroken(addr Addr, broken bool) {
	fc.l.Lock()
	defer fc.l.Unlock()
	fc.broken[addr] = broken
}

func (fc *fakeCluster) isDown(addr Addr) bool {
	fc.l.Lock()
	defer fc.l.Unlock()
	return fc.down[addr]
}

func (fc *fakeCluster) poolFunc(addr Addr) (radix.Client, error) {
	fc.l.Lock()
	defer fc.l.Unlock()
	if fc.down[addr] {
		return nil, errFakeConn
	}
	fc.opened[addr]++
	return &fakePool{fc: fc, addr: addr}, nil
}

func (fc *fakeCluster) openCount(addr Addr) int {
	fc.l.Lock()
	defer fc.l.Unlock()
	return fc.opened[addr]
}

func (fc *fakeCluster) actionCount(addr Addr) int {
	fc.l.Lock()
	defer fc.l.Unlock()
	return fc.actions[addr]
}

func (fc *fakeCluster) closeCount(addr Addr) int {
	fc.l.Lock()
	defer fc.l.Unlock()
	return fc.closed[addr]
}

// livePools returns how many pools to addr are open.
func (fc *fakeCluster) livePools(addr Addr) int {
	fc.l.Lock()
	defer fc.l.Unlock()
	return fc.opened[addr] - fc.closed[addr]
}

func (fc *fakeCluster) totalLivePools() int {
	fc.l.Lock()
	defer fc.l.Unlock()
	var n int
	for addr := range fc.opened {
		n += fc.opened[addr] - fc.closed[addr]
	}
	return n
}

func (fc *fakeCluster) Reachable(addr Addr) bool {
	return !fc.isDown(addr)
}

func (fc *fakeCluster) Alive(pool radix.Client) bool {
	fp := pool.(*fakePool)
	return !fp.isClosed() && !fc.isDown(fp.addr)
}

// fakePool is a radix.Client which runs Actions against a radix.Stub. The ADDR
// command returns the address the pool belongs to, ERR returns a redis error.
type fakePool struct {
	fc   *fakeCluster
	addr Addr

	l      sync.Mutex
	closed bool
}

func (fp *fakePool) Do(a radix.Action) error {
	fp.l.Lock()
	closed := fp.closed
	fp.l.Unlock()
	if closed {
		return errors.New("client is closed")
	}

	fp.fc.l.Lock()
	fp.fc.actions[fp.addr]++
	down, broken := fp.fc.down[fp.addr], fp.fc.broken[fp.addr]
	fp.fc.l.Unlock()
	if down || broken {
		return errFakeConn
	}

	conn := radix.Stub("tcp", fp.addr.String(), func(args []string) interface{} {
		switch strings.ToUpper(args[0]) {
		case "PING":
			return "PONG"
		case "ADDR":
			return fp.addr.String()
		case "ERR":
			return resp2.Error{E: errors.New("ERR fake error")}
		default:
			return resp2.Error{E: fmt.Errorf("ERR unknown command %q", args[0])}
		}
	})
	defer conn.Close()
	return a.Run(conn)
}

func (fp *fakePool) Close() error {
	fp.l.Lock()
	if fp.closed {
		fp.l.Unlock()
		return errors.New("already closed")
	}
	fp.closed = true
	fp.l.Unlock()

	fp.fc.l.Lock()
	fp.fc.closed[fp.addr]++
	onClose := fp.fc.onClose
	fp.fc.l.Unlock()
	if onClose != nil {
		onClose(fp)
	}
	return nil
}

func (fp *fakePool) isClosed() bool {
	fp.l.Lock()
	defer fp.l.Unlock()
	return fp.closed
}

func addr(s string) Addr {
	a, err := ParseAddr(s)
	if err != nil {
		panic(err)
	}
	return a
}
