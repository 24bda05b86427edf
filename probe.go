package rwsentinel

import (
	"github.com/mediocregopher/radix/v3"
)

// Probe performs the reachability and liveness checks used to decide whether a
// replica can serve reads. Implementations must be safe for concurrent use.
type Probe interface {
	// Reachable returns true if a fresh connection to the instance at addr can
	// be established.
	Reachable(addr Addr) bool

	// Alive returns true if the given pool successfully answers a PING.
	Alive(pool radix.Client) bool
}

// NewProbe returns the default Probe, which dials instances using cf and
// pings pools with the PING command.
func NewProbe(cf radix.ConnFunc) Probe {
	return connProbe{cf: cf}
}

type connProbe struct {
	cf radix.ConnFunc
}

func (cp connProbe) Reachable(addr Addr) bool {
	conn, err := cp.cf("tcp", addr.String())
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func (cp connProbe) Alive(pool radix.Client) bool {
	var out string
	if err := pool.Do(radix.Cmd(&out, "PING")); err != nil {
		return false
	}
	return out == "PONG"
}
