package rwsentinel

import (
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/pingcap/errors"
)

// Addr is the network address of a single redis or sentinel instance. It is a
// value type and two Addrs are equal when both their Host and Port are equal.
type Addr struct {
	Host string
	Port int
}

// ParseAddr parses a "host:port" string into an Addr. IPv6 hosts must be
// bracketed, as with net.SplitHostPort.
func ParseAddr(s string) (Addr, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Addr{}, errors.Annotatef(err, "parsing address %q", s)
	}
	return newAddr(host, portStr)
}

func newAddr(host, portStr string) (Addr, error) {
	if host == "" {
		return Addr{}, errors.Errorf("empty host in address %q", net.JoinHostPort(host, portStr))
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Addr{}, errors.Errorf("invalid port %q for host %q", portStr, host)
	}
	return Addr{Host: host, Port: port}, nil
}

// String returns the address in "host:port" form, suitable for dialing.
func (a Addr) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// IsZero returns true if the Addr is the zero value.
func (a Addr) IsZero() bool {
	return a == Addr{}
}

func sortAddrs(addrs []Addr) []Addr {
	sort.Slice(addrs, func(i, j int) bool {
		if addrs[i].Host != addrs[j].Host {
			return addrs[i].Host < addrs[j].Host
		}
		return addrs[i].Port < addrs[j].Port
	})
	return addrs
}

////////////////////////////////////////////////////////////////////////////////

const switchMasterChannel = "+switch-master"

// ErrMalformedSwitchMaster is returned when a +switch-master payload doesn't
// have the expected "<name> <oldHost> <oldPort> <newHost> <newPort>" shape.
var ErrMalformedSwitchMaster = errors.New("malformed +switch-master message")

// parseSwitchMaster parses the payload of a +switch-master message, returning
// the master name and the address of the newly promoted master.
func parseSwitchMaster(msg string) (string, Addr, error) {
	parts := strings.Fields(msg)
	if len(parts) < 5 {
		return "", Addr{}, errors.Annotatef(ErrMalformedSwitchMaster, "%q", msg)
	}
	addr, err := newAddr(parts[3], parts[4])
	if err != nil {
		return "", Addr{}, errors.Annotatef(ErrMalformedSwitchMaster, "%q: %v", msg, err)
	}
	return parts[0], addr, nil
}
