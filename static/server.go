package static

import (
	"strconv"
	"strings"
	"time"

	"github.com/pingcap/errors"

	"github.com/mediocregopher/rwsentinel"
)

// DefaultTimeout is the connect, read and write timeout used for a Server
// which doesn't specify one.
const DefaultTimeout = 10 * time.Second

// Server describes a single configured redis instance.
type Server struct {
	// IPs are alternative addresses for the same instance, for example one per
	// network an instance is reachable from. They are tried in order.
	IPs  []string
	Port int

	// Password is sent with AUTH if non-empty.
	Password string

	Timeout time.Duration
}

// ParseServer parses a server spec of the form
//
//	ip[|ip2...]:port[:password[:timeoutMillis]]
//
// Empty password or timeout fields are treated as absent, so "ip:port::500"
// has no password and a 500ms timeout.
func ParseServer(spec string) (Server, error) {
	if spec == "" {
		return Server{}, errors.New("empty server spec")
	}
	parts := strings.Split(spec, ":")
	if len(parts) < 2 || len(parts) > 4 {
		return Server{}, errors.Errorf("server spec %q should look like ip:port:password:timeout", spec)
	}

	var srv Server
	for _, ip := range strings.Split(parts[0], "|") {
		if ip = strings.TrimSpace(ip); ip != "" {
			srv.IPs = append(srv.IPs, ip)
		}
	}
	if len(srv.IPs) == 0 {
		return Server{}, errors.Errorf("server spec %q has no ip", spec)
	}

	port, err := strconv.Atoi(parts[1])
	if err != nil || port <= 0 || port > 65535 {
		return Server{}, errors.Errorf("server spec %q has invalid port %q", spec, parts[1])
	}
	srv.Port = port

	if len(parts) > 2 {
		srv.Password = parts[2]
	}

	srv.Timeout = DefaultTimeout
	if len(parts) > 3 && strings.TrimSpace(parts[3]) != "" {
		ms, err := strconv.Atoi(strings.TrimSpace(parts[3]))
		if err != nil || ms <= 0 {
			return Server{}, errors.Errorf("server spec %q has invalid timeout %q", spec, parts[3])
		}
		srv.Timeout = time.Duration(ms) * time.Millisecond
	}
	return srv, nil
}

// ParseServers parses every spec with ParseServer.
func ParseServers(specs []string) ([]Server, error) {
	servers := make([]Server, 0, len(specs))
	for _, spec := range specs {
		srv, err := ParseServer(spec)
		if err != nil {
			return nil, err
		}
		servers = append(servers, srv)
	}
	return servers, nil
}

// Key identifies the instance, two Servers with the same first IP and port are
// considered the same instance.
func (srv Server) Key() string {
	if len(srv.IPs) == 0 {
		return ""
	}
	return srv.Addrs()[0].String()
}

// Addrs returns one Addr per IP, in order.
func (srv Server) Addrs() []rwsentinel.Addr {
	addrs := make([]rwsentinel.Addr, len(srv.IPs))
	for i, ip := range srv.IPs {
		addrs[i] = rwsentinel.Addr{Host: ip, Port: srv.Port}
	}
	return addrs
}

// PoolConfig returns pc with the Server's password and timeout applied.
func (srv Server) PoolConfig(pc rwsentinel.PoolConfig) rwsentinel.PoolConfig {
	if srv.Password != "" {
		pc.Password = srv.Password
	}
	if srv.Timeout > 0 {
		pc.ConnectTimeout = srv.Timeout
		pc.ReadTimeout = srv.Timeout
		pc.WriteTimeout = srv.Timeout
	}
	return pc
}

// isMaster returns true if the output of INFO has "role:master" in it.
func isMaster(info string) bool {
	for _, line := range strings.Split(info, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "role:") {
			return strings.TrimPrefix(line, "role:") == "master"
		}
	}
	return false
}
