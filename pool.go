package rwsentinel

import (
	"time"

	"github.com/mediocregopher/radix/v3"
	"github.com/pingcap/errors"
)

// PoolFunc opens a connection pool to the redis instance at the given address.
// Any radix.Client is accepted, so a PoolFunc can return a *radix.Pool or a
// custom implementation.
type PoolFunc func(addr Addr) (radix.Client, error)

// PoolConfig describes how connections and pools to redis instances (masters
// and replicas, not sentinels) are created. It is the only place where radix
// pool and dial options are chosen, so changing the underlying pool library
// only touches this type.
type PoolConfig struct {
	// Size is the number of connections each pool keeps open. Defaults to 10.
	Size int

	// ConnectTimeout bounds dialing a new connection. Defaults to 5 seconds.
	ConnectTimeout time.Duration

	// ReadTimeout and WriteTimeout bound individual reads and writes on a
	// connection. Zero means no timeout.
	ReadTimeout, WriteTimeout time.Duration

	// Password, if set, is sent with AUTH on every new connection.
	Password string

	// DB, if non-zero, is SELECTed on every new connection.
	DB int

	// PingInterval is passed through to radix.PoolPingInterval. Zero keeps the
	// radix default.
	PingInterval time.Duration

	// OnEmptyWait, if positive, makes the pool return radix.ErrPoolEmpty when
	// no connection becomes available within the duration, instead of creating
	// a new one.
	OnEmptyWait time.Duration
}

// DefaultPoolConfig is the PoolConfig used when none is given.
var DefaultPoolConfig = PoolConfig{
	Size:           10,
	ConnectTimeout: 5 * time.Second,
}

func (pc PoolConfig) withDefaults() PoolConfig {
	if pc.Size <= 0 {
		pc.Size = DefaultPoolConfig.Size
	}
	if pc.ConnectTimeout <= 0 {
		pc.ConnectTimeout = DefaultPoolConfig.ConnectTimeout
	}
	return pc
}

// DialOpts returns the radix.DialOpts matching the PoolConfig.
func (pc PoolConfig) DialOpts() []radix.DialOpt {
	pc = pc.withDefaults()
	opts := []radix.DialOpt{radix.DialConnectTimeout(pc.ConnectTimeout)}
	if pc.ReadTimeout > 0 {
		opts = append(opts, radix.DialReadTimeout(pc.ReadTimeout))
	}
	if pc.WriteTimeout > 0 {
		opts = append(opts, radix.DialWriteTimeout(pc.WriteTimeout))
	}
	if pc.Password != "" {
		opts = append(opts, radix.DialAuthPass(pc.Password))
	}
	if pc.DB != 0 {
		opts = append(opts, radix.DialSelectDB(pc.DB))
	}
	return opts
}

// ConnFunc returns a radix.ConnFunc which dials using the PoolConfig's
// timeouts and credentials.
func (pc PoolConfig) ConnFunc() radix.ConnFunc {
	opts := pc.DialOpts()
	return func(network, addr string) (radix.Conn, error) {
		return radix.Dial(network, addr, opts...)
	}
}

// PoolFunc returns a PoolFunc which creates a *radix.Pool per address.
func (pc PoolConfig) PoolFunc() PoolFunc {
	pc = pc.withDefaults()
	poolOpts := []radix.PoolOpt{radix.PoolConnFunc(pc.ConnFunc())}
	if pc.PingInterval > 0 {
		poolOpts = append(poolOpts, radix.PoolPingInterval(pc.PingInterval))
	}
	if pc.OnEmptyWait > 0 {
		poolOpts = append(poolOpts, radix.PoolOnEmptyErrAfter(pc.OnEmptyWait))
	}
	return func(addr Addr) (radix.Client, error) {
		p, err := radix.NewPool("tcp", addr.String(), pc.Size, poolOpts...)
		if err != nil {
			return nil, errors.Annotatef(err, "creating pool to %s", addr)
		}
		return p, nil
	}
}
