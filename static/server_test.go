package static

import (
	. "testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediocregopher/rwsentinel"
)

func TestParseServer(t *T) {
	type test struct {
		in     string
		exp    Server
		expErr bool
	}

	tests := []test{
		{
			in:  "10.0.0.1:6379",
			exp: Server{IPs: []string{"10.0.0.1"}, Port: 6379, Timeout: DefaultTimeout},
		},
		{
			in:  "10.0.0.1:6379:secret",
			exp: Server{IPs: []string{"10.0.0.1"}, Port: 6379, Password: "secret", Timeout: DefaultTimeout},
		},
		{
			in:  "10.0.0.1:6379:secret:500",
			exp: Server{IPs: []string{"10.0.0.1"}, Port: 6379, Password: "secret", Timeout: 500 * time.Millisecond},
		},
		{
			in:  "10.0.0.1:6379::500",
			exp: Server{IPs: []string{"10.0.0.1"}, Port: 6379, Timeout: 500 * time.Millisecond},
		},
		{
			in:  "10.0.0.1:6379::",
			exp: Server{IPs: []string{"10.0.0.1"}, Port: 6379, Timeout: DefaultTimeout},
		},
		{
			in:  "10.0.0.1|192.168.0.1:6379",
			exp: Server{IPs: []string{"10.0.0.1", "192.168.0.1"}, Port: 6379, Timeout: DefaultTimeout},
		},
		{in: "", expErr: true},
		{in: "10.0.0.1", expErr: true},
		{in: ":6379", expErr: true},
		{in: "10.0.0.1:port", expErr: true},
		{in: "10.0.0.1:6379:secret:soon", expErr: true},
		{in: "10.0.0.1:6379:secret:500:extra", expErr: true},
	}

	for _, test := range tests {
		t.Run(test.in, func(t *T) {
			srv, err := ParseServer(test.in)
			if test.expErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.exp, srv)
		})
	}
}

func TestServer(t *T) {
	srv, err := ParseServer("10.0.0.1|192.168.0.1:6379:secret:500")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:6379", srv.Key())
	assert.Equal(t, []rwsentinel.Addr{
		{Host: "10.0.0.1", Port: 6379},
		{Host: "192.168.0.1", Port: 6379},
	}, srv.Addrs())

	pc := srv.PoolConfig(rwsentinel.PoolConfig{Size: 3, Password: "other", DB: 2})
	assert.Equal(t, rwsentinel.PoolConfig{
		Size:           3,
		Password:       "secret",
		DB:             2,
		ConnectTimeout: 500 * time.Millisecond,
		ReadTimeout:    500 * time.Millisecond,
		WriteTimeout:   500 * time.Millisecond,
	}, pc)
}

func TestIsMaster(t *T) {
	assert.True(t, isMaster("# Replication\r\nrole:master\r\nconnected_slaves:1\r\n"))
	assert.False(t, isMaster("# Replication\r\nrole:slave\r\nmaster_host:10.0.0.1\r\n"))
	assert.False(t, isMaster(""))
	assert.False(t, isMaster("# Replication\r\nconnected_slaves:0\r\n"))
}
