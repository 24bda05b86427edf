package config

import (
	"os"
	"path/filepath"
	. "testing"
	"time"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mediocregopher/rwsentinel"
	"github.com/mediocregopher/rwsentinel/static"
)

func writeConfig(t *T, body string) string {
	path := filepath.Join(t.TempDir(), "rwsentinel.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad(t *T) {
	path := writeConfig(t, `
mode = "sentinel"
master-name = "mymaster"
sentinels = ["10.0.0.1:26379", "10.0.0.2:26379"]
password = "secret"
pool-size = 20
connect-timeout = "2s"
resubscribe-delay = "1s"
discovery-max-attempts = 5

[log]
level = "debug"
`)
	c, err := Load(path)
	require.NoError(t, err)

	exp := Default()
	exp.MasterName = "mymaster"
	exp.Sentinels = []string{"10.0.0.1:26379", "10.0.0.2:26379"}
	exp.Password = "secret"
	exp.PoolSize = 20
	exp.ConnectTimeout = Duration(2 * time.Second)
	exp.ResubscribeDelay = Duration(time.Second)
	exp.DiscoveryMaxAttempts = 5
	exp.Log.Level = "debug"
	assert.Equal(t, exp, c)

	assert.Equal(t, rwsentinel.PoolConfig{
		Size:           20,
		ConnectTimeout: 2 * time.Second,
		Password:       "secret",
	}, c.PoolConfig())
	assert.Len(t, c.SentinelOpts(zap.NewNop()), 6)

	s, err := c.Toml()
	require.NoError(t, err)
	assert.Contains(t, s, `connect-timeout = "2s"`)
	assert.Contains(t, s, `password = "******"`)
	assert.NotContains(t, s, "secret")
	assert.Equal(t, "secret", c.Password)
}

func TestLoadStatic(t *T) {
	path := writeConfig(t, `
mode = "static"
servers = ["10.0.0.1:6379", "10.0.0.2|192.168.0.2:6379:secret:500"]
health-check-period = "10s"
full-check-period = "1m"
`)
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ModeStatic, c.Mode)
	assert.Equal(t, Duration(10*time.Second), c.HealthCheckPeriod)
	assert.Equal(t, Duration(time.Minute), c.FullCheckPeriod)
	assert.Len(t, c.StaticOpts(zap.NewNop()), 3)

	s, err := c.Toml()
	require.NoError(t, err)
	assert.Contains(t, s, `"10.0.0.2|192.168.0.2:6379:******:500"`)
	assert.NotContains(t, s, "secret")
	assert.Equal(t, "10.0.0.2|192.168.0.2:6379:secret:500", c.Servers[1])
}

func TestLoadErrors(t *T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, `
master-name = "mymaster"
sentinels = ["10.0.0.1:26379"]
unknown-key = 1
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown-key")

	_, err = Load(writeConfig(t, `
master-name = "mymaster"
sentinels = ["10.0.0.1:26379"]
connect-timeout = "soon"
`))
	assert.Error(t, err)
}

func TestValidate(t *T) {
	type test struct {
		descr string
		mod   func(*Config)
		err   error
	}

	tests := []test{
		{
			descr: "noMasterName",
			mod:   func(c *Config) { c.MasterName = "" },
			err:   rwsentinel.ErrNoMasterName,
		},
		{
			descr: "noSentinels",
			mod:   func(c *Config) { c.Sentinels = nil },
			err:   rwsentinel.ErrNoSentinels,
		},
		{
			descr: "noServers",
			mod:   func(c *Config) { c.Mode = ModeStatic },
			err:   static.ErrNoServers,
		},
		{
			descr: "badSentinel",
			mod:   func(c *Config) { c.Sentinels = []string{"10.0.0.1"} },
		},
		{
			descr: "badServer",
			mod: func(c *Config) {
				c.Mode = ModeStatic
				c.Servers = []string{"10.0.0.1:port"}
			},
		},
		{
			descr: "badMode",
			mod:   func(c *Config) { c.Mode = "cluster" },
		},
		{
			descr: "negativeRetries",
			mod:   func(c *Config) { c.ReadRetries = -1 },
		},
		{
			descr: "zeroDuration",
			mod:   func(c *Config) { c.ResubscribeDelay = 0 },
		},
	}

	valid := func() *Config {
		c := Default()
		c.MasterName = "mymaster"
		c.Sentinels = []string{"10.0.0.1:26379"}
		return c
	}
	require.NoError(t, valid().Validate())

	for _, test := range tests {
		t.Run(test.descr, func(t *T) {
			c := valid()
			test.mod(c)
			err := c.Validate()
			require.Error(t, err)
			if test.err != nil {
				assert.Equal(t, test.err, errors.Cause(err))
			}
		})
	}
}
