package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryandielhenn/zephyrgroup/discovery"
	"github.com/ryandielhenn/zephyrgroup/pkg/coord"
	"github.com/ryandielhenn/zephyrgroup/pkg/member"
	"github.com/ryandielhenn/zephyrgroup/pkg/registry"
)

func TestDefaults(t *testing.T) {
	v, args, err := Load("zgroup", []string{"list", "3"})
	require.NoError(t, err)
	assert.Equal(t, []string{"list", "3"}, args)

	c := FromViper(v)
	require.NoError(t, c.Validate())
	assert.Equal(t, discovery.BackendEtcd, c.Backend)
	assert.Equal(t, registry.DefaultRoot, c.Root)
	assert.Equal(t, member.DefaultInitialWait, c.InitialWait)
	assert.Equal(t, 5, c.Retry.MaxAttempts)
	assert.Equal(t, time.Second, c.Retry.InitialDelay)
	assert.True(t, c.SessionPerMember)

	endpoints, err := c.EndpointList(3)
	require.NoError(t, err)
	assert.Equal(t, []string{"localhost:2181", "localhost:2182", "localhost:2183"}, endpoints)
}

func TestFlagsEnvAndFile(t *testing.T) {
	t.Setenv("ZGROUP_CONCURRENCY", "32")
	t.Setenv("ZGROUP_SESSION_TTL", "20s")

	path := filepath.Join(t.TempDir(), "zgroup.yaml")
	require.NoError(t, os.WriteFile(path, []byte("root: /apps/groups\nbackend: consul\n"), 0o644))

	v, _, err := Load("zgroup", []string{"--config-path", path, "--base-port", "9000", "--backend", "consul"})
	require.NoError(t, err)
	c := FromViper(v)
	require.NoError(t, c.Validate())

	assert.Equal(t, 32, c.Concurrency)
	assert.Equal(t, 20*time.Second, c.SessionTTL)
	assert.Equal(t, "/apps/groups", c.Root)
	assert.Equal(t, discovery.BackendConsul, c.Backend)

	endpoints, err := c.EndpointList(2)
	require.NoError(t, err)
	assert.Equal(t, []string{"localhost:9000", "localhost:9001"}, endpoints)
}

func TestExplicitEndpoints(t *testing.T) {
	c := &Config{Backend: "consul", Endpoints: []string{" http://agent1 ", "", "agent2:8600"}}
	c.Sanitize()

	endpoints, err := c.EndpointList(0)
	require.NoError(t, err)
	assert.Equal(t, []string{"agent1:8500", "agent2:8600"}, endpoints)
}

func TestEndpointCount(t *testing.T) {
	c := &Config{}
	c.Sanitize()

	_, err := c.EndpointList(0)
	assert.Error(t, err)

	c.BasePort = 65535
	_, err = c.EndpointList(2)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c := &Config{Retry: coord.DefaultRetryPolicy()}
		c.Sanitize()
		return c
	}
	require.NoError(t, valid().Validate())

	c := valid()
	c.Backend = "zookeeper"
	assert.Error(t, c.Validate())

	c = valid()
	c.BasePort = 70000
	assert.Error(t, c.Validate())

	c = valid()
	c.Root = "groups/"
	assert.Error(t, c.Validate())

	c = valid()
	c.Retry.MaxAttempts = 0
	assert.Error(t, c.Validate())
}

func TestUnknownFlag(t *testing.T) {
	_, _, err := Load("zgroup", []string{"--nope"})
	assert.Error(t, err)

	_, _, err = Load("zgroup", []string{"--help"})
	assert.ErrorIs(t, err, pflag.ErrHelp)
}

func TestLogger(t *testing.T) {
	for _, c := range []*Config{{}, {Verbose: true}, {JSON: true}} {
		logger, err := c.Logger()
		require.NoError(t, err)
		assert.NotNil(t, logger)
	}
}
