package executor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"github.com/hanfei1991/dagsched/model"
	"github.com/hanfei1991/dagsched/pkg/errors"
	"github.com/hanfei1991/dagsched/pkg/srvdiscovery"
)

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := NewConfig()
	require.NoError(t, cfg.Parse(nil))
	require.Equal(t, defaultAddr, cfg.AdvertiseAddr)
	require.Equal(t, []string{defaultSupervisorAddr}, cfg.SupervisorAddrs)
	require.Equal(t, defaultGroup, cfg.Group)
	require.Equal(t, defaultShutdownTimeout, cfg.ShutdownTimeout)
	require.Equal(t, srvdiscovery.TypeStatic, cfg.Registry.Type)

	w, err := cfg.advertisedWorker()
	require.NoError(t, err)
	require.Equal(t, model.Worker{Group: defaultGroup, Host: "127.0.0.1", Port: 10250}, w)
}

func TestConfigFileAndFlags(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "worker.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
addr = "0.0.0.0:10260"
advertise-addr = "10.0.0.1:10260"
group = "batch"
concurrency = 8
supervisor-addrs = ["10.0.0.2:10240"]
shutdown-timeout = "10s"

[registry]
type = "redis"
endpoints = ["10.0.0.3:6379"]
`), 0o600))

	cfg := NewConfig()
	require.NoError(t, cfg.Parse([]string{"--config", path, "--worker-id", "w7", "--supervisor-addrs", "a:1,b:2"}))
	require.Equal(t, 8, cfg.Concurrency)
	require.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	require.Equal(t, []string{"a:1", "b:2"}, cfg.SupervisorAddrs)
	require.Equal(t, []string{"10.0.0.3:6379"}, cfg.Registry.Endpoints)

	w, err := cfg.advertisedWorker()
	require.NoError(t, err)
	require.Equal(t, "batch:w7:10.0.0.1:10260", w.String())
}

func TestConfigInvalid(t *testing.T) {
	t.Parallel()

	for _, args := range [][]string{
		{"--addr", "0.0.0.0:10250"},
		{"--advertise-addr", "127.0.0.1"},
		{"--group", "a:b"},
		{"--concurrency", "-1"},
		{"--registry-type", "etcd"},
	} {
		err := NewConfig().Parse(args)
		require.True(t, errors.ErrInvalidConfig.Equal(err), "%v: %v", args, err)
	}

	err := NewConfig().Parse([]string{"extra"})
	require.True(t, errors.ErrConfigInvalidFlag.Equal(err))

	cfg := NewConfig()
	require.ErrorIs(t, cfg.Parse([]string{"--print-sample-config"}), pflag.ErrHelp)
	require.True(t, cfg.PrintSampleConfig())
	sample, err := cfg.Toml()
	require.NoError(t, err)
	require.Contains(t, sample, "[registry]")
	require.NotContains(t, cfg.String(), "worker-token")
}
