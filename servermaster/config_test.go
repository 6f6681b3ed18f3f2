package servermaster

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"github.com/hanfei1991/dagsched/pkg/errors"
	"github.com/hanfei1991/dagsched/pkg/srvdiscovery"
)

func writeConfigFile(t *testing.T, name, content string) string {
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := NewConfig()
	require.NoError(t, cfg.Parse(nil))
	require.Equal(t, defaultAddr, cfg.Addr)
	require.Equal(t, defaultMetricsAddr, cfg.MetricsAddr)
	require.Equal(t, int64(defaultIDStep), cfg.IDStep)
	require.Equal(t, srvdiscovery.TypeStatic, cfg.Registry.Type)
	require.Equal(t, DefaultScannerConfig(), cfg.Scanner)
	require.Equal(t, DefaultJobManagerConfig(), cfg.JobManager)
	require.Equal(t, "info", cfg.Log.Level)
}

func TestConfigTomlFile(t *testing.T) {
	t.Parallel()

	path := writeConfigFile(t, "supervisor.toml", `
addr = "0.0.0.0:9000"
id-step = 50

[log]
level = "debug"

[scanner]
waiting-period = "20s"
batch-size = 10

[job-manager]
task-dispatch-failed-count-threshold = 5

[registry]
type = "static"
workers = ["g:w1:127.0.0.1:10250"]

[[groups]]
name = "g"
worker-token = "secret"
`)
	cfg := NewConfig()
	// command line flags win over the file
	require.NoError(t, cfg.Parse([]string{"--config", path, "-L", "warn", "--metrics-addr", ""}))
	require.Equal(t, "0.0.0.0:9000", cfg.Addr)
	require.Equal(t, "", cfg.MetricsAddr)
	require.Equal(t, int64(50), cfg.IDStep)
	require.Equal(t, "warn", cfg.Log.Level)
	require.Equal(t, 20*time.Second, cfg.Scanner.WaitingPeriod)
	require.Equal(t, 10, cfg.Scanner.BatchSize)
	require.Equal(t, DefaultScannerConfig().RunningPeriod, cfg.Scanner.RunningPeriod)
	require.Equal(t, 5, cfg.JobManager.TaskDispatchFailedCountThreshold)
	require.Equal(t, []string{"g:w1:127.0.0.1:10250"}, cfg.Registry.Workers)
	require.Len(t, cfg.Groups, 1)
	require.Equal(t, "secret", cfg.Groups[0].toModel().WorkerToken)
}

func TestConfigYamlFile(t *testing.T) {
	t.Parallel()

	path := writeConfigFile(t, "supervisor.yaml", `
addr: 0.0.0.0:9001
scanner:
  running-period: 1m
  rate: 10.5
db:
  driver: sqlite
  database: /tmp/dagsched.db
`)
	cfg := NewConfig()
	require.NoError(t, cfg.Parse([]string{"--config", path}))
	require.Equal(t, "0.0.0.0:9001", cfg.Addr)
	require.Equal(t, time.Minute, cfg.Scanner.RunningPeriod)
	require.Equal(t, 10.5, cfg.Scanner.Rate)
	require.Equal(t, "/tmp/dagsched.db", cfg.DB.Database)
}

func TestConfigUnknownItem(t *testing.T) {
	t.Parallel()

	path := writeConfigFile(t, "supervisor.toml", `
addr = "0.0.0.0:9000"
no-such-item = 1
`)
	err := NewConfig().Parse([]string{"--config", path})
	require.True(t, errors.ErrConfigUnknownItem.Equal(err))
	require.Contains(t, err.Error(), "no-such-item")
}

func TestConfigInvalid(t *testing.T) {
	t.Parallel()

	err := NewConfig().Parse([]string{"extra"})
	require.True(t, errors.ErrConfigInvalidFlag.Equal(err))

	err = NewConfig().Parse([]string{"--no-such-flag"})
	require.True(t, errors.Is(err, errors.ErrConfigParseFlagSet))

	err = NewConfig().Parse([]string{"--db-driver", "oracle"})
	require.True(t, errors.ErrInvalidConfig.Equal(err))

	err = NewConfig().Parse([]string{"--registry-type", "etcd"})
	require.True(t, errors.ErrInvalidConfig.Equal(err))

	cfg := NewConfig()
	require.NoError(t, cfg.Parse([]string{"--registry-type", "etcd", "--registry-endpoints", "a:2379,b:2379"}))
	require.Equal(t, []string{"a:2379", "b:2379"}, cfg.Registry.Endpoints)
}

func TestConfigPrintSample(t *testing.T) {
	t.Parallel()

	cfg := NewConfig()
	require.ErrorIs(t, cfg.Parse([]string{"--print-sample-config"}), pflag.ErrHelp)
	require.True(t, cfg.PrintSampleConfig())
	sample, err := cfg.Toml()
	require.NoError(t, err)
	require.Contains(t, sample, "[scanner]")
	require.Contains(t, cfg.String(), `"addr"`)
}
