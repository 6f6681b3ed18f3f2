package servermaster

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/pingcap/log"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/hanfei1991/dagsched/client"
	"github.com/hanfei1991/dagsched/model"
	"github.com/hanfei1991/dagsched/pkg/cfgutil"
	"github.com/hanfei1991/dagsched/pkg/errors"
	"github.com/hanfei1991/dagsched/pkg/logutil"
	"github.com/hanfei1991/dagsched/pkg/sqlutil"
	"github.com/hanfei1991/dagsched/pkg/srvdiscovery"
)

const (
	defaultAddr        = "127.0.0.1:10240"
	defaultMetricsAddr = "127.0.0.1:10241"
	defaultIDStep      = 1000
	defaultRPCTimeout  = 5 * time.Second
)

// GroupConfig seeds a group into the store at startup.
type GroupConfig struct {
	Name            string `toml:"name" json:"name"`
	SupervisorToken string `toml:"supervisor-token" json:"-"`
	WorkerToken     string `toml:"worker-token" json:"-"`
	OwnUser         string `toml:"own-user" json:"own-user"`
	DevUsers        string `toml:"dev-users" json:"dev-users"`
}

func (g *GroupConfig) toModel() *model.Group {
	return &model.Group{
		Group:           g.Name,
		SupervisorToken: g.SupervisorToken,
		WorkerToken:     g.WorkerToken,
		OwnUser:         g.OwnUser,
		DevUsers:        g.DevUsers,
	}
}

// Config is the configuration of the supervisor.
type Config struct {
	flagSet *pflag.FlagSet

	Log logutil.Config `toml:"log" json:"log"`

	Addr        string `toml:"addr" json:"addr"`
	MetricsAddr string `toml:"metrics-addr" json:"metrics-addr"`
	ConfigFile  string `toml:"config-file" json:"config-file"`

	// IDStep is the size of the id blocks reserved from the store.
	IDStep             int64         `toml:"id-step" json:"id-step"`
	RPCTimeout         time.Duration `toml:"rpc-timeout" json:"rpc-timeout"`
	GroupRefreshPeriod time.Duration `toml:"group-refresh-period" json:"group-refresh-period"`

	DB         sqlutil.DBConfig     `toml:"db" json:"db"`
	Registry   *srvdiscovery.Config `toml:"registry" json:"registry"`
	Dispatch   client.RetryConfig   `toml:"dispatch" json:"dispatch"`
	JobManager JobManagerConfig     `toml:"job-manager" json:"job-manager"`
	Scanner    ScannerConfig        `toml:"scanner" json:"scanner"`
	Groups     []GroupConfig        `toml:"groups" json:"groups"`

	EmbeddedWorker EmbeddedWorkerConfig `toml:"embedded-worker" json:"embedded-worker"`

	printSampleConfig bool
	// flags are parsed twice, slice flags would accumulate
	registryEndpoints string
}

// NewConfig creates a config holding the defaults.
func NewConfig() *Config {
	cfg := &Config{
		Log:                logutil.DefaultConfig(),
		IDStep:             defaultIDStep,
		RPCTimeout:         defaultRPCTimeout,
		GroupRefreshPeriod: defaultGroupRefreshPeriod,
		DB:                 sqlutil.NewDefaultDBConfig(),
		Registry:           srvdiscovery.NewDefaultConfig(),
		Dispatch:           client.DefaultRetryConfig(),
		JobManager:         DefaultJobManagerConfig(),
		Scanner:            DefaultScannerConfig(),
	}
	cfg.flagSet = pflag.NewFlagSet("supervisor", pflag.ContinueOnError)
	fs := cfg.flagSet

	fs.BoolVar(&cfg.printSampleConfig, "print-sample-config", false, "print the default config in TOML and exit")
	fs.StringVar(&cfg.ConfigFile, "config", "", "path to config file, TOML or YAML")
	fs.StringVar(&cfg.Addr, "addr", defaultAddr, "supervisor gRPC listen address")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", defaultMetricsAddr, "prometheus metrics listen address")
	fs.StringVarP(&cfg.Log.Level, "log-level", "L", cfg.Log.Level, "log level: debug, info, warn, error, fatal")
	fs.StringVar(&cfg.Log.File, "log-file", "", "log file path")
	fs.StringVar(&cfg.Log.Format, "log-format", cfg.Log.Format, `the format of the log, "text" or "json"`)
	fs.StringVar(&cfg.DB.Driver, "db-driver", cfg.DB.Driver, "database driver: mysql, postgres or sqlite")
	fs.StringVar(&cfg.DB.Addr, "db-addr", "", "database address")
	fs.StringVar(&cfg.DB.Database, "db-name", cfg.DB.Database, "database name, or file path for sqlite")
	fs.StringVar(&cfg.Registry.Type, "registry-type", cfg.Registry.Type, "worker registry: static, etcd or redis")
	fs.StringVar(&cfg.registryEndpoints, "registry-endpoints", "", "comma separated worker registry endpoints")
	fs.BoolVar(&cfg.EmbeddedWorker.Enable, "embedded-worker", false, "run a worker inside the supervisor")
	fs.StringVar(&cfg.EmbeddedWorker.Group, "embedded-worker-group", "", "group served by the embedded worker")
	return cfg
}

func (c *Config) String() string {
	cfg, err := json.Marshal(c)
	if err != nil {
		log.L().Error("marshal to json", zap.Reflect("supervisor config", c), zap.Error(err))
	}
	return string(cfg)
}

// Toml returns TOML format representation of config.
func (c *Config) Toml() (string, error) {
	return cfgutil.Toml(c)
}

// Parse parses flag definitions from the argument list.
func (c *Config) Parse(arguments []string) error {
	// Parse first to get config file.
	if err := c.flagSet.Parse(arguments); err != nil {
		return errors.ErrConfigParseFlagSet.Wrap(err).GenWithStackByArgs()
	}
	if c.printSampleConfig {
		return pflag.ErrHelp
	}

	if c.ConfigFile != "" {
		if err := cfgutil.DecodeFile(c.ConfigFile, c); err != nil {
			return err
		}
	}

	// Parse again to replace with command line options.
	if err := c.flagSet.Parse(arguments); err != nil {
		return errors.ErrConfigParseFlagSet.Wrap(err).GenWithStackByArgs()
	}
	if len(c.flagSet.Args()) != 0 {
		return errors.ErrConfigInvalidFlag.GenWithStackByArgs(c.flagSet.Arg(0))
	}
	return c.adjust()
}

// PrintSampleConfig reports whether the sample config was asked for.
func (c *Config) PrintSampleConfig() bool {
	return c.printSampleConfig
}

func (c *Config) adjust() error {
	if c.Addr == "" {
		c.Addr = defaultAddr
	}
	if c.IDStep <= 0 {
		c.IDStep = defaultIDStep
	}
	if c.RPCTimeout <= 0 {
		c.RPCTimeout = defaultRPCTimeout
	}
	if c.GroupRefreshPeriod <= 0 {
		c.GroupRefreshPeriod = defaultGroupRefreshPeriod
	}
	if c.Registry == nil {
		c.Registry = srvdiscovery.NewDefaultConfig()
	}
	if c.registryEndpoints != "" {
		c.Registry.Endpoints = strings.Split(c.registryEndpoints, ",")
	}
	for _, g := range c.Groups {
		if g.Name == "" {
			return errors.ErrInvalidConfig.GenWithStackByArgs("group name is empty")
		}
	}
	for _, adjust := range []func() error{
		c.DB.Adjust,
		c.Registry.Adjust,
		c.Dispatch.Adjust,
		c.JobManager.Adjust,
		c.Scanner.Adjust,
		c.EmbeddedWorker.Adjust,
	} {
		if err := adjust(); err != nil {
			return err
		}
	}
	return nil
}
