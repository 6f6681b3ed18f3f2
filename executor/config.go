package executor

import (
	"encoding/json"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pingcap/log"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/hanfei1991/dagsched/model"
	"github.com/hanfei1991/dagsched/pkg/cfgutil"
	"github.com/hanfei1991/dagsched/pkg/errors"
	"github.com/hanfei1991/dagsched/pkg/logutil"
	"github.com/hanfei1991/dagsched/pkg/srvdiscovery"
)

const (
	defaultAddr            = "127.0.0.1:10250"
	defaultMetricsAddr     = "127.0.0.1:10251"
	defaultSupervisorAddr  = "127.0.0.1:10240"
	defaultGroup           = "default"
	defaultRPCTimeout      = 5 * time.Second
	defaultShutdownTimeout = 30 * time.Second
	defaultMetricsInterval = 15 * time.Second
)

// Config is the configuration of the worker.
type Config struct {
	flagSet *pflag.FlagSet

	Log logutil.Config `toml:"log" json:"log"`

	Addr string `toml:"addr" json:"addr"`
	// AdvertiseAddr is the address supervisors dial, Addr when empty.
	AdvertiseAddr string `toml:"advertise-addr" json:"advertise-addr"`
	MetricsAddr   string `toml:"metrics-addr" json:"metrics-addr"`
	ConfigFile    string `toml:"config-file" json:"config-file"`

	Group    string `toml:"group" json:"group"`
	WorkerID string `toml:"worker-id" json:"worker-id"`
	// WorkerToken must match the worker token of the group.
	WorkerToken string `toml:"worker-token" json:"-"`

	SupervisorAddrs []string `toml:"supervisor-addrs" json:"supervisor-addrs"`
	// Concurrency is the number of tasks run at once, the number of
	// logical cpus when zero.
	Concurrency     int           `toml:"concurrency" json:"concurrency"`
	RPCTimeout      time.Duration `toml:"rpc-timeout" json:"rpc-timeout"`
	ShutdownTimeout time.Duration `toml:"shutdown-timeout" json:"shutdown-timeout"`
	MetricsInterval time.Duration `toml:"metrics-interval" json:"metrics-interval"`

	Registry *srvdiscovery.Config `toml:"registry" json:"registry"`

	printSampleConfig bool
	supervisorAddrs   string
	registryEndpoints string
}

// NewConfig creates a config holding the defaults.
func NewConfig() *Config {
	cfg := &Config{
		Log:             logutil.DefaultConfig(),
		Group:           defaultGroup,
		RPCTimeout:      defaultRPCTimeout,
		ShutdownTimeout: defaultShutdownTimeout,
		MetricsInterval: defaultMetricsInterval,
		Registry:        srvdiscovery.NewDefaultConfig(),
	}
	cfg.flagSet = pflag.NewFlagSet("worker", pflag.ContinueOnError)
	fs := cfg.flagSet

	fs.BoolVar(&cfg.printSampleConfig, "print-sample-config", false, "print the default config in TOML and exit")
	fs.StringVar(&cfg.ConfigFile, "config", "", "path to config file, TOML or YAML")
	fs.StringVar(&cfg.Addr, "addr", defaultAddr, "worker gRPC listen address")
	fs.StringVar(&cfg.AdvertiseAddr, "advertise-addr", "", "address announced to supervisors")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", defaultMetricsAddr, "prometheus metrics listen address")
	fs.StringVarP(&cfg.Log.Level, "log-level", "L", cfg.Log.Level, "log level: debug, info, warn, error, fatal")
	fs.StringVar(&cfg.Log.File, "log-file", "", "log file path")
	fs.StringVar(&cfg.Log.Format, "log-format", cfg.Log.Format, `the format of the log, "text" or "json"`)
	fs.StringVar(&cfg.Group, "group", defaultGroup, "group the worker serves")
	fs.StringVar(&cfg.WorkerID, "worker-id", "", "worker id, the host name when empty")
	fs.StringVar(&cfg.WorkerToken, "worker-token", "", "token of the group")
	fs.StringVar(&cfg.supervisorAddrs, "supervisor-addrs", "", "comma separated supervisor addresses")
	fs.IntVar(&cfg.Concurrency, "concurrency", 0, "number of tasks run at once")
	fs.StringVar(&cfg.Registry.Type, "registry-type", cfg.Registry.Type, "worker registry: static, etcd or redis")
	fs.StringVar(&cfg.registryEndpoints, "registry-endpoints", "", "comma separated worker registry endpoints")
	return cfg
}

func (c *Config) String() string {
	cfg, err := json.Marshal(c)
	if err != nil {
		log.L().Error("marshal to json", zap.Reflect("worker config", c), zap.Error(err))
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
	if c.AdvertiseAddr == "" {
		c.AdvertiseAddr = c.Addr
	}
	if c.Group == "" {
		return errors.ErrInvalidConfig.GenWithStackByArgs("group is empty")
	}
	if strings.Contains(c.Group, ":") || strings.Contains(c.WorkerID, ":") {
		return errors.ErrInvalidConfig.GenWithStackByArgs("group and worker id must not contain ':'")
	}
	if c.supervisorAddrs != "" {
		c.SupervisorAddrs = strings.Split(c.supervisorAddrs, ",")
	}
	if len(c.SupervisorAddrs) == 0 {
		c.SupervisorAddrs = []string{defaultSupervisorAddr}
	}
	if c.Concurrency < 0 {
		return errors.ErrInvalidConfig.GenWithStackByArgs("concurrency is negative")
	}
	if c.RPCTimeout <= 0 {
		c.RPCTimeout = defaultRPCTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
	if c.MetricsInterval <= 0 {
		c.MetricsInterval = defaultMetricsInterval
	}
	if _, err := c.advertisedWorker(); err != nil {
		return err
	}
	if c.Registry == nil {
		c.Registry = srvdiscovery.NewDefaultConfig()
	}
	if c.registryEndpoints != "" {
		c.Registry.Endpoints = strings.Split(c.registryEndpoints, ",")
	}
	return c.Registry.Adjust()
}

// advertisedWorker returns the worker announced in the registry. The
// worker id may still be empty and is filled by the server.
func (c *Config) advertisedWorker() (model.Worker, error) {
	host, port, err := net.SplitHostPort(c.AdvertiseAddr)
	if err != nil {
		return model.Worker{}, errors.ErrInvalidConfig.GenWithStackByArgs("advertise addr: " + err.Error())
	}
	p, err := strconv.Atoi(port)
	if err != nil || p <= 0 {
		return model.Worker{}, errors.ErrInvalidConfig.GenWithStackByArgs("advertise addr port " + port)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		return model.Worker{}, errors.ErrInvalidConfig.GenWithStackByArgs("advertise addr needs a dialable host")
	}
	return model.Worker{Group: c.Group, WorkerID: c.WorkerID, Host: host, Port: p}, nil
}
