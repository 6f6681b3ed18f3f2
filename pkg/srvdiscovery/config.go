package srvdiscovery

import (
	"context"
	"time"

	"github.com/pingcap/errors"
	goredis "github.com/redis/go-redis/v9"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/hanfei1991/dagsched/model"
	derrors "github.com/hanfei1991/dagsched/pkg/errors"
)

// Registry backends.
const (
	TypeStatic = "static"
	TypeEtcd   = "etcd"
	TypeRedis  = "redis"
)

const defaultDialTimeout = 5 * time.Second

// Config is the registry section of the supervisor and worker configs.
type Config struct {
	Type       string   `toml:"type" json:"type"`
	Endpoints  []string `toml:"endpoints" json:"endpoints"`
	Prefix     string   `toml:"prefix" json:"prefix"`
	TTLSeconds int      `toml:"ttl-seconds" json:"ttl-seconds"`
	// Workers lists "group:worker-id:host:port" for the static registry.
	Workers []string `toml:"workers" json:"workers"`
	// Password is only used by the redis registry.
	Password string `toml:"password" json:"password"`
}

// NewDefaultConfig returns a static registry config.
func NewDefaultConfig() *Config {
	return &Config{
		Type:       TypeStatic,
		TTLSeconds: int(defaultTTL / time.Second),
	}
}

// Adjust validates the config and fills the defaults.
func (c *Config) Adjust() error {
	if c.Type == "" {
		c.Type = TypeStatic
	}
	if c.TTLSeconds <= 0 {
		c.TTLSeconds = int(defaultTTL / time.Second)
	}
	switch c.Type {
	case TypeStatic:
		for _, w := range c.Workers {
			if _, err := model.ParseWorker(w); err != nil {
				return derrors.ErrInvalidConfig.GenWithStackByArgs(err.Error())
			}
		}
	case TypeEtcd, TypeRedis:
		if len(c.Endpoints) == 0 {
			return derrors.ErrInvalidConfig.GenWithStackByArgs("registry endpoints are empty")
		}
	default:
		return derrors.ErrInvalidConfig.GenWithStackByArgs("unknown registry type " + c.Type)
	}
	return nil
}

func (c *Config) ttl() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// NewWorkerRegistry opens the registry backend named by cfg.
func NewWorkerRegistry(ctx context.Context, cfg *Config) (WorkerRegistry, error) {
	switch cfg.Type {
	case TypeEtcd:
		cli, err := clientv3.New(clientv3.Config{
			Endpoints:   cfg.Endpoints,
			DialTimeout: defaultDialTimeout,
			Context:     ctx,
		})
		if err != nil {
			return nil, derrors.ErrDiscoveryFail.Wrap(err).GenWithStackByArgs()
		}
		return &closingRegistry{
			WorkerRegistry: NewEtcdRegistry(cli, cfg.Prefix, cfg.ttl()),
			closeFn:        cli.Close,
		}, nil
	case TypeRedis:
		client := goredis.NewUniversalClient(&goredis.UniversalOptions{
			Addrs:    cfg.Endpoints,
			Password: cfg.Password,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, derrors.ErrDiscoveryFail.Wrap(err).GenWithStackByArgs()
		}
		return &closingRegistry{
			WorkerRegistry: NewRedisRegistry(client, cfg.Prefix, cfg.ttl(), nil),
			closeFn:        client.Close,
		}, nil
	case TypeStatic, "":
		workers := make([]model.Worker, 0, len(cfg.Workers))
		for _, s := range cfg.Workers {
			w, err := model.ParseWorker(s)
			if err != nil {
				return nil, derrors.ErrInvalidConfig.GenWithStackByArgs(err.Error())
			}
			workers = append(workers, w)
		}
		return NewStaticRegistry(workers...), nil
	default:
		return nil, derrors.ErrInvalidConfig.GenWithStackByArgs("unknown registry type " + cfg.Type)
	}
}

// closingRegistry also closes the backend client.
type closingRegistry struct {
	WorkerRegistry
	closeFn func() error
}

func (r *closingRegistry) Close() error {
	err := r.WorkerRegistry.Close()
	if cerr := r.closeFn(); err == nil && cerr != nil {
		err = errors.Trace(cerr)
	}
	return err
}
