package sqlutil

import (
	"time"

	"github.com/hanfei1991/dagsched/pkg/errors"
)

// Supported drivers.
const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

const (
	defaultConnMaxIdleTime = 30 * time.Second
	defaultConnMaxLifeTime = 12 * time.Hour
	defaultMaxIdleConns    = 3
	defaultMaxOpenConns    = 10
	defaultReadTimeout     = "3s"
	defaultWriteTimeout    = "3s"
	defaultDialTimeout     = "3s"
)

// DBConfig is the database section of the supervisor config.
// refer to: https://pkg.go.dev/database/sql#SetConnMaxIdleTime
type DBConfig struct {
	Driver   string `toml:"driver" json:"driver"`
	Addr     string `toml:"addr" json:"addr"`
	User     string `toml:"user" json:"user"`
	Password string `toml:"password" json:"password"`
	// Database is the schema name, or the file path for sqlite.
	Database string `toml:"database" json:"database"`

	ReadTimeout     string        `toml:"read-timeout" json:"read-timeout"`
	WriteTimeout    string        `toml:"write-timeout" json:"write-timeout"`
	DialTimeout     string        `toml:"dial-timeout" json:"dial-timeout"`
	ConnMaxIdleTime time.Duration `toml:"conn-max-idle-time" json:"conn-max-idle-time"`
	ConnMaxLifeTime time.Duration `toml:"conn-max-life-time" json:"conn-max-life-time"`
	MaxIdleConns    int           `toml:"max-idle-conns" json:"max-idle-conns"`
	MaxOpenConns    int           `toml:"max-open-conns" json:"max-open-conns"`
}

// NewDefaultDBConfig returns a config of a local sqlite file.
func NewDefaultDBConfig() DBConfig {
	return DBConfig{
		Driver:          DriverSQLite,
		Database:        "dagsched.db",
		ReadTimeout:     defaultReadTimeout,
		WriteTimeout:    defaultWriteTimeout,
		DialTimeout:     defaultDialTimeout,
		ConnMaxIdleTime: defaultConnMaxIdleTime,
		ConnMaxLifeTime: defaultConnMaxLifeTime,
		MaxIdleConns:    defaultMaxIdleConns,
		MaxOpenConns:    defaultMaxOpenConns,
	}
}

// Adjust validates the config and fills the defaults.
func (c *DBConfig) Adjust() error {
	def := NewDefaultDBConfig()
	if c.Driver == "" {
		c.Driver = def.Driver
	}
	switch c.Driver {
	case DriverMySQL, DriverPostgres:
		if c.Addr == "" {
			return errors.ErrInvalidConfig.GenWithStackByArgs("database addr is empty")
		}
	case DriverSQLite:
	default:
		return errors.ErrInvalidConfig.GenWithStackByArgs("unknown database driver " + c.Driver)
	}
	if c.Database == "" {
		return errors.ErrInvalidConfig.GenWithStackByArgs("database name is empty")
	}
	if c.ReadTimeout == "" {
		c.ReadTimeout = def.ReadTimeout
	}
	if c.WriteTimeout == "" {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.DialTimeout == "" {
		c.DialTimeout = def.DialTimeout
	}
	if c.ConnMaxIdleTime <= 0 {
		c.ConnMaxIdleTime = def.ConnMaxIdleTime
	}
	if c.ConnMaxLifeTime <= 0 {
		c.ConnMaxLifeTime = def.ConnMaxLifeTime
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = def.MaxIdleConns
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = def.MaxOpenConns
	}
	return nil
}
