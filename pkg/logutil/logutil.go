package logutil

import (
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Config is the log section shared by the supervisor and the worker.
type Config struct {
	Level  string `toml:"level" json:"level" yaml:"level"`
	File   string `toml:"file" json:"file" yaml:"file"`
	Format string `toml:"format" json:"format" yaml:"format"`
}

// DefaultConfig logs info and above as text to stderr.
func DefaultConfig() Config {
	return Config{Level: "info", Format: "text"}
}

// InitLogger replaces the global logger according to cfg.
func InitLogger(cfg Config) error {
	logCfg := &log.Config{
		Level:  cfg.Level,
		Format: cfg.Format,
		File:   log.FileLogConfig{Filename: cfg.File},
	}
	lg, props, err := log.InitLogger(logCfg, zap.AddStacktrace(zap.DPanicLevel))
	if err != nil {
		return errors.Trace(err)
	}
	log.ReplaceGlobals(lg, props)
	return nil
}
