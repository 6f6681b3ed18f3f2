package sqlutil

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"time"

	dmysql "github.com/go-sql-driver/mysql"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/hanfei1991/dagsched/pkg/errors"
)

// GenerateDSN builds the dsn of conf. withDB is false when the schema may
// not exist yet.
func GenerateDSN(conf DBConfig, withDB bool) (string, error) {
	switch conf.Driver {
	case DriverMySQL:
		dsnCfg := dmysql.NewConfig()
		if dsnCfg.Params == nil {
			dsnCfg.Params = make(map[string]string, 1)
		}
		dsnCfg.User = conf.User
		dsnCfg.Passwd = conf.Password
		dsnCfg.Net = "tcp"
		dsnCfg.Addr = conf.Addr
		if withDB {
			dsnCfg.DBName = conf.Database
		}
		dsnCfg.InterpolateParams = true
		dsnCfg.ParseTime = true
		dsnCfg.Params["readTimeout"] = conf.ReadTimeout
		dsnCfg.Params["writeTimeout"] = conf.WriteTimeout
		dsnCfg.Params["timeout"] = conf.DialTimeout
		dsnCfg.Params["loc"] = "Local"
		// dsn format: [username[:password]@][protocol[(address)]]/
		return dsnCfg.FormatDSN(), nil
	case DriverPostgres:
		host, port, err := net.SplitHostPort(conf.Addr)
		if err != nil {
			return "", errors.ErrInvalidConfig.Wrap(err).GenWithStackByArgs("postgres addr " + conf.Addr)
		}
		dbName := "postgres"
		if withDB {
			dbName = conf.Database
		}
		timeout, err := time.ParseDuration(conf.DialTimeout)
		if err != nil {
			return "", errors.ErrInvalidConfig.Wrap(err).GenWithStackByArgs("dial timeout " + conf.DialTimeout)
		}
		return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable connect_timeout=%d",
			host, port, conf.User, conf.Password, dbName, int(timeout.Seconds())), nil
	case DriverSQLite:
		return conf.Database, nil
	default:
		return "", errors.ErrInvalidConfig.GenWithStackByArgs("unknown database driver " + conf.Driver)
	}
}

// CreateDatabaseIfNotExists creates the mysql schema of conf. Other drivers
// expect the schema to exist.
func CreateDatabaseIfNotExists(ctx context.Context, conf DBConfig) error {
	if conf.Driver != DriverMySQL {
		return nil
	}
	dsn, err := GenerateDSN(conf, false)
	if err != nil {
		return err
	}
	db, err := NewSQLDB(conf.Driver, dsn, conf)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	query := fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", conf.Database)
	if _, err := db.ExecContext(ctx, query); err != nil {
		return errors.ErrMetaOpFail.Wrap(err).GenWithStackByArgs()
	}
	return nil
}

// NewSQLDB return sql.DB for specified driver and dsn
func NewSQLDB(driver string, dsn string, conf DBConfig) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		log.L().Error("open dsn fail", zap.String("driver", driver), zap.Error(err))
		return nil, errors.ErrMetaOpFail.Wrap(err).GenWithStackByArgs()
	}
	setPool(db, conf)
	return db, nil
}

func setPool(db *sql.DB, conf DBConfig) {
	db.SetConnMaxIdleTime(conf.ConnMaxIdleTime)
	db.SetConnMaxLifetime(conf.ConnMaxLifeTime)
	db.SetMaxIdleConns(conf.MaxIdleConns)
	db.SetMaxOpenConns(conf.MaxOpenConns)
}

// Dialector returns the gorm dialector of conf.
func Dialector(conf DBConfig) (gorm.Dialector, error) {
	dsn, err := GenerateDSN(conf, true)
	if err != nil {
		return nil, err
	}
	switch conf.Driver {
	case DriverMySQL:
		return mysql.Open(dsn), nil
	case DriverPostgres:
		return postgres.Open(dsn), nil
	default:
		return sqlite.Open(dsn), nil
	}
}

// NewGormDB opens the database of conf.
func NewGormDB(ctx context.Context, conf DBConfig) (*gorm.DB, error) {
	if err := CreateDatabaseIfNotExists(ctx, conf); err != nil {
		return nil, err
	}
	dialector, err := Dialector(conf)
	if err != nil {
		return nil, err
	}
	return OpenGorm(dialector, conf)
}

// OpenGorm opens a gorm db on dialector with the pool settings of conf.
func OpenGorm(dialector gorm.Dialector, conf DBConfig) (*gorm.DB, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		log.L().Error("create gorm client fail", zap.String("driver", conf.Driver), zap.Error(err))
		return nil, errors.ErrMetaNewClientFail.Wrap(err).GenWithStackByArgs()
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.ErrMetaNewClientFail.Wrap(err).GenWithStackByArgs()
	}
	setPool(sqlDB, conf)
	return db, nil
}
