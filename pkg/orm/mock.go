package orm

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite" // Sqlite driver based on CGO
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	derrors "github.com/hanfei1991/dagsched/pkg/errors"
)

// NewMockClient creates a store on a private in-memory sqlite database.
func NewMockClient() (*Client, error) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		log.L().Error("create gorm client fail", zap.Error(err))
		return nil, derrors.ErrMetaNewClientFail.Wrap(err).GenWithStackByArgs()
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, derrors.ErrMetaNewClientFail.Wrap(err).GenWithStackByArgs()
	}
	// sqlite serializes writers, a single connection avoids busy errors
	sqlDB.SetMaxOpenConns(1)

	cli := NewClient(db)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := cli.Initialize(ctx); err != nil {
		cli.Close()
		return nil, err
	}
	return cli, nil
}
