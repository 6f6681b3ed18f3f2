package orm

import (
	"context"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/hanfei1991/dagsched/model"
	derrors "github.com/hanfei1991/dagsched/pkg/errors"
)

// Client is the scheduler store. Reads and single-row updates go straight
// to the database, multi-row mutations run in Transaction.
type Client struct {
	metaOps
}

// NewClient creates a store on db.
func NewClient(db *gorm.DB) *Client {
	return &Client{metaOps: metaOps{db: db}}
}

// Initialize creates the tables.
func (c *Client) Initialize(ctx context.Context) error {
	err := c.db.WithContext(ctx).AutoMigrate(
		&model.Job{},
		&model.Depend{},
		&model.Group{},
		&model.Instance{},
		&model.Task{},
		&model.Workflow{},
		&IDBlock{},
	)
	if err != nil {
		return derrors.ErrMetaOpFail.Wrap(err).GenWithStackByArgs()
	}
	return nil
}

// Close closes the underlying connection pool.
func (c *Client) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(sqlDB.Close())
}

// DB exposes the gorm handle.
func (c *Client) DB() *gorm.DB {
	return c.db
}

// Tx is a running transaction.
type Tx struct {
	metaOps
	afterCommit []func()
}

// AfterCommit registers fn to run once the transaction committed. A
// rollback drops every registered fn.
func (tx *Tx) AfterCommit(fn func()) {
	tx.afterCommit = append(tx.afterCommit, fn)
}

// Nested runs fn in a savepoint of tx. A failing fn rolls back only its own
// writes, its after commit hooks are kept only on success.
func (tx *Tx) Nested(ctx context.Context, fn func(tx *Tx) error) error {
	var hooks []func()
	err := tx.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		nested := &Tx{metaOps: metaOps{db: db}}
		if err := fn(nested); err != nil {
			return err
		}
		hooks = nested.afterCommit
		return nil
	})
	if err != nil {
		return err
	}
	tx.afterCommit = append(tx.afterCommit, hooks...)
	return nil
}

// Transaction runs fn in one database transaction. The transaction rolls
// back when fn returns an error.
func (c *Client) Transaction(ctx context.Context, fn func(tx *Tx) error) error {
	var hooks []func()
	err := c.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		tx := &Tx{metaOps: metaOps{db: db}}
		if err := fn(tx); err != nil {
			return err
		}
		hooks = tx.afterCommit
		return nil
	})
	if err != nil {
		return err
	}
	for _, hook := range hooks {
		runHook(hook)
	}
	return nil
}

func runHook(hook func()) {
	defer func() {
		if r := recover(); r != nil {
			log.L().Error("after commit hook panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	hook()
}

// IsNotFoundError returns whether err reports a missing row.
func IsNotFoundError(err error) bool {
	return derrors.Is(err, derrors.ErrMetaEntryNotFound) ||
		derrors.Is(err, derrors.ErrJobNotFound) ||
		derrors.Is(err, derrors.ErrInstanceNotFound) ||
		derrors.Is(err, derrors.ErrTaskNotFound)
}
