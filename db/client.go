package db

import (
	"context"
	"fmt"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var tracer = otel.Tracer("github.com/alwitt/sigchain/db")

/*
GetSqliteDialector define Sqlite GORM dialector

Foreign keys are enforced, so a chain record can only reference a known chain and a known
signing key version. Writers of different chains share the file, so a connection waits on a
locked database instead of failing.

	@param dbFile string - Sqlite DB file
	@return GORM sqlite dialector
*/
func GetSqliteDialector(dbFile string) gorm.Dialector {
	return sqlite.Open(fmt.Sprintf("%s?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL", dbFile))
}

// Client owns the SQL connection pool, and hands out `Database` handles bound to either the
// pool or a single transaction
type Client interface {
	/*
		MigrateSchema create or update every table

			@param ctx context.Context - execution context
	*/
	MigrateSchema(ctx context.Context) error

	/*
		RunSQLInTransaction execute raw GORM calls within a transaction

			@param ctx context.Context - execution context
			@param coreLogic func(ctx context.Context, tx *gorm.DB) error - the callback to execute
	*/
	RunSQLInTransaction(
		ctx context.Context, coreLogic func(ctx context.Context, tx *gorm.DB) error,
	) error

	/*
		UseDatabase run coreLogic with a `Database` handle outside of any transaction

			@param ctx context.Context - execution context
			@param coreLogic func(ctx context.Context, dbClient Database) error - the callback to execute
	*/
	UseDatabase(
		ctx context.Context, coreLogic func(ctx context.Context, dbClient Database) error,
	) error

	/*
		UseDatabaseInTransaction run coreLogic with a `Database` handle bound to one transaction.
		The transaction is rolled back if coreLogic fails.

			@param ctx context.Context - execution context
			@param coreLogic func(ctx context.Context, dbClient Database) error - the callback to execute
	*/
	UseDatabaseInTransaction(
		ctx context.Context, coreLogic func(ctx context.Context, dbClient Database) error,
	) error

	// Close release the underlying connection pool
	Close() error
}

// sqlClient implements Client
type sqlClient struct {
	goutils.Component
	pool *gorm.DB
}

/*
NewConnection open a SQL connection pool

	@param dbDialector gorm.Dialector - GORM dialector
	@param dbLogLevel logger.LogLevel - SQL log level
	@return new client
*/
func NewConnection(dbDialector gorm.Dialector, dbLogLevel logger.LogLevel) (Client, error) {
	logTags := log.Fields{"package": "sigchain", "module": "db", "component": "sql-client"}

	pool, err := gorm.Open(dbDialector, &gorm.Config{
		Logger: logger.Default.LogMode(dbLogLevel),
		// Multi-row writes go through UseDatabaseInTransaction
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open '%s' connection [%w]", dbDialector.Name(), err)
	}

	log.WithFields(logTags).WithField("dialect", dbDialector.Name()).Debug("Connected to DB")

	return &sqlClient{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		pool: pool,
	}, nil
}

func (c *sqlClient) MigrateSchema(ctx context.Context) error {
	if err := c.pool.WithContext(ctx).AutoMigrate(Tables()...); err != nil {
		return fmt.Errorf("schema migration failed [%w]", err)
	}
	return nil
}

func (c *sqlClient) RunSQLInTransaction(
	ctx context.Context, coreLogic func(ctx context.Context, tx *gorm.DB) error,
) error {
	ctx, span := tracer.Start(ctx, "sigchain.db.transaction")
	defer span.End()

	err := c.pool.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return coreLogic(ctx, tx)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transaction rolled back")
	}
	return err
}

// withDatabase wrap a GORM handle as a `Database` and run coreLogic with it
func withDatabase(
	ctx context.Context,
	handle *gorm.DB,
	coreLogic func(ctx context.Context, dbClient Database) error,
) error {
	dbClient, err := newDatabase(ctx, handle)
	if err != nil {
		return fmt.Errorf("failed to define `Database` instance: [%w]", err)
	}
	return coreLogic(ctx, dbClient)
}

func (c *sqlClient) UseDatabase(
	ctx context.Context, coreLogic func(ctx context.Context, dbClient Database) error,
) error {
	return withDatabase(ctx, c.pool.WithContext(ctx), coreLogic)
}

func (c *sqlClient) UseDatabaseInTransaction(
	ctx context.Context, coreLogic func(ctx context.Context, dbClient Database) error,
) error {
	return c.RunSQLInTransaction(ctx, func(ctx context.Context, tx *gorm.DB) error {
		return withDatabase(ctx, tx, coreLogic)
	})
}

func (c *sqlClient) Close() error {
	sqlDB, err := c.pool.DB()
	if err != nil {
		return fmt.Errorf("failed to access SQL connection pool [%w]", err)
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("failed to close SQL connection pool [%w]", err)
	}
	log.WithFields(c.LogTags).Debug("Closed DB connection pool")
	return nil
}

/*
ActiveSessionWrapper run coreLogic inside the caller's transaction when one is given,
otherwise inside a new transaction. Components take an optional `Database` so a caller can
group several operations, e.g. appending to two chains, into one commit.

	@param ctx context.Context - execution context
	@param activeDBClient Database - existing database transaction, or nil
	@param persistence Client - persistence client
	@param coreLogic func(ctx context.Context, dbClient Database) error - the callback to execute
*/
func ActiveSessionWrapper(
	ctx context.Context,
	activeDBClient Database,
	persistence Client,
	coreLogic func(ctx context.Context, dbClient Database) error,
) error {
	if activeDBClient != nil {
		return coreLogic(ctx, activeDBClient)
	}
	return persistence.UseDatabaseInTransaction(ctx, coreLogic)
}
