// Package postgresql provides the PostgreSQL persistence implementation for
// assets, executions and destinations.
package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/lib/pq"

	"github.com/postflow/postflow/pkg/persistence"
	"github.com/postflow/postflow/pkg/persistence/sqlbase"
)

// querier is satisfied by both *sql.DB and *sql.Tx so repositories can run
// inside or outside an explicit transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Persistence implements the persistence layer for PostgreSQL.
type Persistence struct {
	db     *sql.DB
	logger *slog.Logger

	assets       *AssetRepository
	executions   *ExecutionRepository
	destinations *DestinationRepository
}

// NewPersistence connects, runs migrations and returns a ready persistence layer.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Persistence{
		db:           database,
		logger:       logger,
		assets:       NewAssetRepository(database, logger),
		executions:   NewExecutionRepository(database, logger),
		destinations: NewDestinationRepository(database, logger),
	}, nil
}

func (p *Persistence) Assets() persistence.AssetRepository { return p.assets }

func (p *Persistence) Executions() persistence.ExecutionRepository { return p.executions }

func (p *Persistence) Destinations() persistence.DestinationRepository { return p.destinations }

// InTransaction runs fn against repositories bound to a single *sql.Tx. Any
// error rolls back every write made inside fn.
func (p *Persistence) InTransaction(ctx context.Context, fn func(tx persistence.Persistence) error) error {
	transaction, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	txPersistence := &txView{
		assets:       NewAssetRepository(transaction, p.logger),
		executions:   NewExecutionRepository(transaction, p.logger),
		destinations: NewDestinationRepository(transaction, p.logger),
	}

	err = fn(txPersistence)
	if err != nil {
		_ = transaction.Rollback()

		return err
	}

	err = transaction.Commit()
	if err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (p *Persistence) Close(ctx context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// txView exposes transaction-bound repositories through the persistence
// interface. Nested transactions are not supported.
type txView struct {
	assets       *AssetRepository
	executions   *ExecutionRepository
	destinations *DestinationRepository
}

func (t *txView) Assets() persistence.AssetRepository             { return t.assets }
func (t *txView) Executions() persistence.ExecutionRepository     { return t.executions }
func (t *txView) Destinations() persistence.DestinationRepository { return t.destinations }

func (t *txView) InTransaction(ctx context.Context, fn func(tx persistence.Persistence) error) error {
	return fn(t)
}

func (t *txView) HealthCheck(ctx context.Context) error { return nil }

func (t *txView) Close(ctx context.Context) error { return nil }
