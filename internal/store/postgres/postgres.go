// Package postgres implements the store.Store interface backed by PostgreSQL.
//
// TTLs are expires_at columns: every read filters on expires_at > now(), so
// an expired row is absent even before ReapExpired deletes it.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/davehorton/drachtio-simple-server/internal/idgen"
	"github.com/davehorton/drachtio-simple-server/internal/model"
	"github.com/davehorton/drachtio-simple-server/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements store.Store backed by a PostgreSQL database.
type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements store.Store.
var _ store.Store = (*PostgresStore)(nil)

// New opens a connection to the PostgreSQL database at the given URL,
// configures the connection pool, and runs any pending migrations.
func New(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	dbDriver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}

	return nil
}

// Close closes the underlying database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// inTransaction runs fn in a transaction, committing on success and
// rolling back on error.
func (s *PostgresStore) inTransaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ---- Event state ----

func (s *PostgresStore) PutEventState(ctx context.Context, resource, eventType string, ttl time.Duration, contentType string, content []byte) (*model.EventState, error) {
	var st *model.EventState
	err := s.inTransaction(ctx, func(tx *sql.Tx) error {
		var err error
		st, err = queryPutEventState(ctx, tx, resource, eventType, ttl, contentType, content)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("put event state: %w", err)
	}
	return st, nil
}

func (s *PostgresStore) GetEventState(ctx context.Context, resource, eventType string) (*model.EventState, error) {
	return queryGetEventState(ctx, s.db, resource, eventType)
}

func (s *PostgresStore) GetEventStateByETag(ctx context.Context, etag string) (*model.EventState, error) {
	n, err := store.ParseETag(etag)
	if err != nil {
		return nil, err
	}
	return queryGetEventStateByETag(ctx, s.db, n)
}

func (s *PostgresStore) RefreshEventState(ctx context.Context, state *model.EventState, ttl time.Duration) (string, error) {
	return s.rotate(ctx, state, ttl, nil)
}

func (s *PostgresStore) ModifyEventState(ctx context.Context, state *model.EventState, ttl time.Duration, contentType string, content []byte) (string, error) {
	return s.rotate(ctx, state, ttl, &stateContent{contentType: contentType, content: content})
}

func (s *PostgresStore) rotate(ctx context.Context, state *model.EventState, ttl time.Duration, c *stateContent) (string, error) {
	old, err := store.ParseETag(state.ETag)
	if err != nil {
		return "", store.ErrNotFound
	}
	var next int64
	err = s.inTransaction(ctx, func(tx *sql.Tx) error {
		var err error
		next, err = queryRotateEventState(ctx, tx, state.Resource, state.EventType, old, ttl, c)
		return err
	})
	if err != nil {
		return "", err
	}
	return store.FormatETag(next), nil
}

func (s *PostgresStore) RemoveEventState(ctx context.Context, etag string) (string, error) {
	n, err := store.ParseETag(etag)
	if err != nil {
		return "", err
	}
	var resource string
	err = s.inTransaction(ctx, func(tx *sql.Tx) error {
		var err error
		resource, err = queryRemoveEventState(ctx, tx, n)
		return err
	})
	return resource, err
}

func (s *PostgresStore) ListEventStates(ctx context.Context) ([]*model.EventState, error) {
	return queryListEventStates(ctx, s.db)
}

func (s *PostgresStore) ReapExpired(ctx context.Context) (int, error) {
	var n int
	err := s.inTransaction(ctx, func(tx *sql.Tx) error {
		var err error
		n, err = queryReapExpired(ctx, tx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("reap expired: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) CountETags(ctx context.Context) (int, error) {
	return queryCount(ctx, s.db, `SELECT count(*) FROM event_state_etags`)
}

// ---- Subscriptions ----

func (s *PostgresStore) AddSubscription(ctx context.Context, sub *model.Subscription, ttl time.Duration) (*model.Subscription, error) {
	rec := *sub
	if rec.Key == "" {
		key, err := idgen.SubscriptionKey()
		if err != nil {
			return nil, fmt.Errorf("add subscription: %w", err)
		}
		rec.Key = key
	}
	if err := queryUpsertSubscription(ctx, s.db, &rec, ttl); err != nil {
		return nil, fmt.Errorf("add subscription: %w", err)
	}
	return &rec, nil
}

func (s *PostgresStore) RefreshSubscription(ctx context.Context, sub *model.Subscription, ttl time.Duration) (*model.Subscription, error) {
	rec := *sub
	err := s.inTransaction(ctx, func(tx *sql.Tx) error {
		key, err := queryDeleteSubscription(ctx, tx, &rec)
		if err != nil {
			return err
		}
		if key == "" && rec.Key == "" {
			return store.ErrNotFound
		}
		if rec.Key == "" {
			rec.Key = key
		}
		return queryUpsertSubscription(ctx, tx, &rec, ttl)
	})
	if err != nil {
		return nil, fmt.Errorf("refresh subscription: %w", err)
	}
	return &rec, nil
}

func (s *PostgresStore) RemoveSubscription(ctx context.Context, sub *model.Subscription) error {
	if _, err := queryDeleteSubscription(ctx, s.db, sub); err != nil {
		return fmt.Errorf("remove subscription: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindSubscriptions(ctx context.Context, resource, eventType string) ([]*model.Subscription, error) {
	return queryFindSubscriptions(ctx, s.db, resource, eventType)
}

func (s *PostgresStore) FindSubscriptionByID(ctx context.Context, subscriber, resource, eventType, id string) (*model.Subscription, error) {
	return queryFindSubscription(ctx, s.db, "sub_id", subscriber, resource, eventType, id)
}

func (s *PostgresStore) FindSubscriptionByDialog(ctx context.Context, subscriber, resource, eventType, dialogID string) (*model.Subscription, error) {
	return queryFindSubscription(ctx, s.db, "dialog_id", subscriber, resource, eventType, dialogID)
}

func (s *PostgresStore) CountSubscriptions(ctx context.Context) (int, error) {
	return queryCount(ctx, s.db, `SELECT count(*) FROM subscriptions WHERE expires_at > now()`)
}
