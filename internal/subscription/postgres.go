package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore reads subscription state from the billing service's
// Postgres database. Expiry timestamps are stored as unix seconds; zero
// means no subscription was ever purchased.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the billing database and verifies the
// connection before returning.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("subscription: parse dsn: %w", err)
	}
	cfg.MaxConns = 4

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("subscription: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("subscription: ping: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() { s.pool.Close() }

// Ping verifies the billing database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("subscription: ping: %w", err)
	}
	return nil
}

// Status resolves the subscription state for a user identifier.
func (s *PostgresStore) Status(ctx context.Context, identifier string) (Status, error) {
	id, ok := ParseUserID(identifier)
	if !ok {
		// Not a user id this system issues. Report it as unknown rather
		// than failing the whole pass.
		return Status{}, nil
	}

	var expiry int64
	var active bool
	err := s.pool.QueryRow(ctx,
		`SELECT subscription, subscription_active FROM users WHERE tgid = $1`, id,
	).Scan(&expiry, &active)
	if errors.Is(err, pgx.ErrNoRows) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("subscription: status for %d: %w", id, err)
	}

	rec := Record{UserID: id, ActiveFlag: active}
	if expiry > 0 {
		rec.Expiry = time.Unix(expiry, 0)
	}
	return StatusAt(rec, time.Now()), nil
}

// EligibleUsers lists user ids assigned to the server with a current
// subscription and no ban.
func (s *PostgresStore) EligibleUsers(ctx context.Context, serverName string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT tgid FROM users
		 WHERE server = $1 AND banned = FALSE AND subscription > $2
		 ORDER BY tgid`,
		serverName, time.Now().Unix())
	if err != nil {
		return nil, fmt.Errorf("subscription: eligible users for %q: %w", serverName, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("subscription: scan user id: %w", err)
		}
		ids = append(ids, fmt.Sprintf("%d", id))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("subscription: eligible users for %q: %w", serverName, err)
	}
	return ids, nil
}
