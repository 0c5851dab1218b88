// Package store reads users and server memberships from PostgreSQL.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/cordis/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrUserNotFound = errors.New("user not found")

type Postgres struct {
	pool *pgxpool.Pool
}

func Open(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

const userQuery = `
SELECT id::text, username, discriminator, avatar_url, status, is_bot, created_at
FROM users
WHERE id = $1`

func (p *Postgres) User(ctx context.Context, id domain.UserID) (domain.User, error) {
	var (
		u      domain.User
		status string
	)
	err := p.pool.QueryRow(ctx, userQuery, string(id)).Scan(
		&u.ID, &u.Username, &u.Discriminator, &u.AvatarURL, &status, &u.IsBot, &u.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.User{}, fmt.Errorf("%w: %s", ErrUserNotFound, id)
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("load user %s: %w", id, err)
	}
	u.Status = domain.UserStatus(status)
	return u, nil
}

const serversQuery = `
SELECT s.id::text, s.name, s.icon_url
FROM servers s
INNER JOIN members m ON m.server_id = s.id
WHERE m.user_id = $1`

func (p *Postgres) Servers(ctx context.Context, id domain.UserID) ([]domain.ServerSummary, error) {
	rows, err := p.pool.Query(ctx, serversQuery, string(id))
	if err != nil {
		return nil, fmt.Errorf("load servers of %s: %w", id, err)
	}
	servers, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.ServerSummary, error) {
		var s domain.ServerSummary
		err := row.Scan(&s.ID, &s.Name, &s.IconURL)
		return s, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan servers of %s: %w", id, err)
	}
	return servers, nil
}
