package store

import (
	"context"
	"errors"

	"lnescrow/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNotFound = errors.New("record not found")

type Store struct {
	Pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{Pool: pool}
}

func (s *Store) UpsertUser(ctx context.Context, user *models.User) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO users (user_id, username)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET username=EXCLUDED.username, updated_at=now()
	`, user.ID, user.Username)
	return err
}

func (s *Store) GetUser(ctx context.Context, userID string) (*models.User, error) {
	return s.scanUser(s.Pool.QueryRow(ctx, `
		SELECT user_id, username, disputes, banned, created_at, updated_at
		FROM users WHERE user_id=$1
	`, userID))
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	return s.scanUser(s.Pool.QueryRow(ctx, `
		SELECT user_id, username, disputes, banned, created_at, updated_at
		FROM users WHERE username=$1
	`, username))
}

// SetUserReputation persists a dispute-counter update. The counter never
// decreases and the ban flag never clears, regardless of the caller's input.
func (s *Store) SetUserReputation(ctx context.Context, userID string, disputes int, banned bool) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE users
		SET disputes=GREATEST(disputes, $2), banned=(banned OR $3), updated_at=now()
		WHERE user_id=$1
	`, userID, disputes, banned)
	return err
}

func (s *Store) BanUser(ctx context.Context, userID string) error {
	_, err := s.Pool.Exec(ctx, `UPDATE users SET banned=TRUE, updated_at=now() WHERE user_id=$1`, userID)
	return err
}

func (s *Store) scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Username, &u.Disputes, &u.Banned, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}
