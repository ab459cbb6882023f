package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spagchat/internal/logger"
	"github.com/spagchat/internal/model"
)

const userCols = `id, username, avatar_url`

type UserRepository struct {
	pool *pgxpool.Pool
}

func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

// scanUser сканирует строку в model.User (порядок соответствует userCols).
func scanUser(s scanner, u *model.User) error {
	return s.Scan(&u.ID, &u.Username, &u.AvatarURL)
}

func (r *UserRepository) GetUser(ctx context.Context, id string) (*model.User, error) {
	defer logger.DeferLogDuration("user.GetUser", time.Now())()
	u := &model.User{}
	if err := scanUser(r.pool.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE id = $1`, id), u); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("userRepo.GetUser: %w", err)
	}
	return u, nil
}

func (r *UserRepository) GetUsers(ctx context.Context, ids []string) ([]model.User, error) {
	defer logger.DeferLogDuration("user.GetUsers", time.Now())()
	if len(ids) == 0 {
		return []model.User{}, nil
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+userCols+` FROM users WHERE id = ANY($1::uuid[]) ORDER BY username`, ids)
	if err != nil {
		return nil, fmt.Errorf("userRepo.GetUsers query: %w", err)
	}
	return collectUsers(rows, "userRepo.GetUsers")
}

func (r *UserRepository) ListUsers(ctx context.Context, limit int) ([]model.User, error) {
	defer logger.DeferLogDuration("user.ListUsers", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+userCols+` FROM users ORDER BY username, id LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("userRepo.ListUsers query: %w", err)
	}
	return collectUsers(rows, "userRepo.ListUsers")
}

func (r *UserRepository) ListUsersWithoutPrivateRoom(ctx context.Context, userID string) ([]model.User, error) {
	defer logger.DeferLogDuration("user.ListUsersWithoutPrivateRoom", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+userCols+` FROM users u
		 WHERE u.id <> $1
		   AND NOT EXISTS (
			SELECT 1 FROM rooms r
			JOIN room_members a ON a.room_id = r.id AND a.user_id = $1
			JOIN room_members b ON b.room_id = r.id AND b.user_id = u.id
			WHERE NOT r.is_group
		   )
		 ORDER BY u.username`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("userRepo.ListUsersWithoutPrivateRoom query: %w", err)
	}
	return collectUsers(rows, "userRepo.ListUsersWithoutPrivateRoom")
}

func (r *UserRepository) EnsureUser(ctx context.Context, u *model.User) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO users (id, username, avatar_url) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET username = EXCLUDED.username, avatar_url = EXCLUDED.avatar_url
		 WHERE users.username <> EXCLUDED.username OR users.avatar_url <> EXCLUDED.avatar_url`,
		u.ID, u.Username, u.AvatarURL,
	)
	if err != nil {
		return fmt.Errorf("userRepo.EnsureUser: %w", err)
	}
	return nil
}

func collectUsers(rows pgx.Rows, op string) ([]model.User, error) {
	defer rows.Close()
	users := make([]model.User, 0, 16)
	for rows.Next() {
		var u model.User
		if err := scanUser(rows, &u); err != nil {
			return nil, fmt.Errorf("%s scan: %w", op, err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s rows: %w", op, err)
	}
	return users, nil
}
