package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spagchat/internal/logger"
	"github.com/spagchat/internal/model"
)

const roomCols = `id, name, is_group, version, created_at`

type RoomRepository struct {
	pool *pgxpool.Pool
}

func NewRoomRepository(pool *pgxpool.Pool) *RoomRepository {
	return &RoomRepository{pool: pool}
}

func scanRoom(s scanner, rm *model.Room) error {
	return s.Scan(&rm.ID, &rm.Name, &rm.IsGroup, &rm.Version, &rm.CreatedAt)
}

// CreateRoom вставляет комнату и участников одной транзакцией.
// Для личной комнаты пишется private_key; повтор пары даёт ErrDuplicate.
func (r *RoomRepository) CreateRoom(ctx context.Context, room *model.Room, memberIDs []string) error {
	defer logger.DeferLogDuration("room.CreateRoom", time.Now())()
	var privateKey *string
	if !room.IsGroup {
		if len(memberIDs) != 2 {
			return fmt.Errorf("roomRepo.CreateRoom: private room needs 2 members, got %d", len(memberIDs))
		}
		k := PrivateKey(memberIDs[0], memberIDs[1])
		privateKey = &k
	}
	room.Version = 1
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO rooms (id, name, is_group, version, private_key, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			room.ID, room.Name, room.IsGroup, room.Version, privateKey, room.CreatedAt,
		); err != nil {
			return err
		}
		for _, userID := range memberIDs {
			if _, err := tx.Exec(ctx,
				`INSERT INTO room_members (id, room_id, user_id, version, joined_at)
				 VALUES ($1, $2, $3, 1, $4)`,
				uuid.New().String(), room.ID, userID, room.CreatedAt,
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		switch pgCode(err) {
		case pgUniqueViolation:
			return fmt.Errorf("roomRepo.CreateRoom: %w", ErrDuplicate)
		case pgForeignKeyViolation:
			return fmt.Errorf("roomRepo.CreateRoom: member: %w", ErrNotFound)
		}
		return fmt.Errorf("roomRepo.CreateRoom: %w", err)
	}
	return nil
}

func (r *RoomRepository) GetRoom(ctx context.Context, id string) (*model.Room, error) {
	defer logger.DeferLogDuration("room.GetRoom", time.Now())()
	rm := &model.Room{}
	if err := scanRoom(r.pool.QueryRow(ctx, `SELECT `+roomCols+` FROM rooms WHERE id = $1`, id), rm); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("roomRepo.GetRoom: %w", err)
	}
	return rm, nil
}

// GetRoomByName возвращает самую раннюю групповую комнату с таким именем.
func (r *RoomRepository) GetRoomByName(ctx context.Context, name string) (*model.Room, error) {
	defer logger.DeferLogDuration("room.GetRoomByName", time.Now())()
	rm := &model.Room{}
	row := r.pool.QueryRow(ctx,
		`SELECT `+roomCols+` FROM rooms WHERE is_group AND name = $1 ORDER BY created_at, id LIMIT 1`, name)
	if err := scanRoom(row, rm); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("roomRepo.GetRoomByName: %w", err)
	}
	return rm, nil
}

func (r *RoomRepository) FindPrivateRoom(ctx context.Context, userA, userB string) (*model.Room, error) {
	defer logger.DeferLogDuration("room.FindPrivateRoom", time.Now())()
	rm := &model.Room{}
	row := r.pool.QueryRow(ctx,
		`SELECT `+roomCols+` FROM rooms WHERE NOT is_group AND private_key = $1`, PrivateKey(userA, userB))
	if err := scanRoom(row, rm); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("roomRepo.FindPrivateRoom: %w", err)
	}
	return rm, nil
}

func (r *RoomRepository) RoomExists(ctx context.Context, id string) (bool, error) {
	defer logger.DeferLogDuration("room.RoomExists", time.Now())()
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM rooms WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("roomRepo.RoomExists: %w", err)
	}
	return exists, nil
}

func (r *RoomRepository) ListRoomsForUser(ctx context.Context, userID string) ([]model.RoomPreview, error) {
	defer logger.DeferLogDuration("room.ListRoomsForUser", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT r.id, r.name, r.is_group, r.version, r.created_at, lm.content, lm.created_at
		 FROM rooms r
		 JOIN room_members rm ON rm.room_id = r.id AND rm.user_id = $1
		 LEFT JOIN LATERAL (
			SELECT m.content, m.created_at FROM messages m
			WHERE m.room_id = r.id AND NOT m.is_deleted
			ORDER BY m.created_at DESC
			LIMIT 1
		 ) lm ON true
		 ORDER BY lm.created_at DESC NULLS LAST, r.created_at DESC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("roomRepo.ListRoomsForUser query: %w", err)
	}
	defer rows.Close()

	previews := make([]model.RoomPreview, 0, 16)
	index := make(map[string]int)
	ids := make([]string, 0, 16)
	for rows.Next() {
		var p model.RoomPreview
		var content *string
		if err := rows.Scan(&p.ID, &p.Name, &p.IsGroup, &p.Version, &p.CreatedAt, &content, &p.LastMessageTimestamp); err != nil {
			return nil, fmt.Errorf("roomRepo.ListRoomsForUser scan: %w", err)
		}
		if content != nil {
			p.LastMessageContent = *content
		}
		p.Members = []model.UserPublic{}
		index[p.ID] = len(previews)
		ids = append(ids, p.ID)
		previews = append(previews, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("roomRepo.ListRoomsForUser rows: %w", err)
	}
	if len(ids) == 0 {
		return previews, nil
	}

	mrows, err := r.pool.Query(ctx,
		`SELECT rm.room_id, u.id, u.username, u.avatar_url
		 FROM room_members rm
		 JOIN users u ON u.id = rm.user_id
		 WHERE rm.room_id = ANY($1::uuid[])
		 ORDER BY rm.joined_at, u.username`, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("roomRepo.ListRoomsForUser members: %w", err)
	}
	defer mrows.Close()
	for mrows.Next() {
		var roomID string
		var u model.UserPublic
		if err := mrows.Scan(&roomID, &u.ID, &u.Username, &u.AvatarURL); err != nil {
			return nil, fmt.Errorf("roomRepo.ListRoomsForUser members scan: %w", err)
		}
		if i, ok := index[roomID]; ok {
			previews[i].Members = append(previews[i].Members, u)
		}
	}
	if err := mrows.Err(); err != nil {
		return nil, fmt.Errorf("roomRepo.ListRoomsForUser members rows: %w", err)
	}
	return previews, nil
}

func (r *RoomRepository) ListRoomIDsForUser(ctx context.Context, userID string) ([]string, error) {
	defer logger.DeferLogDuration("room.ListRoomIDsForUser", time.Now())()
	rows, err := r.pool.Query(ctx, `SELECT room_id FROM room_members WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("roomRepo.ListRoomIDsForUser query: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("roomRepo.ListRoomIDsForUser: %w", err)
	}
	return ids, nil
}

// ListRoomsUserIsNotIn — групповые комнаты, в которых пользователь не состоит.
func (r *RoomRepository) ListRoomsUserIsNotIn(ctx context.Context, userID string) ([]model.Room, error) {
	defer logger.DeferLogDuration("room.ListRoomsUserIsNotIn", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+roomCols+` FROM rooms r
		 WHERE r.is_group
		   AND NOT EXISTS (SELECT 1 FROM room_members rm WHERE rm.room_id = r.id AND rm.user_id = $1)
		 ORDER BY r.name, r.created_at`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("roomRepo.ListRoomsUserIsNotIn query: %w", err)
	}
	defer rows.Close()
	rooms := make([]model.Room, 0, 16)
	for rows.Next() {
		var rm model.Room
		if err := scanRoom(rows, &rm); err != nil {
			return nil, fmt.Errorf("roomRepo.ListRoomsUserIsNotIn scan: %w", err)
		}
		rooms = append(rooms, rm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("roomRepo.ListRoomsUserIsNotIn rows: %w", err)
	}
	return rooms, nil
}

func (r *RoomRepository) UpdateRoomName(ctx context.Context, id, name string, expectedVersion int64) (*model.Room, error) {
	defer logger.DeferLogDuration("room.UpdateRoomName", time.Now())()
	rm := &model.Room{}
	row := r.pool.QueryRow(ctx,
		`UPDATE rooms SET name = $2, version = version + 1
		 WHERE id = $1 AND version = $3
		 RETURNING `+roomCols, id, name, expectedVersion)
	err := scanRoom(row, rm)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, r.missOrConflict(ctx, r.pool, id)
	}
	if err != nil {
		return nil, fmt.Errorf("roomRepo.UpdateRoomName: %w", err)
	}
	return rm, nil
}

// DeleteRoom удаляет комнату; участники, сообщения и отметки о прочтении удаляются каскадом.
func (r *RoomRepository) DeleteRoom(ctx context.Context, id string) error {
	defer logger.DeferLogDuration("room.DeleteRoom", time.Now())()
	tag, err := r.pool.Exec(ctx, `DELETE FROM rooms WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("roomRepo.DeleteRoom: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *RoomRepository) ListMembers(ctx context.Context, roomID string) ([]model.UserPublic, error) {
	defer logger.DeferLogDuration("room.ListMembers", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT u.id, u.username, u.avatar_url
		 FROM room_members rm
		 JOIN users u ON u.id = rm.user_id
		 WHERE rm.room_id = $1
		 ORDER BY rm.joined_at, u.username`, roomID,
	)
	if err != nil {
		return nil, fmt.Errorf("roomRepo.ListMembers query: %w", err)
	}
	defer rows.Close()

	users := make([]model.UserPublic, 0, 8)
	for rows.Next() {
		var u model.UserPublic
		if err := rows.Scan(&u.ID, &u.Username, &u.AvatarURL); err != nil {
			return nil, fmt.Errorf("roomRepo.ListMembers scan: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("roomRepo.ListMembers rows: %w", err)
	}
	return users, nil
}

func (r *RoomRepository) ListMemberIDs(ctx context.Context, roomID string) ([]string, error) {
	defer logger.DeferLogDuration("room.ListMemberIDs", time.Now())()
	rows, err := r.pool.Query(ctx, `SELECT user_id FROM room_members WHERE room_id = $1`, roomID)
	if err != nil {
		return nil, fmt.Errorf("roomRepo.ListMemberIDs query: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("roomRepo.ListMemberIDs: %w", err)
	}
	return ids, nil
}

func (r *RoomRepository) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	defer logger.DeferLogDuration("room.IsMember", time.Now())()
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM room_members WHERE room_id = $1 AND user_id = $2)`,
		roomID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("roomRepo.IsMember: %w", err)
	}
	return exists, nil
}

// AddMembers повышает версию комнаты и добавляет участников в одной транзакции.
func (r *RoomRepository) AddMembers(ctx context.Context, roomID string, userIDs []string, expectedVersion int64) (*model.Room, error) {
	defer logger.DeferLogDuration("room.AddMembers", time.Now())()
	var updated *model.Room
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		rm, err := r.bumpVersion(ctx, tx, roomID, expectedVersion)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		for _, userID := range userIDs {
			if _, err := tx.Exec(ctx,
				`INSERT INTO room_members (id, room_id, user_id, version, joined_at)
				 VALUES ($1, $2, $3, 1, $4)`,
				uuid.New().String(), roomID, userID, now,
			); err != nil {
				return err
			}
		}
		updated = rm
		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound), errors.Is(err, ErrConflict):
			return nil, err
		case pgCode(err) == pgUniqueViolation:
			return nil, fmt.Errorf("roomRepo.AddMembers: %w", ErrAlreadyMember)
		case pgCode(err) == pgForeignKeyViolation:
			return nil, fmt.Errorf("roomRepo.AddMembers: user: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("roomRepo.AddMembers: %w", err)
	}
	return updated, nil
}

func (r *RoomRepository) RemoveMember(ctx context.Context, roomID, userID string, expectedVersion int64) (*model.Room, error) {
	defer logger.DeferLogDuration("room.RemoveMember", time.Now())()
	var updated *model.Room
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		rm, err := r.bumpVersion(ctx, tx, roomID, expectedVersion)
		if err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `DELETE FROM room_members WHERE room_id = $1 AND user_id = $2`, roomID, userID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		updated = rm
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("roomRepo.RemoveMember: %w", err)
	}
	return updated, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (r *RoomRepository) bumpVersion(ctx context.Context, q querier, roomID string, expectedVersion int64) (*model.Room, error) {
	rm := &model.Room{}
	row := q.QueryRow(ctx,
		`UPDATE rooms SET version = version + 1 WHERE id = $1 AND version = $2 RETURNING `+roomCols,
		roomID, expectedVersion)
	err := scanRoom(row, rm)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, r.missOrConflict(ctx, q, roomID)
	}
	if err != nil {
		return nil, err
	}
	return rm, nil
}

// missOrConflict различает отсутствующую комнату и устаревшую версию после неудачного UPDATE.
func (r *RoomRepository) missOrConflict(ctx context.Context, q querier, roomID string) error {
	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM rooms WHERE id = $1)`, roomID).Scan(&exists); err != nil {
		return fmt.Errorf("roomRepo.missOrConflict: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}
