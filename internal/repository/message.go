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

// messageCols — колонки сообщения, автора и списка прочитавших (порядок соответствует scanMessage).
const messageCols = `m.id, m.room_id, m.sender_id, m.content, m.created_at, m.is_edited, m.is_deleted,
	u.id, u.username, u.avatar_url,
	ARRAY(SELECT rr.user_id::text FROM read_receipts rr WHERE rr.message_id = m.id ORDER BY rr.read_at, rr.user_id)`

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

func scanMessage(s scanner, m *model.Message) error {
	sender := &model.UserPublic{}
	if err := s.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.Content, &m.Timestamp, &m.IsEdited, &m.IsDeleted,
		&sender.ID, &sender.Username, &sender.AvatarURL, &m.ReadBy); err != nil {
		return err
	}
	m.Sender = sender
	if m.ReadBy == nil {
		m.ReadBy = []string{}
	}
	return nil
}

func (r *MessageRepository) CreateMessage(ctx context.Context, m *model.Message) error {
	defer logger.DeferLogDuration("msg.CreateMessage", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO messages (id, room_id, sender_id, content, is_edited, is_deleted, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, m.RoomID, m.SenderID, m.Content, m.IsEdited, m.IsDeleted, m.Timestamp,
	)
	if err != nil {
		if pgCode(err) == pgForeignKeyViolation {
			return fmt.Errorf("msgRepo.CreateMessage: %w", ErrNotFound)
		}
		return fmt.Errorf("msgRepo.CreateMessage: %w", err)
	}
	return nil
}

func (r *MessageRepository) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.GetMessage", time.Now())()
	m := &model.Message{}
	row := r.pool.QueryRow(ctx,
		`SELECT `+messageCols+`
		 FROM messages m
		 JOIN users u ON u.id = m.sender_id
		 WHERE m.id = $1`, id)
	if err := scanMessage(row, m); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("msgRepo.GetMessage: %w", err)
	}
	return m, nil
}

func (r *MessageRepository) ListMessages(ctx context.Context, roomID string) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.ListMessages", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+messageCols+`
		 FROM messages m
		 JOIN users u ON u.id = m.sender_id
		 WHERE m.room_id = $1 AND NOT m.is_deleted
		 ORDER BY m.created_at, m.id`, roomID,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.ListMessages query: %w", err)
	}
	defer rows.Close()

	messages := make([]model.Message, 0, 32)
	for rows.Next() {
		var m model.Message
		if err := scanMessage(rows, &m); err != nil {
			return nil, fmt.Errorf("msgRepo.ListMessages scan: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.ListMessages rows: %w", err)
	}
	return messages, nil
}

// EditMessage заменяет текст и выставляет is_edited.
func (r *MessageRepository) EditMessage(ctx context.Context, id, content string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.EditMessage", time.Now())()
	tag, err := r.pool.Exec(ctx, `UPDATE messages SET content = $2, is_edited = true WHERE id = $1`, id, content)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.EditMessage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrNotFound
	}
	return r.GetMessage(ctx, id)
}

// SoftDeleteMessage скрывает сообщение из обычного чтения; текст сохраняется. Повтор не ошибка.
func (r *MessageRepository) SoftDeleteMessage(ctx context.Context, id string) error {
	defer logger.DeferLogDuration("msg.SoftDeleteMessage", time.Now())()
	tag, err := r.pool.Exec(ctx, `UPDATE messages SET is_deleted = true WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("msgRepo.SoftDeleteMessage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *MessageRepository) AddReceipt(ctx context.Context, messageID, userID string, at time.Time) (bool, error) {
	defer logger.DeferLogDuration("msg.AddReceipt", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO read_receipts (message_id, user_id, read_at) VALUES ($1, $2, $3)
		 ON CONFLICT (message_id, user_id) DO NOTHING`,
		messageID, userID, at,
	)
	if err != nil {
		if pgCode(err) == pgForeignKeyViolation {
			return false, fmt.Errorf("msgRepo.AddReceipt: %w", ErrNotFound)
		}
		return false, fmt.Errorf("msgRepo.AddReceipt: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *MessageRepository) MarkRoomRead(ctx context.Context, roomID, userID string, at time.Time) (int, error) {
	defer logger.DeferLogDuration("msg.MarkRoomRead", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO read_receipts (message_id, user_id, read_at)
		 SELECT m.id, $2, $3 FROM messages m
		 WHERE m.room_id = $1 AND NOT m.is_deleted
		 ON CONFLICT (message_id, user_id) DO NOTHING`,
		roomID, userID, at,
	)
	if err != nil {
		if pgCode(err) == pgForeignKeyViolation {
			return 0, fmt.Errorf("msgRepo.MarkRoomRead: %w", ErrNotFound)
		}
		return 0, fmt.Errorf("msgRepo.MarkRoomRead: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// CountUnread считает видимые сообщения других участников без отметки о прочтении.
func (r *MessageRepository) CountUnread(ctx context.Context, roomID, userID string) (int, error) {
	defer logger.DeferLogDuration("msg.CountUnread", time.Now())()
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages m
		 WHERE m.room_id = $1 AND NOT m.is_deleted AND m.sender_id <> $2
		   AND NOT EXISTS (SELECT 1 FROM read_receipts rr WHERE rr.message_id = m.id AND rr.user_id = $2)`,
		roomID, userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("msgRepo.CountUnread: %w", err)
	}
	return count, nil
}
