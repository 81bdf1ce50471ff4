package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Notification types
const (
	NotificationSheriffCheck  = "sheriff_check"  // to the investigated player
	NotificationSheriffResult = "sheriff_result" // to the sheriff
)

// notify stores a private notification. A repeated dedupe key is ignored.
func notify(ctx context.Context, q queryer, n Notification, now time.Time) error {
	if n.DedupeKey == "" {
		n.DedupeKey = fmt.Sprintf("%s:%d", n.Type, now.UnixNano())
	}
	_, err := q.ExecContext(ctx, `
		INSERT OR IGNORE INTO notification (player_id, game_id, type, message, dedupe_key, is_read, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)`,
		n.PlayerID, n.GameID, n.Type, n.Message, n.DedupeKey, toMillis(now))
	return persistErr("insert notification", err)
}

// ListUnread returns the player's unread notifications for a game, oldest first.
func (e *Engine) ListUnread(ctx context.Context, playerID, gameID int64) ([]Notification, error) {
	var notifications []Notification
	err := e.db.SelectContext(ctx, &notifications, `
		SELECT id, player_id, game_id, type, message, dedupe_key, is_read, created_at
		FROM notification
		WHERE player_id = ? AND game_id = ? AND is_read = 0
		ORDER BY created_at ASC, id ASC`, playerID, gameID)
	if err != nil {
		return nil, persistErr("list unread notifications", err)
	}
	return notifications, nil
}

// Consume marks the player's oldest unread notification as read and returns it.
// It returns ErrNotFound when nothing is unread.
func (e *Engine) Consume(ctx context.Context, playerID, gameID int64) (Notification, error) {
	var n Notification
	err := e.db.GetContext(ctx, &n, `
		UPDATE notification SET is_read = 1
		WHERE id = (
			SELECT id FROM notification
			WHERE player_id = ? AND game_id = ? AND is_read = 0
			ORDER BY created_at ASC, id ASC LIMIT 1
		)
		RETURNING id, player_id, game_id, type, message, dedupe_key, is_read, created_at`, playerID, gameID)
	if errors.Is(err, sql.ErrNoRows) {
		return Notification{}, invalid(ErrNotFound, "no unread notifications")
	}
	if err != nil {
		return Notification{}, persistErr("consume notification", err)
	}
	return n, nil
}

// MarkRead flags one notification as read. Marking twice is harmless.
func (e *Engine) MarkRead(ctx context.Context, notificationID int64) error {
	res, err := e.db.ExecContext(ctx, `UPDATE notification SET is_read = 1 WHERE id = ?`, notificationID)
	if err != nil {
		return persistErr("mark notification read", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return persistErr("mark notification read", err)
	}
	if n == 0 {
		return invalid(ErrNotFound, fmt.Sprintf("notification %d", notificationID))
	}
	return nil
}
