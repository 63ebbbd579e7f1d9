package store

import (
	"context"
	"time"

	"github.com/streamforge/supervisor/internal/domain/errors"
	"github.com/streamforge/supervisor/internal/domain/model"
)

// InsertLog appends one log record for channelID and prunes the channel's
// oldest entries beyond the configured retention cap.
func (s *Store) InsertLog(ctx context.Context, channelID, level, message string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO channel_logs (channel_id, level, message, created_at) VALUES (?, ?, ?, ?)",
		channelID, level, message, time.Now().UTC())
	if err != nil {
		return errors.New(errors.Internal, "insert channel log", err)
	}

	_, err = s.db.ExecContext(ctx, `
		DELETE FROM channel_logs
		WHERE channel_id = ?
		  AND id NOT IN (
			SELECT id FROM channel_logs WHERE channel_id = ? ORDER BY id DESC LIMIT ?
		  )`,
		channelID, channelID, s.maxLogs)
	if err != nil {
		return errors.New(errors.Internal, "prune channel logs", err)
	}
	return nil
}

// GetLogs returns channelID's logs newest first, optionally filtered by
// level, with limit/offset pagination. A non-positive limit defaults to 100.
func (s *Store) GetLogs(ctx context.Context, channelID, level string, limit, offset int) ([]model.ChannelLog, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	query := "SELECT id, channel_id, level, message, created_at FROM channel_logs WHERE channel_id = ?"
	args := []any{channelID}
	if level != "" {
		query += " AND level = ?"
		args = append(args, level)
	}
	query += " ORDER BY id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.New(errors.Internal, "query channel logs", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.ChannelLog
	for rows.Next() {
		var l model.ChannelLog
		if err := rows.Scan(&l.ID, &l.ChannelID, &l.Level, &l.Message, &l.CreatedAt); err != nil {
			return nil, errors.New(errors.Internal, "scan channel log", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.New(errors.Internal, "iterate channel logs", err)
	}
	return out, nil
}

// CountLogs returns the number of retained log entries for channelID.
func (s *Store) CountLogs(ctx context.Context, channelID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM channel_logs WHERE channel_id = ?", channelID).Scan(&n)
	if err != nil {
		return 0, errors.New(errors.Internal, "count channel logs", err)
	}
	return n, nil
}

// DeleteLogs removes all retained log entries for channelID.
func (s *Store) DeleteLogs(ctx context.Context, channelID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM channel_logs WHERE channel_id = ?", channelID); err != nil {
		return errors.New(errors.Internal, "delete channel logs", err)
	}
	return nil
}
