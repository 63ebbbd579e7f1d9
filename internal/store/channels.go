package store

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/streamforge/supervisor/internal/domain/errors"
	"github.com/streamforge/supervisor/internal/domain/model"
)

const channelColumns = "id, name, status, input_url, ffmpeg_params, outputs, auto_restart, pid, created_at, updated_at"

// CreateChannel inserts a new channel, assigning an id and timestamps. New
// channels always start STOPPED with no pid regardless of what the caller
// declares.
func (s *Store) CreateChannel(ctx context.Context, ch model.Channel) (model.Channel, error) {
	if err := ch.Validate(); err != nil {
		return model.Channel{}, errors.New(errors.Validation, err.Error(), err)
	}

	if ch.ID == "" {
		ch.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	ch.Status = model.StatusStopped
	ch.PID = nil
	ch.CreatedAt = now
	ch.UpdatedAt = now

	params, outputs, err := marshalConfig(ch)
	if err != nil {
		return model.Channel{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO channels (`+channelColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)`,
		ch.ID, ch.Name, ch.Status, ch.InputURL, params, outputs, ch.AutoRestart, ch.CreatedAt, ch.UpdatedAt)
	if err != nil {
		return model.Channel{}, errors.New(errors.Internal, "insert channel", err)
	}
	return ch, nil
}

// GetChannel loads one channel by id.
func (s *Store) GetChannel(ctx context.Context, id string) (model.Channel, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+channelColumns+" FROM channels WHERE id = ?", id)
	ch, err := scanChannel(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return model.Channel{}, errors.New(errors.NotFound, fmt.Sprintf("channel %s not found", id), err)
	}
	if err != nil {
		return model.Channel{}, errors.New(errors.Internal, "query channel", err)
	}
	return ch, nil
}

// ListChannels returns all channels ordered by creation time.
func (s *Store) ListChannels(ctx context.Context) ([]model.Channel, error) {
	return s.queryChannels(ctx, "SELECT "+channelColumns+" FROM channels ORDER BY created_at, id")
}

// ListChannelsByStatus returns channels whose persisted status matches.
func (s *Store) ListChannelsByStatus(ctx context.Context, status model.Status) ([]model.Channel, error) {
	return s.queryChannels(ctx, "SELECT "+channelColumns+" FROM channels WHERE status = ? ORDER BY created_at, id", status)
}

// UpdateChannel rewrites the channel's declared configuration (name, input,
// params, outputs, auto_restart) and bumps updated_at. Status and pid are
// not touched here; those move only through SetStatusPID.
func (s *Store) UpdateChannel(ctx context.Context, ch model.Channel) (model.Channel, error) {
	if err := ch.Validate(); err != nil {
		return model.Channel{}, errors.New(errors.Validation, err.Error(), err)
	}

	params, outputs, err := marshalConfig(ch)
	if err != nil {
		return model.Channel{}, err
	}
	ch.UpdatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		UPDATE channels
		SET name = ?, input_url = ?, ffmpeg_params = ?, outputs = ?, auto_restart = ?, updated_at = ?
		WHERE id = ?`,
		ch.Name, ch.InputURL, params, outputs, ch.AutoRestart, ch.UpdatedAt, ch.ID)
	if err != nil {
		return model.Channel{}, errors.New(errors.Internal, "update channel", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.Channel{}, errors.New(errors.NotFound, fmt.Sprintf("channel %s not found", ch.ID), nil)
	}
	return s.GetChannel(ctx, ch.ID)
}

// DeleteChannel removes the channel; its logs cascade.
func (s *Store) DeleteChannel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM channels WHERE id = ?", id)
	if err != nil {
		return errors.New(errors.Internal, "delete channel", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.New(errors.NotFound, fmt.Sprintf("channel %s not found", id), nil)
	}
	return nil
}

// SetStatusPID transitions status and pid together in one statement so an
// external reader can never observe status=RUNNING with pid=null.
func (s *Store) SetStatusPID(ctx context.Context, id string, status model.Status, pid *int) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE channels SET status = ?, pid = ?, updated_at = ? WHERE id = ?",
		status, pid, time.Now().UTC(), id)
	if err != nil {
		return errors.New(errors.Internal, "set channel status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.New(errors.NotFound, fmt.Sprintf("channel %s not found", id), nil)
	}
	return nil
}

func (s *Store) queryChannels(ctx context.Context, query string, args ...any) ([]model.Channel, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.New(errors.Internal, "query channels", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, errors.New(errors.Internal, "scan channel", err)
		}
		out = append(out, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.New(errors.Internal, "iterate channels", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChannel(row rowScanner) (model.Channel, error) {
	var (
		ch      model.Channel
		params  string
		outputs string
		pid     sql.NullInt64
	)
	err := row.Scan(&ch.ID, &ch.Name, &ch.Status, &ch.InputURL, &params, &outputs,
		&ch.AutoRestart, &pid, &ch.CreatedAt, &ch.UpdatedAt)
	if err != nil {
		return model.Channel{}, err
	}
	if pid.Valid {
		p := int(pid.Int64)
		ch.PID = &p
	}
	if err := json.Unmarshal([]byte(params), &ch.Params); err != nil {
		return model.Channel{}, fmt.Errorf("decode ffmpeg_params: %w", err)
	}
	if err := json.Unmarshal([]byte(outputs), &ch.Outputs); err != nil {
		return model.Channel{}, fmt.Errorf("decode outputs: %w", err)
	}
	return ch, nil
}

func marshalConfig(ch model.Channel) (params, outputs string, err error) {
	p, err := json.Marshal(ch.Params)
	if err != nil {
		return "", "", errors.New(errors.Internal, "encode ffmpeg_params", err)
	}
	o, err := json.Marshal(ch.Outputs)
	if err != nil {
		return "", "", errors.New(errors.Internal, "encode outputs", err)
	}
	return string(p), string(o), nil
}
