package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hearth-im/hearth/internal/domain/room"
)

// RoomRepository implements room.Repository. State groups are stored as
// deltas over a previous group, linked through state_group_edges.
type RoomRepository struct {
	pool *pgxpool.Pool
}

var _ room.Repository = (*RoomRepository)(nil)

func NewRoomRepository(pool *pgxpool.Pool) *RoomRepository {
	return &RoomRepository{pool: pool}
}

func (r *RoomRepository) GetEvents(ctx context.Context, eventIDs []string) (map[string]*room.Event, error) {
	out := make(map[string]*room.Event, len(eventIDs))
	if len(eventIDs) == 0 {
		return out, nil
	}
	rows, err := r.pool.Query(ctx, `
		SELECT event_id, event_json
		FROM events
		WHERE event_id = ANY($1)
	`, eventIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		var ev room.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("failed to decode event %s: %w", id, err)
		}
		out[id] = &ev
	}
	return out, rows.Err()
}

// StoreEvent persists event. An event with a state group replaces its
// parents among the room's forward extremities; one without is an outlier.
func (r *RoomRepository) StoreEvent(ctx context.Context, event *room.Event, stateGroup int64) error {
	raw, err := event.JSON()
	if err != nil {
		return err
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO events (event_id, room_id, type, state_key, sender, depth, event_json, outlier)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (event_id) DO NOTHING
	`, event.EventID, event.RoomID, event.Type, event.StateKey, event.Sender, event.Depth, raw, stateGroup == room.NoStateGroup)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return tx.Commit(ctx)
	}

	if event.Type == room.TypeCreate && event.StateKeyValue() == "" {
		if _, err := tx.Exec(ctx, `
			INSERT INTO rooms (room_id, room_version) VALUES ($1,$2)
			ON CONFLICT (room_id) DO NOTHING
		`, event.RoomID, event.RoomVersionID()); err != nil {
			return err
		}
	}

	if stateGroup != room.NoStateGroup {
		if _, err := tx.Exec(ctx, `
			INSERT INTO event_to_state_groups (event_id, state_group) VALUES ($1,$2)
		`, event.EventID, stateGroup); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			DELETE FROM event_forward_extremities
			WHERE room_id=$1 AND event_id = ANY($2)
		`, event.RoomID, event.PrevEvents); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO event_forward_extremities (room_id, event_id) VALUES ($1,$2)
			ON CONFLICT DO NOTHING
		`, event.RoomID, event.EventID); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (r *RoomRepository) GetForwardExtremities(ctx context.Context, roomID string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT event_id FROM event_forward_extremities
		WHERE room_id=$1
		ORDER BY event_id
	`, roomID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (r *RoomRepository) GetRoomVersion(ctx context.Context, roomID string) (string, error) {
	var version string
	err := r.pool.QueryRow(ctx, `SELECT room_version FROM rooms WHERE room_id=$1`, roomID).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("room %s: %w", roomID, room.ErrNotFound)
	}
	return version, err
}

func (r *RoomRepository) GetStateGroupsForEvents(ctx context.Context, eventIDs []string) (map[string]int64, error) {
	out := make(map[string]int64, len(eventIDs))
	if len(eventIDs) == 0 {
		return out, nil
	}
	rows, err := r.pool.Query(ctx, `
		SELECT event_id, state_group FROM event_to_state_groups
		WHERE event_id = ANY($1)
	`, eventIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var group int64
		if err := rows.Scan(&id, &group); err != nil {
			return nil, err
		}
		out[id] = group
	}
	return out, rows.Err()
}

// GetStateGroupSnapshot folds the group's delta chain, nearest entries
// winning.
func (r *RoomRepository) GetStateGroupSnapshot(ctx context.Context, stateGroup int64) (room.StateSnapshot, error) {
	if err := r.requireGroup(ctx, r.pool, stateGroup); err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx, `
		WITH RECURSIVE chain(state_group, hops) AS (
			SELECT $1::BIGINT, 0
			UNION ALL
			SELECT e.prev_state_group, c.hops + 1
			FROM state_group_edges e
			JOIN chain c ON e.state_group = c.state_group
		)
		SELECT DISTINCT ON (s.type, s.state_key) s.type, s.state_key, s.event_id
		FROM state_groups_state s
		JOIN chain c ON s.state_group = c.state_group
		ORDER BY s.type, s.state_key, c.hops ASC
	`, stateGroup)
	if err != nil {
		return nil, err
	}
	return scanSnapshot(rows)
}

func (r *RoomRepository) GetStateGroupDelta(ctx context.Context, stateGroup int64) (int64, room.StateSnapshot, error) {
	var prev int64
	err := r.pool.QueryRow(ctx, `
		SELECT prev_state_group FROM state_group_edges WHERE state_group=$1
	`, stateGroup).Scan(&prev)
	if errors.Is(err, pgx.ErrNoRows) {
		if err := r.requireGroup(ctx, r.pool, stateGroup); err != nil {
			return room.NoStateGroup, nil, err
		}
		return room.NoStateGroup, nil, nil
	}
	if err != nil {
		return room.NoStateGroup, nil, err
	}
	rows, err := r.pool.Query(ctx, `
		SELECT type, state_key, event_id FROM state_groups_state WHERE state_group=$1
	`, stateGroup)
	if err != nil {
		return room.NoStateGroup, nil, err
	}
	delta, err := scanSnapshot(rows)
	if err != nil {
		return room.NoStateGroup, nil, err
	}
	return prev, delta, nil
}

// StoreStateGroup allocates a group holding delta over prevGroup when
// prevGroup exists, or the full current state otherwise.
func (r *RoomRepository) StoreStateGroup(ctx context.Context, eventID, roomID string, prevGroup int64, delta, current room.StateSnapshot) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return room.NoStateGroup, err
	}
	defer tx.Rollback(ctx)

	var id int64
	if err := tx.QueryRow(ctx, `
		INSERT INTO state_groups (room_id, event_id) VALUES ($1,$2) RETURNING id
	`, roomID, eventID).Scan(&id); err != nil {
		return room.NoStateGroup, err
	}

	rowsToStore := current
	if prevGroup != room.NoStateGroup && delta != nil {
		switch err := r.requireGroup(ctx, tx, prevGroup); {
		case err == nil:
			if _, err := tx.Exec(ctx, `
				INSERT INTO state_group_edges (state_group, prev_state_group) VALUES ($1,$2)
			`, id, prevGroup); err != nil {
				return room.NoStateGroup, err
			}
			rowsToStore = delta
		case !errors.Is(err, room.ErrNotFound):
			return room.NoStateGroup, err
		}
	}

	rows := make([][]any, 0, len(rowsToStore))
	for _, k := range rowsToStore.Keys() {
		rows = append(rows, []any{id, k.Type, k.StateKey, rowsToStore[k]})
	}
	if len(rows) > 0 {
		if _, err := tx.CopyFrom(ctx,
			pgx.Identifier{"state_groups_state"},
			[]string{"state_group", "type", "state_key", "event_id"},
			pgx.CopyFromRows(rows),
		); err != nil {
			return room.NoStateGroup, fmt.Errorf("failed to copy state rows: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return room.NoStateGroup, err
	}
	return id, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (r *RoomRepository) requireGroup(ctx context.Context, q querier, stateGroup int64) error {
	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM state_groups WHERE id=$1)`, stateGroup).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("state group %d: %w", stateGroup, room.ErrNotFound)
	}
	return nil
}

func scanSnapshot(rows pgx.Rows) (room.StateSnapshot, error) {
	defer rows.Close()
	out := room.StateSnapshot{}
	for rows.Next() {
		var k room.StateKey
		var id string
		if err := rows.Scan(&k.Type, &k.StateKey, &id); err != nil {
			return nil, err
		}
		out[k] = id
	}
	return out, rows.Err()
}
