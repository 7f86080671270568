package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/nidhogg/streamrl/internal/coordinator"
)

// Append journals ev and returns its sequence number.
func (s *Store) Append(ctx context.Context, ev coordinator.Event) (uint64, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("encode event: %w", err)
	}
	var seq int64
	err = s.db.QueryRow(ctx, `
		INSERT INTO coordinator_events (kind, payload, created_at)
		VALUES ($1, $2, $3)
		RETURNING seq`,
		string(ev.Kind), payload, ev.At,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("append %s event: %w", ev.Kind, err)
	}
	return uint64(seq), nil
}

// Events returns journaled events with seq > afterSeq in order.
func (s *Store) Events(ctx context.Context, afterSeq uint64) ([]coordinator.Event, error) {
	rows, err := s.db.Query(ctx, `
		SELECT seq, payload FROM coordinator_events
		WHERE seq > $1
		ORDER BY seq`, int64(afterSeq))
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []coordinator.Event
	for rows.Next() {
		var (
			seq     int64
			payload []byte
		)
		if err := rows.Scan(&seq, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev, err := decodeEvent(seq, payload)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// SaveSnapshot stores snap and drops the events it covers in one transaction.
func (s *Store) SaveSnapshot(ctx context.Context, snap coordinator.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin snapshot: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO coordinator_snapshots (last_seq, payload, taken_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (last_seq) DO UPDATE SET payload = EXCLUDED.payload, taken_at = EXCLUDED.taken_at`,
		int64(snap.LastSeq), payload, snap.TakenAt,
	); err != nil {
		return fmt.Errorf("save snapshot %d: %w", snap.LastSeq, err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM coordinator_events WHERE seq <= $1`, int64(snap.LastSeq)); err != nil {
		return fmt.Errorf("compact events: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM coordinator_snapshots WHERE last_seq < $1`, int64(snap.LastSeq)); err != nil {
		return fmt.Errorf("compact snapshots: %w", err)
	}
	return tx.Commit(ctx)
}

// LoadSnapshot returns the newest snapshot, or nil when none was saved.
func (s *Store) LoadSnapshot(ctx context.Context) (*coordinator.Snapshot, error) {
	var payload []byte
	err := s.db.QueryRow(ctx, `
		SELECT payload FROM coordinator_snapshots
		ORDER BY last_seq DESC LIMIT 1`).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	var snap coordinator.Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

func decodeEvent(seq int64, payload []byte) (coordinator.Event, error) {
	var ev coordinator.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return coordinator.Event{}, fmt.Errorf("decode event %d: %w", seq, err)
	}
	ev.Seq = uint64(seq)
	return ev, nil
}

var _ coordinator.Journal = (*Store)(nil)
