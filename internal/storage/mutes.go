package storage

import (
	"context"
	"database/sql"
	"errors"

	"github.com/camarigor/bitaxe-sentry/internal/mute"
)

// MuteStore is a mute.Store kept in the same database as miners and readings.
type MuteStore struct {
	db *sql.DB
}

// Mutes returns the mute store backed by this database.
func (s *SQLiteStorage) Mutes() *MuteStore {
	return &MuteStore{db: s.db}
}

var _ mute.Store = (*MuteStore)(nil)

func (m *MuteStore) Get(minerID int64) (mute.Entry, bool, error) {
	var e mute.Entry
	err := m.db.QueryRowContext(context.Background(),
		`SELECT mute_until, muted_at, duration_minutes FROM mutes WHERE miner_id = ?`, minerID,
	).Scan(&e.MuteUntil, &e.MutedAt, &e.DurationMinutes)
	if errors.Is(err, sql.ErrNoRows) {
		return mute.Entry{}, false, nil
	}
	if err != nil {
		return mute.Entry{}, false, err
	}
	return e, true, nil
}

func (m *MuteStore) Put(minerID int64, e mute.Entry) error {
	_, err := m.db.ExecContext(context.Background(), `
	INSERT INTO mutes (miner_id, mute_until, muted_at, duration_minutes)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(miner_id) DO UPDATE SET
		mute_until = excluded.mute_until,
		muted_at = excluded.muted_at,
		duration_minutes = excluded.duration_minutes
	`, minerID, e.MuteUntil, e.MutedAt, e.DurationMinutes)
	return err
}

func (m *MuteStore) Delete(minerID int64) error {
	_, err := m.db.ExecContext(context.Background(), `DELETE FROM mutes WHERE miner_id = ?`, minerID)
	return err
}

func (m *MuteStore) List() (map[int64]mute.Entry, error) {
	rows, err := m.db.QueryContext(context.Background(),
		`SELECT miner_id, mute_until, muted_at, duration_minutes FROM mutes`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64]mute.Entry)
	for rows.Next() {
		var (
			id int64
			e  mute.Entry
		)
		if err := rows.Scan(&id, &e.MuteUntil, &e.MutedAt, &e.DurationMinutes); err != nil {
			return nil, err
		}
		out[id] = e
	}
	return out, rows.Err()
}
