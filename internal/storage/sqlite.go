package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	logging "github.com/ipfs/go-log/v2"
	_ "modernc.org/sqlite"
)

var log = logging.Logger("storage")

// ErrNotFound is returned when a mutation targets a row that does not exist.
var ErrNotFound = errors.New("not found")

// timeFormat is how timestamps are written. Millisecond precision keeps two
// polls within the same second ordered.
const timeFormat = "2006-01-02 15:04:05.000"

// SQLiteStorage provides SQLite-based storage for miners and readings
type SQLiteStorage struct {
	db   *sql.DB
	path string
}

// parseTimestamp parses a timestamp string from SQLite in multiple formats.
// All timestamps are stored in UTC.
func parseTimestamp(s string) time.Time {
	// modernc/sqlite hands DATETIME columns back as RFC3339
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC()
	}
	for _, layout := range []string{timeFormat, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

// NewSQLiteStorage opens a SQLite database at the given path,
// runs migrations, and enables WAL mode
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single connection: SQLite serialises writers anyway
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to run %q: %w", pragma, err)
		}
	}

	s := &SQLiteStorage{db: db, path: dbPath}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// migrate creates the necessary tables and indexes
func (s *SQLiteStorage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS miners (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		endpoint TEXT NOT NULL UNIQUE,
		added_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS readings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		miner_id INTEGER NOT NULL REFERENCES miners(id),
		timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		hash_rate REAL NOT NULL DEFAULT 0,
		temperature REAL NOT NULL DEFAULT 0,
		voltage REAL NOT NULL DEFAULT 0,
		best_diff TEXT NOT NULL DEFAULT '0',
		stratum_diff REAL NOT NULL DEFAULT 0,
		shares_accepted INTEGER NOT NULL DEFAULT 0,
		shares_rejected INTEGER NOT NULL DEFAULT 0,
		current_stratum_url TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_readings_miner_timestamp ON readings(miner_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_readings_timestamp ON readings(timestamp);

	CREATE TABLE IF NOT EXISTS mutes (
		miner_id INTEGER PRIMARY KEY,
		mute_until INTEGER NOT NULL,
		muted_at INTEGER NOT NULL,
		duration_minutes INTEGER NOT NULL
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Migration: error_percentage arrived after the first release
	_, _ = s.db.Exec("ALTER TABLE readings ADD COLUMN error_percentage REAL NOT NULL DEFAULT 0")

	return nil
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// Path returns the database file location.
func (s *SQLiteStorage) Path() string {
	return s.path
}

// Size returns the database file size in bytes
func (s *SQLiteStorage) Size() (int64, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

const minerColumns = `id, name, endpoint, added_at`

func scanMiner(row interface{ Scan(...any) error }) (*Miner, error) {
	m := &Miner{}
	var addedAt string
	if err := row.Scan(&m.ID, &m.Name, &m.Endpoint, &addedAt); err != nil {
		return nil, err
	}
	m.AddedAt = parseTimestamp(addedAt)
	return m, nil
}

// MinerByEndpoint returns the miner registered for endpoint, or nil if none.
func (s *SQLiteStorage) MinerByEndpoint(ctx context.Context, endpoint string) (*Miner, error) {
	m, err := scanMiner(s.db.QueryRowContext(ctx,
		`SELECT `+minerColumns+` FROM miners WHERE endpoint = ?`, endpoint))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

// CreateMiner registers endpoint under name. If the endpoint already exists
// the existing row is returned unchanged.
func (s *SQLiteStorage) CreateMiner(ctx context.Context, name, endpoint string) (*Miner, error) {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO miners (name, endpoint, added_at)
	VALUES (?, ?, ?)
	ON CONFLICT(endpoint) DO NOTHING
	`, name, endpoint, formatTimestamp(time.Now()))
	if err != nil {
		return nil, err
	}
	m, err := s.MinerByEndpoint(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("miner %s vanished after insert", endpoint)
	}
	return m, nil
}

// GetMiner returns the miner with the given id, or nil if none.
func (s *SQLiteStorage) GetMiner(ctx context.Context, id int64) (*Miner, error) {
	m, err := scanMiner(s.db.QueryRowContext(ctx,
		`SELECT `+minerColumns+` FROM miners WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

// GetMiners returns all miners ordered by id
func (s *SQLiteStorage) GetMiners(ctx context.Context) ([]*Miner, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+minerColumns+` FROM miners ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var miners []*Miner
	for rows.Next() {
		m, err := scanMiner(rows)
		if err != nil {
			return nil, err
		}
		miners = append(miners, m)
	}
	return miners, rows.Err()
}

// RenameMiner changes a miner's display name.
func (s *SQLiteStorage) RenameMiner(ctx context.Context, id int64, name string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE miners SET name = ? WHERE id = ?`, name, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteMiner removes a miner together with its readings and mute.
func (s *SQLiteStorage) DeleteMiner(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM readings WHERE miner_id = ?`, id); err != nil {
		return fmt.Errorf("deleting readings: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM mutes WHERE miner_id = ?`, id); err != nil {
		return fmt.Errorf("deleting mute: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM miners WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting miner: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

const readingColumns = `id, miner_id, timestamp, hash_rate, temperature, voltage, best_diff,
	error_percentage, stratum_diff, shares_accepted, shares_rejected, current_stratum_url`

func scanReading(row interface{ Scan(...any) error }) (*Reading, error) {
	r := &Reading{}
	var timestamp string
	err := row.Scan(
		&r.ID, &r.MinerID, &timestamp, &r.HashRate, &r.Temperature, &r.Voltage, &r.BestDiff,
		&r.ErrorPercentage, &r.StratumDiff, &r.SharesAccepted, &r.SharesRejected, &r.StratumURL,
	)
	if err != nil {
		return nil, err
	}
	r.Timestamp = parseTimestamp(timestamp)
	return r, nil
}

// InsertReading stores r and sets its ID. A zero Timestamp is set to now.
func (s *SQLiteStorage) InsertReading(ctx context.Context, r *Reading) error {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	result, err := s.db.ExecContext(ctx, `
	INSERT INTO readings (
		miner_id, timestamp, hash_rate, temperature, voltage, best_diff,
		error_percentage, stratum_diff, shares_accepted, shares_rejected, current_stratum_url
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.MinerID, formatTimestamp(r.Timestamp), r.HashRate, r.Temperature, r.Voltage, r.BestDiff,
		r.ErrorPercentage, r.StratumDiff, r.SharesAccepted, r.SharesRejected, r.StratumURL,
	)
	if err != nil {
		return err
	}

	id, err := result.LastInsertId()
	if err == nil {
		r.ID = id
	}
	return nil
}

// PreviousReading returns the newest reading of minerID other than
// excludeID, or nil if there is none.
func (s *SQLiteStorage) PreviousReading(ctx context.Context, minerID, excludeID int64) (*Reading, error) {
	r, err := scanReading(s.db.QueryRowContext(ctx, `
	SELECT `+readingColumns+`
	FROM readings
	WHERE miner_id = ? AND id != ?
	ORDER BY timestamp DESC, id DESC
	LIMIT 1
	`, minerID, excludeID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

// LatestReading returns the newest reading of minerID, or nil if there is none.
func (s *SQLiteStorage) LatestReading(ctx context.Context, minerID int64) (*Reading, error) {
	return s.PreviousReading(ctx, minerID, 0)
}

// GetMinersWithLatest returns every miner with its newest reading.
func (s *SQLiteStorage) GetMinersWithLatest(ctx context.Context) ([]*MinerWithLatest, error) {
	miners, err := s.GetMiners(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*MinerWithLatest, 0, len(miners))
	for _, m := range miners {
		latest, err := s.LatestReading(ctx, m.ID)
		if err != nil {
			return nil, fmt.Errorf("latest reading for miner %d: %w", m.ID, err)
		}
		out = append(out, &MinerWithLatest{Miner: *m, Latest: latest})
	}
	return out, nil
}

// GetReadings returns readings newer than since in ascending time order.
// A minerID of 0 selects every miner.
func (s *SQLiteStorage) GetReadings(ctx context.Context, minerID int64, since time.Time) ([]*Reading, error) {
	query := `SELECT ` + readingColumns + ` FROM readings WHERE timestamp > ?`
	args := []any{formatTimestamp(since)}
	if minerID != 0 {
		query += ` AND miner_id = ?`
		args = append(args, minerID)
	}
	query += ` ORDER BY timestamp, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var readings []*Reading
	for rows.Next() {
		r, err := scanReading(rows)
		if err != nil {
			return nil, err
		}
		readings = append(readings, r)
	}
	return readings, rows.Err()
}

// PurgeOldReadings removes readings older than retentionDays and returns how
// many were deleted.
func (s *SQLiteStorage) PurgeOldReadings(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := formatTimestamp(time.Now().AddDate(0, 0, -retentionDays))

	result, err := s.db.ExecContext(ctx, "DELETE FROM readings WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge old readings: %w", err)
	}

	deleted, _ := result.RowsAffected()
	log.Infof("purged %d readings older than %d days", deleted, retentionDays)
	return deleted, nil
}

// Vacuum compacts the database file to reclaim disk space after deletions
func (s *SQLiteStorage) Vacuum(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("failed to vacuum database: %w", err)
	}
	return nil
}
