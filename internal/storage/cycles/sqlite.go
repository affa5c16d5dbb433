package cycles

import (
	"context"
	"database/sql"
	"encoding/json"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"upcycle/internal/domain"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS cycles (
	market     TEXT PRIMARY KEY,
	version    INTEGER NOT NULL,
	status     TEXT NOT NULL,
	payload    TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cycles_status ON cycles (status);
`

// SQLiteStore is the SQLite-backed cycle store. The compare-and-swap token
// is the version column: updates are conditional on the expected version and
// a zero-row result is a conflict. Monetary fields stay exact because the
// cycle is stored as its JSON encoding with string decimals.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open sqlite db %s", path)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to apply schema")
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Load(ctx context.Context, market string) (*domain.TradingCycle, uint64, error) {
	var version uint64
	var payload string

	err := s.db.QueryRowContext(ctx,
		`SELECT version, payload FROM cycles WHERE market = ?`, market).Scan(&version, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, errors.Wrapf(ErrNotFound, "market %s", market)
	}
	if err != nil {
		return nil, 0, errors.Wrapf(err, "failed to load cycle for %s", market)
	}

	var cycle domain.TradingCycle
	if err := json.Unmarshal([]byte(payload), &cycle); err != nil {
		return nil, 0, errors.Wrapf(err, "corrupt cycle payload for %s", market)
	}
	return &cycle, version, nil
}

func (s *SQLiteStore) Save(ctx context.Context, market string, cycle *domain.TradingCycle, expectedVersion uint64) (uint64, error) {
	payload, err := json.Marshal(cycle)
	if err != nil {
		return 0, errors.Wrap(err, "failed to marshal cycle")
	}
	newVersion := expectedVersion + 1

	if expectedVersion == 0 {
		// create, or replace a terminal cycle whose market slot is free.
		var status string
		var version uint64
		err := s.db.QueryRowContext(ctx,
			`SELECT version, status FROM cycles WHERE market = ?`, market).Scan(&version, &status)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			_, err = s.db.ExecContext(ctx,
				`INSERT INTO cycles (market, version, status, payload, updated_at) VALUES (?, 1, ?, ?, ?)`,
				market, string(cycle.Status), string(payload), cycle.UpdatedAt.Unix())
			if err != nil {
				return 0, errors.Wrapf(err, "failed to insert cycle for %s", market)
			}
			return 1, nil
		case err != nil:
			return 0, errors.Wrapf(err, "failed to check existing cycle for %s", market)
		case !domain.CycleStatus(status).Terminal():
			return 0, errors.Wrapf(ErrVersionConflict,
				"market %s holds a non-terminal cycle at version %d", market, version)
		}
		newVersion = version + 1
		expectedVersion = version
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE cycles SET version = ?, status = ?, payload = ?, updated_at = ? WHERE market = ? AND version = ?`,
		newVersion, string(cycle.Status), string(payload), cycle.UpdatedAt.Unix(), market, expectedVersion)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to update cycle for %s", market)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read update result")
	}
	if affected == 0 {
		return 0, errors.Wrapf(ErrVersionConflict, "market %s moved past version %d", market, expectedVersion)
	}
	return newVersion, nil
}

func (s *SQLiteStore) ListActiveMarkets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT market FROM cycles WHERE status IN (?, ?) ORDER BY market`,
		string(domain.StatusActive), string(domain.StatusLiquidating))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list active markets")
	}
	defer rows.Close()

	var markets []string
	for rows.Next() {
		var market string
		if err := rows.Scan(&market); err != nil {
			return nil, errors.Wrap(err, "failed to scan market")
		}
		markets = append(markets, market)
	}
	return markets, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
