package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/banshee-data/rfbench/internal/calibration"
)

// LoadCalibration returns the saved table of a kind, or nil when none was
// ever saved. Entries come back in the order they were measured.
func (db *DB) LoadCalibration(kind calibration.Kind) (*calibration.Table, error) {
	var points int
	err := db.QueryRow(`SELECT points FROM calibration_tables WHERE kind = ?`, string(kind)).Scan(&points)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get calibration table: %w", err)
	}

	rows, err := db.Query(`SELECT primary_value, secondary_value, loss
	          FROM calibration_points
	          WHERE kind = ?
	          ORDER BY rowid ASC`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("failed to query calibration points: %w", err)
	}
	defer rows.Close()

	table := calibration.NewTable(kind)
	for rows.Next() {
		var e calibration.Entry
		if err := rows.Scan(&e.Primary, &e.Secondary, &e.Loss); err != nil {
			return nil, fmt.Errorf("failed to scan calibration point: %w", err)
		}
		table.Set(e.Primary, e.Secondary, e.Loss)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return table, nil
}

// SaveCalibration replaces the saved table of t's kind.
func (db *DB) SaveCalibration(t *calibration.Table) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	kind := string(t.Kind)
	if _, err := tx.Exec(`DELETE FROM calibration_points WHERE kind = ?`, kind); err != nil {
		return fmt.Errorf("failed to clear calibration points: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO calibration_points (kind, primary_value, secondary_value, loss)
	          VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare calibration insert: %w", err)
	}
	defer stmt.Close()
	for _, e := range t.Entries {
		if _, err := stmt.Exec(kind, e.Primary, e.Secondary, e.Loss); err != nil {
			return fmt.Errorf("failed to insert calibration point: %w", err)
		}
	}

	_, err = tx.Exec(`INSERT INTO calibration_tables (kind, points, updated_at) VALUES (?, ?, ?)
	          ON CONFLICT(kind) DO UPDATE SET points = excluded.points, updated_at = excluded.updated_at`,
		kind, len(t.Entries), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to record calibration table: %w", err)
	}
	return tx.Commit()
}
