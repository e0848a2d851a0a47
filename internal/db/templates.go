package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/banshee-data/rfbench/internal/result"
)

// LoadAdjustments returns the adjustment template saved for a profile, or
// nil when there is none.
func (db *DB) LoadAdjustments(profile string) (*result.AdjustmentTable, error) {
	var data string
	err := db.QueryRow(`SELECT table_json FROM adjustment_templates WHERE profile = ?`, profile).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get adjustment template: %w", err)
	}

	var t result.AdjustmentTable
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, fmt.Errorf("failed to decode adjustment template for %s: %w", profile, err)
	}
	return &t, nil
}

// SaveAdjustments stores t as the profile's template, replacing any other.
func (db *DB) SaveAdjustments(profile string, t *result.AdjustmentTable) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to encode adjustment template: %w", err)
	}
	_, err = db.Exec(`INSERT INTO adjustment_templates (profile, table_json, updated_at) VALUES (?, ?, ?)
	          ON CONFLICT(profile) DO UPDATE SET table_json = excluded.table_json, updated_at = excluded.updated_at`,
		profile, string(data), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save adjustment template: %w", err)
	}
	return nil
}

// DeleteAdjustments removes the profile's template. Deleting a missing
// template is not an error.
func (db *DB) DeleteAdjustments(profile string) error {
	if _, err := db.Exec(`DELETE FROM adjustment_templates WHERE profile = ?`, profile); err != nil {
		return fmt.Errorf("failed to delete adjustment template: %w", err)
	}
	return nil
}
