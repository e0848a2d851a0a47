package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// LoadParameters returns the parameter snapshot saved for a device, or nil
// when the device has none.
func (db *DB) LoadParameters(device string) (map[string]interface{}, error) {
	var data string
	err := db.QueryRow(`SELECT values_json FROM parameters WHERE device = ?`, device).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get parameters: %w", err)
	}
	values := make(map[string]interface{})
	if err := json.Unmarshal([]byte(data), &values); err != nil {
		return nil, fmt.Errorf("failed to decode parameters for %s: %w", device, err)
	}
	return values, nil
}

// SaveParameters stores a device's parameter snapshot.
func (db *DB) SaveParameters(device string, values map[string]interface{}) error {
	data, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("failed to encode parameters: %w", err)
	}
	_, err = db.Exec(`INSERT INTO parameters (device, values_json, updated_at) VALUES (?, ?, ?)
	          ON CONFLICT(device) DO UPDATE SET values_json = excluded.values_json, updated_at = excluded.updated_at`,
		device, string(data), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save parameters: %w", err)
	}
	return nil
}

// Addresses returns the instrument address overrides keyed by role.
func (db *DB) Addresses() (map[string]string, error) {
	rows, err := db.Query(`SELECT role, address FROM instrument_addresses ORDER BY role ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query instrument addresses: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var role, addr string
		if err := rows.Scan(&role, &addr); err != nil {
			return nil, fmt.Errorf("failed to scan instrument address: %w", err)
		}
		out[role] = addr
	}
	return out, rows.Err()
}

// SaveAddress records the address an instrument role was connected on.
func (db *DB) SaveAddress(role, address string) error {
	_, err := db.Exec(`INSERT INTO instrument_addresses (role, address, updated_at) VALUES (?, ?, ?)
	          ON CONFLICT(role) DO UPDATE SET address = excluded.address, updated_at = excluded.updated_at`,
		role, address, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save instrument address: %w", err)
	}
	return nil
}
