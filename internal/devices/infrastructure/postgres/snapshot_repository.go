package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	devices "redmite-cloud/internal/devices/domain"
)

// SnapshotRepository persists the latest composite state per trap so the
// in-memory table can be rebuilt after a restart.
type SnapshotRepository struct {
	db *sql.DB
}

// NewSnapshotRepository constructs a repository.
func NewSnapshotRepository(db *sql.DB) *SnapshotRepository {
	return &SnapshotRepository{db: db}
}

// Save upserts the snapshot row for the trap.
func (r *SnapshotRepository) Save(ctx context.Context, state devices.State) error {
	if r == nil || r.db == nil {
		return errors.New("snapshot repo: nil db")
	}
	config, err := json.Marshal(state.Config)
	if err != nil {
		return err
	}
	status, err := json.Marshal(state.Status)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO device_snapshots (
	device_id, server, customer, location, house, in_house_loc, contact,
	config, status, next_update, after_next_update, current_cycle, total_cycles, updated_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7,
	$8, $9, $10, $11, $12, $13, $14
)
ON CONFLICT (device_id, server)
DO UPDATE SET
	customer = EXCLUDED.customer,
	location = EXCLUDED.location,
	house = EXCLUDED.house,
	in_house_loc = EXCLUDED.in_house_loc,
	contact = EXCLUDED.contact,
	config = EXCLUDED.config,
	status = EXCLUDED.status,
	next_update = EXCLUDED.next_update,
	after_next_update = EXCLUDED.after_next_update,
	current_cycle = EXCLUDED.current_cycle,
	total_cycles = EXCLUDED.total_cycles,
	updated_at = EXCLUDED.updated_at`,
		state.DeviceID, state.Server, state.Customer, state.Location, state.House, state.InHouseLoc, state.Contact,
		config, status, state.NextUpdate, state.AfterNextUpdate, state.CurrentCycle, state.TotalCycles, time.Now().UTC(),
	)
	return err
}

// LoadAll returns every stored complete snapshot, used to warm the in-memory
// table at startup.
func (r *SnapshotRepository) LoadAll(ctx context.Context) ([]devices.State, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("snapshot repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT device_id, server, customer, location, house, in_house_loc, contact,
	config, status, next_update, after_next_update, current_cycle, total_cycles
FROM device_snapshots`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []devices.State
	for rows.Next() {
		var state devices.State
		var config, status []byte
		if err := rows.Scan(
			&state.DeviceID,
			&state.Server,
			&state.Customer,
			&state.Location,
			&state.House,
			&state.InHouseLoc,
			&state.Contact,
			&config,
			&status,
			&state.NextUpdate,
			&state.AfterNextUpdate,
			&state.CurrentCycle,
			&state.TotalCycles,
		); err != nil {
			return nil, err
		}
		if len(config) > 0 {
			var cfg devices.Config
			if err := json.Unmarshal(config, &cfg); err != nil {
				return nil, err
			}
			state.Config = &cfg
		}
		if len(status) > 0 {
			var st devices.Status
			if err := json.Unmarshal(status, &st); err != nil {
				return nil, err
			}
			state.Status = &st
		}
		result = append(result, state)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
