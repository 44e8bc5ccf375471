package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	devices "redmite-cloud/internal/devices/domain"
)

// HistoryRepository maintains the append-only mode interval log per trap.
// Each row is one mode period; the currently open period has a null end_time.
// Cyclic modes carry their cycle position in the label ("Mode|index|total").
type HistoryRepository struct {
	db *sql.DB
}

// NewHistoryRepository constructs a repository.
func NewHistoryRepository(db *sql.DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// Record folds one complete state into the log. A repeated label only
// refreshes the open row's predicted deadline; a new label closes the open
// row at the report time and opens a fresh one.
func (r *HistoryRepository) Record(ctx context.Context, state devices.State) error {
	if r == nil || r.db == nil {
		return errors.New("history repo: nil db")
	}
	if !state.Complete() {
		return errors.New("history repo: incomplete state")
	}
	label := encodeLabel(state)
	reportedAt := time.UnixMilli(state.Status.LastUpdated).UTC()
	expectedAt := time.UnixMilli(state.NextUpdate).UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var openID int64
	var openLabel string
	err = tx.QueryRowContext(ctx, `
SELECT id, label
FROM device_mode_history
WHERE device_id = $1 AND server = $2 AND end_time IS NULL
ORDER BY reported_at DESC
LIMIT 1
FOR UPDATE`, state.DeviceID, state.Server).Scan(&openID, &openLabel)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// First record for this trap.
	case err != nil:
		return err
	case openLabel == label:
		if _, err := tx.ExecContext(ctx, `
UPDATE device_mode_history SET expected_at = $1 WHERE id = $2`, expectedAt, openID); err != nil {
			return err
		}
		return tx.Commit()
	default:
		if _, err := tx.ExecContext(ctx, `
UPDATE device_mode_history SET end_time = $1 WHERE id = $2`, reportedAt, openID); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO device_mode_history (device_id, server, label, reported_at, expected_at)
VALUES ($1, $2, $3, $4, $5)`,
		state.DeviceID, state.Server, label, reportedAt, expectedAt); err != nil {
		return err
	}
	return tx.Commit()
}

// QueryHistory returns the trap's mode intervals, oldest first.
func (r *HistoryRepository) QueryHistory(ctx context.Context, deviceID, server string) ([]devices.HistoryRecord, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("history repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT label, reported_at, end_time, expected_at
FROM device_mode_history
WHERE device_id = $1 AND server = $2
ORDER BY reported_at ASC`, deviceID, server)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []devices.HistoryRecord
	for rows.Next() {
		var label string
		var reportedAt, expectedAt time.Time
		var endTime sql.NullTime
		if err := rows.Scan(&label, &reportedAt, &endTime, &expectedAt); err != nil {
			return nil, err
		}
		record := decodeLabel(label)
		record.Timestamp = reportedAt.UTC()
		record.ExpectedUpdateAt = expectedAt.UTC()
		if endTime.Valid {
			record.EndTime = endTime.Time.UTC()
		}
		result = append(result, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// encodeLabel serializes the mode plus, for repeating phases, the cycle
// position reported with it. The schedule counts cycles from 1; labels store
// the zero-based index the reconstructor expects.
func encodeLabel(state devices.State) string {
	mode := state.Status.Mode
	switch mode {
	case devices.ModeTraining, devices.ModeInspecting, devices.ModeReportInspection:
		if state.TotalCycles > 0 && state.CurrentCycle > 0 {
			return fmt.Sprintf("%s|%d|%d", mode, state.CurrentCycle-1, state.TotalCycles)
		}
	}
	return string(mode)
}

func decodeLabel(label string) devices.HistoryRecord {
	parts := strings.Split(label, "|")
	record := devices.HistoryRecord{Mode: devices.Mode(parts[0])}
	if len(parts) != 3 {
		return record
	}
	index, err1 := strconv.Atoi(parts[1])
	total, err2 := strconv.Atoi(parts[2])
	if err1 != nil || err2 != nil {
		return record
	}
	record.CycleIndex = index
	record.TotalCycles = total
	record.HasCycle = true
	return record
}
