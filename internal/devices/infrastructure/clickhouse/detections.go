package clickhouse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// Detection is one detection event reported by a trap during an inspection
// run. The trap reports the event time; the mode it was in comes along for
// context.
type Detection struct {
	DeviceID  string    `json:"id"`
	Server    string    `json:"server"`
	Timestamp time.Time `json:"timestamp"`
	Mode      string    `json:"mode"`
}

// DetectionStore keeps the high-volume detection series in ClickHouse,
// separate from the relational state tables.
type DetectionStore struct {
	conn driver.Conn
}

// Options configures the ClickHouse connection.
type Options struct {
	Addr     string
	Database string
	Username string
	Password string
}

// NewDetectionStore opens the connection and ensures the table exists.
func NewDetectionStore(ctx context.Context, opts Options) (*DetectionStore, error) {
	if opts.Addr == "" {
		return nil, errors.New("detection store: empty address")
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("detection store: open: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("detection store: ping: %w", err)
	}
	store := &DetectionStore{conn: conn}
	if err := store.initSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *DetectionStore) initSchema(ctx context.Context) error {
	err := s.conn.Exec(ctx, `
CREATE TABLE IF NOT EXISTS trap_detections (
	timestamp DateTime64(3),
	device_id String,
	server String,
	mode String
) ENGINE = MergeTree()
ORDER BY (device_id, server, timestamp)`)
	if err != nil {
		return fmt.Errorf("detection store: init schema: %w", err)
	}
	return nil
}

// Save appends one detection report.
func (s *DetectionStore) Save(ctx context.Context, detection Detection) error {
	if s == nil || s.conn == nil {
		return errors.New("detection store: nil conn")
	}
	err := s.conn.Exec(ctx, `
INSERT INTO trap_detections (timestamp, device_id, server, mode)
VALUES (?, ?, ?, ?)`,
		detection.Timestamp, detection.DeviceID, detection.Server, detection.Mode)
	if err != nil {
		return fmt.Errorf("detection store: insert: %w", err)
	}
	return nil
}

// Query returns the trap's detections within [from, to), newest first.
func (s *DetectionStore) Query(ctx context.Context, deviceID, server string, from, to time.Time) ([]Detection, error) {
	if s == nil || s.conn == nil {
		return nil, errors.New("detection store: nil conn")
	}
	rows, err := s.conn.Query(ctx, `
SELECT timestamp, device_id, server, mode
FROM trap_detections
WHERE device_id = ? AND server = ? AND timestamp >= ? AND timestamp < ?
ORDER BY timestamp DESC`, deviceID, server, from, to)
	if err != nil {
		return nil, fmt.Errorf("detection store: query: %w", err)
	}
	defer rows.Close()

	var result []Detection
	for rows.Next() {
		var detection Detection
		if err := rows.Scan(
			&detection.Timestamp,
			&detection.DeviceID,
			&detection.Server,
			&detection.Mode,
		); err != nil {
			return nil, err
		}
		result = append(result, detection)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Close releases the connection.
func (s *DetectionStore) Close() error {
	if s == nil || s.conn == nil {
		return nil
	}
	return s.conn.Close()
}
