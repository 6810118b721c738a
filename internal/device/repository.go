package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// timeFormat is fixed-width so TEXT columns sort chronologically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// defaultTransferLimit caps ListTransfers when no limit is given.
const defaultTransferLimit = 50

// Repository persists gadget history.
type Repository interface {
	// Upsert records a sighting. A new ID gets first_seen=seenAt; an
	// existing one has its address and last_seen updated and removed_at
	// cleared.
	Upsert(ctx context.Context, id, address string, seenAt time.Time) error

	// MarkRemoved stamps removed_at. Returns ErrDeviceNotFound for unknown IDs.
	MarkRemoved(ctx context.Context, id string, at time.Time) error

	// GetByID returns ErrDeviceNotFound for unknown IDs.
	GetByID(ctx context.Context, id string) (*Device, error)

	// List returns every device ordered by ID.
	List(ctx context.Context) ([]Device, error)

	// RecordTransfer stores a transfer report. Re-reporting the same
	// transfer ID and event is a no-op, and a finished transfer ignores
	// any later report.
	RecordTransfer(ctx context.Context, t Transfer) error

	// ListTransfers returns a device's reports, newest first.
	ListTransfers(ctx context.Context, deviceID string, limit int) ([]Transfer, error)
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a repository on an open, migrated connection.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Upsert records a sighting of id at address.
func (r *SQLiteRepository) Upsert(ctx context.Context, id, address string, seenAt time.Time) error {
	id = strings.TrimSpace(id)
	if id == "" || address == "" {
		return ErrInvalidDevice
	}
	ts := seenAt.UTC().Format(timeFormat)

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO devices (id, address, first_seen, last_seen, removed_at)
		VALUES (?, ?, ?, ?, NULL)
		ON CONFLICT(id) DO UPDATE SET
			address = excluded.address,
			last_seen = excluded.last_seen,
			removed_at = NULL`,
		id, address, ts, ts,
	)
	if err != nil {
		return fmt.Errorf("upserting device: %w", err)
	}
	return nil
}

// MarkRemoved records that id was pruned from the registry at at.
func (r *SQLiteRepository) MarkRemoved(ctx context.Context, id string, at time.Time) error {
	result, err := r.db.ExecContext(ctx,
		"UPDATE devices SET removed_at = ? WHERE id = ?",
		at.UTC().Format(timeFormat), id,
	)
	if err != nil {
		return fmt.Errorf("marking device removed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// GetByID returns the history row for id.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Device, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, address, first_seen, last_seen, removed_at
		FROM devices
		WHERE id = ?`, id)

	d, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device by id: %w", err)
	}
	return d, nil
}

// List returns every known device.
func (r *SQLiteRepository) List(ctx context.Context) ([]Device, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, address, first_seen, last_seen, removed_at
		FROM devices
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	devices := make([]Device, 0)
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		devices = append(devices, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return devices, nil
}

// RecordTransfer stores a transfer report from a gadget.
func (r *SQLiteRepository) RecordTransfer(ctx context.Context, t Transfer) error {
	if t.ID == "" || t.DeviceID == "" || t.Event == "" {
		return ErrInvalidTransfer
	}
	if t.ReportedAt.IsZero() {
		t.ReportedAt = time.Now()
	}

	var errText sql.NullString
	if t.Error != "" {
		errText = sql.NullString{String: t.Error, Valid: true}
	}

	// One row per transfer; a later event (completed/failed) replaces
	// started. A finished row is final, so a redelivered or late report
	// never rewinds it.
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO transfers (id, device_id, filename, backend, event, duration_ms, error, reported_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			event = excluded.event,
			duration_ms = excluded.duration_ms,
			error = excluded.error,
			reported_at = excluded.reported_at
		WHERE transfers.event = 'started'`,
		t.ID, t.DeviceID, t.Filename, t.Backend, t.Event, t.DurationMS, errText,
		t.ReportedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("recording transfer: %w", err)
	}
	return nil
}

// ListTransfers returns up to limit reports for deviceID, newest first.
// A non-positive limit selects the default.
func (r *SQLiteRepository) ListTransfers(ctx context.Context, deviceID string, limit int) ([]Transfer, error) {
	if limit <= 0 {
		limit = defaultTransferLimit
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, device_id, filename, backend, event, duration_ms, error, reported_at
		FROM transfers
		WHERE device_id = ?
		ORDER BY reported_at DESC
		LIMIT ?`, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying transfers: %w", err)
	}
	defer rows.Close()

	transfers := make([]Transfer, 0)
	for rows.Next() {
		var (
			t          Transfer
			errText    sql.NullString
			reportedAt string
		)
		if err := rows.Scan(&t.ID, &t.DeviceID, &t.Filename, &t.Backend, &t.Event,
			&t.DurationMS, &errText, &reportedAt); err != nil {
			return nil, fmt.Errorf("scanning transfer: %w", err)
		}
		t.Error = errText.String
		if t.ReportedAt, err = time.Parse(timeFormat, reportedAt); err != nil {
			return nil, fmt.Errorf("parsing reported_at: %w", err)
		}
		transfers = append(transfers, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating transfers: %w", err)
	}
	return transfers, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanDevice(s scanner) (*Device, error) {
	var (
		d                   Device
		firstSeen, lastSeen string
		removedAt           sql.NullString
	)
	if err := s.Scan(&d.ID, &d.Address, &firstSeen, &lastSeen, &removedAt); err != nil {
		return nil, err
	}

	var err error
	if d.FirstSeen, err = time.Parse(timeFormat, firstSeen); err != nil {
		return nil, fmt.Errorf("parsing first_seen: %w", err)
	}
	if d.LastSeen, err = time.Parse(timeFormat, lastSeen); err != nil {
		return nil, fmt.Errorf("parsing last_seen: %w", err)
	}
	if removedAt.Valid {
		t, err := time.Parse(timeFormat, removedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing removed_at: %w", err)
		}
		d.RemovedAt = &t
	}
	return &d, nil
}
