package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// WorkerRow mirrors one live registry entry
type WorkerRow struct {
	Addr         string    `db:"addr"`
	Kind         string    `db:"kind"`
	Name         string    `db:"name"`
	Device       string    `db:"device"`
	Arch         string    `db:"arch"`
	CPUInfo      string    `db:"cpu_info"`
	CPUCount     int       `db:"cpu_count"`
	CUDADevices  []string  `db:"cuda_devices"`
	RegisteredAt time.Time `db:"registered_at"`
}

// UpsertWorker writes (or overwrites) the row for w.Addr
func (d *DB) UpsertWorker(ctx context.Context, w WorkerRow) error {
	cuda, err := json.Marshal(nonNil(w.CUDADevices))
	if err != nil {
		return fmt.Errorf("failed to encode cuda devices: %w", err)
	}
	_, err = d.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO workers (addr, kind, name, device, arch, cpu_info, cpu_count, cuda_devices, registered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, w.Addr, w.Kind, w.Name, w.Device, w.Arch, w.CPUInfo, w.CPUCount, string(cuda), w.RegisteredAt)
	if err != nil {
		return fmt.Errorf("failed to save worker %s: %w", w.Addr, err)
	}
	return nil
}

// DeleteWorker removes the row for addr. Missing rows are not an error.
func (d *DB) DeleteWorker(ctx context.Context, addr string) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM workers WHERE addr = ?`, addr); err != nil {
		return fmt.Errorf("failed to delete worker %s: %w", addr, err)
	}
	return nil
}

// ClearWorkers removes all rows. Called at startup: no worker survives a hub restart.
func (d *DB) ClearWorkers(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM workers`); err != nil {
		return fmt.Errorf("failed to clear workers: %w", err)
	}
	return nil
}

// ListWorkerRows returns persisted rows ordered by address
func (d *DB) ListWorkerRows(ctx context.Context) ([]WorkerRow, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT addr, kind, name, device, arch, cpu_info, cpu_count, cuda_devices, registered_at
		FROM workers ORDER BY addr
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	defer rows.Close()

	var out []WorkerRow
	for rows.Next() {
		var (
			w    WorkerRow
			cuda string
		)
		if err := rows.Scan(&w.Addr, &w.Kind, &w.Name, &w.Device, &w.Arch, &w.CPUInfo,
			&w.CPUCount, &cuda, &w.RegisteredAt); err != nil {
			return nil, fmt.Errorf("failed to scan worker: %w", err)
		}
		if err := json.Unmarshal([]byte(cuda), &w.CUDADevices); err != nil {
			return nil, fmt.Errorf("failed to decode cuda devices for %s: %w", w.Addr, err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
