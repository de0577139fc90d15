// Package store persists device snapshots and rule execution records
// in sqlite. Snapshots are append-only and time-indexed; a companion
// cleanup task enforces retention.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"fieldgate/internal/gateway"

	_ "modernc.org/sqlite"
)

// SnapshotStore is the sqlite-backed snapshot archive.
type SnapshotStore struct {
	db   *sql.DB
	path string
}

// Open creates or opens the snapshot database at path.
func Open(path string) (*SnapshotStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set snapshot db journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set snapshot db busy timeout: %w", err)
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS snapshots (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	device_id TEXT NOT NULL,
	model TEXT NOT NULL,
	slave_id INTEGER NOT NULL,
	device_type TEXT NOT NULL,
	sampled_at INTEGER NOT NULL,
	is_online INTEGER NOT NULL,
	is_virtual INTEGER NOT NULL,
	values_json TEXT NOT NULL
)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize snapshot schema: %w", err)
	}
	for _, idx := range []string{
		`CREATE INDEX IF NOT EXISTS idx_snapshots_device_time ON snapshots (device_id, sampled_at)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_time ON snapshots (sampled_at)`,
	} {
		if _, err := db.Exec(idx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create snapshot index: %w", err)
		}
	}

	return &SnapshotStore{db: db, path: path}, nil
}

func (s *SnapshotStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Insert appends one snapshot.
func (s *SnapshotStore) Insert(ctx context.Context, snap gateway.Snapshot) error {
	payload, err := json.Marshal(snap.Values)
	if err != nil {
		return fmt.Errorf("marshal snapshot values: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snapshots (device_id, model, slave_id, device_type, sampled_at, is_online, is_virtual, values_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.DeviceID, snap.Model, snap.SlaveID, snap.DeviceType,
		snap.SampledAt.UnixMilli(), boolInt(snap.IsOnline), boolInt(snap.IsVirtual),
		string(payload),
	)
	if err != nil {
		return fmt.Errorf("insert snapshot for %s: %w", snap.DeviceID, err)
	}
	return nil
}

// Page wraps one page of a time-range query with pagination metadata.
type Page struct {
	Snapshots      []gateway.Snapshot
	TotalCount     int
	PageNumber     int
	TotalPages     int
	HasNext        bool
	HasPrevious    bool
	NextOffset     int
	PreviousOffset int
}

// TimeRange returns snapshots for the device inside [start, end] in
// sampling-time order, paginated by limit and offset.
func (s *SnapshotStore) TimeRange(ctx context.Context, deviceID string, start, end time.Time, limit, offset int) (Page, error) {
	if start.After(end) {
		return Page{}, fmt.Errorf("time range start %s after end %s", start, end)
	}
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	total, err := s.CountInTimeRange(ctx, deviceID, start, end)
	if err != nil {
		return Page{}, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT device_id, model, slave_id, device_type, sampled_at, is_online, is_virtual, values_json
		 FROM snapshots
		 WHERE device_id = ? AND sampled_at >= ? AND sampled_at <= ?
		 ORDER BY sampled_at ASC
		 LIMIT ? OFFSET ?`,
		deviceID, start.UnixMilli(), end.UnixMilli(), limit, offset)
	if err != nil {
		return Page{}, fmt.Errorf("query snapshot range for %s: %w", deviceID, err)
	}
	defer rows.Close()

	snaps, err := scanSnapshots(rows)
	if err != nil {
		return Page{}, err
	}

	page := Page{
		Snapshots:  snaps,
		TotalCount: total,
		PageNumber: offset/limit + 1,
		TotalPages: (total + limit - 1) / limit,
	}
	if page.TotalPages == 0 {
		page.TotalPages = 1
	}
	if offset+len(snaps) < total {
		page.HasNext = true
		page.NextOffset = offset + limit
	}
	if offset > 0 {
		page.HasPrevious = true
		page.PreviousOffset = offset - limit
		if page.PreviousOffset < 0 {
			page.PreviousOffset = 0
		}
	}
	return page, nil
}

// CountInTimeRange reports the total rows the matching TimeRange query
// would cover.
func (s *SnapshotStore) CountInTimeRange(ctx context.Context, deviceID string, start, end time.Time) (int, error) {
	if start.After(end) {
		return 0, fmt.Errorf("time range start %s after end %s", start, end)
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM snapshots WHERE device_id = ? AND sampled_at >= ? AND sampled_at <= ?`,
		deviceID, start.UnixMilli(), end.UnixMilli()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count snapshots for %s: %w", deviceID, err)
	}
	return n, nil
}

// LatestByDevice returns the newest snapshots for one device, newest
// first.
func (s *SnapshotStore) LatestByDevice(ctx context.Context, deviceID string, limit int) ([]gateway.Snapshot, error) {
	if limit <= 0 {
		limit = 1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT device_id, model, slave_id, device_type, sampled_at, is_online, is_virtual, values_json
		 FROM snapshots WHERE device_id = ?
		 ORDER BY sampled_at DESC LIMIT ?`,
		deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("query latest snapshots for %s: %w", deviceID, err)
	}
	defer rows.Close()
	return scanSnapshots(rows)
}

// AllRecent returns every snapshot sampled in the last given minutes.
func (s *SnapshotStore) AllRecent(ctx context.Context, minutes int) ([]gateway.Snapshot, error) {
	cutoff := time.Now().Add(-time.Duration(minutes) * time.Minute).UnixMilli()
	rows, err := s.db.QueryContext(ctx,
		`SELECT device_id, model, slave_id, device_type, sampled_at, is_online, is_virtual, values_json
		 FROM snapshots WHERE sampled_at >= ?
		 ORDER BY sampled_at ASC`,
		cutoff)
	if err != nil {
		return nil, fmt.Errorf("query recent snapshots: %w", err)
	}
	defer rows.Close()
	return scanSnapshots(rows)
}

// DBStats is the archive's summary view.
type DBStats struct {
	TotalCount    int
	EarliestTS    time.Time
	LatestTS      time.Time
	FileSizeBytes int64
}

// Stats summarizes the archive.
func (s *SnapshotStore) Stats(ctx context.Context) (DBStats, error) {
	var st DBStats
	var earliest, latest sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), MIN(sampled_at), MAX(sampled_at) FROM snapshots`).
		Scan(&st.TotalCount, &earliest, &latest)
	if err != nil {
		return DBStats{}, fmt.Errorf("query snapshot stats: %w", err)
	}
	if earliest.Valid {
		st.EarliestTS = time.UnixMilli(earliest.Int64)
	}
	if latest.Valid {
		st.LatestTS = time.UnixMilli(latest.Int64)
	}
	if info, err := os.Stat(s.path); err == nil {
		st.FileSizeBytes = info.Size()
	}
	return st, nil
}

// CleanupOldSnapshots deletes rows sampled before now minus the
// retention and returns the deleted count.
func (s *SnapshotStore) CleanupOldSnapshots(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays).UnixMilli()
	res, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE sampled_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup old snapshots: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count cleaned snapshots: %w", err)
	}
	return n, nil
}

// Vacuum reclaims file space after large deletions.
func (s *SnapshotStore) Vacuum(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
		return fmt.Errorf("vacuum snapshot db: %w", err)
	}
	return nil
}

// CleanupConfig drives the periodic retention task.
type CleanupConfig struct {
	Interval       time.Duration
	VacuumInterval time.Duration
	RetentionDays  int
}

// RunCleanup deletes expired rows on Interval and vacuums on the
// longer VacuumInterval until ctx is done.
func (s *SnapshotStore) RunCleanup(ctx context.Context, cfg CleanupConfig) error {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.VacuumInterval <= 0 {
		cfg.VacuumInterval = 24 * time.Hour
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 30
	}

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	lastVacuum := time.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			deleted, err := s.CleanupOldSnapshots(ctx, cfg.RetentionDays)
			if err != nil {
				slog.Warn("snapshot cleanup failed", "error", err)
				continue
			}
			if deleted > 0 {
				slog.Info("snapshot cleanup", "deleted", deleted, "retention_days", cfg.RetentionDays)
			}
			if time.Since(lastVacuum) >= cfg.VacuumInterval {
				if err := s.Vacuum(ctx); err != nil {
					slog.Warn("snapshot vacuum failed", "error", err)
					continue
				}
				lastVacuum = time.Now()
			}
		}
	}
}

func scanSnapshots(rows *sql.Rows) ([]gateway.Snapshot, error) {
	out := make([]gateway.Snapshot, 0)
	for rows.Next() {
		var snap gateway.Snapshot
		var sampledAt int64
		var online, virtual int
		var valuesJSON string
		if err := rows.Scan(&snap.DeviceID, &snap.Model, &snap.SlaveID, &snap.DeviceType,
			&sampledAt, &online, &virtual, &valuesJSON); err != nil {
			return nil, fmt.Errorf("scan snapshot row: %w", err)
		}
		snap.SampledAt = time.UnixMilli(sampledAt)
		snap.IsOnline = online != 0
		snap.IsVirtual = virtual != 0
		if err := json.Unmarshal([]byte(valuesJSON), &snap.Values); err != nil {
			return nil, fmt.Errorf("unmarshal snapshot values for %s: %w", snap.DeviceID, err)
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshot rows: %w", err)
	}
	return out, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
