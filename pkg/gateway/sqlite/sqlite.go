package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tinypipe/tinypipe/pkg/sample"
)

// Gateway implements gateway.Gateway on SQLite.
//
// The write connection is limited to 1 open conn to serialize writes
// (SQLite requirement); the read pool allows concurrent reads via WAL.
type Gateway struct {
	write *sql.DB
	read  *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS readings (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	value       REAL NOT NULL,
	captured_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_readings_captured ON readings(captured_at);

CREATE TABLE IF NOT EXISTS raw_samples (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	value       REAL NOT NULL,
	captured_at TEXT NOT NULL,
	consumed    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_samples_consumed ON raw_samples(consumed, captured_at);

CREATE TABLE IF NOT EXISTS window_aggregates (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	date           TEXT NOT NULL,
	slot           TEXT NOT NULL,
	mean           REAL NOT NULL,
	median         REAL NOT NULL,
	mode           REAL NOT NULL,
	min            REAL NOT NULL,
	max            REAL NOT NULL,
	sample_count   INTEGER NOT NULL,
	exported_daily INTEGER NOT NULL DEFAULT 0,
	exported_batch INTEGER NOT NULL DEFAULT 0,
	batch_id       TEXT,
	created_at     TEXT NOT NULL,
	UNIQUE(date, slot)
);

CREATE TABLE IF NOT EXISTS daily_exports (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	date             TEXT NOT NULL UNIQUE,
	csv_path         TEXT NOT NULL,
	spreadsheet_path TEXT NOT NULL,
	record_count     INTEGER NOT NULL,
	mean             REAL NOT NULL,
	min              REAL NOT NULL,
	max              REAL NOT NULL,
	exported_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS batch_exports (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	batch_id         TEXT NOT NULL UNIQUE,
	date             TEXT NOT NULL,
	bucket           TEXT NOT NULL,
	csv_path         TEXT NOT NULL,
	spreadsheet_path TEXT NOT NULL,
	record_count     INTEGER NOT NULL,
	mean             REAL NOT NULL,
	min              REAL NOT NULL,
	max              REAL NOT NULL,
	exported_at      TEXT NOT NULL
);
`

// Open creates or opens the pipeline database at dataDir/pipeline.db,
// configures WAL mode, and applies the schema.
func Open(dataDir string) (*Gateway, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "pipeline.db")

	writeDB, err := openConn(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open write connection: %w", err)
	}
	writeDB.SetMaxOpenConns(1)

	readDB, err := openConn(dbPath)
	if err != nil {
		writeDB.Close()
		return nil, fmt.Errorf("open read connection: %w", err)
	}

	if _, err := writeDB.Exec(schema); err != nil {
		writeDB.Close()
		readDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Gateway{write: writeDB, read: readDB}, nil
}

func openConn(path string) (*sql.DB, error) {
	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Close closes both connection pools.
func (g *Gateway) Close() error {
	rerr := g.read.Close()
	werr := g.write.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// InsertReadings bulk-inserts readings in one transaction.
func (g *Gateway) InsertReadings(ctx context.Context, readings []sample.Reading) error {
	if len(readings) == 0 {
		return nil
	}

	tx, err := g.write.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert readings: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO readings (value, captured_at) VALUES (?, ?)")
	if err != nil {
		return fmt.Errorf("prepare insert readings: %w", err)
	}
	defer stmt.Close()

	for _, r := range readings {
		if _, err := stmt.ExecContext(ctx, r.Value, formatTime(r.CapturedAt)); err != nil {
			return fmt.Errorf("insert reading: %w", err)
		}
	}

	return tx.Commit()
}

// InsertReading inserts one reading. Used as the per-record fallback
// when a bulk insert fails.
func (g *Gateway) InsertReading(ctx context.Context, r sample.Reading) error {
	_, err := g.write.ExecContext(ctx,
		"INSERT INTO readings (value, captured_at) VALUES (?, ?)",
		r.Value, formatTime(r.CapturedAt))
	if err != nil {
		return fmt.Errorf("insert reading: %w", err)
	}
	return nil
}

// DeleteReadingsBefore removes readings captured before cutoff.
func (g *Gateway) DeleteReadingsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := g.write.ExecContext(ctx,
		"DELETE FROM readings WHERE captured_at < ?", formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete readings: %w", err)
	}
	return res.RowsAffected()
}

// InsertRawSample persists one minute-reduced sample.
func (g *Gateway) InsertRawSample(ctx context.Context, s sample.RawSample) error {
	_, err := g.write.ExecContext(ctx,
		"INSERT INTO raw_samples (value, captured_at, consumed) VALUES (?, ?, 0)",
		s.Value, formatTime(s.CapturedAt))
	if err != nil {
		return fmt.Errorf("insert raw sample: %w", err)
	}
	return nil
}

// ListUnconsumedSamples returns unconsumed samples oldest-first.
func (g *Gateway) ListUnconsumedSamples(ctx context.Context, limit int) ([]sample.RawSample, error) {
	query := "SELECT id, value, captured_at FROM raw_samples WHERE consumed = 0 ORDER BY captured_at, id"
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := g.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list unconsumed samples: %w", err)
	}
	defer rows.Close()

	var samples []sample.RawSample
	for rows.Next() {
		var s sample.RawSample
		var capturedAt string
		if err := rows.Scan(&s.ID, &s.Value, &capturedAt); err != nil {
			return nil, fmt.Errorf("scan raw sample: %w", err)
		}
		s.CapturedAt = parseTime(capturedAt)
		samples = append(samples, s)
	}
	return samples, rows.Err()
}

// ConsumeSamples flags samples as consumed without creating an
// aggregate. Used on the duplicate-window path.
func (g *Gateway) ConsumeSamples(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query := "UPDATE raw_samples SET consumed = 1 WHERE id IN (" + placeholders(len(ids)) + ")"
	if _, err := g.write.ExecContext(ctx, query, idArgs(ids)...); err != nil {
		return fmt.Errorf("consume samples: %w", err)
	}
	return nil
}

// CreateAggregate inserts the aggregate and consumes its samples in
// one transaction.
func (g *Gateway) CreateAggregate(ctx context.Context, agg sample.WindowAggregate, consumeIDs []int64) error {
	tx, err := g.write.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create aggregate: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO window_aggregates
		(date, slot, mean, median, mode, min, max, sample_count, exported_daily, exported_batch, batch_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 0, NULL, ?)`,
		agg.Date, agg.Slot, agg.Mean, agg.Median, agg.Mode, agg.Min, agg.Max,
		agg.SampleCount, formatTime(agg.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert aggregate %s %s: %w", agg.Date, agg.Slot, err)
	}

	if len(consumeIDs) > 0 {
		query := "UPDATE raw_samples SET consumed = 1 WHERE id IN (" + placeholders(len(consumeIDs)) + ")"
		if _, err := tx.ExecContext(ctx, query, idArgs(consumeIDs)...); err != nil {
			return fmt.Errorf("consume samples for %s %s: %w", agg.Date, agg.Slot, err)
		}
	}

	return tx.Commit()
}

// DeleteConsumedSamplesBefore removes consumed samples older than cutoff.
func (g *Gateway) DeleteConsumedSamplesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := g.write.ExecContext(ctx,
		"DELETE FROM raw_samples WHERE consumed = 1 AND captured_at < ?", formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete consumed samples: %w", err)
	}
	return res.RowsAffected()
}

const aggregateColumns = "id, date, slot, mean, median, mode, min, max, sample_count, exported_daily, exported_batch, COALESCE(batch_id, ''), created_at"

func scanAggregate(row interface{ Scan(...any) error }) (sample.WindowAggregate, error) {
	var a sample.WindowAggregate
	var createdAt string
	err := row.Scan(&a.ID, &a.Date, &a.Slot, &a.Mean, &a.Median, &a.Mode, &a.Min, &a.Max,
		&a.SampleCount, &a.ExportedDaily, &a.ExportedBatch, &a.BatchID, &createdAt)
	if err != nil {
		return a, err
	}
	a.CreatedAt = parseTime(createdAt)
	return a, nil
}

// FindAggregate returns the aggregate for (date, slot), or nil if none.
func (g *Gateway) FindAggregate(ctx context.Context, date, slot string) (*sample.WindowAggregate, error) {
	row := g.read.QueryRowContext(ctx,
		"SELECT "+aggregateColumns+" FROM window_aggregates WHERE date = ? AND slot = ?", date, slot)
	a, err := scanAggregate(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find aggregate %s %s: %w", date, slot, err)
	}
	return &a, nil
}

func (g *Gateway) listAggregates(ctx context.Context, query string, args ...any) ([]sample.WindowAggregate, error) {
	rows, err := g.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var aggs []sample.WindowAggregate
	for rows.Next() {
		a, err := scanAggregate(rows)
		if err != nil {
			return nil, err
		}
		aggs = append(aggs, a)
	}
	return aggs, rows.Err()
}

// ListUnexportedDaily returns aggregates for date not yet covered by a
// daily export, ordered by slot.
func (g *Gateway) ListUnexportedDaily(ctx context.Context, date string) ([]sample.WindowAggregate, error) {
	aggs, err := g.listAggregates(ctx,
		"SELECT "+aggregateColumns+" FROM window_aggregates WHERE date = ? AND exported_daily = 0 ORDER BY slot", date)
	if err != nil {
		return nil, fmt.Errorf("list unexported daily %s: %w", date, err)
	}
	return aggs, nil
}

// ListUnexportedBatch returns un-batch-exported aggregates for date
// whose slot starts within [slotFrom, slotTo). Zero-padded HH:MM slot
// labels compare correctly as strings.
func (g *Gateway) ListUnexportedBatch(ctx context.Context, date, slotFrom, slotTo string) ([]sample.WindowAggregate, error) {
	aggs, err := g.listAggregates(ctx,
		`SELECT `+aggregateColumns+` FROM window_aggregates
		 WHERE date = ? AND exported_batch = 0 AND substr(slot, 1, 5) >= ? AND substr(slot, 1, 5) < ?
		 ORDER BY slot`, date, slotFrom, slotTo)
	if err != nil {
		return nil, fmt.Errorf("list unexported batch %s [%s, %s): %w", date, slotFrom, slotTo, err)
	}
	return aggs, nil
}

// MarkDailyExported flags aggregates as covered by a daily export.
func (g *Gateway) MarkDailyExported(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query := "UPDATE window_aggregates SET exported_daily = 1 WHERE id IN (" + placeholders(len(ids)) + ")"
	if _, err := g.write.ExecContext(ctx, query, idArgs(ids)...); err != nil {
		return fmt.Errorf("mark daily exported: %w", err)
	}
	return nil
}

// MarkBatchExported flags aggregates as covered by the given batch export.
func (g *Gateway) MarkBatchExported(ctx context.Context, ids []int64, batchID string) error {
	if len(ids) == 0 {
		return nil
	}
	args := append([]any{batchID}, idArgs(ids)...)
	query := "UPDATE window_aggregates SET exported_batch = 1, batch_id = ? WHERE id IN (" + placeholders(len(ids)) + ")"
	if _, err := g.write.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("mark batch exported %s: %w", batchID, err)
	}
	return nil
}

// DeleteExportedAggregatesBefore removes aggregates created before
// cutoff that have been through both export paths. Unexported
// aggregates are never deleted here, whatever their age.
func (g *Gateway) DeleteExportedAggregatesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := g.write.ExecContext(ctx,
		"DELETE FROM window_aggregates WHERE exported_daily = 1 AND exported_batch = 1 AND created_at < ?",
		formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete exported aggregates: %w", err)
	}
	return res.RowsAffected()
}

// FindDailyExport returns the export record for date, or nil if none.
func (g *Gateway) FindDailyExport(ctx context.Context, date string) (*sample.DailyExport, error) {
	row := g.read.QueryRowContext(ctx,
		`SELECT id, date, csv_path, spreadsheet_path, record_count, mean, min, max, exported_at
		 FROM daily_exports WHERE date = ?`, date)

	var e sample.DailyExport
	var exportedAt string
	err := row.Scan(&e.ID, &e.Date, &e.CSVPath, &e.SpreadsheetPath, &e.RecordCount, &e.Mean, &e.Min, &e.Max, &exportedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find daily export %s: %w", date, err)
	}
	e.ExportedAt = parseTime(exportedAt)
	return &e, nil
}

// InsertDailyExport creates the daily export record. The UNIQUE(date)
// constraint backs up the caller's lookup-before-create.
func (g *Gateway) InsertDailyExport(ctx context.Context, e sample.DailyExport) error {
	_, err := g.write.ExecContext(ctx,
		`INSERT INTO daily_exports (date, csv_path, spreadsheet_path, record_count, mean, min, max, exported_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Date, e.CSVPath, e.SpreadsheetPath, e.RecordCount, e.Mean, e.Min, e.Max, formatTime(e.ExportedAt))
	if err != nil {
		return fmt.Errorf("insert daily export %s: %w", e.Date, err)
	}
	return nil
}

// FindBatchExport returns the export record for batchID, or nil if none.
func (g *Gateway) FindBatchExport(ctx context.Context, batchID string) (*sample.BatchExport, error) {
	row := g.read.QueryRowContext(ctx,
		`SELECT id, batch_id, date, bucket, csv_path, spreadsheet_path, record_count, mean, min, max, exported_at
		 FROM batch_exports WHERE batch_id = ?`, batchID)

	var e sample.BatchExport
	var exportedAt string
	err := row.Scan(&e.ID, &e.BatchID, &e.Date, &e.Bucket, &e.CSVPath, &e.SpreadsheetPath,
		&e.RecordCount, &e.Mean, &e.Min, &e.Max, &exportedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find batch export %s: %w", batchID, err)
	}
	e.ExportedAt = parseTime(exportedAt)
	return &e, nil
}

// InsertBatchExport creates the batch export record. Unique per batch id.
func (g *Gateway) InsertBatchExport(ctx context.Context, e sample.BatchExport) error {
	_, err := g.write.ExecContext(ctx,
		`INSERT INTO batch_exports (batch_id, date, bucket, csv_path, spreadsheet_path, record_count, mean, min, max, exported_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.BatchID, e.Date, e.Bucket, e.CSVPath, e.SpreadsheetPath, e.RecordCount, e.Mean, e.Min, e.Max, formatTime(e.ExportedAt))
	if err != nil {
		return fmt.Errorf("insert batch export %s: %w", e.BatchID, err)
	}
	return nil
}

// DeleteExportsBefore removes daily and batch export records exported
// before cutoff and returns the file paths they referenced.
func (g *Gateway) DeleteExportsBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	cut := formatTime(cutoff)

	var paths []string
	collect := func(query string) error {
		rows, err := g.read.QueryContext(ctx, query, cut)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var csvPath, xlsxPath string
			if err := rows.Scan(&csvPath, &xlsxPath); err != nil {
				return err
			}
			paths = append(paths, csvPath, xlsxPath)
		}
		return rows.Err()
	}

	if err := collect("SELECT csv_path, spreadsheet_path FROM daily_exports WHERE exported_at < ?"); err != nil {
		return nil, fmt.Errorf("collect old daily exports: %w", err)
	}
	if err := collect("SELECT csv_path, spreadsheet_path FROM batch_exports WHERE exported_at < ?"); err != nil {
		return nil, fmt.Errorf("collect old batch exports: %w", err)
	}

	if _, err := g.write.ExecContext(ctx, "DELETE FROM daily_exports WHERE exported_at < ?", cut); err != nil {
		return nil, fmt.Errorf("delete old daily exports: %w", err)
	}
	if _, err := g.write.ExecContext(ctx, "DELETE FROM batch_exports WHERE exported_at < ?", cut); err != nil {
		return nil, fmt.Errorf("delete old batch exports: %w", err)
	}

	return paths, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func idArgs(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
