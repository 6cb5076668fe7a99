package sample

import "time"

// DateLayout is the calendar-date key used by aggregates and exports.
const DateLayout = "2006-01-02"

// Reading is one accepted sensor value as it arrived from the feed.
// Readings are bulk-persisted by the ingestion adapter for audit and
// replay; they are not consumed by the aggregation path.
type Reading struct {
	ID         int64     `json:"id"`
	Value      float64   `json:"value"`
	CapturedAt time.Time `json:"captured_at"`
}

// RawSample is one minute-reduced value produced by the reducer.
// The aggregator consumes samples in timestamp order; Consumed marks a
// sample as used by exactly one window aggregate.
type RawSample struct {
	ID         int64     `json:"id"`
	Value      float64   `json:"value"`
	CapturedAt time.Time `json:"captured_at"`
	Consumed   bool      `json:"consumed"`
}

// WindowAggregate is the statistical summary of one fixed-count window
// of raw samples. At most one aggregate exists per (Date, Slot).
type WindowAggregate struct {
	ID            int64     `json:"id"`
	Date          string    `json:"date"` // "2006-01-02"
	Slot          string    `json:"slot"` // "08:10-08:20"
	Mean          float64   `json:"mean"`
	Median        float64   `json:"median"`
	Mode          float64   `json:"mode"`
	Min           float64   `json:"min"`
	Max           float64   `json:"max"`
	SampleCount   int       `json:"sample_count"`
	ExportedDaily bool      `json:"exported_daily"`
	ExportedBatch bool      `json:"exported_batch"`
	BatchID       string    `json:"batch_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// DailyExport records one completed daily roll-up. Unique per Date.
type DailyExport struct {
	ID              int64     `json:"id"`
	Date            string    `json:"date"`
	CSVPath         string    `json:"csv_path"`
	SpreadsheetPath string    `json:"spreadsheet_path"`
	RecordCount     int       `json:"record_count"`
	Mean            float64   `json:"mean"`
	Min             float64   `json:"min"`
	Max             float64   `json:"max"`
	ExportedAt      time.Time `json:"exported_at"`
}

// BatchExport records one completed six-hour roll-up. Unique per BatchID.
type BatchExport struct {
	ID              int64     `json:"id"`
	BatchID         string    `json:"batch_id"` // "2006-01-02_06-12"
	Date            string    `json:"date"`
	Bucket          string    `json:"bucket"` // "00-06", "06-12", "12-18", "18-24"
	CSVPath         string    `json:"csv_path"`
	SpreadsheetPath string    `json:"spreadsheet_path"`
	RecordCount     int       `json:"record_count"`
	Mean            float64   `json:"mean"`
	Min             float64   `json:"min"`
	Max             float64   `json:"max"`
	ExportedAt      time.Time `json:"exported_at"`
}
