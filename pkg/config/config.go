package config

import "time"

// Server defaults
const (
	DefaultPort      = 8080
	DefaultDataDir   = "./data/tinypipe"
	DefaultExportDir = "./data/exports"
)

// Ingestion limits
const (
	MinPlausibleValue = -50.0
	MaxPlausibleValue = 150.0

	MaxSaveQueue    = 5000
	SaveBatchSize   = 200
	SaveInterval    = 5 * time.Second
	MaxMinuteBuffer = 1000
)

// Feed reconnection
const (
	ReconnectDelay       = 5 * time.Second
	MaxReconnectAttempts = 10
)

// Windowing
const (
	WindowSize         = 10
	SlotMinutes        = 10
	FallbackFlushEvery = 15 * time.Second
)

// Export schedule
const (
	DailyExportHour  = 1 // exports the prior calendar date
	DailyCheckEvery  = 5 * time.Minute
	BatchCheckEvery  = 30 * time.Minute
	ExpectedPerBatch = 36 // 6h of 10-minute slots
)

// Retention horizons
const (
	CleanupInterval    = 1 * time.Hour
	SampleRetention    = 24 * time.Hour
	AggregateRetention = 7 * 24 * time.Hour
	ExportRetention    = 30 * 24 * time.Hour
)

// Shutdown
const (
	ShutdownTimeout = 30 * time.Second
)

// Journal maintenance
const (
	JournalGCInterval = 10 * time.Minute
)
