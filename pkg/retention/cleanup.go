package retention

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/tinypipe/tinypipe/pkg/gateway"
)

// Cleaner purges data that has aged past its retention horizon.
//
// The core safety invariant is export-before-delete: aggregates are
// only deleted once both export flags are set, and samples only after
// they have been consumed into an aggregate. Unexported data survives
// every horizon.
type Cleaner struct {
	gw gateway.Gateway

	sampleTTL    time.Duration
	aggregateTTL time.Duration
	exportTTL    time.Duration
}

// New creates a cleaner with the three retention horizons.
func New(gw gateway.Gateway, sampleTTL, aggregateTTL, exportTTL time.Duration) *Cleaner {
	return &Cleaner{gw: gw, sampleTTL: sampleTTL, aggregateTTL: aggregateTTL, exportTTL: exportTTL}
}

// Run performs one cleanup pass. Each step is retried per the gateway
// policy; a failing step is logged and the remaining steps still run.
func (c *Cleaner) Run(ctx context.Context, now time.Time) error {
	var errs []error

	var samples int64
	err := gateway.Retry(ctx, "delete consumed samples", gateway.DefaultAttempts, gateway.DefaultBaseDelay,
		func(ctx context.Context) error {
			var err error
			samples, err = c.gw.DeleteConsumedSamplesBefore(ctx, now.Add(-c.sampleTTL))
			return err
		})
	if err != nil {
		errs = append(errs, err)
	}

	var readings int64
	err = gateway.Retry(ctx, "delete old readings", gateway.DefaultAttempts, gateway.DefaultBaseDelay,
		func(ctx context.Context) error {
			var err error
			readings, err = c.gw.DeleteReadingsBefore(ctx, now.Add(-c.sampleTTL))
			return err
		})
	if err != nil {
		errs = append(errs, err)
	}

	var aggregates int64
	err = gateway.Retry(ctx, "delete exported aggregates", gateway.DefaultAttempts, gateway.DefaultBaseDelay,
		func(ctx context.Context) error {
			var err error
			aggregates, err = c.gw.DeleteExportedAggregatesBefore(ctx, now.Add(-c.aggregateTTL))
			return err
		})
	if err != nil {
		errs = append(errs, err)
	}

	var paths []string
	err = gateway.Retry(ctx, "delete old exports", gateway.DefaultAttempts, gateway.DefaultBaseDelay,
		func(ctx context.Context) error {
			var err error
			paths, err = c.gw.DeleteExportsBefore(ctx, now.Add(-c.exportTTL))
			return err
		})
	if err != nil {
		errs = append(errs, err)
	}

	// Records first, then files: a dangling file is harmless, a record
	// pointing at a missing file is not.
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Printf("Cleanup could not remove export file %s: %v", path, err)
		}
	}

	if samples+readings+aggregates > 0 || len(paths) > 0 {
		log.Printf("Cleanup removed %d samples, %d readings, %d aggregates, %d export files",
			samples, readings, aggregates, len(paths))
	}

	if len(errs) > 0 {
		return fmt.Errorf("cleanup finished with errors: %w", errors.Join(errs...))
	}
	return nil
}
