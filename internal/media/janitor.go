package media

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	// staleAfter is how long an unreleased staged file may live before the
	// janitor assumes its turn died. It comfortably exceeds the longest job timeout.
	staleAfter = time.Hour
	sweepBatch = 100
)

// Janitor periodically releases staged files whose turn never released them.
type Janitor struct {
	ledger  Ledger
	stagers map[string]Stager
	logger  *zap.Logger
	cron    *cron.Cron
	now     func() time.Time
}

// NewJanitor builds a janitor. stagers maps ledger provider names to the
// un-tracked provider stager used to delete remote files.
func NewJanitor(ledger Ledger, stagers map[string]Stager, logger *zap.Logger) *Janitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Janitor{
		ledger:  ledger,
		stagers: stagers,
		logger:  logger.With(zap.String("component", "staging-janitor")),
		now:     time.Now,
	}
}

// Start schedules Sweep on a cron spec such as "@every 1h".
func (j *Janitor) Start(spec string) error {
	c := cron.New()
	if _, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if n, err := j.Sweep(ctx); err != nil {
			j.logger.Error("Staged file sweep failed", zap.Error(err))
		} else if n > 0 {
			j.logger.Info("Released stale staged files", zap.Int("count", n))
		}
	}); err != nil {
		return fmt.Errorf("schedule staged file sweep %q: %w", spec, err)
	}
	c.Start()
	j.cron = c
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	if j.cron == nil {
		return
	}
	<-j.cron.Stop().Done()
}

// Sweep releases stale staged files and returns how many were settled.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	now := j.now()
	files, err := j.ledger.ListStaleStagedFiles(ctx, now.Add(-staleAfter), sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("list stale staged files: %w", err)
	}
	settled := 0
	for _, f := range files {
		if ctx.Err() != nil {
			return settled, ctx.Err()
		}
		if !f.Handle.ExpiresAt.IsZero() && f.Handle.ExpiresAt.Before(now) {
			// The provider already dropped it.
			if err := j.ledger.MarkStagedFileReleased(ctx, f.Handle.ID, now); err != nil {
				return settled, fmt.Errorf("mark expired staged file %s: %w", f.Handle.ID, err)
			}
			settled++
			continue
		}
		stager, ok := j.stagers[f.Provider]
		if !ok {
			j.logger.Warn("No stager for staged file provider", zap.String("provider", f.Provider), zap.String("handle", f.Handle.ID))
			continue
		}
		if err := stager.Release(ctx, f.Handle); err != nil {
			j.logger.Warn("Failed to release stale staged file", zap.String("handle", f.Handle.ID), zap.Error(err))
			continue
		}
		if err := j.ledger.MarkStagedFileReleased(ctx, f.Handle.ID, now); err != nil {
			return settled, fmt.Errorf("mark staged file %s released: %w", f.Handle.ID, err)
		}
		settled++
	}
	return settled, nil
}
