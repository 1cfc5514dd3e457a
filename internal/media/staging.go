package media

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// StagedFileTTL is how long providers keep a staged file.
const StagedFileTTL = 48 * time.Hour

// Stager uploads oversized payloads to provider-side temporary storage.
type Stager interface {
	Stage(ctx context.Context, data []byte, mimeType string) (Handle, error)
	Release(ctx context.Context, h Handle) error
}

// StagedFile is the ledger row for one staged upload.
type StagedFile struct {
	Handle     Handle
	Provider   string
	SizeBytes  int64
	CreatedAt  time.Time
	ReleasedAt *time.Time
}

// Ledger records staged uploads so orphans can be swept after a crash.
type Ledger interface {
	RecordStagedFile(ctx context.Context, f StagedFile) error
	MarkStagedFileReleased(ctx context.Context, handleID string, at time.Time) error
	ListStaleStagedFiles(ctx context.Context, createdBefore time.Time, limit int) ([]StagedFile, error)
}

// TrackingStager wraps a provider Stager and records every upload in a Ledger.
type TrackingStager struct {
	inner    Stager
	ledger   Ledger
	provider string
	logger   *zap.Logger
	now      func() time.Time
}

func NewTrackingStager(inner Stager, ledger Ledger, provider string, logger *zap.Logger) *TrackingStager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TrackingStager{
		inner:    inner,
		ledger:   ledger,
		provider: provider,
		logger:   logger.With(zap.String("component", "staging"), zap.String("provider", provider)),
		now:      time.Now,
	}
}

func (s *TrackingStager) Stage(ctx context.Context, data []byte, mimeType string) (Handle, error) {
	h, err := s.inner.Stage(ctx, data, mimeType)
	if err != nil {
		return Handle{}, err
	}
	now := s.now()
	if h.ExpiresAt.IsZero() {
		h.ExpiresAt = now.Add(StagedFileTTL)
	}
	rec := StagedFile{Handle: h, Provider: s.provider, SizeBytes: int64(len(data)), CreatedAt: now}
	if err := s.ledger.RecordStagedFile(ctx, rec); err != nil {
		// An unrecorded upload would never be swept; undo it.
		if rerr := s.inner.Release(context.WithoutCancel(ctx), h); rerr != nil {
			s.logger.Warn("Failed to release unrecorded staged file", zap.String("handle", h.ID), zap.Error(rerr))
		}
		return Handle{}, fmt.Errorf("record staged file: %w", err)
	}
	s.logger.Debug("Staged file", zap.String("handle", h.ID), zap.Int("bytes", len(data)))
	return h, nil
}

func (s *TrackingStager) Release(ctx context.Context, h Handle) error {
	if err := s.inner.Release(ctx, h); err != nil {
		return fmt.Errorf("release staged file %s: %w", h.ID, err)
	}
	if err := s.ledger.MarkStagedFileReleased(ctx, h.ID, s.now()); err != nil {
		s.logger.Warn("Failed to mark staged file released", zap.String("handle", h.ID), zap.Error(err))
	}
	return nil
}
