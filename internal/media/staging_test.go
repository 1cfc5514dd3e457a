package media

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memLedger struct {
	mu        sync.Mutex
	files     map[string]*StagedFile
	recordErr error
}

func newMemLedger() *memLedger {
	return &memLedger{files: map[string]*StagedFile{}}
}

func (l *memLedger) RecordStagedFile(_ context.Context, f StagedFile) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.recordErr != nil {
		return l.recordErr
	}
	l.files[f.Handle.ID] = &f
	return nil
}

func (l *memLedger) MarkStagedFileReleased(_ context.Context, id string, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if f, ok := l.files[id]; ok {
		f.ReleasedAt = &at
	}
	return nil
}

func (l *memLedger) ListStaleStagedFiles(_ context.Context, before time.Time, limit int) ([]StagedFile, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []StagedFile
	for _, f := range l.files {
		if f.ReleasedAt == nil && f.CreatedAt.Before(before) && len(out) < limit {
			out = append(out, *f)
		}
	}
	return out, nil
}

func (l *memLedger) released(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	f, ok := l.files[id]
	return ok && f.ReleasedAt != nil
}

func TestTrackingStager_RecordsAndReleases(t *testing.T) {
	t.Parallel()

	ledger := newMemLedger()
	inner := &recordingStager{}
	s := NewTrackingStager(inner, ledger, "gemini", nil)

	h, err := s.Stage(context.Background(), []byte("payload"), "video/mp4")
	require.NoError(t, err)
	assert.False(t, h.ExpiresAt.IsZero())

	rec, ok := ledger.files[h.ID]
	require.True(t, ok)
	assert.Equal(t, "gemini", rec.Provider)
	assert.Equal(t, int64(7), rec.SizeBytes)

	require.NoError(t, s.Release(context.Background(), h))
	assert.True(t, ledger.released(h.ID))
	assert.Len(t, inner.released, 1)
}

func TestTrackingStager_UndoesUnrecordedUpload(t *testing.T) {
	t.Parallel()

	ledger := newMemLedger()
	ledger.recordErr = errors.New("disk full")
	inner := &recordingStager{}
	s := NewTrackingStager(inner, ledger, "gemini", nil)

	_, err := s.Stage(context.Background(), []byte("payload"), "video/mp4")
	require.Error(t, err)
	assert.Len(t, inner.released, 1)
}

func TestJanitorSweep(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ledger := newMemLedger()
	ledger.files["fresh"] = &StagedFile{Handle: Handle{ID: "fresh"}, Provider: "gemini", CreatedAt: now.Add(-time.Minute)}
	ledger.files["stale"] = &StagedFile{Handle: Handle{ID: "stale", ExpiresAt: now.Add(time.Hour)}, Provider: "gemini", CreatedAt: now.Add(-2 * time.Hour)}
	ledger.files["expired"] = &StagedFile{Handle: Handle{ID: "expired", ExpiresAt: now.Add(-time.Hour)}, Provider: "gemini", CreatedAt: now.Add(-72 * time.Hour)}
	ledger.files["orphan"] = &StagedFile{Handle: Handle{ID: "orphan"}, Provider: "unknown", CreatedAt: now.Add(-2 * time.Hour)}

	stager := &recordingStager{}
	j := NewJanitor(ledger, map[string]Stager{"gemini": stager}, nil)
	j.now = func() time.Time { return now }

	n, err := j.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.True(t, ledger.released("stale"))
	assert.True(t, ledger.released("expired"))
	assert.False(t, ledger.released("fresh"))
	assert.False(t, ledger.released("orphan"))

	require.Len(t, stager.released, 1)
	assert.Equal(t, "stale", stager.released[0].ID)
}

func TestJanitorStartRejectsBadSpec(t *testing.T) {
	t.Parallel()

	j := NewJanitor(newMemLedger(), nil, nil)
	assert.Error(t, j.Start("not a cron spec"))
	j.Stop()
}
