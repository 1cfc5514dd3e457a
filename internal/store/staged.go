package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"gwi.com/inspire-gateway/internal/media"
)

var _ media.Ledger = (*SQLStore)(nil)

func (s *SQLStore) RecordStagedFile(ctx context.Context, f media.StagedFile) error {
	_, err := s.db.ExecContext(ctx, s.rebind("INSERT INTO staged_files (handle_id, uri, mime_type, provider, size_bytes, created_at, expires_at) VALUES (?, ?, ?, ?, ?, ?, ?)"),
		f.Handle.ID, f.Handle.URI, f.Handle.MIMEType, f.Provider, f.SizeBytes, f.CreatedAt.UTC(), f.Handle.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert staged file: %w", err)
	}
	return nil
}

func (s *SQLStore) MarkStagedFileReleased(ctx context.Context, handleID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.rebind("UPDATE staged_files SET released_at = ? WHERE handle_id = ? AND released_at IS NULL"), at.UTC(), handleID)
	if err != nil {
		return fmt.Errorf("failed to mark staged file released: %w", err)
	}
	return nil
}

// ListStaleStagedFiles returns unreleased files staged before createdBefore, oldest first.
func (s *SQLStore) ListStaleStagedFiles(ctx context.Context, createdBefore time.Time, limit int) ([]media.StagedFile, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
        SELECT handle_id, uri, mime_type, provider, size_bytes, created_at, expires_at, released_at
        FROM staged_files
        WHERE released_at IS NULL AND created_at < ?
        ORDER BY created_at ASC
        LIMIT ?
    `), createdBefore.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query staged files: %w", err)
	}
	defer rows.Close()

	var files []media.StagedFile
	for rows.Next() {
		var f media.StagedFile
		var released sql.NullTime
		if err := rows.Scan(&f.Handle.ID, &f.Handle.URI, &f.Handle.MIMEType, &f.Provider, &f.SizeBytes, &f.CreatedAt, &f.Handle.ExpiresAt, &released); err != nil {
			return nil, fmt.Errorf("failed to scan staged file row: %w", err)
		}
		if released.Valid {
			f.ReleasedAt = &released.Time
		}
		files = append(files, f)
	}
	return files, rows.Err()
}
