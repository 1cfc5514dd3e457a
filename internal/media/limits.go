package media

import (
	"fmt"
	"io"
)

const (
	MiB int64 = 1024 * 1024

	// DefaultInlineCeiling is the largest payload embedded inline in a provider request.
	DefaultInlineCeiling = 20 * MiB
	// MaxAssetBytes is the global max accepted payload size.
	MaxAssetBytes int64 = 2 * 1024 * MiB
)

// Limits holds per-kind inline ceilings for one provider. Zero entries fall
// back to Inline.
type Limits struct {
	Inline int64
	Audio  int64
	Video  int64
	PDF    int64
}

// DefaultLimits uses the same ceiling for every kind.
func DefaultLimits() Limits {
	return Limits{Inline: DefaultInlineCeiling}
}

// For returns the inline ceiling for kind.
func (l Limits) For(kind Kind) int64 {
	var v int64
	switch kind {
	case KindAudio:
		v = l.Audio
	case KindVideo:
		v = l.Video
	case KindPDF:
		v = l.PDF
	}
	if v > 0 {
		return v
	}
	if l.Inline > 0 {
		return l.Inline
	}
	return DefaultInlineCeiling
}

// ReadAllWithLimit reads from reader and rejects payloads larger than maxBytes.
func ReadAllWithLimit(reader io.Reader, maxBytes int64) ([]byte, error) {
	if reader == nil {
		return nil, fmt.Errorf("reader is required")
	}
	if maxBytes <= 0 {
		return nil, fmt.Errorf("max bytes must be greater than 0")
	}
	limited := &io.LimitedReader{
		R: reader,
		N: maxBytes + 1,
	}
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: max %d bytes", ErrAssetTooLarge, maxBytes)
	}
	return data, nil
}
