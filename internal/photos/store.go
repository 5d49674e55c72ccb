// Package photos stores uploaded report photos on the local filesystem.
package photos

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/actify/reportd/pkg/models"
)

// Sniffable image signatures. Uploads that match none are stored with the
// generic extension.
var signatures = []struct {
	prefix []byte
	ext    string
}{
	{[]byte{0xFF, 0xD8, 0xFF}, ".jpg"},
	{[]byte{0x89, 'P', 'N', 'G'}, ".png"},
	{[]byte("GIF8"), ".gif"},
	{[]byte("RIFF"), ".webp"},
}

// Store writes photo bytes under a base directory and returns URLs built from
// a base path.
type Store struct {
	dir     string
	baseURL string
	log     zerolog.Logger
}

// NewStore creates the photo directory if needed.
func NewStore(dir, baseURL string, log zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create photo dir %s: %w", dir, err)
	}
	return &Store{
		dir:     dir,
		baseURL: baseURL,
		log:     log.With().Str("component", "photos").Logger(),
	}, nil
}

// Save writes each photo as <reportID>_<n><ext> and returns their URLs in
// input order. A partial failure removes the files already written.
func (s *Store) Save(ctx context.Context, reportID string, photos [][]byte) ([]string, error) {
	urls := make([]string, 0, len(photos))
	written := make([]string, 0, len(photos))

	cleanup := func() {
		for _, path := range written {
			if err := os.Remove(path); err != nil {
				s.log.Warn().Err(err).Str("path", path).Msg("failed to remove partial photo")
			}
		}
	}

	for i, data := range photos {
		select {
		case <-ctx.Done():
			cleanup()
			return nil, models.WrapE(models.KindTimeout, ctx.Err(), "photo save interrupted")
		default:
		}

		name := fmt.Sprintf("%s_%d%s", reportID, i, extensionFor(data))
		path := filepath.Join(s.dir, name)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			cleanup()
			return nil, models.WrapE(models.KindUnavailable, err, "write photo %d for report %s", i, reportID)
		}
		written = append(written, path)
		urls = append(urls, s.baseURL+"/"+name)
	}

	s.log.Debug().Str("report_id", reportID).Int("photos", len(urls)).Msg("photos stored")
	return urls, nil
}

// Open returns the stored bytes for a photo file name. Serving path for the
// static photo handler.
func (s *Store) Open(name string) ([]byte, error) {
	// Reject traversal out of the photo directory.
	if filepath.Base(name) != name {
		return nil, models.E(models.KindValidation, "invalid photo name %q", name)
	}
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if os.IsNotExist(err) {
		return nil, models.E(models.KindNotFound, "photo %q not found", name)
	}
	if err != nil {
		return nil, models.WrapE(models.KindInternal, err, "read photo %q", name)
	}
	return data, nil
}

func extensionFor(data []byte) string {
	for _, sig := range signatures {
		if bytes.HasPrefix(data, sig.prefix) {
			return sig.ext
		}
	}
	return ".bin"
}
