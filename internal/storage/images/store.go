// Package images stores uploaded chart snapshots on disk and exposes them
// through short-lived public URLs so the vision upstream can fetch them.
package images

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"tradebridge/internal/domain"
)

const tempImageTTL = 10 * time.Minute

// Store writes base64 chart frames to a served directory.
type Store struct {
	dir     string
	baseURL string
	now     func() time.Time
}

// NewStore creates the image store. dir must be writable; baseURL is the
// public prefix under which dir is served.
func NewStore(dir, baseURL string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create image dir")
	}
	return &Store{
		dir:     dir,
		baseURL: strings.TrimRight(baseURL, "/"),
		now:     time.Now,
	}, nil
}

// SaveTempBase64 decodes the payload (raw base64 or a data URI), writes it
// under a random name and returns its public URL. Frames older than the
// TTL are pruned opportunistically on each save.
func (s *Store) SaveTempBase64(data string) (string, error) {
	if data == "" {
		return "", errors.Wrap(domain.ErrInvalidArgument, "empty image payload")
	}

	ext := ".png"
	if idx := strings.Index(data, ";base64,"); idx >= 0 {
		if mime := strings.TrimPrefix(data[:idx], "data:image/"); mime != data[:idx] && mime != "" {
			ext = "." + mime
		}
		data = data[idx+len(";base64,"):]
	}

	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return "", errors.Wrap(domain.ErrInvalidArgument, "image payload is not valid base64")
	}

	name := uuid.NewString() + ext
	if err := os.WriteFile(filepath.Join(s.dir, name), raw, 0o644); err != nil {
		return "", errors.Wrap(err, "write image")
	}

	s.pruneExpired()

	return s.baseURL + "/" + name, nil
}

// Dir returns the backing directory, for mounting a file server.
func (s *Store) Dir() string { return s.dir }

func (s *Store) pruneExpired() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	cutoff := s.now().Add(-tempImageTTL)
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || info.IsDir() {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(filepath.Join(s.dir, e.Name()))
		}
	}
}
