// Package evidence validates and stores photo evidence attached to
// contributions. Files are sniffed, never trusted by extension, and stored
// under content-addressed names so re-uploads of the same photo land on the
// same path.
package evidence

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// MaxImageBytes caps an uploaded photo at 5 MiB.
const MaxImageBytes = 5 << 20

var (
	// ErrTooLarge rejects an upload over MaxImageBytes.
	ErrTooLarge = errors.New("evidence: image too large")

	// ErrUnsupportedType rejects anything that does not sniff as JPEG,
	// PNG, or WebP.
	ErrUnsupportedType = errors.New("evidence: unsupported image type")
)

var allowedTypes = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
}

// Image is a validated upload ready for storage.
type Image struct {
	Data        []byte
	ContentType string
	Extension   string
	SHA256      string
}

// Validate reads and checks an upload. The reader is consumed up to one
// byte past the size cap so oversized bodies fail without buffering fully.
func Validate(r io.Reader) (*Image, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxImageBytes+1))
	if err != nil {
		return nil, eris.Wrap(err, "evidence: read upload")
	}
	if len(data) > MaxImageBytes {
		return nil, eris.Wrapf(ErrTooLarge, "limit %d bytes", MaxImageBytes)
	}
	if len(data) == 0 {
		return nil, eris.New("evidence: empty upload")
	}

	contentType := http.DetectContentType(data)
	ext, ok := allowedTypes[contentType]
	if !ok {
		return nil, eris.Wrapf(ErrUnsupportedType, "sniffed %q", contentType)
	}

	sum := sha256.Sum256(data)
	return &Image{
		Data:        data,
		ContentType: contentType,
		Extension:   ext,
		SHA256:      hex.EncodeToString(sum[:]),
	}, nil
}

// Store persists validated images and yields the stored path plus a public
// URL for it.
type Store interface {
	Save(ctx context.Context, img *Image) (path string, publicURL string, err error)
}

// DirStore keeps evidence on the local filesystem under a base directory,
// fanned out by the first two hash bytes.
type DirStore struct {
	baseDir   string
	publicURL string
	logger    *zap.Logger
}

// NewDirStore creates the base directory if needed. publicBase is the URL
// prefix the stored path is served under, e.g. "/evidence".
func NewDirStore(baseDir, publicBase string) (*DirStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "evidence: create dir %s", baseDir)
	}
	return &DirStore{
		baseDir:   baseDir,
		publicURL: publicBase,
		logger:    zap.L().Named("evidence"),
	}, nil
}

func (s *DirStore) Save(ctx context.Context, img *Image) (string, string, error) {
	if err := ctx.Err(); err != nil {
		return "", "", eris.Wrap(err, "evidence: save cancelled")
	}

	rel := filepath.Join(img.SHA256[:2], img.SHA256+img.Extension)
	full := filepath.Join(s.baseDir, rel)

	if existing, err := os.ReadFile(full); err == nil {
		// Same hash, same content: the earlier upload already stored it.
		if bytes.Equal(existing, img.Data) {
			return rel, s.publicURL + "/" + filepath.ToSlash(rel), nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", "", eris.Wrap(err, "evidence: create shard dir")
	}
	if err := os.WriteFile(full, img.Data, 0o644); err != nil {
		return "", "", eris.Wrapf(err, "evidence: write %s", rel)
	}

	s.logger.Debug("evidence stored",
		zap.String("path", rel),
		zap.Int("bytes", len(img.Data)),
		zap.String("content_type", img.ContentType))
	return rel, s.publicURL + "/" + filepath.ToSlash(rel), nil
}
