package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/elonfeng/newsradar/internal/store"
)

// maxMediaBytes bounds a single download.
const maxMediaBytes = 50 << 20

// MediaStore downloads attachments into a content-addressed tree:
// <dir>/<first two hex chars>/<sha256>.<ext>.
type MediaStore struct {
	dir    string
	client *http.Client
}

// NewMediaStore creates the media directory.
func NewMediaStore(dir string) (*MediaStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create media dir %s: %w", dir, err)
	}
	return &MediaStore{
		dir:    dir,
		client: &http.Client{Timeout: 2 * time.Minute},
	}, nil
}

// Download fetches url and stores it under its content hash. It returns the
// final path. An identical file already on disk is reused.
func (m *MediaStore) Download(ctx context.Context, url string, att *Attachment) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("create media request: %w", err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("media status %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp(m.dir, ".download-*")
	if err != nil {
		return "", fmt.Errorf("create media temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, h), io.LimitReader(resp.Body, maxMediaBytes)); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write media: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close media: %w", err)
	}

	sum := hex.EncodeToString(h.Sum(nil))
	final := filepath.Join(m.dir, sum[:2], sum+mediaExt(att, resp.Header.Get("Content-Type")))
	if _, err := os.Stat(final); err == nil {
		return final, nil
	}
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return "", fmt.Errorf("create media shard: %w", err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return "", fmt.Errorf("store media: %w", err)
	}
	return final, nil
}

func mediaExt(att *Attachment, contentType string) string {
	if att != nil {
		if ext := filepath.Ext(att.FileName); ext != "" {
			return strings.ToLower(ext)
		}
		if ext := extForMime(att.MimeType); ext != "" {
			return ext
		}
		if att.Kind == AttachPhoto {
			return ".jpg"
		}
	}
	if ct, _, err := mime.ParseMediaType(contentType); err == nil {
		if ext := extForMime(ct); ext != "" {
			return ext
		}
	}
	return ".bin"
}

var preferredExt = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/webp":      ".webp",
	"video/mp4":       ".mp4",
	"application/pdf": ".pdf",
}

func extForMime(mimeType string) string {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if mimeType == "" {
		return ""
	}
	if ext, ok := preferredExt[mimeType]; ok {
		return ext
	}
	if exts, _ := mime.ExtensionsByType(mimeType); len(exts) > 0 {
		return exts[0]
	}
	return ""
}

// ClassifyMedia maps an attachment to the stored media type. Documents with an
// image mime type count as images.
func ClassifyMedia(att *Attachment) store.MediaType {
	if att == nil {
		return store.MediaNone
	}
	switch att.Kind {
	case AttachPhoto:
		return store.MediaImage
	case AttachVideo, AttachAnimation:
		return store.MediaVideo
	case AttachDocument:
		if strings.HasPrefix(strings.ToLower(att.MimeType), "image/") {
			return store.MediaImage
		}
		if strings.HasPrefix(strings.ToLower(att.MimeType), "video/") {
			return store.MediaVideo
		}
		return store.MediaDocument
	}
	return store.MediaDocument
}
