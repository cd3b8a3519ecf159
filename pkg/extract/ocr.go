package extract

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/elonfeng/newsradar/internal/cache"
)

// OCR reads text out of an image file.
type OCR interface {
	Available() bool
	Text(ctx context.Context, path string) (string, error)
}

// Tesseract shells out to the tesseract command. Availability is checked once
// when it is constructed.
type Tesseract struct {
	bin       string
	languages string
	timeout   time.Duration
}

// NewTesseract resolves command on PATH. A missing binary yields an OCR whose
// Available reports false.
func NewTesseract(command, languages string, timeout time.Duration) *Tesseract {
	if command == "" {
		command = "tesseract"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	bin, err := exec.LookPath(command)
	if err != nil {
		bin = ""
	}
	return &Tesseract{bin: bin, languages: languages, timeout: timeout}
}

func (t *Tesseract) Available() bool { return t.bin != "" }

func (t *Tesseract) Text(ctx context.Context, path string) (string, error) {
	if !t.Available() {
		return "", nil
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	args := []string{path, "stdout"}
	if t.languages != "" {
		args = append(args, "-l", t.languages)
	}
	cmd := exec.CommandContext(ctx, t.bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("tesseract %s: %w: %s", path, err, strings.TrimSpace(stderr.String()))
	}
	return CleanText(stdout.String()), nil
}

// CachedOCR memoizes OCR results by media identifier.
type CachedOCR struct {
	ocr   OCR
	cache cache.Cache
}

func NewCachedOCR(ocr OCR, c cache.Cache) *CachedOCR {
	if c == nil {
		c = cache.Nop{}
	}
	return &CachedOCR{ocr: ocr, cache: c}
}

func (c *CachedOCR) Available() bool { return c.ocr != nil && c.ocr.Available() }

// TextFor returns the text of the image at path, keyed by fileID in the cache.
func (c *CachedOCR) TextFor(ctx context.Context, fileID, path string) (string, error) {
	if !c.Available() || path == "" {
		return "", nil
	}
	key := cache.Key("ocr", fileID)
	if fileID == "" {
		key = cache.Key("ocr-path", path)
	}
	if data, ok, err := c.cache.Get(ctx, key); err == nil && ok {
		return string(data), nil
	}

	text, err := c.ocr.Text(ctx, path)
	if err != nil {
		return "", err
	}
	_ = c.cache.Put(ctx, key, []byte(text))
	return text, nil
}
