package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "codeberg.org/readeck/go-readability/v2"
	"github.com/PuerkitoBio/goquery"
	"golang.org/x/time/rate"

	"github.com/elonfeng/newsradar/internal/cache"
)

const (
	defaultBodyByteLimit = 2 * 1024 * 1024
	defaultUserAgent     = "newsradar/1.0"
)

// ErrTransient marks fetch failures worth retrying on a later batch: network
// errors, throttling and server errors.
var ErrTransient = errors.New("transient fetch failure")

// LinkFetcher downloads pages and reduces them to readable text. Results are
// cached by URL, and outbound requests share one rate limit.
type LinkFetcher struct {
	client    *http.Client
	limiter   *rate.Limiter
	cache     cache.Cache
	maxChars  int
	userAgent string
}

// FetcherOptions configures a LinkFetcher.
type FetcherOptions struct {
	Timeout           time.Duration
	RequestsPerSecond float64
	MaxChars          int
	UserAgent         string
	Cache             cache.Cache
	HTTPClient        *http.Client
}

func NewLinkFetcher(opts FetcherOptions) *LinkFetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	if opts.Cache == nil {
		opts.Cache = cache.Nop{}
	}
	if strings.TrimSpace(opts.UserAgent) == "" {
		opts.UserAgent = defaultUserAgent
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	return &LinkFetcher{
		client:    client,
		limiter:   rate.NewLimiter(limit, 1),
		cache:     opts.Cache,
		maxChars:  opts.MaxChars,
		userAgent: opts.UserAgent,
	}
}

// Fetch returns the readable text of page, truncated to the configured length.
func (f *LinkFetcher) Fetch(ctx context.Context, page string) (string, error) {
	key := cache.Key("link", page)
	if data, ok, err := f.cache.Get(ctx, key); err == nil && ok {
		return string(data), nil
	}

	if err := f.limiter.Wait(ctx); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, page, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("fetch url: %w: %w", ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if retryableStatus(resp.StatusCode) {
			return "", fmt.Errorf("fetch status %d: %w", resp.StatusCode, ErrTransient)
		}
		return "", fmt.Errorf("fetch status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, defaultBodyByteLimit))
	if err != nil {
		return "", fmt.Errorf("read body: %w: %w", ErrTransient, err)
	}

	var text string
	contentType := strings.ToLower(resp.Header.Get("Content-Type"))
	switch {
	case strings.HasPrefix(contentType, "text/plain"):
		text = CleanText(string(body))
	case strings.Contains(contentType, "html") || contentType == "":
		text = readableText(body, resp.Request.URL)
	default:
		// Binary payloads carry no link text.
		text = ""
	}

	text = Truncate(text, f.maxChars)
	_ = f.cache.Put(ctx, key, []byte(text))
	return text, nil
}

func retryableStatus(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}

// readableText runs readability and falls back to the visible body text with
// scripts and styles removed.
func readableText(body []byte, pageURL *url.URL) string {
	if article, err := readability.FromReader(bytes.NewReader(body), pageURL); err == nil {
		var rendered bytes.Buffer
		if err := article.RenderText(&rendered); err == nil {
			if text := CleanText(rendered.String()); text != "" {
				return text
			}
		}
	}
	return visibleText(body)
}

func visibleText(body []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return ""
	}
	doc.Find("script, style, noscript, iframe, svg").Remove()
	return CleanText(doc.Find("body").Text())
}
