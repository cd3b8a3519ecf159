package extract

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/elonfeng/newsradar/internal/store"
	"github.com/elonfeng/newsradar/pkg/source"
)

// Store is the storage the extractor reads from and writes to.
type Store interface {
	PendingListings(ctx context.Context, limit int) ([]store.ListingMessage, error)
	RawIDForListing(ctx context.Context, listingID int64) (int64, bool, error)
	InsertRaw(ctx context.Context, r *store.RawMessage) error
	MarkExtracted(ctx context.Context, id int64, at time.Time) error
}

// Fetcher returns readable text for a URL. Errors wrapping ErrTransient keep
// the row pending so the links are fetched again on a later batch.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// Extractor turns captured Listing rows into normalized Raw rows.
type Extractor struct {
	store     Store
	fetcher   Fetcher
	ocr       *CachedOCR
	batchSize int
	maxLinks  int
	attempts  int
	failures  map[int64]int
	logger    zerolog.Logger
	now       func() time.Time
}

// Options configures an Extractor. LinkAttempts bounds how many batches a row
// waits on failing links before it is extracted without their text.
type Options struct {
	BatchSize    int
	MaxLinks     int
	LinkAttempts int
}

func New(s Store, fetcher Fetcher, ocr *CachedOCR, opts Options, logger zerolog.Logger) *Extractor {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.MaxLinks <= 0 {
		opts.MaxLinks = 3
	}
	if opts.LinkAttempts <= 0 {
		opts.LinkAttempts = 5
	}
	if ocr == nil {
		ocr = NewCachedOCR(nil, nil)
	}
	return &Extractor{
		store:     s,
		fetcher:   fetcher,
		ocr:       ocr,
		batchSize: opts.BatchSize,
		maxLinks:  opts.MaxLinks,
		attempts:  opts.LinkAttempts,
		failures:  make(map[int64]int),
		logger:    logger.With().Str("component", "extractor").Logger(),
		now:       time.Now,
	}
}

func (e *Extractor) Name() string { return "extractor" }

// RunBatch processes one batch of pending Listing rows and returns how many
// were extracted. Only storage failures that must stop the stage are returned.
func (e *Extractor) RunBatch(ctx context.Context) (int, error) {
	rows, err := e.store.PendingListings(ctx, e.batchSize)
	if err != nil {
		if store.IsNoWork(err) {
			return 0, nil
		}
		return 0, err
	}

	done := 0
	for i := range rows {
		if ctx.Err() != nil {
			break
		}
		row := &rows[i]
		if err := e.process(ctx, row); err != nil {
			if store.IsFatal(err) {
				return done, err
			}
			e.logger.Error().Err(err).Int64("listing_id", row.ListingID).Msg("extract failed, will retry")
			continue
		}
		done++
	}
	return done, nil
}

func (e *Extractor) process(ctx context.Context, row *store.ListingMessage) error {
	_, exists, err := e.store.RawIDForListing(ctx, row.ListingID)
	if err != nil && !store.IsNoWork(err) {
		return err
	}

	if !exists {
		lastTry := e.failures[row.ListingID] >= e.attempts-1
		raw, err := e.build(ctx, row, !lastTry)
		if err != nil {
			if errors.Is(err, ErrTransient) {
				e.failures[row.ListingID]++
			}
			return err
		}
		if lastTry && e.failures[row.ListingID] > 0 {
			e.logger.Warn().Int64("listing_id", row.ListingID).Int("attempts", e.attempts).
				Msg("links kept failing, extracted without their text")
		}
		if err := e.store.InsertRaw(ctx, raw); err != nil {
			return err
		}
		delete(e.failures, row.ListingID)
		e.logger.Debug().Int64("listing_id", row.ListingID).Int64("raw_id", raw.RawID).
			Int("link_chars", len(raw.LinkText)).Int("ocr_chars", len(raw.ImageOCRText)).Msg("raw row written")
	}

	if err := e.store.MarkExtracted(ctx, row.ListingID, e.now().UTC()); err != nil {
		return fmt.Errorf("mark extracted: %w", err)
	}
	return nil
}

// Build assembles the Raw row for a Listing row. A transient link failure is
// returned so the row can be retried. Permanent link failures and OCR failures
// leave the corresponding text empty.
func (e *Extractor) Build(ctx context.Context, row *store.ListingMessage) (*store.RawMessage, error) {
	return e.build(ctx, row, true)
}

func (e *Extractor) build(ctx context.Context, row *store.ListingMessage, strict bool) (*store.RawMessage, error) {
	text := Combine(row.MessageText, row.CaptionText)
	urls := source.MergeURLs(row.URLs, source.ExtractURLs(row.MessageText, row.CaptionText)...)

	linkText, err := e.linkText(ctx, row.ListingID, urls, strict)
	if err != nil {
		return nil, err
	}

	var ocrText string
	if row.MediaType == store.MediaImage && row.FilePath != "" {
		t, err := e.ocr.TextFor(ctx, row.FileID, row.FilePath)
		if err != nil {
			e.logger.Warn().Err(err).Int64("listing_id", row.ListingID).Msg("ocr failed")
		}
		ocrText = t
	}

	combined := Combine(text, linkText, ocrText)
	return &store.RawMessage{
		ListingID:      row.ListingID,
		ChatID:         row.ChatID,
		MsgID:          row.MsgID,
		SourceHandle:   row.SourceHandle,
		TelegramText:   row.MessageText,
		CaptionText:    row.CaptionText,
		LinkText:       linkText,
		ImageOCRText:   ocrText,
		CombinedText:   combined,
		NormalizedText: Normalize(combined),
		FileID:         row.FileID,
		ReceivedAt:     row.ReceivedAt,
	}, nil
}

// linkText fetches up to maxLinks pages. In strict mode the first transient
// failure aborts the row.
func (e *Extractor) linkText(ctx context.Context, listingID int64, urls []string, strict bool) (string, error) {
	if e.fetcher == nil {
		return "", nil
	}
	var parts []string
	for i, u := range urls {
		if i >= e.maxLinks {
			break
		}
		text, err := e.fetcher.Fetch(ctx, u)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			if strict && errors.Is(err, ErrTransient) {
				return "", fmt.Errorf("fetch %s: %w", u, err)
			}
			e.logger.Warn().Err(err).Int64("listing_id", listingID).Str("url", u).Msg("link fetch failed")
			continue
		}
		if text = strings.TrimSpace(text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n"), nil
}
