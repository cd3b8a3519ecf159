package source

import (
	"context"
	"fmt"
	"hash/fnv"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"
	"github.com/rs/zerolog"

	"github.com/elonfeng/newsradar/internal/store"
)

// RSSFeed is a named RSS/Atom feed URL.
type RSSFeed struct {
	Name string
	URL  string
}

// FeedPoller captures RSS/Atom mirrors of channels into the Listing store.
// Each feed acts as a channel: its chat id is derived from the feed URL and
// each entry's message id from its GUID, so re-polling is idempotent.
type FeedPoller struct {
	client   *http.Client
	parser   *gofeed.Parser
	feeds    []RSSFeed
	writer   ListingWriter
	interval time.Duration
	logger   zerolog.Logger
	now      func() time.Time
}

// NewFeedPoller creates a poller for feeds.
func NewFeedPoller(feeds []RSSFeed, writer ListingWriter, interval time.Duration, logger zerolog.Logger) *FeedPoller {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &FeedPoller{
		client:   &http.Client{Timeout: 30 * time.Second},
		parser:   gofeed.NewParser(),
		feeds:    feeds,
		writer:   writer,
		interval: interval,
		logger:   logger.With().Str("component", "feeds").Logger(),
		now:      time.Now,
	}
}

// Run polls immediately, then on every interval until ctx is cancelled.
func (p *FeedPoller) Run(ctx context.Context) error {
	p.PollOnce(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.PollOnce(ctx)
		}
	}
}

// PollOnce fetches every feed and returns the number of new rows.
func (p *FeedPoller) PollOnce(ctx context.Context) int {
	total := 0
	for _, feed := range p.feeds {
		if ctx.Err() != nil {
			break
		}
		n, err := p.pollFeed(ctx, feed)
		if err != nil {
			p.logger.Warn().Err(err).Str("feed", feed.Name).Msg("feed poll failed")
			continue
		}
		total += n
	}
	if total > 0 {
		p.logger.Info().Int("new", total).Msg("feed entries captured")
	}
	return total
}

func (p *FeedPoller) pollFeed(ctx context.Context, feed RSSFeed) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feed.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("create rss request %s: %w", feed.Name, err)
	}
	req.Header.Set("User-Agent", "newsradar/1.0")

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetch rss %s: %w", feed.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("rss %s status %d", feed.Name, resp.StatusCode)
	}

	parsed, err := p.parser.Parse(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("parse rss %s: %w", feed.Name, err)
	}

	chatID := FeedChatID(feed.URL)
	inserted := 0
	for _, entry := range parsed.Items {
		row := p.entryToListing(feed, chatID, entry)
		ok, err := p.writer.InsertListing(ctx, row)
		if err != nil {
			p.logger.Error().Err(err).Str("feed", feed.Name).Str("guid", entry.GUID).Msg("insert feed entry failed")
			continue
		}
		if ok {
			inserted++
		}
	}
	return inserted, nil
}

func (p *FeedPoller) entryToListing(feed RSSFeed, chatID int64, entry *gofeed.Item) *store.ListingMessage {
	guid := entry.GUID
	if guid == "" {
		guid = entry.Link
	}
	if guid == "" {
		guid = entry.Title
	}

	link := entry.Link
	if link == "" && len(entry.Links) > 0 {
		link = entry.Links[0]
	}

	text := strings.TrimSpace(entry.Title)
	if entry.Description != "" {
		text = strings.TrimSpace(text + "\n" + stripTags(entry.Description))
	}

	row := &store.ListingMessage{
		ChatID:       chatID,
		MsgID:        hash63(guid),
		SourceHandle: feed.Name,
		MessageText:  text,
		MediaType:    store.MediaNone,
		URLs:         MergeURLs(nil, link),
		ReceivedAt:   p.now().UTC(),
	}
	return row
}

// FeedChatID derives a stable positive chat id from a feed URL.
func FeedChatID(url string) int64 {
	return hash63(strings.TrimSpace(url))
}

func hash63(s string) int64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return int64(h.Sum64() >> 1)
}

// stripTags removes markup from feed descriptions.
func stripTags(s string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return strings.Join(strings.Fields(s), " ")
	}
	return strings.Join(strings.Fields(doc.Text()), " ")
}
