package alert

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/elonfeng/newsradar/internal/store"
)

// Notification is the data sent to alert destinations.
type Notification struct {
	NewsID      int64     `json:"news_id"`
	ScoreID     int64     `json:"score_id"`
	Score       int       `json:"score"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	URL         string    `json:"url"`
	Category    string    `json:"category"`
	SubType     string    `json:"sub_type"`
	Company     string    `json:"company"`
	Ticker      string    `json:"ticker"`
	Exchange    string    `json:"exchange"`
	Country     string    `json:"country"`
	Sentiment   string    `json:"sentiment"`
	Language    string    `json:"language"`
	PublishedAt time.Time `json:"published_at"`
}

// FromNews builds the notification for an enriched item.
func FromNews(item *store.EnrichedNewsItem, score int) *Notification {
	return &Notification{
		NewsID:      item.NewsID,
		ScoreID:     item.ScoreID,
		Score:       score,
		Title:       item.Headline,
		Body:        item.Summary,
		URL:         item.URL,
		Category:    item.CategoryCode,
		SubType:     item.SubTypeCode,
		Company:     item.CompanyName,
		Ticker:      item.Ticker,
		Exchange:    item.Exchange,
		Country:     item.CountryCode,
		Sentiment:   item.Sentiment,
		Language:    item.LanguageCode,
		PublishedAt: item.CreatedAt,
	}
}

// Subject is a one-line label: company and ticker when known, then the title.
func (n *Notification) Subject() string {
	label := n.Company
	if n.Ticker != "" {
		if label != "" {
			label += " "
		}
		label += "(" + n.Ticker + ")"
	}
	if label == "" {
		return n.Title
	}
	if n.Title == "" {
		return label
	}
	return label + ": " + n.Title
}

// Notifier delivers alerts to a specific destination.
type Notifier interface {
	Name() string
	Send(ctx context.Context, n *Notification) error
}

// Manager broadcasts notifications to all registered notifiers.
type Manager struct {
	notifiers []Notifier
}

// NewManager creates a new alert manager.
func NewManager(notifiers []Notifier) *Manager {
	return &Manager{notifiers: notifiers}
}

// HasNotifiers returns true if at least one notifier is configured.
func (m *Manager) HasNotifiers() bool {
	return len(m.notifiers) > 0
}

// Broadcast sends a notification to all registered notifiers.
func (m *Manager) Broadcast(ctx context.Context, n *Notification) error {
	var errs []error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", notifier.Name(), err))
		}
	}
	return errors.Join(errs...)
}
