package store

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

var listingColumns = []string{
	"listing_id", "chat_id", "msg_id", "source_handle", "message_text", "caption_text",
	"media_type", "has_media", "file_id", "file_name", "file_path", "urls",
	"received_at", "is_extracted", "extracted_at",
}

// InsertListing stores a captured message. It reports false when a message with
// the same (chat_id, msg_id) already exists; the existing row is left untouched.
func (b *Broker) InsertListing(ctx context.Context, m *ListingMessage) (bool, error) {
	if m.MediaType == "" {
		m.MediaType = MediaNone
	}
	if m.ReceivedAt.IsZero() {
		m.ReceivedAt = b.now().UTC()
	}

	res, err := b.Exec(ctx, Listing, `
		INSERT OR IGNORE INTO listing_messages
			(chat_id, msg_id, source_handle, message_text, caption_text, media_type, has_media,
			 file_id, file_name, file_path, urls, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ChatID, m.MsgID, m.SourceHandle, m.MessageText, m.CaptionText, string(m.MediaType), m.HasMedia,
		m.FileID, m.FileName, m.FilePath, m.encodeURLs(), m.ReceivedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("insert listing %d/%d: %w", m.ChatID, m.MsgID, err)
	}

	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}
	m.ListingID, _ = res.LastInsertId()
	return true, nil
}

// PendingListings returns up to limit rows not yet extracted, oldest first.
func (b *Broker) PendingListings(ctx context.Context, limit int) ([]ListingMessage, error) {
	if limit <= 0 {
		limit = 10
	}
	query, args, err := sq.Select(listingColumns...).
		From("listing_messages").
		Where(sq.Eq{"is_extracted": 0}).
		OrderBy("received_at", "listing_id").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build pending listings query: %w", err)
	}

	var rows []ListingMessage
	if err := b.Select(ctx, Listing, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("pending listings: %w", err)
	}
	for i := range rows {
		rows[i].decodeURLs()
	}
	return rows, nil
}

// GetListing loads one listing row.
func (b *Broker) GetListing(ctx context.Context, id int64) (*ListingMessage, error) {
	query, args, err := sq.Select(listingColumns...).
		From("listing_messages").
		Where(sq.Eq{"listing_id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build listing query: %w", err)
	}

	var m ListingMessage
	if err := b.Get(ctx, Listing, &m, query, args...); err != nil {
		return nil, fmt.Errorf("get listing %d: %w", id, err)
	}
	m.decodeURLs()
	return &m, nil
}

// CountListings returns the number of rows with the given chat and message id.
func (b *Broker) CountListings(ctx context.Context, chatID, msgID int64) (int, error) {
	var n int
	err := b.Get(ctx, Listing, &n,
		"SELECT COUNT(*) FROM listing_messages WHERE chat_id = ? AND msg_id = ?", chatID, msgID)
	if err != nil {
		return 0, fmt.Errorf("count listings: %w", err)
	}
	return n, nil
}

// MarkExtracted flags a listing row as processed by the extractor.
func (b *Broker) MarkExtracted(ctx context.Context, id int64, at time.Time) error {
	_, err := b.Exec(ctx, Listing,
		"UPDATE listing_messages SET is_extracted = 1, extracted_at = ? WHERE listing_id = ?",
		at.UTC(), id)
	if err != nil {
		return fmt.Errorf("mark listing %d extracted: %w", id, err)
	}
	return nil
}
