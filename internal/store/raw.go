package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

var rawColumns = []string{
	"raw_id", "listing_id", "chat_id", "msg_id", "source_handle", "telegram_text",
	"caption_text", "link_text", "image_ocr_text", "combined_text", "normalized_text",
	"file_id", "received_at", "content_hash", "is_duplicate", "duplicate_of_raw_id",
	"deduped_at", "is_scored",
}

// DedupCandidate is a recent non-duplicate row used for near-duplicate checks.
type DedupCandidate struct {
	RawID          int64     `db:"raw_id"`
	NormalizedText string    `db:"normalized_text"`
	ReceivedAt     time.Time `db:"received_at"`
}

// DedupVerdict is the outcome persisted by the deduplicator.
type DedupVerdict struct {
	RawID       int64
	ContentHash string
	IsDuplicate bool
	DuplicateOf int64
	DedupedAt   time.Time
}

// InsertRaw stores an extracted message and sets r.RawID.
func (b *Broker) InsertRaw(ctx context.Context, r *RawMessage) error {
	res, err := b.Exec(ctx, Raw, `
		INSERT INTO raw_messages
			(listing_id, chat_id, msg_id, source_handle, telegram_text, caption_text, link_text,
			 image_ocr_text, combined_text, normalized_text, file_id, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ListingID, r.ChatID, r.MsgID, r.SourceHandle, r.TelegramText, r.CaptionText, r.LinkText,
		r.ImageOCRText, r.CombinedText, r.NormalizedText, r.FileID, r.ReceivedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert raw for listing %d: %w", r.ListingID, err)
	}
	r.RawID, _ = res.LastInsertId()
	return nil
}

// RawIDForListing returns the raw row already produced from a listing row, if any.
func (b *Broker) RawIDForListing(ctx context.Context, listingID int64) (int64, bool, error) {
	var id int64
	err := b.Get(ctx, Raw, &id,
		"SELECT raw_id FROM raw_messages WHERE listing_id = ? ORDER BY raw_id LIMIT 1", listingID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("raw for listing %d: %w", listingID, err)
	}
	return id, true, nil
}

// GetRaw loads one raw row.
func (b *Broker) GetRaw(ctx context.Context, id int64) (*RawMessage, error) {
	query, args, err := sq.Select(rawColumns...).From("raw_messages").Where(sq.Eq{"raw_id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build raw query: %w", err)
	}

	var r RawMessage
	if err := b.Get(ctx, Raw, &r, query, args...); err != nil {
		return nil, fmt.Errorf("get raw %d: %w", id, err)
	}
	return &r, nil
}

// PendingDedup returns rows that have no duplicate verdict yet, oldest first.
func (b *Broker) PendingDedup(ctx context.Context, limit int) ([]RawMessage, error) {
	return b.selectRaw(ctx, sq.Eq{"deduped_at": nil}, limit)
}

// PendingScoring returns deduplicated non-duplicate rows that are not scored yet.
func (b *Broker) PendingScoring(ctx context.Context, limit int) ([]RawMessage, error) {
	return b.selectRaw(ctx, sq.And{
		sq.NotEq{"deduped_at": nil},
		sq.Eq{"is_duplicate": 0},
		sq.Eq{"is_scored": 0},
	}, limit)
}

func (b *Broker) selectRaw(ctx context.Context, where sq.Sqlizer, limit int) ([]RawMessage, error) {
	if limit <= 0 {
		limit = 10
	}
	query, args, err := sq.Select(rawColumns...).
		From("raw_messages").
		Where(where).
		OrderBy("raw_id").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build raw query: %w", err)
	}

	var rows []RawMessage
	if err := b.Select(ctx, Raw, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("select raw: %w", err)
	}
	return rows, nil
}

// FindHashMatch returns the earliest deduplicated row before beforeID that shares
// hash and was received at or after since.
func (b *Broker) FindHashMatch(ctx context.Context, hash string, beforeID int64, since time.Time) (int64, bool, error) {
	var id int64
	err := b.Get(ctx, Raw, &id, `
		SELECT raw_id FROM raw_messages
		WHERE content_hash = ? AND raw_id < ? AND deduped_at IS NOT NULL AND received_at >= ?
		ORDER BY raw_id
		LIMIT 1
	`, hash, beforeID, since.UTC())
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("find hash match: %w", err)
	}
	return id, true, nil
}

// DedupCandidates returns up to limit of the most recent deduplicated
// non-duplicate rows received at or after since, newest first.
func (b *Broker) DedupCandidates(ctx context.Context, since time.Time, limit int) ([]DedupCandidate, error) {
	query, args, err := sq.Select("raw_id", "normalized_text", "received_at").
		From("raw_messages").
		Where(sq.And{
			sq.NotEq{"deduped_at": nil},
			sq.Eq{"is_duplicate": 0},
			sq.GtOrEq{"received_at": since.UTC()},
		}).
		OrderBy("raw_id DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build candidate query: %w", err)
	}

	var rows []DedupCandidate
	if err := b.Select(ctx, Raw, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("dedup candidates: %w", err)
	}
	return rows, nil
}

// SaveDedupVerdict records the verdict once. It reports false if the row
// already had one.
func (b *Broker) SaveDedupVerdict(ctx context.Context, v DedupVerdict) (bool, error) {
	var dupOf any
	if v.IsDuplicate {
		dupOf = v.DuplicateOf
	}
	res, err := b.Exec(ctx, Raw, `
		UPDATE raw_messages
		SET content_hash = ?, is_duplicate = ?, duplicate_of_raw_id = ?, deduped_at = ?
		WHERE raw_id = ? AND deduped_at IS NULL
	`, v.ContentHash, v.IsDuplicate, dupOf, v.DedupedAt.UTC(), v.RawID)
	if err != nil {
		return false, fmt.Errorf("save dedup verdict %d: %w", v.RawID, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// MarkScored flags a raw row as scored.
func (b *Broker) MarkScored(ctx context.Context, id int64) error {
	if _, err := b.Exec(ctx, Raw, "UPDATE raw_messages SET is_scored = 1 WHERE raw_id = ?", id); err != nil {
		return fmt.Errorf("mark raw %d scored: %w", id, err)
	}
	return nil
}
