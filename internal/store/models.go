package store

import (
	"encoding/json"
	"time"
)

// MediaType classifies the attachment of a captured message.
type MediaType string

const (
	MediaNone     MediaType = "none"
	MediaImage    MediaType = "image"
	MediaVideo    MediaType = "video"
	MediaDocument MediaType = "document"
)

// Decision is the outcome of scoring.
type Decision string

const (
	DecisionPass Decision = "PASS"
	DecisionDrop Decision = "DROP"
)

// ListingMessage is a captured feed message before extraction.
type ListingMessage struct {
	ListingID    int64      `db:"listing_id" json:"listing_id"`
	ChatID       int64      `db:"chat_id" json:"chat_id"`
	MsgID        int64      `db:"msg_id" json:"msg_id"`
	SourceHandle string     `db:"source_handle" json:"source_handle"`
	MessageText  string     `db:"message_text" json:"message_text"`
	CaptionText  string     `db:"caption_text" json:"caption_text"`
	MediaType    MediaType  `db:"media_type" json:"media_type"`
	HasMedia     bool       `db:"has_media" json:"has_media"`
	FileID       string     `db:"file_id" json:"file_id"`
	FileName     string     `db:"file_name" json:"file_name"`
	FilePath     string     `db:"file_path" json:"file_path"`
	URLsJSON     string     `db:"urls" json:"-"`
	URLs         []string   `db:"-" json:"urls"`
	ReceivedAt   time.Time  `db:"received_at" json:"received_at"`
	IsExtracted  bool       `db:"is_extracted" json:"is_extracted"`
	ExtractedAt  *time.Time `db:"extracted_at" json:"extracted_at,omitempty"`
}

func (m *ListingMessage) encodeURLs() string {
	if len(m.URLs) == 0 {
		return "[]"
	}
	data, _ := json.Marshal(m.URLs)
	return string(data)
}

func (m *ListingMessage) decodeURLs() {
	m.URLs = nil
	if m.URLsJSON != "" {
		_ = json.Unmarshal([]byte(m.URLsJSON), &m.URLs)
	}
}

// RawMessage is an extracted, normalized message and its duplicate verdict.
type RawMessage struct {
	RawID            int64      `db:"raw_id" json:"raw_id"`
	ListingID        int64      `db:"listing_id" json:"listing_id"`
	ChatID           int64      `db:"chat_id" json:"chat_id"`
	MsgID            int64      `db:"msg_id" json:"msg_id"`
	SourceHandle     string     `db:"source_handle" json:"source_handle"`
	TelegramText     string     `db:"telegram_text" json:"telegram_text"`
	CaptionText      string     `db:"caption_text" json:"caption_text"`
	LinkText         string     `db:"link_text" json:"link_text"`
	ImageOCRText     string     `db:"image_ocr_text" json:"image_ocr_text"`
	CombinedText     string     `db:"combined_text" json:"combined_text"`
	NormalizedText   string     `db:"normalized_text" json:"normalized_text"`
	FileID           string     `db:"file_id" json:"file_id"`
	ReceivedAt       time.Time  `db:"received_at" json:"received_at"`
	ContentHash      string     `db:"content_hash" json:"content_hash"`
	IsDuplicate      bool       `db:"is_duplicate" json:"is_duplicate"`
	DuplicateOfRawID *int64     `db:"duplicate_of_raw_id" json:"duplicate_of_raw_id,omitempty"`
	DedupedAt        *time.Time `db:"deduped_at" json:"deduped_at,omitempty"`
	IsScored         bool       `db:"is_scored" json:"is_scored"`
}

// ScoreRecord is the immutable scoring outcome for one raw message.
type ScoreRecord struct {
	ScoreID         int64     `db:"score_id" json:"score_id"`
	RawID           int64     `db:"raw_id" json:"raw_id"`
	FinalScore      int       `db:"final_score" json:"final_score"`
	StructuralScore int       `db:"structural_score" json:"structural_score"`
	KeywordScore    int       `db:"keyword_score" json:"keyword_score"`
	SourceScore     int       `db:"source_score" json:"source_score"`
	ContentScore    int       `db:"content_score" json:"content_score"`
	Decision        Decision  `db:"decision" json:"decision"`
	ScoredAt        time.Time `db:"scored_at" json:"scored_at"`
}

// AnalysisRecord keeps the adapter exchange behind an enriched item.
type AnalysisRecord struct {
	AnalysisID    int64     `db:"analysis_id" json:"analysis_id"`
	ScoreID       int64     `db:"score_id" json:"score_id"`
	RawID         int64     `db:"raw_id" json:"raw_id"`
	Provider      string    `db:"provider" json:"provider"`
	Model         string    `db:"model" json:"model"`
	PromptVersion int       `db:"prompt_version" json:"prompt_version"`
	Response      string    `db:"response" json:"response"`
	LatencyMS     int64     `db:"latency_ms" json:"latency_ms"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// PromptTemplate is a versioned prompt for one stage. One version is active.
type PromptTemplate struct {
	PromptID  int64     `db:"prompt_id" json:"prompt_id"`
	Stage     string    `db:"stage" json:"stage"`
	Version   int       `db:"version" json:"version"`
	Template  string    `db:"template" json:"template"`
	IsActive  bool      `db:"is_active" json:"is_active"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// EnrichedNewsItem is the final structured news item.
type EnrichedNewsItem struct {
	NewsID       int64     `db:"news_id" json:"news_id"`
	ScoreID      int64     `db:"score_id" json:"score_id"`
	RawID        int64     `db:"raw_id" json:"raw_id"`
	CategoryCode string    `db:"category_code" json:"category_code"`
	SubTypeCode  string    `db:"sub_type_code" json:"sub_type_code"`
	CompanyName  string    `db:"company_name" json:"company_name"`
	Ticker       string    `db:"ticker" json:"ticker"`
	Exchange     string    `db:"exchange" json:"exchange"`
	CountryCode  string    `db:"country_code" json:"country_code"`
	Headline     string    `db:"headline" json:"headline"`
	Summary      string    `db:"summary" json:"summary"`
	Sentiment    string    `db:"sentiment" json:"sentiment"`
	LanguageCode string    `db:"language_code" json:"language_code"`
	URL          string    `db:"url" json:"url"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}
