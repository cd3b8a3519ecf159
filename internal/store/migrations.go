package store

const listingSchema = `
CREATE TABLE IF NOT EXISTS listing_messages (
    listing_id    INTEGER PRIMARY KEY AUTOINCREMENT,
    chat_id       INTEGER NOT NULL,
    msg_id        INTEGER NOT NULL,
    source_handle TEXT NOT NULL DEFAULT '',
    message_text  TEXT NOT NULL DEFAULT '',
    caption_text  TEXT NOT NULL DEFAULT '',
    media_type    TEXT NOT NULL DEFAULT 'none',
    has_media     BOOLEAN NOT NULL DEFAULT 0,
    file_id       TEXT NOT NULL DEFAULT '',
    file_name     TEXT NOT NULL DEFAULT '',
    file_path     TEXT NOT NULL DEFAULT '',
    urls          TEXT NOT NULL DEFAULT '[]',
    received_at   DATETIME NOT NULL,
    is_extracted  BOOLEAN NOT NULL DEFAULT 0,
    extracted_at  DATETIME,
    UNIQUE(chat_id, msg_id)
);

CREATE INDEX IF NOT EXISTS idx_listing_pending ON listing_messages(is_extracted, received_at);
CREATE INDEX IF NOT EXISTS idx_listing_received ON listing_messages(received_at);
`

const rawSchema = `
CREATE TABLE IF NOT EXISTS raw_messages (
    raw_id              INTEGER PRIMARY KEY AUTOINCREMENT,
    listing_id          INTEGER NOT NULL,
    chat_id             INTEGER NOT NULL,
    msg_id              INTEGER NOT NULL,
    source_handle       TEXT NOT NULL DEFAULT '',
    telegram_text       TEXT NOT NULL DEFAULT '',
    caption_text        TEXT NOT NULL DEFAULT '',
    link_text           TEXT NOT NULL DEFAULT '',
    image_ocr_text      TEXT NOT NULL DEFAULT '',
    combined_text       TEXT NOT NULL DEFAULT '',
    normalized_text     TEXT NOT NULL DEFAULT '',
    file_id             TEXT NOT NULL DEFAULT '',
    received_at         DATETIME NOT NULL,
    content_hash        TEXT NOT NULL DEFAULT '',
    is_duplicate        BOOLEAN NOT NULL DEFAULT 0,
    duplicate_of_raw_id INTEGER,
    deduped_at          DATETIME,
    is_scored           BOOLEAN NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_raw_listing ON raw_messages(listing_id);
CREATE INDEX IF NOT EXISTS idx_raw_hash ON raw_messages(content_hash);
CREATE INDEX IF NOT EXISTS idx_raw_received ON raw_messages(received_at);
CREATE INDEX IF NOT EXISTS idx_raw_dedup_pending ON raw_messages(deduped_at);
CREATE INDEX IF NOT EXISTS idx_raw_score_pending ON raw_messages(is_duplicate, is_scored);
`

const scoringSchema = `
CREATE TABLE IF NOT EXISTS score_records (
    score_id         INTEGER PRIMARY KEY AUTOINCREMENT,
    raw_id           INTEGER NOT NULL UNIQUE,
    final_score      INTEGER NOT NULL,
    structural_score INTEGER NOT NULL,
    keyword_score    INTEGER NOT NULL,
    source_score     INTEGER NOT NULL,
    content_score    INTEGER NOT NULL,
    decision         TEXT NOT NULL CHECK (decision IN ('PASS', 'DROP')),
    scored_at        DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_scores_decision ON score_records(decision, score_id);
CREATE INDEX IF NOT EXISTS idx_scores_scored_at ON score_records(scored_at);
`

const aiSchema = `
CREATE TABLE IF NOT EXISTS ai_analyses (
    analysis_id    INTEGER PRIMARY KEY AUTOINCREMENT,
    score_id       INTEGER NOT NULL UNIQUE,
    raw_id         INTEGER NOT NULL,
    provider       TEXT NOT NULL DEFAULT '',
    model          TEXT NOT NULL DEFAULT '',
    prompt_version INTEGER NOT NULL DEFAULT 0,
    response       TEXT NOT NULL DEFAULT '{}',
    latency_ms     INTEGER NOT NULL DEFAULT 0,
    created_at     DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ai_created ON ai_analyses(created_at);

CREATE TABLE IF NOT EXISTS prompt_templates (
    prompt_id  INTEGER PRIMARY KEY AUTOINCREMENT,
    stage      TEXT NOT NULL,
    version    INTEGER NOT NULL,
    template   TEXT NOT NULL,
    is_active  BOOLEAN NOT NULL DEFAULT 0,
    updated_at DATETIME NOT NULL,
    UNIQUE(stage, version)
);
`

const finalSchema = `
CREATE TABLE IF NOT EXISTS enriched_news (
    news_id       INTEGER PRIMARY KEY AUTOINCREMENT,
    score_id      INTEGER NOT NULL UNIQUE,
    raw_id        INTEGER NOT NULL,
    category_code TEXT NOT NULL DEFAULT '',
    sub_type_code TEXT NOT NULL DEFAULT '',
    company_name  TEXT NOT NULL DEFAULT '',
    ticker        TEXT NOT NULL DEFAULT '',
    exchange      TEXT NOT NULL DEFAULT '',
    country_code  TEXT NOT NULL DEFAULT '',
    headline      TEXT NOT NULL DEFAULT '',
    summary       TEXT NOT NULL DEFAULT '',
    sentiment     TEXT NOT NULL DEFAULT '',
    language_code TEXT NOT NULL DEFAULT '',
    url           TEXT NOT NULL DEFAULT '',
    created_at    DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_news_created ON enriched_news(created_at);
CREATE INDEX IF NOT EXISTS idx_news_ticker ON enriched_news(ticker);
`

var schemas = map[Name]string{
	Listing: listingSchema,
	Raw:     rawSchema,
	Scoring: scoringSchema,
	AI:      aiSchema,
	Final:   finalSchema,
}
