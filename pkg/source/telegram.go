package source

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

const (
	defaultPollRetryDelay  = 3 * time.Second
	defaultMaxPollFailures = 3
)

// TelegramSession receives channel posts over the Bot API with long polling.
// The bot must be a member of every channel it should capture.
type TelegramSession struct {
	token       string
	endpoint    string
	pollTimeout int
	client      *http.Client
	logger      zerolog.Logger

	// Consecutive getUpdates failures tolerated before the subscription is
	// dropped and the listener reconnects.
	maxFailures int
	retryDelay  time.Duration

	mu     sync.Mutex
	bot    *tgbotapi.BotAPI
	offset int
}

var setBotLogger sync.Once

// NewTelegramSession creates a session. pollTimeout is in seconds. The Bot API
// library's own log output is routed to logger.
func NewTelegramSession(token string, pollTimeout int, logger zerolog.Logger) *TelegramSession {
	if pollTimeout <= 0 {
		pollTimeout = 60
	}
	logger = logger.With().Str("component", "telegram").Logger()
	setBotLogger.Do(func() { _ = tgbotapi.SetLogger(botLogger{logger: logger}) })

	return &TelegramSession{
		token:       token,
		endpoint:    tgbotapi.APIEndpoint,
		pollTimeout: pollTimeout,
		client:      &http.Client{Timeout: time.Duration(pollTimeout+10) * time.Second},
		logger:      logger,
		maxFailures: defaultMaxPollFailures,
		retryDelay:  defaultPollRetryDelay,
	}
}

// Connect authenticates and starts long polling for channel_post updates.
// Polling resumes after the last update seen by a previous subscription.
func (s *TelegramSession) Connect(ctx context.Context) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pollCtx, cancel := context.WithCancel(ctx)
	bot, err := tgbotapi.NewBotAPIWithClient(s.token, s.endpoint, contextClient{ctx: pollCtx, client: s.client})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("telegram auth: %w", err)
	}
	s.mu.Lock()
	s.bot = bot
	offset := s.offset
	s.mu.Unlock()

	cfg := tgbotapi.NewUpdate(offset)
	cfg.Timeout = s.pollTimeout
	cfg.AllowedUpdates = []string{"channel_post"}

	sub := &telegramSubscription{
		session: s,
		bot:     bot,
		ctx:     pollCtx,
		cancel:  cancel,
		out:     make(chan Message, 64),
	}
	go sub.poll(cfg)
	return sub, nil
}

// FileURL resolves a file id through the Bot API.
func (s *TelegramSession) FileURL(fileID string) (string, error) {
	s.mu.Lock()
	bot := s.bot
	s.mu.Unlock()
	if bot == nil {
		return "", fmt.Errorf("telegram session not connected")
	}
	url, err := bot.GetFileDirectURL(fileID)
	if err != nil {
		return "", fmt.Errorf("resolve file %s: %w", fileID, err)
	}
	return url, nil
}

func (s *TelegramSession) advance(offset int) {
	s.mu.Lock()
	if offset > s.offset {
		s.offset = offset
	}
	s.mu.Unlock()
}

// contextClient ties every Bot API request to the subscription's lifetime so
// Close interrupts a pending long poll.
type contextClient struct {
	ctx    context.Context
	client *http.Client
}

func (c contextClient) Do(req *http.Request) (*http.Response, error) {
	return c.client.Do(req.WithContext(c.ctx))
}

// botLogger adapts zerolog to the Bot API library's logger interface.
type botLogger struct {
	logger zerolog.Logger
}

func (l botLogger) Println(v ...interface{}) {
	l.logger.Warn().Msg(strings.TrimSpace(fmt.Sprintln(v...)))
}

func (l botLogger) Printf(format string, v ...interface{}) {
	l.logger.Debug().Msg(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

type telegramSubscription struct {
	session *TelegramSession
	bot     *tgbotapi.BotAPI
	ctx     context.Context
	cancel  context.CancelFunc
	out     chan Message
}

func (t *telegramSubscription) Messages() <-chan Message { return t.out }

func (t *telegramSubscription) Close() { t.cancel() }

// poll long-polls getUpdates until the subscription is closed or too many
// consecutive requests fail. Either way out is closed.
func (t *telegramSubscription) poll(cfg tgbotapi.UpdateConfig) {
	defer close(t.out)
	log := t.session.logger

	failures := 0
	for {
		updates, err := t.bot.GetUpdates(cfg)
		if t.ctx.Err() != nil {
			return
		}
		if err != nil {
			failures++
			if failures >= t.session.maxFailures {
				log.Error().Err(err).Int("failures", failures).Msg("long poll keeps failing, dropping subscription")
				return
			}
			log.Warn().Err(err).Int("failures", failures).Dur("retry_in", t.session.retryDelay).Msg("get updates failed")
			if !sleepCtx(t.ctx, t.session.retryDelay) {
				return
			}
			continue
		}
		failures = 0

		for _, u := range updates {
			if u.UpdateID < cfg.Offset {
				continue
			}
			cfg.Offset = u.UpdateID + 1
			t.session.advance(cfg.Offset)
			if u.ChannelPost == nil {
				continue
			}
			select {
			case t.out <- fromTelegram(u.ChannelPost):
			case <-t.ctx.Done():
				return
			}
		}
	}
}

func fromTelegram(p *tgbotapi.Message) Message {
	m := Message{
		MsgID:   int64(p.MessageID),
		Text:    p.Text,
		Caption: p.Caption,
		Date:    p.Time().UTC(),
	}
	if p.Chat != nil {
		m.ChatID = p.Chat.ID
		m.ChatUsername = p.Chat.UserName
		m.ChatTitle = p.Chat.Title
	}
	for _, e := range append(append([]tgbotapi.MessageEntity{}, p.Entities...), p.CaptionEntities...) {
		if e.Type == "text_link" && e.URL != "" {
			m.EntityURLs = append(m.EntityURLs, e.URL)
		}
	}
	m.Attachment = attachmentOf(p)
	return m
}

// attachmentOf picks the file identifier, using the largest photo size.
func attachmentOf(p *tgbotapi.Message) *Attachment {
	switch {
	case len(p.Photo) > 0:
		best := p.Photo[0]
		for _, ps := range p.Photo[1:] {
			if ps.Width*ps.Height > best.Width*best.Height {
				best = ps
			}
		}
		return &Attachment{Kind: AttachPhoto, FileID: best.FileID, MimeType: "image/jpeg"}
	case p.Video != nil:
		return &Attachment{Kind: AttachVideo, FileID: p.Video.FileID, FileName: p.Video.FileName, MimeType: p.Video.MimeType}
	case p.Animation != nil:
		return &Attachment{Kind: AttachAnimation, FileID: p.Animation.FileID, FileName: p.Animation.FileName, MimeType: p.Animation.MimeType}
	case p.Document != nil:
		return &Attachment{Kind: AttachDocument, FileID: p.Document.FileID, FileName: p.Document.FileName, MimeType: p.Document.MimeType}
	case p.Audio != nil:
		return &Attachment{Kind: AttachAudio, FileID: p.Audio.FileID, FileName: p.Audio.FileName, MimeType: p.Audio.MimeType}
	case p.Voice != nil:
		return &Attachment{Kind: AttachVoice, FileID: p.Voice.FileID, MimeType: p.Voice.MimeType}
	}
	return nil
}
