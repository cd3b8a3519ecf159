package source

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/elonfeng/newsradar/internal/store"
)

// Listener keeps a subscription to channel posts alive and writes every
// allowed post to the Listing store.
type Listener struct {
	session        Session
	writer         ListingWriter
	filter         *ChannelFilter
	media          *MediaStore
	reconnectDelay time.Duration
	logger         zerolog.Logger
	now            func() time.Time

	state  atomic.Int32
	mu     sync.Mutex
	cancel context.CancelFunc
}

// ListenerOption customizes a Listener.
type ListenerOption func(*Listener)

// WithMediaStore enables media downloads.
func WithMediaStore(m *MediaStore) ListenerOption {
	return func(l *Listener) { l.media = m }
}

// WithReconnectDelay sets the fixed wait between connection attempts.
func WithReconnectDelay(d time.Duration) ListenerOption {
	return func(l *Listener) {
		if d > 0 {
			l.reconnectDelay = d
		}
	}
}

// NewListener creates a listener for the given allow-list.
func NewListener(session Session, writer ListingWriter, channels []string, logger zerolog.Logger, opts ...ListenerOption) *Listener {
	l := &Listener{
		session:        session,
		writer:         writer,
		filter:         NewChannelFilter(channels),
		reconnectDelay: 10 * time.Second,
		logger:         logger.With().Str("component", "listener").Logger(),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// State returns the current connection state.
func (l *Listener) State() State {
	return State(l.state.Load())
}

func (l *Listener) setState(s State) {
	if prev := State(l.state.Swap(int32(s))); prev != s {
		l.logger.Debug().Str("from", prev.String()).Str("to", s.String()).Msg("listener state")
	}
}

// Run connects and processes posts until ctx is cancelled or Stop is called.
// Disconnects are retried forever after the reconnect delay.
func (l *Listener) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.cancel = cancel
	l.mu.Unlock()
	defer cancel()
	defer l.setState(StateDisconnected)

	if l.filter.Empty() {
		l.logger.Warn().Msg("channel allow-list is empty, accepting every channel")
	}

	for {
		l.setState(StateConnecting)
		sub, err := l.session.Connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.logger.Error().Err(err).Dur("retry_in", l.reconnectDelay).Msg("connect failed")
			l.setState(StateDisconnected)
			if !sleepCtx(ctx, l.reconnectDelay) {
				return nil
			}
			continue
		}

		l.setState(StateSubscribed)
		l.logger.Info().Msg("subscribed to channel posts")
		if stopped := l.consume(ctx, sub); stopped {
			return nil
		}

		l.setState(StateDisconnected)
		l.logger.Warn().Dur("retry_in", l.reconnectDelay).Msg("subscription dropped")
		if !sleepCtx(ctx, l.reconnectDelay) {
			return nil
		}
	}
}

// Stop disconnects the session and makes Run return.
func (l *Listener) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		l.cancel()
	}
}

// consume drains sub until it closes or ctx ends. It reports whether ctx ended.
func (l *Listener) consume(ctx context.Context, sub Subscription) bool {
	defer sub.Close()
	msgs := sub.Messages()
	for {
		select {
		case <-ctx.Done():
			return true
		case m, ok := <-msgs:
			if !ok {
				return ctx.Err() != nil
			}
			l.Handle(ctx, m)
		}
	}
}

// Handle filters, enriches and stores one post. Failures are logged and the
// post is dropped.
func (l *Listener) Handle(ctx context.Context, m Message) {
	log := l.logger.With().Int64("chat_id", m.ChatID).Int64("msg_id", m.MsgID).Logger()

	if !l.filter.Allows(m.ChatID, m.ChatUsername) {
		log.Debug().Str("channel", m.ChatUsername).Msg("channel not on allow-list")
		return
	}

	row := &store.ListingMessage{
		ChatID:       m.ChatID,
		MsgID:        m.MsgID,
		SourceHandle: sourceHandle(m),
		MessageText:  m.Text,
		CaptionText:  m.Caption,
		MediaType:    ClassifyMedia(m.Attachment),
		URLs:         MergeURLs(ExtractURLs(m.Text, m.Caption), m.EntityURLs...),
		ReceivedAt:   l.now().UTC(),
	}
	if m.Attachment != nil {
		row.HasMedia = true
		row.FileID = m.Attachment.FileID
		row.FileName = m.Attachment.FileName
	}

	if l.media != nil && row.HasMedia && row.FileID != "" && row.MediaType == store.MediaImage {
		path, err := l.download(ctx, m.Attachment)
		if err != nil {
			log.Warn().Err(err).Str("file_id", row.FileID).Msg("media download failed")
		} else {
			row.FilePath = path
		}
	}

	inserted, err := l.writer.InsertListing(ctx, row)
	if err != nil {
		log.Error().Err(err).Msg("insert listing failed, dropping message")
		return
	}
	if !inserted {
		log.Debug().Msg("duplicate delivery ignored")
		return
	}
	log.Info().Int64("listing_id", row.ListingID).Str("media", string(row.MediaType)).Int("urls", len(row.URLs)).Msg("message captured")
}

func (l *Listener) download(ctx context.Context, att *Attachment) (string, error) {
	url, err := l.session.FileURL(att.FileID)
	if err != nil {
		return "", err
	}
	return l.media.Download(ctx, url, att)
}

func sourceHandle(m Message) string {
	if m.ChatUsername != "" {
		return "@" + NormalizeUsername(m.ChatUsername)
	}
	if m.ChatTitle != "" {
		return m.ChatTitle
	}
	return ""
}

// sleepCtx waits for d. It returns false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
