package source

import (
	"context"
	"time"

	"github.com/elonfeng/newsradar/internal/store"
)

// AttachmentKind is the platform's own name for an attached file.
type AttachmentKind string

const (
	AttachPhoto     AttachmentKind = "photo"
	AttachVideo     AttachmentKind = "video"
	AttachAnimation AttachmentKind = "animation"
	AttachDocument  AttachmentKind = "document"
	AttachAudio     AttachmentKind = "audio"
	AttachVoice     AttachmentKind = "voice"
)

// Attachment describes one file attached to a channel post.
type Attachment struct {
	Kind     AttachmentKind
	FileID   string
	FileName string
	MimeType string
}

// Message is a channel post as delivered by a session.
type Message struct {
	ChatID       int64
	MsgID        int64
	ChatUsername string
	ChatTitle    string
	Text         string
	Caption      string
	EntityURLs   []string
	Attachment   *Attachment
	Date         time.Time
}

// Session connects to the messaging platform.
type Session interface {
	// Connect opens a subscription to channel posts. It blocks until the
	// subscription is established or fails.
	Connect(ctx context.Context) (Subscription, error)
	// FileURL resolves a file id to a direct download URL.
	FileURL(fileID string) (string, error)
}

// Subscription delivers posts until closed. Messages is closed when the
// connection drops.
type Subscription interface {
	Messages() <-chan Message
	Close()
}

// ListingWriter persists captured messages.
type ListingWriter interface {
	InsertListing(ctx context.Context, m *store.ListingMessage) (bool, error)
}

// State is the connection state of a Listener.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	}
	return "unknown"
}
