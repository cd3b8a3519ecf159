package alert

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/elonfeng/newsradar/internal/store"
)

func testNotification() *Notification {
	return FromNews(&store.EnrichedNewsItem{
		NewsID:       7,
		ScoreID:      3,
		CategoryCode: "FINANCIALS",
		CompanyName:  "Reliance Industries",
		Ticker:       "RELIANCE",
		Headline:     "Quarterly profit grows 20%",
		Summary:      "Board meeting held.",
		Sentiment:    "positive",
		URL:          "https://example.com/a",
		CreatedAt:    time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC),
	}, 55)
}

func TestSubject(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		n    Notification
		want string
	}{
		{name: "company and ticker", n: Notification{Company: "Acme", Ticker: "ACM", Title: "Up"}, want: "Acme (ACM): Up"},
		{name: "ticker only", n: Notification{Ticker: "ACM", Title: "Up"}, want: "(ACM): Up"},
		{name: "title only", n: Notification{Title: "Up"}, want: "Up"},
		{name: "company only", n: Notification{Company: "Acme"}, want: "Acme"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.n.Subject(); got != tt.want {
				t.Errorf("Subject() = %q, want %q", got, tt.want)
			}
		})
	}
}

type recordingNotifier struct {
	name string
	err  error
	got  []*Notification
}

func (r *recordingNotifier) Name() string { return r.name }

func (r *recordingNotifier) Send(_ context.Context, n *Notification) error {
	r.got = append(r.got, n)
	return r.err
}

func TestManagerBroadcastJoinsErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	ok := &recordingNotifier{name: "ok"}
	bad := &recordingNotifier{name: "bad", err: boom}
	m := NewManager([]Notifier{bad, ok})

	if !m.HasNotifiers() {
		t.Fatal("expected notifiers")
	}
	err := m.Broadcast(context.Background(), testNotification())
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined error, got %v", err)
	}
	if !strings.Contains(err.Error(), "bad:") {
		t.Fatalf("error should name the notifier: %v", err)
	}
	if len(ok.got) != 1 {
		t.Fatal("a failing notifier must not stop the others")
	}
	if NewManager(nil).HasNotifiers() {
		t.Fatal("empty manager should report no notifiers")
	}
}

func TestWebhookSignsEnvelope(t *testing.T) {
	t.Parallel()

	var (
		body    []byte
		headers http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		headers = r.Header.Clone()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, "s3cret")
	wh.now = func() time.Time { return time.Unix(1700000000, 0) }
	if err := wh.Send(context.Background(), testNotification()); err != nil {
		t.Fatalf("send: %v", err)
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Event != EventNewsEnriched || env.Data.Company != "Reliance Industries" || env.Data.Score != 55 {
		t.Fatalf("unexpected envelope %+v", env)
	}
	if headers.Get("X-Newsradar-Timestamp") != "1700000000" {
		t.Fatalf("timestamp header %q", headers.Get("X-Newsradar-Timestamp"))
	}
	want := "sha256=" + Sign("s3cret", "1700000000", body)
	if headers.Get("X-Signature-256") != want {
		t.Fatalf("signature %q, want %q", headers.Get("X-Signature-256"), want)
	}
}

func TestWebhookNon2xxFails(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	if err := NewWebhook(srv.URL, "").Send(context.Background(), testNotification()); err == nil {
		t.Fatal("expected error on 502")
	}
}

func TestSlackAndDiscordPayloads(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx := context.Background()
	if err := NewSlack(srv.URL).Send(ctx, testNotification()); err != nil {
		t.Fatalf("slack: %v", err)
	}
	blocks, _ := got["blocks"].([]any)
	if len(blocks) != 3 {
		t.Fatalf("expected header, section and link blocks, got %d", len(blocks))
	}

	if err := NewDiscord(srv.URL).Send(ctx, testNotification()); err != nil {
		t.Fatalf("discord: %v", err)
	}
	embeds, _ := got["embeds"].([]any)
	if len(embeds) != 1 {
		t.Fatalf("expected one embed, got %d", len(embeds))
	}
	embed := embeds[0].(map[string]any)
	if embed["title"] != "Reliance Industries (RELIANCE): Quarterly profit grows 20%" {
		t.Fatalf("unexpected title %v", embed["title"])
	}
	if embed["url"] != "https://example.com/a" {
		t.Fatalf("unexpected url %v", embed["url"])
	}
}
