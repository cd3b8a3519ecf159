package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Discord sends notifications via Discord webhook.
type Discord struct {
	client     *http.Client
	webhookURL string
}

// NewDiscord creates a new Discord notifier.
func NewDiscord(webhookURL string) *Discord {
	return &Discord{
		client:     &http.Client{Timeout: 10 * time.Second},
		webhookURL: webhookURL,
	}
}

func (d *Discord) Name() string { return "discord" }

func (d *Discord) Send(ctx context.Context, n *Notification) error {
	var facts []string
	if n.Category != "" {
		facts = append(facts, fmt.Sprintf("**Category:** %s", n.Category))
	}
	if n.Sentiment != "" {
		facts = append(facts, fmt.Sprintf("**Sentiment:** %s", n.Sentiment))
	}
	facts = append(facts, fmt.Sprintf("**Score:** %d", n.Score))

	embed := map[string]any{
		"title":       n.Subject(),
		"description": fmt.Sprintf("%s\n\n%s", strings.Join(facts, " | "), n.Body),
		"color":       sentimentColor(n.Sentiment),
		"timestamp":   n.PublishedAt.UTC().Format(time.RFC3339),
	}
	if n.URL != "" {
		embed["url"] = n.URL
	}

	payload := map[string]any{
		"embeds": []map[string]any{embed},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal discord payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create discord request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("send discord webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("discord webhook status %d", resp.StatusCode)
	}

	return nil
}

func sentimentColor(sentiment string) int {
	switch sentiment {
	case "positive":
		return 0x2EB67D
	case "negative":
		return 0xE01E5A
	}
	return 0x8C8C8C
}
