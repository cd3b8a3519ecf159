package enrich

import (
	"bytes"
	"fmt"
	"text/template"
	"time"
)

// PromptStage is the prompt_templates stage name used by enrichment.
const PromptStage = "enrichment"

// DefaultPrompt seeds the prompt store when no template is active.
const DefaultPrompt = `You are a financial news analyst. Read the market message below and extract structured fields.

Return ONLY a JSON object with these keys:
- "category_code": short upper-case category (CORPORATE_ACTIONS, BUSINESS_GROWTH, FINANCIALS, GOVERNANCE, MARKET_ACTIVITY or GENERAL)
- "sub_type_code": short upper-case sub type, or ""
- "company_name": the primary company the message is about, or ""
- "ticker": exchange ticker symbol, or ""
- "exchange": exchange code such as NSE, BSE, NYSE, or ""
- "country_code": ISO 3166-1 alpha-2 country code, or ""
- "headline": one-line headline, at most 160 characters
- "summary": two or three sentence factual summary
- "sentiment": one of "positive", "negative", "neutral", "mixed"
- "language_code": ISO 639-1 code of the message language
- "url": the most relevant source link in the message, or ""

Source: {{.Source}}
Received: {{.ReceivedAt.Format "2006-01-02T15:04:05Z07:00"}}

Message:
{{.Text}}`

// PromptData is the input a prompt template is rendered with.
type PromptData struct {
	Text       string
	Source     string
	ReceivedAt time.Time
}

// Prompt is a parsed, versioned template.
type Prompt struct {
	Version int
	tmpl    *template.Template
}

// ParsePrompt compiles a template. Unknown fields fail at render time.
func ParsePrompt(version int, text string) (*Prompt, error) {
	tmpl, err := template.New(PromptStage).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse prompt v%d: %w", version, err)
	}
	return &Prompt{Version: version, tmpl: tmpl}, nil
}

// Render executes the template.
func (p *Prompt) Render(data PromptData) (string, error) {
	var buf bytes.Buffer
	if err := p.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render prompt v%d: %w", p.Version, err)
	}
	return buf.String(), nil
}
