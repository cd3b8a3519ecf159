package enrich

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed analysis.schema.json
var analysisSchemaJSON string

// Analysis is the structured result of analyzing one message.
type Analysis struct {
	CategoryCode string `json:"category_code"`
	SubTypeCode  string `json:"sub_type_code,omitempty"`
	CompanyName  string `json:"company_name"`
	Ticker       string `json:"ticker,omitempty"`
	Exchange     string `json:"exchange,omitempty"`
	CountryCode  string `json:"country_code,omitempty"`
	Headline     string `json:"headline"`
	Summary      string `json:"summary"`
	Sentiment    string `json:"sentiment"`
	LanguageCode string `json:"language_code,omitempty"`
	URL          string `json:"url,omitempty"`

	// Raw is the validated response body.
	Raw json.RawMessage `json:"-"`
}

var (
	compileOnce       sync.Once
	compiledSchema    *jsonschema.Schema
	compiledSchemaErr error
)

// ParseAnalysis decodes an adapter response, tolerating a markdown code fence
// around the JSON, and validates it against the analysis schema.
func ParseAnalysis(raw string) (*Analysis, error) {
	body := []byte(stripCodeFence(raw))
	value, err := decodeStrictJSON(body)
	if err != nil {
		return nil, fmt.Errorf("decode analysis JSON: %w (raw: %s)", err, truncateStr(raw, 300))
	}

	schema, err := loadSchema()
	if err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}
	if err := schema.Validate(value); err != nil {
		return nil, fmt.Errorf("analysis schema validation failed: %w", err)
	}

	var a Analysis
	if err := json.Unmarshal(body, &a); err != nil {
		return nil, fmt.Errorf("unmarshal analysis: %w", err)
	}
	a.normalize()
	a.Raw = json.RawMessage(bytes.TrimSpace(body))
	return &a, nil
}

func (a *Analysis) normalize() {
	a.CategoryCode = strings.ToUpper(strings.TrimSpace(a.CategoryCode))
	a.SubTypeCode = strings.ToUpper(strings.TrimSpace(a.SubTypeCode))
	a.CompanyName = strings.TrimSpace(a.CompanyName)
	a.Ticker = strings.ToUpper(strings.TrimSpace(a.Ticker))
	a.Exchange = strings.ToUpper(strings.TrimSpace(a.Exchange))
	a.CountryCode = strings.ToUpper(strings.TrimSpace(a.CountryCode))
	a.Headline = strings.TrimSpace(a.Headline)
	a.Summary = strings.TrimSpace(a.Summary)
	a.LanguageCode = strings.ToLower(strings.TrimSpace(a.LanguageCode))
	a.URL = strings.TrimSpace(a.URL)
}

func loadSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020

		if err := compiler.AddResource("analysis.schema.json", strings.NewReader(analysisSchemaJSON)); err != nil {
			compiledSchemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}

		schema, err := compiler.Compile("analysis.schema.json")
		if err != nil {
			compiledSchemaErr = fmt.Errorf("compile schema: %w", err)
			return
		}
		compiledSchema = schema
	})

	if compiledSchemaErr != nil {
		return nil, compiledSchemaErr
	}
	if compiledSchema == nil {
		return nil, fmt.Errorf("schema not initialized")
	}
	return compiledSchema, nil
}

func decodeStrictJSON(raw []byte) (any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("response is empty")
	}

	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()

	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, err
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("response contains trailing content")
	}
	return value, nil
}

// stripCodeFence removes a surrounding ``` or ```json block.
func stripCodeFence(raw string) string {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "```") {
		return raw
	}
	if idx := strings.Index(raw[3:], "\n"); idx >= 0 {
		raw = raw[3+idx+1:]
	} else {
		raw = raw[3:]
	}
	raw = strings.TrimSuffix(strings.TrimSpace(raw), "```")
	return strings.TrimSpace(raw)
}

func truncateStr(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
