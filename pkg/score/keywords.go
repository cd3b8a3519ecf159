package score

import (
	"sort"
	"strings"
)

// Keyword categories. Each category present in a message adds to the keyword score.
const (
	CategoryCorporateActions = "corporate_actions"
	CategoryBusinessGrowth   = "business_growth"
	CategoryFinancials       = "financials"
	CategoryGovernance       = "governance"
	CategoryMarketActivity   = "market_activity"
)

// DefaultCategories is the base keyword set per category.
var DefaultCategories = map[string][]string{
	CategoryCorporateActions: {
		"dividend", "bonus", "split", "buyback", "merger", "acquisition", "acquire",
		"demerger", "rights issue", "stake", "amalgamation", "open offer", "delisting",
	},
	CategoryBusinessGrowth: {
		"growth", "expansion", "order", "contract", "launch", "capacity", "new plant",
		"partnership", "deal", "wins", "bagged", "approval",
	},
	CategoryFinancials: {
		"profit", "revenue", "results", "quarterly", "q1", "q2", "q3", "q4",
		"earnings", "ebitda", "net income", "loss", "margin", "guidance",
	},
	CategoryGovernance: {
		"board meeting", "appointment", "resign", "auditor", "agm", "egm", "ceo",
		"director", "compliance", "penalty", "sebi",
	},
	CategoryMarketActivity: {
		"block deal", "bulk deal", "ipo", "listing", "upper circuit", "lower circuit",
		"52-week", "fii", "dii", "target price", "upgrade", "downgrade", "rating",
	},
}

// DefaultSpam marks promotional tip channels.
var DefaultSpam = []string{
	"join now", "free tips", "whatsapp", "telegram.me", "100% sure", "jackpot",
	"call now", "paid group", "premium group", "subscribe", "sure shot", "multibagger tips",
}

// Keywords holds lowercased keyword lists for matching.
type Keywords struct {
	categories map[string][]string
	spam       []string
}

// NewKeywords merges configured lists over the defaults. A configured category
// replaces the default list of that category; nil spam keeps the default.
func NewKeywords(categories map[string][]string, spam []string) *Keywords {
	merged := make(map[string][]string, len(DefaultCategories))
	for name, kws := range DefaultCategories {
		merged[name] = lowerAll(kws)
	}
	for name, kws := range categories {
		merged[strings.ToLower(name)] = lowerAll(kws)
	}
	if spam == nil {
		spam = DefaultSpam
	}
	return &Keywords{categories: merged, spam: lowerAll(spam)}
}

// Categories returns the names of the categories matched by text.
func (k *Keywords) Categories(text string) []string {
	lower := strings.ToLower(text)
	var hits []string
	for _, name := range sortedKeys(k.categories) {
		for _, kw := range k.categories[name] {
			if kw != "" && strings.Contains(lower, kw) {
				hits = append(hits, name)
				break
			}
		}
	}
	return hits
}

// IsSpam returns true if text contains any spam keyword.
func (k *Keywords) IsSpam(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range k.spam {
		if kw != "" && strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, kw := range in {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
			out = append(out, kw)
		}
	}
	return out
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
