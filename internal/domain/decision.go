package domain

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Recommendation is the vision model's verdict for the next trade.
type Recommendation string

const (
	RecommendationBuy  Recommendation = "buy"
	RecommendationSell Recommendation = "sell"
)

// Invert flips buy to sell and back.
func (r Recommendation) Invert() Recommendation {
	if r == RecommendationBuy {
		return RecommendationSell
	}
	return RecommendationBuy
}

// Direction maps a recommendation onto an option direction.
func (r Recommendation) Direction() Direction {
	if r == RecommendationBuy {
		return DirectionCall
	}
	return DirectionPut
}

// VisionDecision is the structured result of classifying a chart image.
type VisionDecision struct {
	Recommendation Recommendation `json:"recommendation"`
	Probability    float64        `json:"probability"`
	Explanation    string         `json:"explanation"`
	EntryTimeLabel string         `json:"entry"`
}

var (
	markdownPairRe = regexp.MustCompile(`\*\*([^*]+)\*\*:\s*([^\n*]+)`)
	leadingNumRe   = regexp.MustCompile(`\d+(\.\d+)?`)
)

// ParseVisionDecision extracts a decision from raw model output. The first
// JSON object substring wins; a bolded-markdown key/value layout is the
// fallback. Missing fields default to zero values, but output with no
// extractable structure at all fails with ErrNoDecisionExtracted.
func ParseVisionDecision(text string) (VisionDecision, error) {
	raw := extractJSONObject(text)
	if raw == nil {
		raw = extractMarkdownPairs(text)
	}
	if raw == nil {
		return VisionDecision{}, errors.Wrap(ErrNoDecisionExtracted, "vision output has no JSON or key/value structure")
	}

	rec := strings.ToLower(strings.TrimSpace(firstString(raw, "recommendation", "recomendacao", "recomendação")))
	switch rec {
	case "sell", "venda", "put":
		rec = string(RecommendationSell)
	default:
		rec = string(RecommendationBuy)
	}

	return VisionDecision{
		Recommendation: Recommendation(rec),
		Probability:    firstNumber(raw, "probability", "probabilidade"),
		Explanation:    firstString(raw, "explanation", "explicacao", "explicação"),
		EntryTimeLabel: firstString(raw, "entry", "entrada"),
	}, nil
}

// extractJSONObject finds the first balanced {...} substring and decodes it.
func extractJSONObject(text string) map[string]any {
	start := strings.Index(text, "{")
	if start < 0 {
		return nil
	}
	depth := 0
	for i := start; i < len(text); i++ {
		switch text[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				var m map[string]any
				if err := json.Unmarshal([]byte(text[start:i+1]), &m); err == nil {
					return m
				}
				return nil
			}
		}
	}
	return nil
}

func extractMarkdownPairs(text string) map[string]any {
	matches := markdownPairRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	m := make(map[string]any, len(matches))
	for _, pair := range matches {
		key := strings.ToLower(strings.TrimSpace(pair[1]))
		m[key] = strings.TrimSpace(pair[2])
	}
	return m
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			switch t := v.(type) {
			case string:
				return t
			case float64:
				return strconv.FormatFloat(t, 'f', -1, 64)
			}
		}
	}
	return ""
}

func firstNumber(m map[string]any, keys ...string) float64 {
	for _, k := range keys {
		v, ok := m[k]
		if !ok {
			continue
		}
		switch t := v.(type) {
		case float64:
			return t
		case string:
			if s := leadingNumRe.FindString(t); s != "" {
				n, _ := strconv.ParseFloat(s, 64)
				return n
			}
		}
	}
	return 0
}
