package visibility

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"brandscope/internal/engine"
)

// ScorePolicy tunes confidence scoring. Whatever the numbers, a grounded
// citation must never score below an inferred text match of the same
// specificity, and an exact-name match never below a variant match.
type ScorePolicy struct {
	GroundedBase        int `json:"grounded_base"`
	TextBase            int `json:"text_base"`
	ExactBonus          int `json:"exact_bonus"`
	VariantBonus        int `json:"variant_bonus"`
	LongResponseRunes   int `json:"long_response_runes"`
	LongResponsePenalty int `json:"long_response_penalty"`
	AbsenceBase         int `json:"absence_base"`
	ShortResponseRunes  int `json:"short_response_runes"`
	ShortAbsenceBase    int `json:"short_absence_base"`
}

func DefaultScorePolicy() ScorePolicy {
	return ScorePolicy{
		GroundedBase:        70,
		TextBase:            50,
		ExactBonus:          25,
		VariantBonus:        12,
		LongResponseRunes:   1500,
		LongResponsePenalty: 10,
		AbsenceBase:         80,
		ShortResponseRunes:  40,
		ShortAbsenceBase:    50,
	}
}

// MatchConfidence scores a found verdict in [0,100]. A match buried in a
// very long response scores lower than the same match in a short one.
func (p ScorePolicy) MatchConfidence(kind engine.Kind, exact bool, responseRunes int) int {
	score := p.TextBase
	if kind == engine.KindGrounded {
		score = p.GroundedBase
	}
	if exact {
		score += p.ExactBonus
	} else {
		score += p.VariantBonus
	}
	if p.LongResponseRunes > 0 && responseRunes > p.LongResponseRunes {
		score -= p.LongResponsePenalty
	}
	return clampScore(score)
}

// AbsenceConfidence scores how sure a not-found verdict is. A near-empty
// response is weak evidence of absence.
func (p ScorePolicy) AbsenceConfidence(responseRunes int) int {
	if responseRunes < p.ShortResponseRunes {
		return clampScore(p.ShortAbsenceBase)
	}
	return clampScore(p.AbsenceBase)
}

func clampScore(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

var defaultPositiveWords = []string{
	"best", "top", "excellent", "great", "leading", "popular", "recommended",
	"reliable", "trusted", "favorite", "quality", "innovative", "comfortable",
}

var defaultNegativeWords = []string{
	"worst", "bad", "poor", "avoid", "overpriced", "unreliable", "disappointing",
	"lawsuit", "recall", "controversial", "decline", "complaint",
}

// classifySentiment counts positive and negative keyword hits in the
// given text. Strictly more positive hits is positive, strictly more
// negative is negative, everything else neutral.
func classifySentiment(text string, cfg Config) Sentiment {
	positive := cfg.PositiveWords
	if len(positive) == 0 {
		positive = defaultPositiveWords
	}
	negative := cfg.NegativeWords
	if len(negative) == 0 {
		negative = defaultNegativeWords
	}
	lowered := strings.ToLower(text)
	posCount := countWords(lowered, positive)
	negCount := countWords(lowered, negative)
	switch {
	case posCount > negCount:
		return SentimentPositive
	case negCount > posCount:
		return SentimentNegative
	default:
		return SentimentNeutral
	}
}

func countWords(lowered string, words []string) int {
	total := 0
	for _, word := range words {
		word = strings.ToLower(strings.TrimSpace(word))
		if word == "" {
			continue
		}
		offset := 0
		for {
			idx := strings.Index(lowered[offset:], word)
			if idx < 0 {
				break
			}
			start := offset + idx
			end := start + len(word)
			if wordBoundary(lowered, start, end) {
				total++
			}
			offset = end
		}
	}
	return total
}

func wordBoundary(s string, start, end int) bool {
	if start > 0 {
		r, _ := utf8.DecodeLastRuneInString(s[:start])
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
	}
	if end < len(s) {
		r, _ := utf8.DecodeRuneInString(s[end:])
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
