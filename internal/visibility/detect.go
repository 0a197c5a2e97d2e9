package visibility

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"brandscope/internal/engine"
)

// Config carries everything detection needs for one target: the
// normalized host, the brand name plus its accepted variants, and the
// tunable scoring knobs.
type Config struct {
	TargetHost    string       `json:"target_host"`
	BrandName     string       `json:"brand_name"`
	Variants      []string     `json:"variants,omitempty"`
	ContextWindow int          `json:"context_window,omitempty"`
	AnswerTextCap int          `json:"answer_text_cap,omitempty"`
	PositiveWords []string     `json:"positive_words,omitempty"`
	NegativeWords []string     `json:"negative_words,omitempty"`
	Policy        *ScorePolicy `json:"policy,omitempty"`
}

// NewConfig derives a detection config from the user's URL. When no brand
// name is given, the leading host label is used (nike.com -> "nike").
func NewConfig(targetURL, brandName string, variants ...string) (Config, error) {
	host := NormalizeHost(targetURL)
	if host == "" {
		return Config{}, fmt.Errorf("cannot derive a host from %q", targetURL)
	}
	name := strings.TrimSpace(brandName)
	if name == "" {
		name = strings.SplitN(host, ".", 2)[0]
	}
	cleaned := make([]string, 0, len(variants))
	for _, variant := range variants {
		if v := strings.TrimSpace(variant); v != "" {
			cleaned = append(cleaned, v)
		}
	}
	return Config{
		TargetHost: host,
		BrandName:  name,
		Variants:   cleaned,
	}, nil
}

func (c Config) contextWindow() int {
	if c.ContextWindow > 0 {
		return c.ContextWindow
	}
	return 120
}

func (c Config) answerCap() int {
	if c.AnswerTextCap > 0 {
		return c.AnswerTextCap
	}
	return 4000
}

func (c Config) policy() ScorePolicy {
	if c.Policy != nil {
		return *c.Policy
	}
	return DefaultScorePolicy()
}

// NormalizeHost reduces a URL or bare host to a canonical comparable
// host: lowercase, no scheme, no www prefix, no port, no path, no
// trailing dot. Normalizing an already-normalized host is a no-op.
func NormalizeHost(raw string) string {
	host := strings.ToLower(strings.TrimSpace(raw))
	if idx := strings.Index(host, "://"); idx >= 0 {
		host = host[idx+3:]
	}
	if idx := strings.IndexAny(host, "/?#"); idx >= 0 {
		host = host[:idx]
	}
	if idx := strings.Index(host, "@"); idx >= 0 {
		host = host[idx+1:]
	}
	if idx := strings.Index(host, ":"); idx >= 0 {
		host = host[:idx]
	}
	host = strings.TrimPrefix(host, "www.")
	return strings.TrimSuffix(host, ".")
}

// HostMatches reports whether a cited host is the target or one of its
// subdomains.
func HostMatches(host, target string) bool {
	if host == "" || target == "" {
		return false
	}
	return host == target || strings.HasSuffix(host, "."+target)
}

// Evaluate classifies one raw engine response. It selects the detection
// strategy by capability kind and never fails: absence of evidence is
// not-found, not an error.
func Evaluate(cfg Config, kind engine.Kind, response engine.InvokeResult) TestResult {
	if kind == engine.KindGrounded {
		return evaluateCitations(cfg, response)
	}
	return evaluateText(cfg, response)
}

func evaluateCitations(cfg Config, response engine.InvokeResult) TestResult {
	result := TestResult{
		Sources:    response.Sources,
		AnswerText: truncateRunes(response.Text, cfg.answerCap()),
	}
	rank := 0
	for i, source := range response.Sources {
		if HostMatches(NormalizeHost(source), cfg.TargetHost) {
			rank = i + 1
			break
		}
	}
	if rank == 0 {
		result.Status = StatusNotFound
		result.Confidence = cfg.policy().AbsenceConfidence(utf8.RuneCountInString(response.Text))
		result.Sentiment = SentimentNeutral
		return result
	}
	result.Status = StatusFound
	result.Rank = rank
	result.MatchedName = cfg.TargetHost
	// No localized mention to anchor on, so sentiment reads the whole answer.
	result.Sentiment = classifySentiment(response.Text, cfg)
	result.Confidence = cfg.policy().MatchConfidence(engine.KindGrounded, true, utf8.RuneCountInString(response.Text))
	return result
}

func evaluateText(cfg Config, response engine.InvokeResult) TestResult {
	result := TestResult{
		AnswerText: truncateRunes(response.Text, cfg.answerCap()),
	}
	names := append([]string{cfg.BrandName}, cfg.Variants...)
	for i, name := range names {
		loc := matchWord(response.Text, name)
		if loc == nil {
			continue
		}
		exact := i == 0
		context := contextAround(response.Text, loc[0], loc[1], cfg.contextWindow())
		result.Status = StatusFound
		result.MatchedName = name
		result.MatchContext = context
		result.Sentiment = classifySentiment(context, cfg)
		result.Confidence = cfg.policy().MatchConfidence(engine.KindTextMatch, exact, utf8.RuneCountInString(response.Text))
		return result
	}
	result.Status = StatusNotFound
	result.Confidence = cfg.policy().AbsenceConfidence(utf8.RuneCountInString(response.Text))
	result.Sentiment = SentimentNeutral
	return result
}

// matchWord finds the first case-insensitive, word-boundary-safe
// occurrence of name and returns its byte offsets, or nil. Word
// boundaries keep "Nike" from matching "Nikeland".
func matchWord(text, name string) []int {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil
	}
	pattern, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(name) + `\b`)
	if err != nil {
		return nil
	}
	return pattern.FindStringIndex(text)
}

// contextAround returns up to window runes on each side of [start,end).
func contextAround(text string, start, end, window int) string {
	left := start
	for i := 0; i < window && left > 0; i++ {
		_, size := utf8.DecodeLastRuneInString(text[:left])
		left -= size
	}
	right := end
	for i := 0; i < window && right < len(text); i++ {
		_, size := utf8.DecodeRuneInString(text[right:])
		right += size
	}
	return text[left:right]
}

func truncateRunes(s string, max int) string {
	if max <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
