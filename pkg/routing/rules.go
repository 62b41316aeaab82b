package routing

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// PatternType selects how a Pattern is matched against lowercased text.
type PatternType string

const (
	PatternContains PatternType = "contains"
	PatternWord     PatternType = "word"
	PatternExact    PatternType = "exact"
	PatternPrefix   PatternType = "prefix"
	PatternWildcard PatternType = "wildcard"
	PatternRegex    PatternType = "regex"
)

// Pattern is one matcher of a Rule.
type Pattern struct {
	Type  PatternType `json:"type" yaml:"type"`
	Value string      `json:"value" yaml:"value"`
}

// Rule maps text to an intent when any of its patterns match.
type Rule struct {
	Intent   Intent    `json:"intent" yaml:"intent"`
	Priority int       `json:"priority" yaml:"priority"`
	Patterns []Pattern `json:"patterns" yaml:"patterns"`
}

type compiledRule struct {
	Rule
	regexes []*regexp.Regexp
}

// Matcher evaluates keyword rules. Rules are tried by descending priority and
// the first match wins.
type Matcher struct {
	mu    sync.RWMutex
	rules []compiledRule
}

// NewMatcher compiles rules. Invalid or unsafe regexes are rejected.
func NewMatcher(rules []Rule) (*Matcher, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		cr := compiledRule{Rule: r, regexes: make([]*regexp.Regexp, len(r.Patterns))}
		for i, p := range r.Patterns {
			re, err := compilePattern(p)
			if err != nil {
				return nil, fmt.Errorf("rule %s: %w", r.Intent, err)
			}
			cr.regexes[i] = re
		}
		compiled = append(compiled, cr)
	}

	sort.SliceStable(compiled, func(i, j int) bool {
		return compiled[i].Priority > compiled[j].Priority
	})
	return &Matcher{rules: compiled}, nil
}

// Match returns the intent of the first matching rule.
func (m *Matcher) Match(text string) (Intent, bool) {
	text = strings.ToLower(strings.TrimSpace(text))
	if text == "" {
		return "", false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.rules {
		for i, p := range r.Patterns {
			if matchPattern(p, r.regexes[i], text) {
				return r.Intent, true
			}
		}
	}
	return "", false
}

func matchPattern(p Pattern, re *regexp.Regexp, text string) bool {
	value := strings.ToLower(p.Value)
	switch p.Type {
	case PatternExact:
		return text == value
	case PatternPrefix:
		return strings.HasPrefix(text, value)
	case PatternContains, "":
		return strings.Contains(text, value)
	case PatternWord, PatternWildcard, PatternRegex:
		return re != nil && re.MatchString(text)
	default:
		return false
	}
}

func compilePattern(p Pattern) (*regexp.Regexp, error) {
	switch p.Type {
	case PatternWord:
		return regexp.Compile(`\b` + regexp.QuoteMeta(strings.ToLower(p.Value)) + `\b`)
	case PatternWildcard:
		return regexp.Compile(wildcardToRegex(strings.ToLower(p.Value)))
	case PatternRegex:
		if err := validateRegexSafety(p.Value); err != nil {
			return nil, err
		}
		re, err := regexp.Compile("(?i)" + p.Value)
		if err != nil {
			return nil, fmt.Errorf("invalid regex pattern: %w", err)
		}
		return re, nil
	case PatternExact, PatternPrefix, PatternContains, "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown pattern type %q", p.Type)
	}
}

func validateRegexSafety(pattern string) error {
	if len(pattern) > 1000 {
		return fmt.Errorf("regex pattern exceeds 1000 characters")
	}
	if hasNestedQuantifiers(pattern) {
		return fmt.Errorf("regex pattern contains nested quantifiers")
	}
	return nil
}

// wildcardToRegex converts * and ? wildcards to an anchored regex.
func wildcardToRegex(pattern string) string {
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, ".*")
	escaped = strings.ReplaceAll(escaped, `\?`, ".")
	return "^" + escaped + "$"
}

var nestedQuantifiers = []*regexp.Regexp{
	regexp.MustCompile(`\([^)]*[+*]\)[+*]`),
	regexp.MustCompile(`\([^)]*\{[^}]+\}\)[+*]`),
}

// hasNestedQuantifiers catches patterns like (a+)+ or (a*)*.
func hasNestedQuantifiers(pattern string) bool {
	for _, np := range nestedQuantifiers {
		if np.MatchString(pattern) {
			return true
		}
	}
	return false
}

func words(intent Intent, priority int, values ...string) Rule {
	r := Rule{Intent: intent, Priority: priority}
	for _, v := range values {
		r.Patterns = append(r.Patterns, Pattern{Type: PatternWord, Value: v})
	}
	return r
}

// DefaultRules is the keyword fallback used when the model is unavailable or
// its answer cannot be parsed.
func DefaultRules() []Rule {
	return []Rule{
		words(IntentOrders, 40,
			"order", "orders", "customer", "customers", "purchase", "purchases",
			"fulfilment", "fulfillment", "shipped", "delivery",
		),
		words(IntentInventory, 30,
			"stock", "inventory", "warehouse", "warehouses", "sku", "skus",
			"product", "products", "reorder", "supply",
		),
		words(IntentPlanning, 20,
			"advice", "strategy", "plan", "grow", "improve", "goal", "focus", "recommend",
		),
		words(IntentAnalytics, 10,
			"revenue", "sales", "trend", "trends", "forecast", "performance",
			"metrics", "overview", "report", "alerts", "business",
		),
		{
			Intent:   IntentGeneral,
			Priority: 0,
			Patterns: []Pattern{
				{Type: PatternRegex, Value: `^(hi|hello|hey|good (morning|afternoon|evening))\b`},
				{Type: PatternContains, Value: "what can you do"},
			},
		},
	}
}
