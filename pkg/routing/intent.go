package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/harun/parley/internal/tracing"
	"github.com/harun/parley/pkg/llm"
)

// Intent is a coarse message category.
type Intent string

const (
	IntentAnalytics Intent = "analytics"
	IntentInventory Intent = "inventory"
	IntentOrders    Intent = "orders"
	IntentPlanning  Intent = "planning"
	IntentInsights  Intent = "insights"
	IntentGeneral   Intent = "general"
)

// Agent profile names.
const (
	AgentAnalytics = "analytics_agent"
	AgentInventory = "inventory_agent"
	AgentOrders    = "orders_agent"
	AgentGeneral   = "general_agent"
)

var intentAgents = map[Intent]string{
	IntentAnalytics: AgentAnalytics,
	IntentPlanning:  AgentAnalytics,
	IntentInsights:  AgentAnalytics,
	IntentInventory: AgentInventory,
	IntentOrders:    AgentOrders,
	IntentGeneral:   AgentGeneral,
}

// AgentFor maps an intent to its agent profile. Unknown intents go to the
// general agent.
func AgentFor(intent Intent) string {
	if agent, ok := intentAgents[intent]; ok {
		return agent
	}
	return AgentGeneral
}

// Source tells where a routing decision came from.
type Source string

const (
	SourceModel    Source = "model"
	SourceKeywords Source = "keywords"
	SourceDefault  Source = "default"
)

// Classification is the routing decision for one message.
type Classification struct {
	Intent     Intent  `json:"intent"`
	Agent      string  `json:"agent"`
	Confidence float64 `json:"confidence"`
	Source     Source  `json:"source"`
}

// Generator is the single-shot model call routing needs. *llm.Client
// satisfies it.
type Generator interface {
	Invoke(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// UsageFunc receives token usage of routing calls so it can be accounted.
type UsageFunc func(ctx context.Context, usage llm.Usage)

const classifyPrompt = `You are an intent classifier for a business assistant.

Classify the user's message into ONE of these categories:

- analytics: business performance, trends, metrics, revenue, forecasts, alerts, how the business is doing
- inventory: products, stock, warehouses, SKUs, low stock, supply. Also adding products or updating stock
- orders: orders, sales, customers, order status, fulfilment. Also creating, updating or cancelling orders
- planning: advice, strategy, recommendations, growth, goals, next steps
- general: greetings, questions about what you can do, or topics unrelated to the business

Respond with a JSON object only: {"intent": "<category>", "confidence": <0..1>}`

// ClassifierConfig configures a Classifier.
type ClassifierConfig struct {
	// Model is optional; without it only keyword rules are used.
	Model   Generator
	Rules   []Rule
	OnUsage UsageFunc
	Logger  zerolog.Logger
}

// Classifier routes messages to agent profiles.
type Classifier struct {
	model   Generator
	matcher *Matcher
	onUsage UsageFunc
	logger  zerolog.Logger
}

// NewClassifier creates a Classifier. Nil rules select DefaultRules.
func NewClassifier(cfg ClassifierConfig) (*Classifier, error) {
	rules := cfg.Rules
	if rules == nil {
		rules = DefaultRules()
	}
	matcher, err := NewMatcher(rules)
	if err != nil {
		return nil, fmt.Errorf("failed to compile routing rules: %w", err)
	}
	return &Classifier{
		model:   cfg.Model,
		matcher: matcher,
		onUsage: cfg.OnUsage,
		logger:  cfg.Logger.With().Str("component", "router").Logger(),
	}, nil
}

// Classify never fails: model errors and malformed answers fall back to
// keyword rules, then to the general agent.
func (c *Classifier) Classify(ctx context.Context, text string) Classification {
	ctx, span := tracing.StartSpan(ctx, "parley.routing", "Classifier.Classify")
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, c.logger)

	if c.model != nil {
		resp, err := c.model.Invoke(ctx, llm.Request{
			System:      classifyPrompt,
			Messages:    []llm.Message{{Role: llm.RoleUser, Content: "User message: " + text}},
			MaxTokens:   100,
			Temperature: 0.0,
		})
		if err == nil {
			c.usage(ctx, resp.Usage)
			cls, perr := ParseClassification(resp.Text)
			if perr == nil {
				return cls
			}
			err = perr
		}
		tracing.RecordError(span, err)
		logger.Warn().Err(err).Msg("Intent classification failed, using keyword rules")
	}

	if intent, ok := c.matcher.Match(text); ok {
		return Classification{Intent: intent, Agent: AgentFor(intent), Confidence: 0.6, Source: SourceKeywords}
	}
	return Classification{Intent: IntentGeneral, Agent: AgentGeneral, Confidence: 0.3, Source: SourceDefault}
}

func (c *Classifier) usage(ctx context.Context, u llm.Usage) {
	if c.onUsage != nil && u.Total() > 0 {
		c.onUsage(ctx, u)
	}
}

// ParseClassification parses the model's JSON answer. A bare category name is
// accepted too. Unknown categories map to the general agent.
func ParseClassification(raw string) (Classification, error) {
	text := stripFences(raw)
	if text == "" {
		return Classification{}, fmt.Errorf("%w: empty classification", ErrMalformedOutput)
	}

	var parsed struct {
		Intent     string  `json:"intent"`
		Confidence float64 `json:"confidence"`
	}
	if strings.HasPrefix(text, "{") {
		if err := json.Unmarshal([]byte(text), &parsed); err != nil {
			return Classification{}, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
		}
	} else {
		parsed.Intent = strings.Trim(text, `"' .`)
	}

	intent := Intent(strings.ToLower(strings.TrimSpace(parsed.Intent)))
	if intent == "" {
		return Classification{}, fmt.Errorf("%w: missing intent", ErrMalformedOutput)
	}
	if parsed.Confidence <= 0 || parsed.Confidence > 1 {
		parsed.Confidence = 0.7
	}
	return Classification{
		Intent:     intent,
		Agent:      AgentFor(intent),
		Confidence: parsed.Confidence,
		Source:     SourceModel,
	}, nil
}
