package agent

import (
	"strings"

	"github.com/harun/parley/pkg/routing"
)

// Profile describes how one agent answers: which tools it may use, what it
// falls back to when selection fails, and how it prompts the model.
type Profile struct {
	Name string
	// Tools lists the tool names the agent may select from. Empty means no tools.
	Tools []string
	// Fallback is used when tool selection fails or returns nothing usable.
	Fallback []string
	System   string
	// KeyMetrics derives headline figures from tool results.
	KeyMetrics func(results map[string]any) ([]Metric, *Table)
}

const baseSystem = `You are a helpful business assistant for a small e-commerce company.
Answer using only the data provided. Be concise and specific, quote numbers from the data,
and say plainly when the data does not answer the question.`

var analyticsTools = []string{"get_sales_summary", "get_order_status_breakdown", "get_top_customers", "get_low_stock_alerts"}

// DefaultProfiles returns the built-in agent profiles keyed by name.
func DefaultProfiles() map[string]Profile {
	return map[string]Profile{
		routing.AgentAnalytics: {
			Name:       routing.AgentAnalytics,
			Tools:      analyticsTools,
			Fallback:   analyticsTools,
			System:     baseSystem + "\nYou focus on business performance: revenue, order trends, customers and risks.",
			KeyMetrics: analyticsMetrics,
		},
		routing.AgentInventory: {
			Name:       routing.AgentInventory,
			Tools:      []string{"get_product_stock", "get_warehouse_list", "get_low_stock_alerts", "update_stock"},
			Fallback:   []string{"get_product_stock", "get_warehouse_list"},
			System:     baseSystem + "\nYou focus on inventory: stock levels, warehouses and restocking needs.",
			KeyMetrics: inventoryMetrics,
		},
		routing.AgentOrders: {
			Name:       routing.AgentOrders,
			Tools:      []string{"get_order_list", "get_order_status_breakdown", "get_top_customers", "update_order_status"},
			Fallback:   []string{"get_order_list", "get_order_status_breakdown"},
			System:     baseSystem + "\nYou focus on orders: statuses, fulfilment and customers.",
			KeyMetrics: ordersMetrics,
		},
		routing.AgentGeneral: {
			Name: routing.AgentGeneral,
			System: baseSystem + "\nYou can answer questions about orders, inventory and business performance, " +
				"and you can update order statuses and stock levels after the user confirms. " +
				"For greetings and general questions, explain briefly what you can help with.",
		},
	}
}

var adviceKeywords = []string{
	"advice", "recommend", "suggest", "should", "improve", "grow", "strategy", "plan",
	"goal", "focus", "priority", "how to", "what to do", "help me", "next step",
}

// wantsAdvice reports whether text asks for recommendations rather than figures.
func wantsAdvice(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range adviceKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// queryArgs derives query tool arguments from the raw text. Selection only
// names tools, so filters come from keywords.
func queryArgs(profile Profile, text string) map[string]map[string]any {
	args := map[string]map[string]any{}
	if profile.Name == routing.AgentInventory && strings.Contains(strings.ToLower(text), "low") {
		args["get_product_stock"] = map[string]any{"low_stock_only": true}
	}
	return args
}
