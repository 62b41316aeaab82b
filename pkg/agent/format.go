package agent

import (
	"fmt"
	"strconv"
	"strings"
)

const noDataSummary = "I looked through your data but couldn't find any meaningful information to report on right now. " +
	"This could mean you're just getting started, or the data for this time period is still coming in. " +
	"Feel free to ask me something else, or try a different time range!"

const (
	noDataConfidence = 0.8
	answerConfidence = 0.85
	maxOrderRows     = 10
	maxProductRows   = 8
)

func noDataOutput() *Output {
	return &Output{Type: OutputNoData, Summary: noDataSummary, Confidence: noDataConfidence}
}

func formatOutput(profile Profile, text string, results map[string]any) *Output {
	out := &Output{
		Type:       OutputAnswer,
		Summary:    strings.TrimSpace(text),
		Confidence: answerConfidence,
	}
	if profile.KeyMetrics != nil && len(results) > 0 {
		out.Metrics, out.Table = profile.KeyMetrics(results)
	}
	return out
}

func ordersMetrics(results map[string]any) ([]Metric, *Table) {
	var metrics []Metric

	if breakdown, ok := asMap(results["get_order_status_breakdown"]); ok {
		for _, s := range asMaps(breakdown["statuses"]) {
			metrics = append(metrics, Metric{
				Label: titleCase(fmt.Sprint(s["status"])),
				Value: strconv.FormatInt(asInt(s["count"]), 10),
			})
		}
	}

	var table *Table
	if list, ok := asMap(results["get_order_list"]); ok {
		metrics = append(metrics, Metric{Label: "Total Orders", Value: strconv.FormatInt(asInt(list["total_count"]), 10)})

		orders := asMaps(list["orders"])
		if len(orders) > 0 {
			table = &Table{Title: "Recent Orders", Columns: []string{"Order", "Customer", "Status", "Amount"}}
			for i, o := range orders {
				if i >= maxOrderRows {
					break
				}
				table.Rows = append(table.Rows, []string{
					"#" + fmt.Sprint(o["order_id"]),
					fmt.Sprint(o["customer_name"]),
					fmt.Sprint(o["status"]),
					money(asFloat(o["total_amount"])),
				})
			}
		}
	}

	if top, ok := asMap(results["get_top_customers"]); ok {
		customers := asMaps(top["customers"])
		if len(customers) > 0 {
			metrics = append(metrics, Metric{Label: "Top Customer", Value: fmt.Sprint(customers[0]["customer_name"])})
		}
	}

	return metrics, table
}

func inventoryMetrics(results map[string]any) ([]Metric, *Table) {
	var metrics []Metric
	var table *Table

	if stock, ok := asMap(results["get_product_stock"]); ok {
		metrics = append(metrics,
			Metric{Label: "Products Tracked", Value: strconv.FormatInt(asInt(stock["total_products"]), 10)},
			Metric{Label: "Low Stock Items", Value: strconv.FormatInt(asInt(stock["low_stock_count"]), 10)},
		)

		products := asMaps(stock["products"])
		if len(products) > 0 {
			table = &Table{Title: "Stock Levels", Columns: []string{"SKU", "Product", "Warehouse", "Quantity"}}
			for i, p := range products {
				if i >= maxProductRows {
					break
				}
				table.Rows = append(table.Rows, []string{
					fmt.Sprint(p["sku"]),
					fmt.Sprint(p["name"]),
					fmt.Sprint(p["warehouse_name"]),
					strconv.FormatInt(asInt(p["quantity"]), 10),
				})
			}
		}
	} else if alerts, ok := asMap(results["get_low_stock_alerts"]); ok {
		metrics = append(metrics, Metric{Label: "Low Stock Items", Value: strconv.FormatInt(asInt(alerts["count"]), 10)})
	}

	if wh, ok := asMap(results["get_warehouse_list"]); ok {
		metrics = append(metrics, Metric{Label: "Warehouses", Value: strconv.Itoa(len(asMaps(wh["warehouses"])))})
	}

	return metrics, table
}

func analyticsMetrics(results map[string]any) ([]Metric, *Table) {
	var metrics []Metric

	if sales, ok := asMap(results["get_sales_summary"]); ok {
		metrics = append(metrics,
			Metric{Label: "Revenue", Value: money(asFloat(sales["total_revenue"]))},
			Metric{Label: "Orders", Value: strconv.FormatInt(asInt(sales["order_count"]), 10)},
			Metric{Label: "Avg Order Value", Value: money(asFloat(sales["average_order_value"]))},
		)
	}
	if alerts, ok := asMap(results["get_low_stock_alerts"]); ok {
		metrics = append(metrics, Metric{Label: "Low Stock Items", Value: strconv.FormatInt(asInt(alerts["count"]), 10)})
	}

	var table *Table
	if top, ok := asMap(results["get_top_customers"]); ok {
		customers := asMaps(top["customers"])
		if len(customers) > 0 {
			table = &Table{Title: "Top Customers", Columns: []string{"Customer", "Orders", "Spent"}}
			for i, c := range customers {
				if i >= maxOrderRows {
					break
				}
				table.Rows = append(table.Rows, []string{
					fmt.Sprint(c["customer_name"]),
					strconv.FormatInt(asInt(c["order_count"]), 10),
					money(asFloat(c["total_spent"])),
				})
			}
		}
	}

	return metrics, table
}

func asMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

// asMaps accepts both typed tool payloads and JSON-decoded ones.
func asMaps(v any) []map[string]any {
	switch list := v.(type) {
	case []map[string]any:
		return list
	case []any:
		out := make([]map[string]any, 0, len(list))
		for _, item := range list {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}

func asInt(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case int32:
		return int64(n)
	case float64:
		return int64(n)
	case float32:
		return int64(n)
	}
	return 0
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}

func money(v float64) string {
	return "$" + strconv.FormatFloat(v, 'f', 2, 64)
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
