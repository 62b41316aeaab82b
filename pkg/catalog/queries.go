package catalog

import (
	"context"
	"sort"

	"github.com/harun/parley/pkg/tools"
)

type queryTool struct {
	name        string
	description string
	params      []tools.Parameter
	run         func(ctx context.Context, args map[string]any) (any, error)
}

func (q *queryTool) Name() string                  { return q.name }
func (q *queryTool) Description() string           { return q.description }
func (q *queryTool) Parameters() []tools.Parameter { return q.params }

func (q *queryTool) Run(ctx context.Context, args map[string]any) (any, error) {
	return q.run(ctx, args)
}

func (c *Catalog) productStock() tools.Tool {
	return &queryTool{
		name:        "get_product_stock",
		description: "Current stock level per product and warehouse, with low-stock counts",
		params: []tools.Parameter{
			{Name: "sku", Type: "string", Description: "Limit to one SKU"},
			{Name: "low_stock_only", Type: "boolean", Description: "Only products at or below their reorder point"},
		},
		run: func(ctx context.Context, args map[string]any) (any, error) {
			sku := stringArg(args, "sku")
			lowOnly := boolArg(args, "low_stock_only")

			out := map[string]any{}
			c.view(ctx, func(ds *Dataset) {
				warehouses := warehouseNames(ds)
				products := []map[string]any{}
				low := 0
				for _, p := range ds.Products {
					if sku != "" && p.SKU != sku {
						continue
					}
					isLow := p.Quantity <= p.ReorderPoint
					if isLow {
						low++
					}
					if lowOnly && !isLow {
						continue
					}
					products = append(products, map[string]any{
						"sku":            p.SKU,
						"name":           p.Name,
						"warehouse_name": warehouses[p.WarehouseID],
						"quantity":       p.Quantity,
						"reorder_point":  p.ReorderPoint,
					})
				}
				out["total_products"] = len(products)
				out["low_stock_count"] = low
				out["products"] = products
			})
			return out, nil
		},
	}
}

func (c *Catalog) warehouseList() tools.Tool {
	return &queryTool{
		name:        "get_warehouse_list",
		description: "Warehouses with product counts and total units held",
		run: func(ctx context.Context, _ map[string]any) (any, error) {
			out := map[string]any{}
			c.view(ctx, func(ds *Dataset) {
				list := []map[string]any{}
				for _, w := range ds.Warehouses {
					count, units := 0, 0
					for _, p := range ds.Products {
						if p.WarehouseID == w.ID {
							count++
							units += p.Quantity
						}
					}
					list = append(list, map[string]any{
						"id":            w.ID,
						"name":          w.Name,
						"location":      w.Location,
						"product_count": count,
						"total_units":   units,
					})
				}
				out["warehouses"] = list
			})
			return out, nil
		},
	}
}

func (c *Catalog) lowStockAlerts() tools.Tool {
	return &queryTool{
		name:        "get_low_stock_alerts",
		description: "Products at or below their reorder point that need restocking",
		run: func(ctx context.Context, _ map[string]any) (any, error) {
			out := map[string]any{}
			c.view(ctx, func(ds *Dataset) {
				alerts := []map[string]any{}
				for _, p := range ds.Products {
					if p.Quantity <= p.ReorderPoint {
						alerts = append(alerts, map[string]any{
							"sku":           p.SKU,
							"name":          p.Name,
							"quantity":      p.Quantity,
							"reorder_point": p.ReorderPoint,
							"shortfall":     p.ReorderPoint - p.Quantity,
						})
					}
				}
				out["count"] = len(alerts)
				out["alerts"] = alerts
			})
			return out, nil
		},
	}
}

func (c *Catalog) orderList() tools.Tool {
	return &queryTool{
		name:        "get_order_list",
		description: "Recent orders with customer, status and amount",
		params: []tools.Parameter{
			{Name: "status", Type: "string", Description: "Filter by order status"},
			{Name: "limit", Type: "integer", Description: "Maximum orders to return", Default: 20},
		},
		run: func(ctx context.Context, args map[string]any) (any, error) {
			status := stringArg(args, "status")
			limit := intArg(args, "limit", 20)

			out := map[string]any{}
			c.view(ctx, func(ds *Dataset) {
				customers := customerNames(ds)
				orders := make([]Order, 0, len(ds.Orders))
				for _, o := range ds.Orders {
					if status == "" || o.Status == status {
						orders = append(orders, o)
					}
				}
				sort.SliceStable(orders, func(i, j int) bool { return orders[i].CreatedAt > orders[j].CreatedAt })

				list := []map[string]any{}
				for i, o := range orders {
					if limit > 0 && i >= limit {
						break
					}
					list = append(list, map[string]any{
						"order_id":      o.ID,
						"customer_name": customers[o.CustomerID],
						"status":        o.Status,
						"total_amount":  o.Total,
						"created_at":    o.CreatedAt,
					})
				}
				out["total_count"] = len(orders)
				out["orders"] = list
			})
			return out, nil
		},
	}
}

func (c *Catalog) orderStatusBreakdown() tools.Tool {
	return &queryTool{
		name:        "get_order_status_breakdown",
		description: "Number of orders in each status",
		run: func(ctx context.Context, _ map[string]any) (any, error) {
			out := map[string]any{}
			c.view(ctx, func(ds *Dataset) {
				counts := map[string]int{}
				for _, o := range ds.Orders {
					counts[o.Status]++
				}
				statuses := []map[string]any{}
				for _, s := range OrderStatuses {
					if counts[s] > 0 {
						statuses = append(statuses, map[string]any{"status": s, "count": counts[s]})
					}
				}
				out["statuses"] = statuses
			})
			return out, nil
		},
	}
}

func (c *Catalog) topCustomers() tools.Tool {
	return &queryTool{
		name:        "get_top_customers",
		description: "Customers ranked by total spend",
		params: []tools.Parameter{
			{Name: "limit", Type: "integer", Description: "Maximum customers to return", Default: 5},
		},
		run: func(ctx context.Context, args map[string]any) (any, error) {
			limit := intArg(args, "limit", 5)

			out := map[string]any{}
			c.view(ctx, func(ds *Dataset) {
				type agg struct {
					name   string
					orders int
					spent  float64
				}
				byID := map[string]*agg{}
				for _, cu := range ds.Customers {
					byID[cu.ID] = &agg{name: cu.Name}
				}
				for _, o := range ds.Orders {
					a, ok := byID[o.CustomerID]
					if !ok || o.Status == "cancelled" {
						continue
					}
					a.orders++
					a.spent += o.Total
				}

				ranked := make([]*agg, 0, len(byID))
				for _, a := range byID {
					if a.orders > 0 {
						ranked = append(ranked, a)
					}
				}
				sort.Slice(ranked, func(i, j int) bool {
					if ranked[i].spent == ranked[j].spent {
						return ranked[i].name < ranked[j].name
					}
					return ranked[i].spent > ranked[j].spent
				})

				list := []map[string]any{}
				for i, a := range ranked {
					if limit > 0 && i >= limit {
						break
					}
					list = append(list, map[string]any{
						"customer_name": a.name,
						"order_count":   a.orders,
						"total_spent":   a.spent,
					})
				}
				out["customers"] = list
			})
			return out, nil
		},
	}
}

func (c *Catalog) salesSummary() tools.Tool {
	return &queryTool{
		name:        "get_sales_summary",
		description: "Revenue, order count and average order value across non-cancelled orders",
		run: func(ctx context.Context, _ map[string]any) (any, error) {
			out := map[string]any{}
			c.view(ctx, func(ds *Dataset) {
				var revenue, delivered float64
				count := 0
				for _, o := range ds.Orders {
					if o.Status == "cancelled" {
						continue
					}
					count++
					revenue += o.Total
					if o.Status == "delivered" {
						delivered += o.Total
					}
				}
				avg := 0.0
				if count > 0 {
					avg = revenue / float64(count)
				}
				out["total_revenue"] = revenue
				out["order_count"] = count
				out["average_order_value"] = avg
				out["delivered_revenue"] = delivered
			})
			return out, nil
		},
	}
}

func warehouseNames(ds *Dataset) map[string]string {
	m := make(map[string]string, len(ds.Warehouses))
	for _, w := range ds.Warehouses {
		m[w.ID] = w.Name
	}
	return m
}

func customerNames(ds *Dataset) map[string]string {
	m := make(map[string]string, len(ds.Customers))
	for _, c := range ds.Customers {
		m[c.ID] = c.Name
	}
	return m
}
