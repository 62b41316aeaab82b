package catalog

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/harun/parley/pkg/tools"
)

type updateOrderStatus struct {
	catalog *Catalog
}

func (a *updateOrderStatus) Name() string { return "update_order_status" }

func (a *updateOrderStatus) Description() string {
	return "Change the status of an order (pending, processing, shipped, delivered, cancelled)"
}

func (a *updateOrderStatus) RequiredFields() []string { return []string{"order_id", "status"} }

func (a *updateOrderStatus) FieldDescriptions() map[string]string {
	return map[string]string{
		"order_id": "The order number, digits only",
		"status":   "New status: " + strings.Join(OrderStatuses, ", "),
	}
}

func (a *updateOrderStatus) RunAction(ctx context.Context, confirmed bool, args map[string]any) tools.ActionResult {
	orderID := strings.TrimPrefix(stringArg(args, "order_id"), "#")
	status := strings.ToLower(stringArg(args, "status"))

	if missing := missingFields(map[string]string{"order_id": orderID, "status": status}, a.RequiredFields()); len(missing) > 0 {
		return tools.ActionResult{
			Status: tools.StatusMissingData,
			Data: map[string]any{
				"missing": missing,
				"prompt":  "Which order should I update, and what status should it have? (" + strings.Join(OrderStatuses, ", ") + ")",
			},
		}
	}
	if !slices.Contains(OrderStatuses, status) {
		return tools.ActionResult{
			Status: tools.StatusCancelled,
			Error:  fmt.Sprintf("%q is not a valid order status. Use one of: %s.", status, strings.Join(OrderStatuses, ", ")),
		}
	}

	var current string
	a.catalog.view(ctx, func(ds *Dataset) {
		for _, o := range ds.Orders {
			if o.ID == orderID {
				current = o.Status
			}
		}
	})
	if current == "" {
		return tools.ActionResult{Status: tools.StatusCancelled, Error: fmt.Sprintf("I couldn't find order #%s.", orderID)}
	}
	if current == status {
		return tools.ActionResult{Status: tools.StatusCancelled, Error: fmt.Sprintf("Order #%s is already %s.", orderID, status)}
	}

	if !confirmed {
		return tools.ActionResult{
			Status:              tools.StatusPendingConfirmation,
			Preview:             map[string]any{"order_id": orderID, "from": current, "to": status},
			ConfirmationMessage: fmt.Sprintf("I'll change order #%s from %s to %s. Should I go ahead? (yes/no)", orderID, current, status),
		}
	}

	err := a.catalog.update(ctx, func(ds *Dataset) error {
		for i := range ds.Orders {
			if ds.Orders[i].ID == orderID {
				ds.Orders[i].Status = status
				return nil
			}
		}
		return fmt.Errorf("order #%s no longer exists", orderID)
	})
	if err != nil {
		return tools.ActionResult{Status: tools.StatusOK, Success: false, Error: err.Error()}
	}
	return tools.ActionResult{
		Status:  tools.StatusOK,
		Success: true,
		Data:    map[string]any{"message": fmt.Sprintf("Order #%s is now %s.", orderID, status)},
	}
}

type adjustStock struct {
	catalog *Catalog
}

func (a *adjustStock) Name() string { return "update_stock" }

func (a *adjustStock) Description() string {
	return "Set the on-hand quantity of a product by SKU"
}

func (a *adjustStock) RequiredFields() []string { return []string{"sku", "quantity"} }

func (a *adjustStock) FieldDescriptions() map[string]string {
	return map[string]string{
		"sku":      "Product SKU, for example SKU-1001",
		"quantity": "New on-hand quantity as a whole number",
	}
}

func (a *adjustStock) RunAction(ctx context.Context, confirmed bool, args map[string]any) tools.ActionResult {
	sku := strings.ToUpper(stringArg(args, "sku"))
	quantity := intArg(args, "quantity", -1)

	present := map[string]string{"sku": sku}
	if _, ok := args["quantity"]; ok && quantity >= 0 {
		present["quantity"] = "set"
	}
	if missing := missingFields(present, a.RequiredFields()); len(missing) > 0 {
		return tools.ActionResult{
			Status: tools.StatusMissingData,
			Data: map[string]any{
				"missing": missing,
				"prompt":  "Which SKU should I update, and what should the new quantity be?",
			},
		}
	}

	var name string
	var current int
	a.catalog.view(ctx, func(ds *Dataset) {
		for _, p := range ds.Products {
			if p.SKU == sku {
				name, current = p.Name, p.Quantity
			}
		}
	})
	if name == "" {
		return tools.ActionResult{Status: tools.StatusCancelled, Error: fmt.Sprintf("I couldn't find a product with SKU %s.", sku)}
	}

	if !confirmed {
		return tools.ActionResult{
			Status:              tools.StatusPendingConfirmation,
			Preview:             map[string]any{"sku": sku, "name": name, "from": current, "to": quantity},
			ConfirmationMessage: fmt.Sprintf("I'll set stock for %s (%s) from %d to %d units. Confirm? (yes/no)", name, sku, current, quantity),
		}
	}

	err := a.catalog.update(ctx, func(ds *Dataset) error {
		for i := range ds.Products {
			if ds.Products[i].SKU == sku {
				ds.Products[i].Quantity = quantity
				return nil
			}
		}
		return fmt.Errorf("product %s no longer exists", sku)
	})
	if err != nil {
		return tools.ActionResult{Status: tools.StatusOK, Success: false, Error: err.Error()}
	}
	return tools.ActionResult{
		Status:  tools.StatusOK,
		Success: true,
		Data:    map[string]any{"message": fmt.Sprintf("%s now has %d units on hand.", name, quantity)},
	}
}

func missingFields(values map[string]string, required []string) []string {
	var missing []string
	for _, f := range required {
		if values[f] == "" {
			missing = append(missing, f)
		}
	}
	return missing
}
