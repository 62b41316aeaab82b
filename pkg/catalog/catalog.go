// Package catalog provides inventory and order tools over tenant-scoped
// fixture data. It is the reference tool provider for the run loop.
package catalog

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/harun/parley/internal/tracing"
	"github.com/harun/parley/pkg/tools"
)

//go:embed fixtures/demo.yaml
var demoFixtures []byte

// Warehouse is a stock location.
type Warehouse struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Location string `yaml:"location"`
}

// Product is a stocked item.
type Product struct {
	SKU          string  `yaml:"sku"`
	Name         string  `yaml:"name"`
	WarehouseID  string  `yaml:"warehouse_id"`
	Quantity     int     `yaml:"quantity"`
	ReorderPoint int     `yaml:"reorder_point"`
	Price        float64 `yaml:"price"`
}

// Customer places orders.
type Customer struct {
	ID    string `yaml:"id"`
	Name  string `yaml:"name"`
	Email string `yaml:"email"`
}

// Order is a customer order.
type Order struct {
	ID         string  `yaml:"id"`
	CustomerID string  `yaml:"customer_id"`
	Status     string  `yaml:"status"`
	Total      float64 `yaml:"total"`
	CreatedAt  string  `yaml:"created_at"`
}

// Dataset is the data of one tenant.
type Dataset struct {
	Warehouses []Warehouse `yaml:"warehouses"`
	Products   []Product   `yaml:"products"`
	Customers  []Customer  `yaml:"customers"`
	Orders     []Order     `yaml:"orders"`
}

// Fixtures is the on-disk fixture format.
type Fixtures struct {
	Tenants map[string]*Dataset `yaml:"tenants"`
}

// OrderStatuses lists the valid order statuses in lifecycle order.
var OrderStatuses = []string{"pending", "processing", "shipped", "delivered", "cancelled"}

// Catalog serves tenant datasets to the tools.
type Catalog struct {
	mu      sync.RWMutex
	tenants map[string]*Dataset
}

// New creates a catalog over fixtures.
func New(f *Fixtures) *Catalog {
	c := &Catalog{tenants: make(map[string]*Dataset)}
	if f != nil {
		for id, ds := range f.Tenants {
			if ds != nil {
				c.tenants[id] = ds
			}
		}
	}
	return c
}

// Parse decodes YAML fixtures.
func Parse(data []byte) (*Fixtures, error) {
	var f Fixtures
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse fixtures: %w", err)
	}
	return &f, nil
}

// Load reads fixtures from path, or the embedded demo fixtures when path is empty.
func Load(path string) (*Catalog, error) {
	data := demoFixtures
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read fixtures: %w", err)
		}
		data = b
	}
	f, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return New(f), nil
}

// Tenants returns the number of tenants with data.
func (c *Catalog) Tenants() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tenants)
}

// view runs fn with read access to the dataset of the tenant in ctx.
// Unknown tenants see an empty dataset.
func (c *Catalog) view(ctx context.Context, fn func(ds *Dataset)) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ds := c.tenants[tracing.GetTenantID(ctx)]
	if ds == nil {
		ds = &Dataset{}
	}
	fn(ds)
}

// update runs fn with write access to the dataset of the tenant in ctx.
func (c *Catalog) update(ctx context.Context, fn func(ds *Dataset) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ds := c.tenants[tracing.GetTenantID(ctx)]
	if ds == nil {
		return fmt.Errorf("no data for tenant")
	}
	return fn(ds)
}

// Tools returns every catalog tool.
func (c *Catalog) Tools() []tools.Tool {
	return []tools.Tool{
		c.productStock(),
		c.warehouseList(),
		c.lowStockAlerts(),
		c.orderList(),
		c.orderStatusBreakdown(),
		c.topCustomers(),
		c.salesSummary(),
		&updateOrderStatus{catalog: c},
		&adjustStock{catalog: c},
	}
}

// Register adds every catalog tool to r.
func (c *Catalog) Register(r *tools.Registry) error {
	for _, t := range c.Tools() {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}
