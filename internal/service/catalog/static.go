package catalog

import (
	"context"
	"sync"

	"github.com/vladislavdragonenkov/orders/internal/domain"
)

// StaticCatalog — каталог в памяти для локального запуска и тестов.
type StaticCatalog struct {
	mu       sync.Mutex
	products map[string]domain.ProductRef

	// ResolveErr, если задана, возвращается из каждого вызова.
	ResolveErr error
	calls      int
	lastIDs    []string
}

// NewStaticCatalog создаёт каталог из списка товаров.
func NewStaticCatalog(products ...domain.ProductRef) *StaticCatalog {
	return &StaticCatalog{products: domain.IndexProducts(products)}
}

// DefaultProducts — демонстрационный набор товаров для режима mock-интеграций.
func DefaultProducts() []domain.ProductRef {
	return []domain.ProductRef{
		{ID: "1", Name: "Keyboard", Price: 150},
		{ID: "2", Name: "Mouse", Price: 40},
		{ID: "3", Name: "Monitor", Price: 320.5},
		{ID: "4", Name: "USB-C Hub", Price: 55.99},
		{ID: "5", Name: "Headphones", Price: 89.9},
	}
}

// Resolve возвращает известные товары; неизвестные идентификаторы пропускаются.
func (c *StaticCatalog) Resolve(ctx context.Context, productIDs []string) ([]domain.ProductRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls++
	c.lastIDs = append([]string(nil), productIDs...)
	if c.ResolveErr != nil {
		return nil, c.ResolveErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := make([]domain.ProductRef, 0, len(productIDs))
	for _, id := range productIDs {
		if product, ok := c.products[id]; ok {
			result = append(result, product)
		}
	}
	return result, nil
}

// Put добавляет или заменяет товар.
func (c *StaticCatalog) Put(product domain.ProductRef) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.products[product.ID] = product
}

// Remove убирает товар из каталога.
func (c *StaticCatalog) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.products, id)
}

// Calls возвращает число вызовов Resolve.
func (c *StaticCatalog) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// LastIDs возвращает идентификаторы последнего вызова.
func (c *StaticCatalog) LastIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lastIDs...)
}

var _ domain.ProductResolver = (*StaticCatalog)(nil)
