package domain

import (
	"fmt"
	"strings"
	"time"
)

// OrderStatus описывает жизненный цикл заказа.
type OrderStatus string

const (
	// OrderStatusPending — начальное состояние, в нём создаётся каждый заказ.
	OrderStatusPending OrderStatus = "PENDING"
	// OrderStatusPaid — оплата подтверждена.
	OrderStatusPaid OrderStatus = "PAID"
	// OrderStatusDelivered — заказ доставлен клиенту.
	OrderStatusDelivered OrderStatus = "DELIVERED"
	// OrderStatusCancelled — заказ отменён.
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

// OrderStatuses перечисляет все объявленные статусы в порядке жизненного цикла.
var OrderStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusPaid,
	OrderStatusDelivered,
	OrderStatusCancelled,
}

// Valid проверяет, что статус входит в объявленное перечисление.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusPaid, OrderStatusDelivered, OrderStatusCancelled:
		return true
	default:
		return false
	}
}

// ParseOrderStatus приводит строку к OrderStatus без учёта регистра.
func ParseOrderStatus(raw string) (OrderStatus, error) {
	status := OrderStatus(strings.ToUpper(strings.TrimSpace(raw)))
	if !status.Valid() {
		return "", fmt.Errorf("%w: %q, expected one of %s", ErrInvalidStatus, raw, statusList())
	}
	return status, nil
}

func statusList() string {
	names := make([]string, 0, len(OrderStatuses))
	for _, status := range OrderStatuses {
		names = append(names, string(status))
	}
	return strings.Join(names, ", ")
}

// OrderItem представляет одну позицию заказа.
type OrderItem struct {
	ID string `json:"id"`
	// ProductID ссылается на товар внешнего каталога.
	ProductID string `json:"productId"`
	// Price — снимок цены на момент создания заказа, дальше не меняется.
	Price     float64   `json:"price"`
	Quantity  int32     `json:"quantity"`
	CreatedAt time.Time `json:"-"`
}

// Order агрегирует состояние заказа и его позиции.
type Order struct {
	ID          string      `json:"id"`
	TotalAmount float64     `json:"totalAmount"`
	TotalItems  int32       `json:"totalItems"`
	Status      OrderStatus `json:"status"`
	Version     int64       `json:"-"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
	Items       []OrderItem `json:"items,omitempty"`
}

// ProductIDs возвращает уникальные идентификаторы товаров в порядке первого появления.
func (o *Order) ProductIDs() []string {
	ids := make([]string, 0, len(o.Items))
	seen := make(map[string]struct{}, len(o.Items))
	for _, item := range o.Items {
		if _, ok := seen[item.ProductID]; ok {
			continue
		}
		seen[item.ProductID] = struct{}{}
		ids = append(ids, item.ProductID)
	}
	return ids
}

// ValidateInvariants проверяет базовые инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if o.ID == "" {
		errs = append(errs, ErrOrderIDRequired)
	}
	if !o.Status.Valid() {
		errs = append(errs, ErrInvalidStatus)
	}
	if len(o.Items) == 0 {
		errs = append(errs, ErrItemsRequired)
	}

	// Сверяем итоги заказа с позициями: qty * price и сумма qty.
	var (
		amount float64
		qty    int64
	)
	for _, item := range o.Items {
		if item.ProductID == "" {
			errs = append(errs, ErrProductIDRequired)
		}
		if item.Quantity <= 0 {
			errs = append(errs, ErrItemQtyInvalid)
		}
		if item.Price < 0 {
			errs = append(errs, ErrItemPriceInvalid)
		}
		amount += item.Price * float64(item.Quantity)
		qty += int64(item.Quantity)
	}
	if amount != o.TotalAmount {
		errs = append(errs, ErrAmountMismatch)
	}
	if qty != int64(o.TotalItems) {
		errs = append(errs, ErrTotalItemsMismatch)
	}

	return errs
}

// OrderItemView — позиция заказа, обогащённая названием товара из каталога.
// Name равен nil, если товар больше не находится в каталоге.
type OrderItemView struct {
	ID        string  `json:"id"`
	ProductID string  `json:"productId"`
	Name      *string `json:"name"`
	Price     float64 `json:"price"`
	Quantity  int32   `json:"quantity"`
}

// OrderView — заказ с обогащёнными позициями, возвращается из create/get.
type OrderView struct {
	ID          string          `json:"id"`
	TotalAmount float64         `json:"totalAmount"`
	TotalItems  int32           `json:"totalItems"`
	Status      OrderStatus     `json:"status"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	Items       []OrderItemView `json:"items"`
}

// NewOrderView соединяет позиции заказа с названиями товаров.
func NewOrderView(order Order, products map[string]ProductRef) OrderView {
	items := make([]OrderItemView, 0, len(order.Items))
	for _, item := range order.Items {
		view := OrderItemView{
			ID:        item.ID,
			ProductID: item.ProductID,
			Price:     item.Price,
			Quantity:  item.Quantity,
		}
		if product, ok := products[item.ProductID]; ok {
			name := product.Name
			view.Name = &name
		}
		items = append(items, view)
	}

	return OrderView{
		ID:          order.ID,
		TotalAmount: order.TotalAmount,
		TotalItems:  order.TotalItems,
		Status:      order.Status,
		CreatedAt:   order.CreatedAt,
		UpdatedAt:   order.UpdatedAt,
		Items:       items,
	}
}
