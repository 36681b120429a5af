package domain

import (
	"context"
	"time"
)

// OrderRepository описывает требования к хранилищу заказов.
type OrderRepository interface {
	// Create атомарно сохраняет заказ вместе с позициями.
	// Возвращает ErrOrderAlreadyExists, если запись с таким ID уже существует.
	Create(ctx context.Context, order Order) error
	// Get возвращает заказ с позициями или ErrOrderNotFound.
	Get(ctx context.Context, id string) (Order, error)
	// Count возвращает количество заказов; status == nil означает "все статусы".
	Count(ctx context.Context, status *OrderStatus) (int, error)
	// List возвращает окно заказов без позиций, от новых к старым.
	List(ctx context.Context, status *OrderStatus, offset, limit int) ([]Order, error)
	// UpdateStatus меняет только статус заказа и возвращает обновлённую запись без позиций.
	UpdateStatus(ctx context.Context, id string, status OrderStatus, updatedAt time.Time) (Order, error)
}
