package domain

import "fmt"

// TransitionPolicy решает, допустим ли переход между двумя объявленными статусами.
type TransitionPolicy interface {
	Allow(from, to OrderStatus) error
}

// PermissiveTransitions разрешает переход между любыми объявленными статусами.
type PermissiveTransitions struct{}

// Allow проверяет только принадлежность целевого статуса перечислению.
func (PermissiveTransitions) Allow(_, to OrderStatus) error {
	if !to.Valid() {
		return ErrInvalidStatus
	}
	return nil
}

// StrictTransitions разрешает только рёбра из таблицы переходов.
type StrictTransitions struct{}

var strictEdges = map[OrderStatus][]OrderStatus{
	OrderStatusPending: {OrderStatusPaid, OrderStatusCancelled},
	OrderStatusPaid:    {OrderStatusDelivered, OrderStatusCancelled},
	// DELIVERED и CANCELLED терминальные.
}

// Allow возвращает ErrTransitionNotAllowed для рёбер вне таблицы.
func (StrictTransitions) Allow(from, to OrderStatus) error {
	if !to.Valid() {
		return ErrInvalidStatus
	}
	for _, next := range strictEdges[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrTransitionNotAllowed, from, to)
}

var (
	_ TransitionPolicy = PermissiveTransitions{}
	_ TransitionPolicy = StrictTransitions{}
)
