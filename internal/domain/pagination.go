package domain

import (
	"fmt"
	"math"
)

const (
	// DefaultPage используется, если номер страницы не передан.
	DefaultPage = 1
	// DefaultPageLimit используется, если размер страницы не передан.
	DefaultPageLimit = 10
)

// ListQuery описывает запрос постраничного списка заказов.
// Нулевые Page/Limit означают "не передано" и заменяются значениями по умолчанию.
type ListQuery struct {
	Status *OrderStatus
	Page   int
	Limit  int
}

// Normalize подставляет значения по умолчанию и проверяет границы.
func (q ListQuery) Normalize() (ListQuery, error) {
	if q.Page == 0 {
		q.Page = DefaultPage
	}
	if q.Limit == 0 {
		q.Limit = DefaultPageLimit
	}
	if q.Page < 1 {
		return ListQuery{}, ErrInvalidPage
	}
	if q.Limit < 1 {
		return ListQuery{}, ErrInvalidPageLimit
	}
	if q.Status != nil && !q.Status.Valid() {
		return ListQuery{}, ErrInvalidStatus
	}
	// Смещение (page-1)*limit обязано помещаться в int.
	if q.Page-1 > math.MaxInt/q.Limit {
		return ListQuery{}, fmt.Errorf("%w: page %d with limit %d is out of range", ErrInvalidPage, q.Page, q.Limit)
	}
	return q, nil
}

// Offset возвращает смещение окна выборки.
func (q ListQuery) Offset() int {
	return (q.Page - 1) * q.Limit
}

// PageMeta — метаданные страницы.
type PageMeta struct {
	Total    int `json:"total"`
	Page     int `json:"page"`
	LastPage int `json:"lastPage"`
}

// OrderPage — страница заказов без обогащения позиций.
type OrderPage struct {
	Data []Order  `json:"data"`
	Meta PageMeta `json:"meta"`
}

// LastPage считает ceil(total/limit); для пустой выборки возвращает 0.
func LastPage(total, limit int) int {
	if total <= 0 || limit <= 0 {
		return 0
	}
	last := total / limit
	if total%limit != 0 {
		last++
	}
	return last
}
