package domain

import (
	"errors"
	"slices"
)

var (
	// Ошибка отсутствующего идентификатора заказа.
	ErrOrderIDRequired = errors.New("order id is required")
	// Ошибка отсутствия хотя бы одной позиции в заказе.
	ErrItemsRequired = errors.New("order must contain at least one item")
	// Ошибка отсутствующего productId у позиции.
	ErrProductIDRequired = errors.New("item productId is required")
	// Ошибка при некорректном количестве товара (<= 0).
	ErrItemQtyInvalid = errors.New("item quantity must be greater than zero")
	// ErrTotalItemsOverflow — суммарное количество товаров не помещается в int32.
	ErrTotalItemsOverflow = errors.New("order total items exceeds the supported maximum")
	// Ошибка, если цена позиции отрицательная.
	ErrItemPriceInvalid = errors.New("item price must be non-negative")
	// Ошибка несоответствия суммы заказа и сумм позиций.
	ErrAmountMismatch = errors.New("order total amount does not match items sum")
	// Ошибка несоответствия количества товаров и сумм позиций.
	ErrTotalItemsMismatch = errors.New("order total items does not match items sum")
	// ErrInvalidStatus — статус не входит в объявленное перечисление.
	ErrInvalidStatus = errors.New("invalid order status")
	// ErrInvalidPage — номер страницы меньше 1.
	ErrInvalidPage = errors.New("page must be greater than or equal to 1")
	// ErrInvalidPageLimit — размер страницы меньше 1.
	ErrInvalidPageLimit = errors.New("limit must be greater than or equal to 1")
	// ErrInvalidOrderID — идентификатор не является UUID.
	ErrInvalidOrderID = errors.New("order id must be a valid uuid")
	// ErrProductNotFound — каталог не вернул товар, на который ссылается заказ.
	ErrProductNotFound = errors.New("product not found")
	// ErrOrderNotFound возвращается, если заказ не найден в репозитории.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderAlreadyExists — заказ с таким ID уже сохранён.
	ErrOrderAlreadyExists = errors.New("order already exists")
	// ErrTransitionNotAllowed — переход статуса запрещён политикой переходов.
	ErrTransitionNotAllowed = errors.New("order status transition is not allowed")
	// ErrUpstreamUnavailable — каталог товаров не ответил или ответил ошибкой.
	ErrUpstreamUnavailable = errors.New("product catalog is unavailable")
	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
)

// clientErrors — ошибки, которые транспорт отдаёт как 400.
var clientErrors = []error{
	ErrItemsRequired,
	ErrProductIDRequired,
	ErrItemQtyInvalid,
	ErrTotalItemsOverflow,
	ErrInvalidStatus,
	ErrInvalidPage,
	ErrInvalidPageLimit,
	ErrInvalidOrderID,
	ErrOrderIDRequired,
	ErrProductNotFound,
	ErrTransitionNotAllowed,
}

// IsBadRequest сообщает, вызвана ли ошибка некорректным запросом клиента.
func IsBadRequest(err error) bool {
	if err == nil {
		return false
	}
	return slices.ContainsFunc(clientErrors, func(target error) bool { return errors.Is(err, target) })
}
