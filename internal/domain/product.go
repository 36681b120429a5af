package domain

// ProductRef — запись каталога, полученная от Product Resolver. Не сохраняется.
type ProductRef struct {
	ID    string  `json:"id"`
	Price float64 `json:"price"`
	Name  string  `json:"name"`
}

// IndexProducts строит индекс товаров по идентификатору.
func IndexProducts(products []ProductRef) map[string]ProductRef {
	index := make(map[string]ProductRef, len(products))
	for _, product := range products {
		index[product.ID] = product
	}
	return index
}
