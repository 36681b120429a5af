package kafka

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/vladislavdragonenkov/orders/internal/domain"
)

// PatternValidateProducts — pattern запроса к каталогу товаров.
const PatternValidateProducts = "validate_products"

// requestClient — часть Requester, которой пользуется клиент каталога.
type requestClient interface {
	Request(ctx context.Context, topic, pattern string, payload any) ([]byte, error)
}

// ProductCatalogClient реализует domain.ProductResolver через request/reply к сервису каталога.
type ProductCatalogClient struct {
	requester requestClient
	topic     string
}

// NewProductCatalogClient создаёт клиента каталога.
func NewProductCatalogClient(requester requestClient, topic string) *ProductCatalogClient {
	if topic == "" {
		topic = TopicProductRequests
	}
	return &ProductCatalogClient{requester: requester, topic: topic}
}

// Resolve запрашивает товары по идентификаторам. Каталог отвечает либо массивом
// товаров, либо envelope; ответ 400/404 трактуется как отсутствующие товары.
func (c *ProductCatalogClient) Resolve(ctx context.Context, productIDs []string) ([]domain.ProductRef, error) {
	body, err := c.requester.Request(ctx, c.topic, PatternValidateProducts, productIDs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUpstreamUnavailable, err)
	}

	payload := bytes.TrimSpace(body)
	if len(payload) == 0 || payload[0] != '[' {
		data, err := DecodeReply(payload)
		if err != nil {
			var replyErr *ReplyError
			if errors.As(err, &replyErr) && (replyErr.Status == http.StatusBadRequest || replyErr.Status == http.StatusNotFound) {
				return nil, fmt.Errorf("%w: %s", domain.ErrProductNotFound, replyErr.Message)
			}
			return nil, fmt.Errorf("%w: %v", domain.ErrUpstreamUnavailable, err)
		}
		payload = data
	}

	var products []domain.ProductRef
	if err := json.Unmarshal(payload, &products); err != nil {
		return nil, fmt.Errorf("%w: decode catalog reply: %v", domain.ErrUpstreamUnavailable, err)
	}
	return products, nil
}

var _ domain.ProductResolver = (*ProductCatalogClient)(nil)
