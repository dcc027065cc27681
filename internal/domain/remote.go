package domain

import (
	"context"
	"time"
)

// MetaKeyLocalID — ключ метаданных удалённого заказа, в котором хранится локальный идентификатор.
// По нему pull-направление находит локальную запись.
const MetaKeyLocalID = "_pos_local_id"

// MetaEntry — пара ключ/значение метаданных удалённого заказа.
type MetaEntry struct {
	ID    int64  `json:"id,omitempty"`
	Key   string `json:"key"`
	Value string `json:"value"`
}

// RemoteLineItem — позиция заказа в представлении удалённого хранилища.
type RemoteLineItem struct {
	ID          int64  `json:"id"`
	ProductID   int64  `json:"product_id"`
	VariationID int64  `json:"variation_id"`
	Name        string `json:"name"`
	SKU         string `json:"sku"`
	Quantity    int    `json:"quantity"`
	Price       string `json:"price"`
	Subtotal    string `json:"subtotal"`
	Total       string `json:"total"`
}

// RemoteShippingLine — строка доставки/обслуживания удалённого заказа.
type RemoteShippingLine struct {
	ID          int64  `json:"id,omitempty"`
	MethodID    string `json:"method_id"`
	MethodTitle string `json:"method_title"`
	Total       string `json:"total"`
}

// RemoteCouponLine — купон удалённого заказа.
type RemoteCouponLine struct {
	ID       int64  `json:"id,omitempty"`
	Code     string `json:"code"`
	Discount string `json:"discount"`
}

// RemoteOrder — авторитетное представление заказа в удалённом хранилище.
type RemoteOrder struct {
	ID            int64                `json:"id"`
	Status        string               `json:"status"`
	Currency      string               `json:"currency"`
	LineItems     []RemoteLineItem     `json:"line_items"`
	Billing       Billing              `json:"billing"`
	ShippingLines []RemoteShippingLine `json:"shipping_lines"`
	CouponLines   []RemoteCouponLine   `json:"coupon_lines"`
	DiscountTotal string               `json:"discount_total"`
	Total         string               `json:"total"`
	CustomerNote  string               `json:"customer_note"`
	MetaData      []MetaEntry          `json:"meta_data"`
	// DateModified — время изменения в GMT без указания зоны, как его отдаёт API.
	DateModified string `json:"date_modified_gmt"`
}

// RemoteTimeLayout — формат дат удалённого API (GMT, без зоны).
const RemoteTimeLayout = "2006-01-02T15:04:05"

// FormatRemoteTime форматирует время в формате удалённого API с микросекундами.
func FormatRemoteTime(t time.Time) string {
	return t.UTC().Format(RemoteTimeLayout + ".000000")
}

// ModifiedAt разбирает DateModified; нераспознанное значение даёт нулевое время.
func (r *RemoteOrder) ModifiedAt() time.Time {
	if r.DateModified == "" {
		return time.Time{}
	}
	// Дробная часть секунд при разборе допускается без явного указания в формате.
	if t, err := time.ParseInLocation(RemoteTimeLayout, r.DateModified, time.UTC); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339Nano, r.DateModified); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

// Meta возвращает значение метаданных по ключу.
func (r *RemoteOrder) Meta(key string) (string, bool) {
	for _, m := range r.MetaData {
		if m.Key == key {
			return m.Value, true
		}
	}
	return "", false
}

// RemoteLinePatch — элемент патча позиций.
// С ID и Quantity=0 удаляет существующую запись, без ID создаёт новую.
type RemoteLinePatch struct {
	ID          int64  `json:"id,omitempty"`
	ProductID   int64  `json:"product_id,omitempty"`
	VariationID int64  `json:"variation_id,omitempty"`
	Quantity    int    `json:"quantity"`
	Price       string `json:"price,omitempty"`
	Name        string `json:"name,omitempty"`
}

// RemoteOrderInput — тело запроса создания или частичного обновления заказа.
// Nil-поля не отправляются.
type RemoteOrderInput struct {
	Status        *string              `json:"status,omitempty"`
	Currency      *string              `json:"currency,omitempty"`
	LineItems     []RemoteLinePatch    `json:"line_items,omitempty"`
	Billing       *Billing             `json:"billing,omitempty"`
	ShippingLines []RemoteShippingLine `json:"shipping_lines,omitempty"`
	CouponLines   []RemoteCouponLine   `json:"coupon_lines,omitempty"`
	CustomerNote  *string              `json:"customer_note,omitempty"`
	MetaData      []MetaEntry          `json:"meta_data,omitempty"`
}

// RemoteOrderFilter — фильтр выборки удалённых заказов.
type RemoteOrderFilter struct {
	Statuses      []string
	ModifiedAfter time.Time
	Page          int
	PerPage       int

	// Search — полнотекстовый поиск магазина; совпадение по значениям метаданных тоже учитывается.
	Search string
}

// RemoteOrderAPI — REST API удалённого хранилища заказов (внешний коллаборатор).
type RemoteOrderAPI interface {
	// CreateOrder создаёт заказ целиком и возвращает его с назначенными идентификаторами.
	CreateOrder(ctx context.Context, input RemoteOrderInput) (RemoteOrder, error)
	// UpdateOrder применяет частичное обновление к существующему заказу.
	UpdateOrder(ctx context.Context, id int64, input RemoteOrderInput) (RemoteOrder, error)
	// GetOrder возвращает текущее авторитетное состояние заказа.
	GetOrder(ctx context.Context, id int64) (RemoteOrder, error)
	// ListOrders возвращает заказы, подходящие под фильтр.
	ListOrders(ctx context.Context, filter RemoteOrderFilter) ([]RemoteOrder, error)
}
