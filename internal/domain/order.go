package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus описывает жизненный цикл документа заказа на кассе.
type OrderStatus string

const (
	// OrderStatusDraft — заказ открыт на кассе и редактируется кассиром.
	OrderStatusDraft OrderStatus = "draft"
	// OrderStatusPending — заказ оформлен и ожидает оплаты.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusCompleted — заказ оплачен и закрыт.
	OrderStatusCompleted OrderStatus = "completed"
	// OrderStatusCancelled — заказ отменён.
	OrderStatusCancelled OrderStatus = "cancelled"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusDraft, OrderStatusPending, OrderStatusCompleted, OrderStatusCancelled:
		return true
	default:
		return false
	}
}

// SyncStatus описывает состояние синхронизации локального заказа с удалённым хранилищем.
type SyncStatus string

const (
	// SyncStatusLocal — заказ ни разу не отправлялся или содержит неотправленные правки.
	SyncStatusLocal SyncStatus = "local"
	// SyncStatusSyncing — отправка в процессе.
	SyncStatusSyncing SyncStatus = "syncing"
	// SyncStatusSynced — локальная копия совпадает с последней успешной отправкой.
	SyncStatusSynced SyncStatus = "synced"
	// SyncStatusError — последняя отправка завершилась ошибкой.
	SyncStatusError SyncStatus = "error"
)

// Valid проверяет, что статус синхронизации известен.
func (s SyncStatus) Valid() bool {
	switch s {
	case SyncStatusLocal, SyncStatusSyncing, SyncStatusSynced, SyncStatusError:
		return true
	default:
		return false
	}
}

// LineKey — идентичность позиции заказа: товар + вариация.
type LineKey struct {
	ProductID   int64
	VariationID int64
}

// LineItem представляет одну позицию локального заказа.
type LineItem struct {
	ProductID   int64           `json:"product_id"`
	VariationID int64           `json:"variation_id,omitempty"`
	Name        string          `json:"name,omitempty"`
	SKU         string          `json:"sku,omitempty"`
	Quantity    int             `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	Subtotal    decimal.Decimal `json:"subtotal"`
	Total       decimal.Decimal `json:"total"`
	// RemoteLineID назначается удалённым хранилищем; без него строку нельзя удалить удалённо.
	RemoteLineID int64 `json:"remote_line_id,omitempty"`
}

// Key возвращает идентичность позиции.
func (l LineItem) Key() LineKey {
	return LineKey{ProductID: l.ProductID, VariationID: l.VariationID}
}

// Billing — контактные и платёжные данные покупателя.
type Billing struct {
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Company   string `json:"company,omitempty"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Address1  string `json:"address_1,omitempty"`
	City      string `json:"city,omitempty"`
	Postcode  string `json:"postcode,omitempty"`
	Country   string `json:"country,omitempty"`
}

// ShippingLine — выбранный способ доставки или обслуживания (например, столик).
type ShippingLine struct {
	MethodID    string          `json:"method_id"`
	MethodTitle string          `json:"method_title,omitempty"`
	Total       decimal.Decimal `json:"total"`
}

// CouponLine — применённый купон и сумма скидки по нему.
type CouponLine struct {
	Code     string          `json:"code"`
	Discount decimal.Decimal `json:"discount"`
}

// OrderData — документ заказа.
type OrderData struct {
	Status        OrderStatus       `json:"status"`
	Currency      string            `json:"currency,omitempty"`
	LineItems     []LineItem        `json:"line_items"`
	Billing       Billing           `json:"billing"`
	ShippingLines []ShippingLine    `json:"shipping_lines,omitempty"`
	CouponLines   []CouponLine      `json:"coupon_lines,omitempty"`
	DiscountTotal decimal.Decimal   `json:"discount_total"`
	Subtotal      decimal.Decimal   `json:"subtotal"`
	Total         decimal.Decimal   `json:"total"`
	CustomerNote  string            `json:"customer_note,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// LocalOrder — локальная запись заказа, ключ которой генерируется на кассе.
type LocalOrder struct {
	LocalID string
	// RemoteID назначается удалённым хранилищем после первого успешного создания; 0 означает, что заказ ещё локальный.
	RemoteID        int64
	Data            OrderData
	SyncStatus      SyncStatus
	SyncError       string
	LastSyncAttempt time.Time
	// Revision растёт при каждой локальной записи документа.
	Revision int64
	// SyncedRevision — ревизия снимка, который удалённое хранилище подтвердило последним.
	SyncedRevision int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// HasUnsyncedChanges сообщает, есть ли локальные правки, не подтверждённые удалённой стороной.
func (o *LocalOrder) HasUnsyncedChanges() bool {
	return o.Revision > o.SyncedRevision
}

// IsUnconvertedDraft — заказ ни разу не создавался удалённо и всё ещё черновик.
func (o *LocalOrder) IsUnconvertedDraft() bool {
	return o.RemoteID == 0 && o.Data.Status == OrderStatusDraft
}

// FindLine возвращает индекс позиции с указанной идентичностью или -1.
func (d *OrderData) FindLine(key LineKey) int {
	for i := range d.LineItems {
		if d.LineItems[i].Key() == key {
			return i
		}
	}
	return -1
}

// Clone возвращает глубокую копию документа, чтобы вызывающий код не делил срезы и map с хранилищем.
func (d OrderData) Clone() OrderData {
	out := d
	if d.LineItems != nil {
		out.LineItems = append([]LineItem(nil), d.LineItems...)
	}
	if d.ShippingLines != nil {
		out.ShippingLines = append([]ShippingLine(nil), d.ShippingLines...)
	}
	if d.CouponLines != nil {
		out.CouponLines = append([]CouponLine(nil), d.CouponLines...)
	}
	if d.Metadata != nil {
		out.Metadata = make(map[string]string, len(d.Metadata))
		for k, v := range d.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// Clone возвращает глубокую копию локального заказа.
func (o LocalOrder) Clone() LocalOrder {
	o.Data = o.Data.Clone()
	return o
}

// ValidateInvariants проверяет инварианты документа и возвращает список замечаний.
func (d *OrderData) ValidateInvariants() []error {
	var errs []error

	if !d.Status.Valid() {
		errs = append(errs, ErrOrderStatusInvalid)
	}

	seen := make(map[LineKey]struct{}, len(d.LineItems))
	for _, item := range d.LineItems {
		if item.ProductID <= 0 || item.VariationID < 0 {
			errs = append(errs, ErrProductRefInvalid)
		}
		if item.Quantity <= 0 {
			errs = append(errs, ErrItemQtyInvalid)
		}
		if item.Price.IsNegative() {
			errs = append(errs, ErrItemPriceInvalid)
		}
		if _, dup := seen[item.Key()]; dup {
			errs = append(errs, ErrDuplicateLine)
		}
		seen[item.Key()] = struct{}{}
	}

	if d.Total.IsNegative() {
		errs = append(errs, ErrAmountNegative)
	}

	return errs
}
