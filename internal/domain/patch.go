package domain

import "github.com/shopspring/decimal"

// OrderPatch — частичное изменение документа заказа. Nil-поля не меняются.
type OrderPatch struct {
	Status        *OrderStatus
	Currency      *string
	LineItems     []LineItem
	Billing       *Billing
	ShippingLines []ShippingLine
	CouponLines   []CouponLine
	DiscountTotal *decimal.Decimal
	CustomerNote  *string
	// Metadata сливается с текущими метаданными; пустое значение удаляет ключ.
	Metadata map[string]string

	// ClearLineItems/ClearShipping/ClearCoupons позволяют явно очистить срезы,
	// так как пустой срез неотличим от отсутствующего поля.
	ClearLineItems bool
	ClearShipping  bool
	ClearCoupons   bool
}

// TouchesTotals сообщает, требует ли патч пересчёта итогов.
func (p *OrderPatch) TouchesTotals() bool {
	return p.LineItems != nil || p.ClearLineItems ||
		p.ShippingLines != nil || p.ClearShipping ||
		p.CouponLines != nil || p.ClearCoupons ||
		p.DiscountTotal != nil
}

// Validate проверяет патч до применения.
func (p *OrderPatch) Validate() error {
	if p.Status != nil && !p.Status.Valid() {
		return ErrOrderStatusInvalid
	}
	for _, line := range p.LineItems {
		if line.ProductID <= 0 || line.VariationID < 0 {
			return ErrProductRefInvalid
		}
		if line.Quantity < 0 {
			return ErrQuantityNegative
		}
		if line.Price.IsNegative() {
			return ErrItemPriceInvalid
		}
	}
	if p.DiscountTotal != nil && p.DiscountTotal.IsNegative() {
		return ErrAmountNegative
	}
	return nil
}

// Apply применяет патч к документу. Пересчёт итогов выполняется, если патч их затрагивает.
func (p *OrderPatch) Apply(d *OrderData) {
	if p.Status != nil {
		d.Status = *p.Status
	}
	if p.Currency != nil {
		d.Currency = *p.Currency
	}
	if p.ClearLineItems {
		d.LineItems = []LineItem{}
	}
	if p.LineItems != nil {
		d.LineItems = append([]LineItem(nil), p.LineItems...)
	}
	if p.Billing != nil {
		d.Billing = *p.Billing
	}
	if p.ClearShipping {
		d.ShippingLines = nil
	}
	if p.ShippingLines != nil {
		d.ShippingLines = append([]ShippingLine(nil), p.ShippingLines...)
	}
	if p.ClearCoupons {
		d.CouponLines = nil
		d.DiscountTotal = decimal.Zero
	}
	if p.CouponLines != nil {
		d.CouponLines = append([]CouponLine(nil), p.CouponLines...)
	}
	if p.DiscountTotal != nil {
		d.DiscountTotal = *p.DiscountTotal
	}
	if p.CustomerNote != nil {
		d.CustomerNote = *p.CustomerNote
	}
	if len(p.Metadata) > 0 {
		if d.Metadata == nil {
			d.Metadata = make(map[string]string, len(p.Metadata))
		}
		for k, v := range p.Metadata {
			if v == "" {
				delete(d.Metadata, k)
				continue
			}
			d.Metadata[k] = v
		}
	}

	if p.TouchesTotals() {
		d.LineItems = NormalizeLines(d.LineItems)
		d.RecomputeTotals()
	}
}
