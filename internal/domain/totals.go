package domain

import "github.com/shopspring/decimal"

// MoneyScale — количество знаков после запятой в денежных строках удалённого API.
const MoneyScale = 2

// FormatMoney форматирует сумму так, как её передаёт удалённое хранилище ("100.00").
func FormatMoney(d decimal.Decimal) string {
	return d.StringFixed(MoneyScale)
}

// ParseMoney разбирает денежную строку; пустая строка трактуется как ноль.
func ParseMoney(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

// NormalizeLines приводит набор позиций к каноническому виду:
// позиции с одинаковой идентичностью сливаются в одну, нулевые удаляются,
// subtotal/total пересчитываются из цены и количества.
func NormalizeLines(lines []LineItem) []LineItem {
	out := make([]LineItem, 0, len(lines))
	index := make(map[LineKey]int, len(lines))

	for _, line := range lines {
		if line.Quantity <= 0 {
			continue
		}
		if i, ok := index[line.Key()]; ok {
			merged := &out[i]
			merged.Quantity += line.Quantity
			if merged.RemoteLineID == 0 {
				merged.RemoteLineID = line.RemoteLineID
			}
			continue
		}
		index[line.Key()] = len(out)
		out = append(out, line)
	}

	for i := range out {
		out[i].Subtotal = LineSubtotal(out[i].Price, out[i].Quantity)
		out[i].Total = out[i].Subtotal
	}
	return out
}

// LineSubtotal — цена за единицу, умноженная на количество.
func LineSubtotal(price decimal.Decimal, qty int) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(int64(qty)))
}

// RecomputeTotals пересчитывает subtotal, скидку и итог документа из позиций.
// Скидка берётся из купонов, если они есть; итог не опускается ниже нуля.
func (d *OrderData) RecomputeTotals() {
	subtotal := decimal.Zero
	for _, line := range d.LineItems {
		subtotal = subtotal.Add(line.Subtotal)
	}

	if len(d.CouponLines) > 0 {
		discount := decimal.Zero
		for _, coupon := range d.CouponLines {
			discount = discount.Add(coupon.Discount)
		}
		d.DiscountTotal = discount
	}

	shipping := decimal.Zero
	for _, s := range d.ShippingLines {
		shipping = shipping.Add(s.Total)
	}

	total := subtotal.Sub(d.DiscountTotal).Add(shipping)
	if total.IsNegative() {
		total = decimal.Zero
	}

	d.Subtotal = subtotal
	d.Total = total
}
