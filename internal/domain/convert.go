package domain

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// RemoteStatus переводит локальный статус заказа в статус удалённого хранилища.
func RemoteStatus(s OrderStatus) string {
	switch s {
	case OrderStatusDraft:
		return "checkout-draft"
	case OrderStatusPending:
		return "pending"
	case OrderStatusCompleted:
		return "completed"
	case OrderStatusCancelled:
		return "cancelled"
	default:
		return string(s)
	}
}

// LocalStatus переводит статус удалённого хранилища в локальный.
func LocalStatus(remote string) OrderStatus {
	switch remote {
	case "checkout-draft", "draft":
		return OrderStatusDraft
	case "completed":
		return OrderStatusCompleted
	case "cancelled", "refunded", "failed", "trash":
		return OrderStatusCancelled
	default:
		// pending, on-hold, processing и пользовательские статусы.
		return OrderStatusPending
	}
}

// FromRemote строит локальный документ из авторитетного удалённого представления.
// Удалённые позиции с нулевым количеством отбрасываются, дубли по идентичности сливаются.
func FromRemote(r RemoteOrder) (OrderData, error) {
	data := OrderData{
		Status:       LocalStatus(r.Status),
		Currency:     r.Currency,
		Billing:      r.Billing,
		CustomerNote: r.CustomerNote,
	}

	lines := make([]LineItem, 0, len(r.LineItems))
	for _, rl := range r.LineItems {
		if rl.Quantity <= 0 {
			continue
		}
		price, err := ParseMoney(rl.Price)
		if err != nil {
			return OrderData{}, fmt.Errorf("parse price of remote line %d: %w", rl.ID, err)
		}
		lines = append(lines, LineItem{
			ProductID:    rl.ProductID,
			VariationID:  rl.VariationID,
			Name:         rl.Name,
			SKU:          rl.SKU,
			Quantity:     rl.Quantity,
			Price:        price,
			RemoteLineID: rl.ID,
		})
	}
	data.LineItems = NormalizeLines(lines)

	for _, s := range r.ShippingLines {
		total, err := ParseMoney(s.Total)
		if err != nil {
			return OrderData{}, fmt.Errorf("parse shipping total: %w", err)
		}
		data.ShippingLines = append(data.ShippingLines, ShippingLine{
			MethodID:    s.MethodID,
			MethodTitle: s.MethodTitle,
			Total:       total,
		})
	}
	for _, c := range r.CouponLines {
		discount, err := ParseMoney(c.Discount)
		if err != nil {
			return OrderData{}, fmt.Errorf("parse coupon discount: %w", err)
		}
		data.CouponLines = append(data.CouponLines, CouponLine{Code: c.Code, Discount: discount})
	}

	for _, m := range r.MetaData {
		if m.Key == MetaKeyLocalID {
			continue
		}
		if data.Metadata == nil {
			data.Metadata = make(map[string]string)
		}
		data.Metadata[m.Key] = m.Value
	}

	discount, err := ParseMoney(r.DiscountTotal)
	if err != nil {
		return OrderData{}, fmt.Errorf("parse discount total: %w", err)
	}
	data.DiscountTotal = discount
	data.RecomputeTotals()

	// Итог удалённой стороны авторитетен: он учитывает налоги и правила, которых нет на кассе.
	if r.Total != "" {
		total, err := ParseMoney(r.Total)
		if err != nil {
			return OrderData{}, fmt.Errorf("parse total: %w", err)
		}
		data.Total = total
	}

	return data, nil
}

// CreateInput строит тело запроса полного создания заказа из локального снимка.
// Все позиции отправляются как новые записи (без id).
func CreateInput(order LocalOrder) RemoteOrderInput {
	input := ScalarInput(order.Data)
	input.LineItems = make([]RemoteLinePatch, 0, len(order.Data.LineItems))
	for _, line := range order.Data.LineItems {
		input.LineItems = append(input.LineItems, NewLinePatch(line))
	}
	input.MetaData = append(input.MetaData, MetaEntry{Key: MetaKeyLocalID, Value: order.LocalID})
	return input
}

// ScalarInput строит тело обновления всех полей документа, кроме позиций.
func ScalarInput(d OrderData) RemoteOrderInput {
	status := RemoteStatus(d.Status)
	note := d.CustomerNote
	billing := d.Billing

	input := RemoteOrderInput{
		Status:       &status,
		Billing:      &billing,
		CustomerNote: &note,
	}
	if d.Currency != "" {
		currency := d.Currency
		input.Currency = &currency
	}
	for _, s := range d.ShippingLines {
		input.ShippingLines = append(input.ShippingLines, RemoteShippingLine{
			MethodID:    s.MethodID,
			MethodTitle: s.MethodTitle,
			Total:       FormatMoney(s.Total),
		})
	}
	for _, c := range d.CouponLines {
		input.CouponLines = append(input.CouponLines, RemoteCouponLine{
			Code:     c.Code,
			Discount: FormatMoney(c.Discount),
		})
	}

	keys := make([]string, 0, len(d.Metadata))
	for k := range d.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		input.MetaData = append(input.MetaData, MetaEntry{Key: k, Value: d.Metadata[k]})
	}
	return input
}

// NewLinePatch — элемент патча, создающий новую запись позиции.
func NewLinePatch(line LineItem) RemoteLinePatch {
	return RemoteLinePatch{
		ProductID:   line.ProductID,
		VariationID: line.VariationID,
		Quantity:    line.Quantity,
		Price:       FormatMoney(line.Price),
		Name:        line.Name,
	}
}

// DeleteLinePatch — элемент патча, удаляющий существующую запись позиции.
func DeleteLinePatch(remoteLineID int64) RemoteLinePatch {
	return RemoteLinePatch{ID: remoteLineID, Quantity: 0}
}

// DiffLines строит патч позиций, приводящий удалённый набор к локальному.
// Для каждой идентичности, у которой удалённое состояние не совпадает с локальным,
// удаляются все удалённые записи и добавляется одна новая. Совпадающие записи не трогаются.
func DiffLines(remote []RemoteLineItem, local []LineItem) []RemoteLinePatch {
	type remoteGroup struct {
		ids   []int64
		qty   int
		price string
	}
	groups := make(map[LineKey]*remoteGroup)
	order := make([]LineKey, 0)
	for _, rl := range remote {
		if rl.Quantity <= 0 {
			continue
		}
		key := LineKey{ProductID: rl.ProductID, VariationID: rl.VariationID}
		g, ok := groups[key]
		if !ok {
			g = &remoteGroup{}
			groups[key] = g
			order = append(order, key)
		}
		g.ids = append(g.ids, rl.ID)
		g.qty += rl.Quantity
		g.price = rl.Price
	}

	var patch []RemoteLinePatch
	localKeys := make(map[LineKey]struct{}, len(local))
	for _, line := range local {
		localKeys[line.Key()] = struct{}{}
		g, ok := groups[line.Key()]
		if ok && len(g.ids) == 1 && g.qty == line.Quantity && samePrice(g.price, line.Price) {
			continue
		}
		if ok {
			for _, id := range g.ids {
				patch = append(patch, DeleteLinePatch(id))
			}
		}
		patch = append(patch, NewLinePatch(line))
	}

	for _, key := range order {
		if _, ok := localKeys[key]; ok {
			continue
		}
		for _, id := range groups[key].ids {
			patch = append(patch, DeleteLinePatch(id))
		}
	}
	return patch
}

func samePrice(remote string, local decimal.Decimal) bool {
	if remote == "" {
		return true
	}
	parsed, err := ParseMoney(remote)
	if err != nil {
		return false
	}
	return parsed.Equal(local)
}
