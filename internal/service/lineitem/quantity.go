package lineitem

import (
	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/possync/internal/domain"
)

// Mode — способ изменения количества позиции.
type Mode string

const (
	// ModeSet устанавливает абсолютное количество.
	ModeSet Mode = "set"
	// ModeIncrement прибавляет к текущему количеству; отрицательное значение уменьшает его.
	ModeIncrement Mode = "increment"
)

// ProductRef — товар, количество которого меняется.
type ProductRef struct {
	ProductID   int64
	VariationID int64
	Name        string
	SKU         string
	// Price — цена за единицу. Нулевая цена у существующей позиции оставляет прежнюю.
	Price decimal.Decimal
}

// Key возвращает идентичность позиции.
func (r ProductRef) Key() domain.LineKey {
	return domain.LineKey{ProductID: r.ProductID, VariationID: r.VariationID}
}

// Validate проверяет ссылку на товар.
func (r ProductRef) Validate() error {
	if r.ProductID <= 0 || r.VariationID < 0 {
		return domain.ErrProductRefInvalid
	}
	if r.Price.IsNegative() {
		return domain.ErrItemPriceInvalid
	}
	return nil
}

// ApplyQuantity вычисляет итоговое количество позиции. Результат не бывает отрицательным.
func ApplyQuantity(current, quantity int, mode Mode) (int, error) {
	switch mode {
	case ModeSet:
		if quantity < 0 {
			return 0, domain.ErrQuantityNegative
		}
		return quantity, nil
	case ModeIncrement:
		final := current + quantity
		if final < 0 {
			final = 0
		}
		return final, nil
	default:
		return 0, domain.ErrQuantityModeInvalid
	}
}

// BuildLinePatch строит патч позиций для одного изменения количества:
// удаление прежней удалённой записи (если она была) и новая запись с итоговым количеством (если оно больше нуля).
func BuildLinePatch(remoteLineID int64, ref ProductRef, price decimal.Decimal, final int) []domain.RemoteLinePatch {
	patch := make([]domain.RemoteLinePatch, 0, 2)
	if remoteLineID != 0 {
		patch = append(patch, domain.DeleteLinePatch(remoteLineID))
	}
	if final > 0 {
		patch = append(patch, domain.NewLinePatch(domain.LineItem{
			ProductID:   ref.ProductID,
			VariationID: ref.VariationID,
			Name:        ref.Name,
			Quantity:    final,
			Price:       price,
		}))
	}
	return patch
}
