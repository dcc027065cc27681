package domain

import (
	"errors"
	"fmt"
)

// Классы ошибок движка синхронизации. Конкретные ошибки оборачивают один из них через %w.
var (
	// ErrOrderNotFound — неизвестный локальный идентификатор; фатально для вызывающей операции.
	ErrOrderNotFound = errors.New("order not found")
	// ErrStorage — сбой локального хранилища; не может быть проглочен.
	ErrStorage = errors.New("local storage failure")
	// ErrRemoteSync — сбой сети или удалённого хранилища при отправке; восстановимая ошибка.
	ErrRemoteSync = errors.New("remote sync failed")
	// ErrSaveCoordination — нарушен инвариант координации создания черновика; признак бага.
	ErrSaveCoordination = errors.New("save coordination invariant violated")
	// ErrValidation — некорректный ввод, отклоняется до любых изменений.
	ErrValidation = errors.New("validation failed")
)

var (
	// Ошибка отрицательного количества при установке абсолютного значения.
	ErrQuantityNegative = fmt.Errorf("%w: quantity must be non-negative", ErrValidation)
	// Ошибка некорректной ссылки на товар (product_id <= 0 или отрицательная вариация).
	ErrProductRefInvalid = fmt.Errorf("%w: product reference is invalid", ErrValidation)
	// Ошибка неизвестного режима изменения количества.
	ErrQuantityModeInvalid = fmt.Errorf("%w: quantity mode must be set or increment", ErrValidation)
	// Ошибка при некорректном количестве позиции в документе (<= 0).
	ErrItemQtyInvalid = fmt.Errorf("%w: item quantity must be greater than zero", ErrValidation)
	// Ошибка, если цена позиции отрицательная.
	ErrItemPriceInvalid = fmt.Errorf("%w: item price must be non-negative", ErrValidation)
	// Ошибка дублирующейся позиции (product_id, variation_id) в документе.
	ErrDuplicateLine = fmt.Errorf("%w: duplicate line for product/variation", ErrValidation)
	// Ошибка отрицательной суммы заказа.
	ErrAmountNegative = fmt.Errorf("%w: order total must be non-negative", ErrValidation)
	// Ошибка неизвестного статуса заказа.
	ErrOrderStatusInvalid = fmt.Errorf("%w: order status is invalid", ErrValidation)
	// Ошибка неизвестного статуса синхронизации.
	ErrSyncStatusInvalid = fmt.Errorf("%w: sync status is invalid", ErrValidation)
	// ErrNotDeletable — удалить можно только черновик, который ни разу не создавался удалённо.
	ErrNotDeletable = fmt.Errorf("%w: only unconverted drafts can be deleted", ErrValidation)
	// ErrRemoteIDMissing — частичное обновление требует, чтобы заказ уже существовал удалённо.
	ErrRemoteIDMissing = fmt.Errorf("%w: order has no remote id yet", ErrValidation)
	// ErrRemoteIDConflict — попытка переназначить уже присвоенный remote id.
	ErrRemoteIDConflict = fmt.Errorf("%w: remote id is already assigned", ErrSaveCoordination)
	// ErrCoordinatorClosed — координатор остановлен, новые запросы не принимаются.
	ErrCoordinatorClosed = fmt.Errorf("%w: save coordinator is closed", ErrSaveCoordination)
	// ErrOrderAlreadyExists — запись с таким локальным идентификатором уже есть.
	ErrOrderAlreadyExists = fmt.Errorf("%w: order already exists", ErrStorage)
	// ErrPrintSnapshotNotFound — по заказу ещё не печатался кухонный чек.
	ErrPrintSnapshotNotFound = errors.New("print snapshot not found")
)

// IsNotFound проверяет, что заказ не найден.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrOrderNotFound)
}

// IsValidation проверяет, является ли ошибка ошибкой валидации ввода.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsRemoteSync проверяет, что ошибка возникла при обмене с удалённым хранилищем.
func IsRemoteSync(err error) bool {
	return errors.Is(err, ErrRemoteSync)
}

// IsRetryable сообщает, имеет ли смысл повторить операцию позже.
// Повторяются только сетевые/серверные сбои; ошибки хранилища, валидации и координации не повторяются.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrOrderNotFound) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrSaveCoordination) ||
		errors.Is(err, ErrStorage) {
		return false
	}
	return errors.Is(err, ErrRemoteSync)
}
