package lineitem

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/possync/internal/domain"
	"github.com/vladislavdragonenkov/possync/internal/service/orderstore"
	"github.com/vladislavdragonenkov/possync/internal/service/savelock"
	"github.com/vladislavdragonenkov/possync/internal/service/syncdriver"
)

// Options задаёт параметры Reconciler.
type Options struct {
	Logger *log.Entry
	// InlineSync включает отправку изменения сразу после локальной записи.
	// Без неё изменения отправляет фоновый планировщик.
	InlineSync bool
}

// Option настраивает Reconciler.
type Option func(*Options)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithInlineSync включает или выключает немедленную отправку изменений.
func WithInlineSync(enabled bool) Option {
	return func(opts *Options) {
		opts.InlineSync = enabled
	}
}

// Result — итог изменения количества позиции.
type Result struct {
	FinalQuantity int
	Order         domain.LocalOrder
	// RemoteLineItems — позиции из ответа удалённого хранилища, если отправка состоялась.
	RemoteLineItems []domain.RemoteLineItem
	// SyncErr — ошибка отправки. Локальное изменение при этом сохранено.
	SyncErr error
}

// Reconciler изменяет количество позиций заказа локально и переносит изменение в удалённое хранилище.
type Reconciler struct {
	store       *orderstore.Store
	driver      *syncdriver.Driver
	coordinator *savelock.Coordinator
	logger      *log.Entry
	inline      bool
}

// New создаёт Reconciler.
func New(store *orderstore.Store, driver *syncdriver.Driver, coordinator *savelock.Coordinator, options ...Option) *Reconciler {
	opts := Options{InlineSync: true}
	for _, option := range options {
		option(&opts)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "line-item-reconciler")
	}
	return &Reconciler{
		store:       store,
		driver:      driver,
		coordinator: coordinator,
		logger:      logger,
		inline:      opts.InlineSync,
	}
}

// edit — то, что было известно о позиции в момент локальной записи.
type edit struct {
	final        int
	price        decimal.Decimal
	remoteLineID int64
	// clean — до изменения заказ был синхронизирован и удалённая запись позиции известна.
	clean    bool
	remoteID int64
	revision int64
}

// UpdateLineItem устанавливает или изменяет количество позиции.
// Локальная запись выполняется всегда и до любого сетевого вызова.
// Сбой отправки не возвращается как ошибка: он попадает в Result.SyncErr и статус заказа.
func (r *Reconciler) UpdateLineItem(ctx context.Context, localID string, ref ProductRef, quantity int, mode Mode) (Result, error) {
	if err := ref.Validate(); err != nil {
		return Result{}, err
	}
	if _, err := ApplyQuantity(0, quantity, mode); err != nil {
		return Result{}, err
	}

	var e edit
	order, err := r.store.MutateLineItems(ctx, localID, func(o *domain.LocalOrder) error {
		e = edit{remoteID: o.RemoteID}
		wasSynced := o.SyncStatus == domain.SyncStatusSynced && !o.HasUnsyncedChanges()

		idx := o.Data.FindLine(ref.Key())
		current := 0
		price := ref.Price
		var existing domain.LineItem
		if idx >= 0 {
			existing = o.Data.LineItems[idx]
			current = existing.Quantity
			if price.IsZero() {
				price = existing.Price
			}
			e.remoteLineID = existing.RemoteLineID
		}

		final, err := ApplyQuantity(current, quantity, mode)
		if err != nil {
			return err
		}
		e.final = final
		e.price = price
		e.clean = wasSynced && (idx < 0 || existing.RemoteLineID != 0)

		if final == 0 {
			if idx >= 0 {
				o.Data.LineItems = append(o.Data.LineItems[:idx], o.Data.LineItems[idx+1:]...)
			}
			return nil
		}

		updated := domain.LineItem{
			ProductID:   ref.ProductID,
			VariationID: ref.VariationID,
			Name:        firstNonEmpty(ref.Name, existing.Name),
			SKU:         firstNonEmpty(ref.SKU, existing.SKU),
			Quantity:    final,
			Price:       price,
		}
		if idx >= 0 {
			o.Data.LineItems[idx] = updated
		} else {
			o.Data.LineItems = append(o.Data.LineItems, updated)
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	e.revision = order.Revision

	result := Result{FinalQuantity: e.final, Order: order}
	if !r.inline || r.driver == nil || r.coordinator == nil {
		return result, nil
	}

	remoteLines, syncErr := r.sync(ctx, localID, ref, e)
	if syncErr != nil {
		if errors.Is(syncErr, domain.ErrStorage) || domain.IsNotFound(syncErr) {
			return Result{}, syncErr
		}
		if errors.Is(syncErr, domain.ErrSaveCoordination) {
			r.logger.WithError(syncErr).WithField("local_id", localID).Error("save coordination failed")
			if markErr := r.driver.MarkFailed(context.WithoutCancel(ctx), localID, syncErr); markErr != nil {
				return Result{}, markErr
			}
		} else {
			r.logger.WithError(syncErr).WithField("local_id", localID).Warn("line item change kept locally, remote sync failed")
		}
		result.SyncErr = syncErr
	}
	result.RemoteLineItems = remoteLines

	// Ответ удалённой стороны мог изменить идентификаторы записей и итоги.
	fresh, err := r.store.Get(context.WithoutCancel(ctx), localID)
	if err != nil {
		return Result{}, err
	}
	result.Order = fresh
	return result, nil
}

// sync переносит изменение в удалённое хранилище в очереди черновика.
func (r *Reconciler) sync(ctx context.Context, localID string, ref ProductRef, e edit) ([]domain.RemoteLineItem, error) {
	var remoteLines []domain.RemoteLineItem

	err := r.coordinator.Do(ctx, localID, func(ctx context.Context, _ int64) error {
		current, err := r.store.Get(ctx, localID)
		if err != nil {
			return err
		}
		if !current.HasUnsyncedChanges() {
			// Изменение уже отправлено созданием или чужой отправкой.
			remoteLines = toRemoteLines(current)
			return nil
		}

		if e.remoteID != 0 && e.clean && current.Revision == e.revision {
			remote, err := r.pushLinePatch(ctx, localID, ref, e)
			if err != nil {
				return err
			}
			remoteLines = remote.LineItems
			return nil
		}

		pushed, err := r.driver.Push(ctx, localID)
		if err != nil {
			return err
		}
		remoteLines = toRemoteLines(pushed)
		return nil
	})
	return remoteLines, err
}

// pushLinePatch отправляет минимальный патч: удаление прежней записи и новая запись с итоговым количеством.
func (r *Reconciler) pushLinePatch(ctx context.Context, localID string, ref ProductRef, e edit) (domain.RemoteOrder, error) {
	if _, err := r.store.SetSyncStatus(ctx, localID, domain.SyncStatusSyncing, domain.SyncUpdate{Reason: "line patch"}); err != nil {
		return domain.RemoteOrder{}, err
	}

	input := domain.RemoteOrderInput{LineItems: BuildLinePatch(e.remoteLineID, ref, e.price, e.final)}
	remote, err := r.driver.PushPatch(ctx, localID, input)
	if err != nil {
		if markErr := r.driver.MarkFailed(ctx, localID, err); markErr != nil {
			return domain.RemoteOrder{}, markErr
		}
		return domain.RemoteOrder{}, err
	}

	if _, err := r.driver.ApplyRemote(ctx, localID, remote, e.revision); err != nil {
		return domain.RemoteOrder{}, err
	}
	return remote, nil
}

func toRemoteLines(order domain.LocalOrder) []domain.RemoteLineItem {
	lines := make([]domain.RemoteLineItem, 0, len(order.Data.LineItems))
	for _, l := range order.Data.LineItems {
		if l.RemoteLineID == 0 {
			continue
		}
		lines = append(lines, domain.RemoteLineItem{
			ID:          l.RemoteLineID,
			ProductID:   l.ProductID,
			VariationID: l.VariationID,
			Name:        l.Name,
			SKU:         l.SKU,
			Quantity:    l.Quantity,
			Price:       domain.FormatMoney(l.Price),
			Subtotal:    domain.FormatMoney(l.Subtotal),
			Total:       domain.FormatMoney(l.Total),
		})
	}
	return lines
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
