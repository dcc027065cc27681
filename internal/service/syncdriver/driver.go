package syncdriver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/possync/internal/domain"
	"github.com/vladislavdragonenkov/possync/internal/metrics"
	"github.com/vladislavdragonenkov/possync/internal/service/orderstore"
)

const defaultPullPageSize = 50

// Options задаёт параметры Driver.
type Options struct {
	Logger       *log.Entry
	Metrics      *metrics.SyncMetrics
	PullStatuses []string
	PullPageSize int
}

// Option настраивает Driver.
type Option func(*Options)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithMetrics задаёт метрики удалённых операций.
func WithMetrics(m *metrics.SyncMetrics) Option {
	return func(opts *Options) {
		opts.Metrics = m
	}
}

// WithPullStatuses ограничивает pull удалёнными заказами в указанных статусах.
func WithPullStatuses(statuses ...string) Option {
	return func(opts *Options) {
		opts.PullStatuses = statuses
	}
}

// WithPullPageSize задаёт размер страницы выборки удалённых заказов.
func WithPullPageSize(size int) Option {
	return func(opts *Options) {
		opts.PullPageSize = size
	}
}

// Driver переводит локальные изменения в вызовы удалённого API и применяет ответы к локальному хранилищу.
// Внутренних повторов нет: сбой фиксируется статусом error, повтор выполняет планировщик.
type Driver struct {
	store        *orderstore.Store
	api          domain.RemoteOrderAPI
	logger       *log.Entry
	metrics      *metrics.SyncMetrics
	pullStatuses []string
	pageSize     int
}

// New создаёт драйвер.
func New(store *orderstore.Store, api domain.RemoteOrderAPI, options ...Option) *Driver {
	opts := Options{PullPageSize: defaultPullPageSize}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "sync-driver")
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.NewSyncMetrics()
	}
	if opts.PullPageSize <= 0 {
		opts.PullPageSize = defaultPullPageSize
	}

	return &Driver{
		store:        store,
		api:          api,
		logger:       logger,
		metrics:      m,
		pullStatuses: opts.PullStatuses,
		pageSize:     opts.PullPageSize,
	}
}

// EnsureRemoteOrder возвращает remote id заказа, создавая заказ удалённо полным снимком, если его ещё нет.
// Вызывается только координатором создания, который гарантирует одно создание на черновик.
// Если прежняя попытка создания уже была, сначала ищется удалённый заказ с тем же ключом корреляции:
// ответ на создание мог потеряться после того, как заказ появился удалённо.
func (d *Driver) EnsureRemoteOrder(ctx context.Context, localID string) (int64, error) {
	order, err := d.store.Get(ctx, localID)
	if err != nil {
		return 0, err
	}
	if order.RemoteID != 0 {
		return order.RemoteID, nil
	}

	snapshot := order.Revision
	input := domain.CreateInput(order)
	retry := !order.LastSyncAttempt.IsZero()
	if _, err := d.store.SetSyncStatus(ctx, localID, domain.SyncStatusSyncing, domain.SyncUpdate{Reason: "create"}); err != nil {
		return 0, err
	}

	if retry {
		remote, found, err := d.findCreated(ctx, localID)
		if err != nil {
			d.markFailed(ctx, localID, err)
			return 0, err
		}
		if found {
			return d.adopt(ctx, localID, remote)
		}
	}

	done := d.metrics.Begin(metrics.OperationCreate)
	remote, err := d.api.CreateOrder(ctx, input)
	done(err)
	if err != nil {
		err = remoteError("create order", err)
		d.markFailed(ctx, localID, err)
		return 0, err
	}
	if remote.ID == 0 {
		err = fmt.Errorf("%w: remote create returned no id for %s", domain.ErrSaveCoordination, localID)
		d.markFailed(ctx, localID, err)
		return 0, err
	}

	if _, err := d.store.CommitRemote(ctx, localID, remote, snapshot); err != nil {
		// Заказ создан удалённо, но локально не записан; следующая попытка найдёт его по ключу корреляции.
		d.logger.WithError(err).WithFields(log.Fields{
			"local_id":  localID,
			"remote_id": remote.ID,
		}).Error("failed to persist remote id")
		return 0, err
	}

	d.logger.WithFields(log.Fields{
		"local_id":  localID,
		"remote_id": remote.ID,
	}).Info("order created remotely")
	return remote.ID, nil
}

// findCreated ищет удалённый заказ, созданный ранее для localID.
func (d *Driver) findCreated(ctx context.Context, localID string) (domain.RemoteOrder, bool, error) {
	for page := 1; ; page++ {
		orders, err := d.api.ListOrders(ctx, domain.RemoteOrderFilter{
			Search:  localID,
			Page:    page,
			PerPage: d.pageSize,
		})
		if err != nil {
			return domain.RemoteOrder{}, false, remoteError("find created order", err)
		}
		for _, remote := range orders {
			if value, ok := remote.Meta(domain.MetaKeyLocalID); ok && value == localID && remote.ID != 0 {
				return remote, true, nil
			}
		}
		if len(orders) < d.pageSize {
			return domain.RemoteOrder{}, false, nil
		}
	}
}

// adopt привязывает найденный удалённый заказ к черновику.
// Содержимое удалённого заказа соответствует неизвестному снимку, поэтому заказ остаётся ожидающим полной отправки.
func (d *Driver) adopt(ctx context.Context, localID string, remote domain.RemoteOrder) (int64, error) {
	if _, err := d.store.SetSyncStatus(ctx, localID, domain.SyncStatusLocal, domain.SyncUpdate{
		RemoteID: remote.ID,
		Reason:   "adopt created order",
	}); err != nil {
		return 0, err
	}
	d.logger.WithFields(log.Fields{
		"local_id":  localID,
		"remote_id": remote.ID,
	}).Info("adopted remote order from earlier create")
	return remote.ID, nil
}

// PushPatch отправляет одно частичное обновление уже созданного заказа.
// Статус синхронизации не меняется: результат применяет вызывающий код.
func (d *Driver) PushPatch(ctx context.Context, localID string, input domain.RemoteOrderInput) (domain.RemoteOrder, error) {
	order, err := d.store.Get(ctx, localID)
	if err != nil {
		return domain.RemoteOrder{}, err
	}
	if order.RemoteID == 0 {
		return domain.RemoteOrder{}, domain.ErrRemoteIDMissing
	}

	done := d.metrics.Begin(metrics.OperationPatch)
	remote, err := d.api.UpdateOrder(ctx, order.RemoteID, input)
	done(err)
	if err != nil {
		return domain.RemoteOrder{}, remoteError("update order", err)
	}
	return remote, nil
}

// Push приводит удалённый заказ к локальному документу: читает удалённое состояние,
// удаляет устаревшие записи позиций, добавляет актуальные и отправляет остальные поля одним запросом.
// Повторная отправка того же снимка не меняет удалённый заказ.
func (d *Driver) Push(ctx context.Context, localID string) (domain.LocalOrder, error) {
	order, err := d.store.Get(ctx, localID)
	if err != nil {
		return domain.LocalOrder{}, err
	}
	if order.RemoteID == 0 {
		return domain.LocalOrder{}, domain.ErrRemoteIDMissing
	}

	snapshot := order.Revision
	if _, err := d.store.SetSyncStatus(ctx, localID, domain.SyncStatusSyncing, domain.SyncUpdate{Reason: "push"}); err != nil {
		return domain.LocalOrder{}, err
	}

	done := d.metrics.Begin(metrics.OperationPush)
	updated, err := d.push(ctx, order)
	done(err)
	if err != nil {
		d.markFailed(ctx, localID, err)
		return domain.LocalOrder{}, err
	}

	return d.ApplyRemote(ctx, localID, updated, snapshot)
}

func (d *Driver) push(ctx context.Context, order domain.LocalOrder) (domain.RemoteOrder, error) {
	current, err := d.api.GetOrder(ctx, order.RemoteID)
	if err != nil {
		return domain.RemoteOrder{}, remoteError("get order", err)
	}

	input := domain.ScalarInput(order.Data)
	input.LineItems = domain.DiffLines(current.LineItems, order.Data.LineItems)
	if _, ok := current.Meta(domain.MetaKeyLocalID); !ok {
		input.MetaData = append(input.MetaData, domain.MetaEntry{Key: domain.MetaKeyLocalID, Value: order.LocalID})
	}

	updated, err := d.api.UpdateOrder(ctx, order.RemoteID, input)
	if err != nil {
		return domain.RemoteOrder{}, remoteError("update order", err)
	}
	return updated, nil
}

// ApplyRemote применяет ответ удалённого хранилища на снимок snapshotRevision.
func (d *Driver) ApplyRemote(ctx context.Context, localID string, remote domain.RemoteOrder, snapshotRevision int64) (domain.LocalOrder, error) {
	return d.store.CommitRemote(ctx, localID, remote, snapshotRevision)
}

// pullOverlap — насколько выборка pull заходит назад от курсора.
// Метки изменения удалённого API секундные, а фильтр modified_after строгий.
const pullOverlap = 2 * time.Second

// PullCursor — позиция pull-направления.
type PullCursor struct {
	// Since — наибольшее время изменения среди уже полученных заказов.
	Since time.Time
	// Seen — версии заказов, полученных внутри окна перекрытия.
	Seen map[int64]SeenVersion
}

// SeenVersion — полученная версия удалённого заказа.
type SeenVersion struct {
	Modified time.Time
	Digest   uint64
}

func (v SeenVersion) same(other SeenVersion) bool {
	return v.Digest == other.Digest && v.Modified.Equal(other.Modified)
}

// NewPullCursor создаёт курсор, начинающийся с since.
func NewPullCursor(since time.Time) PullCursor {
	return PullCursor{Since: since}
}

func (c PullCursor) from() time.Time {
	if c.Since.IsZero() {
		return time.Time{}
	}
	return c.Since.Add(-pullOverlap)
}

// versionOf возвращает версию заказа; одинаковая метка изменения с разным содержимым даёт разные версии.
func versionOf(remote domain.RemoteOrder) SeenVersion {
	v := SeenVersion{Modified: remote.ModifiedAt()}
	if raw, err := json.Marshal(remote); err == nil {
		v.Digest = xxhash.Sum64(raw)
	}
	return v
}

// PullResult — итог одного прохода pull.
type PullResult struct {
	Fetched int
	Applied int
	// Latest — наибольшее время изменения среди полученных заказов.
	Latest time.Time
	// Cursor — курсор для следующего прохода.
	Cursor PullCursor
}

// PullChanges забирает удалённые заказы, изменённые после курсора, и применяет их к локальному хранилищу.
// Выборка перекрывает курсор на pullOverlap; уже полученные версии заказов пропускаются.
// Заказы с неотправленными локальными правками не перезаписываются.
func (d *Driver) PullChanges(ctx context.Context, cursor PullCursor) (PullResult, error) {
	result := PullResult{Cursor: cursor}

	done := d.metrics.Begin(metrics.OperationPull)
	var pullErr error
	defer func() { done(pullErr) }()

	from := cursor.from()
	seen := make(map[int64]SeenVersion)
	for page := 1; ; page++ {
		orders, err := d.api.ListOrders(ctx, domain.RemoteOrderFilter{
			Statuses:      d.pullStatuses,
			ModifiedAfter: from,
			Page:          page,
			PerPage:       d.pageSize,
		})
		if err != nil {
			pullErr = remoteError("list orders", err)
			return result, pullErr
		}

		for _, remote := range orders {
			version := versionOf(remote)
			if prev, ok := cursor.Seen[remote.ID]; ok && prev.same(version) {
				seen[remote.ID] = prev
				continue
			}
			result.Fetched++
			if version.Modified.After(result.Latest) {
				result.Latest = version.Modified
			}
			_, applied, err := d.store.UpsertFromRemote(ctx, remote)
			if err != nil {
				if errors.Is(err, domain.ErrStorage) {
					pullErr = err
					return result, err
				}
				d.logger.WithError(err).WithField("remote_id", remote.ID).Warn("failed to apply remote order")
				continue
			}
			seen[remote.ID] = version
			if applied {
				result.Applied++
			}
		}

		if len(orders) < d.pageSize {
			break
		}
	}

	result.Cursor = nextCursor(cursor, result.Latest, seen)
	d.metrics.RecordPulled(result.Applied)
	return result, nil
}

// nextCursor сдвигает курсор и оставляет в Seen только заказы, попадающие в следующее окно перекрытия.
func nextCursor(cursor PullCursor, latest time.Time, seen map[int64]SeenVersion) PullCursor {
	next := PullCursor{Since: cursor.Since}
	if latest.After(next.Since) {
		next.Since = latest
	}
	from := next.from()
	for id, version := range seen {
		if !version.Modified.After(from) {
			continue
		}
		if next.Seen == nil {
			next.Seen = make(map[int64]SeenVersion)
		}
		next.Seen[id] = version
	}
	return next
}

// PullOrder забирает один удалённый заказ по id и применяет его локально.
func (d *Driver) PullOrder(ctx context.Context, remoteID int64) (domain.LocalOrder, bool, error) {
	done := d.metrics.Begin(metrics.OperationPull)
	remote, err := d.api.GetOrder(ctx, remoteID)
	done(err)
	if err != nil {
		return domain.LocalOrder{}, false, remoteError("get order", err)
	}

	order, applied, err := d.store.UpsertFromRemote(ctx, remote)
	if err != nil {
		return domain.LocalOrder{}, false, err
	}
	if applied {
		d.metrics.RecordPulled(1)
	}
	return order, applied, nil
}

// MarkFailed переводит заказ в статус error с текстом ошибки.
func (d *Driver) MarkFailed(ctx context.Context, localID string, cause error) error {
	_, err := d.store.SetSyncStatus(ctx, localID, domain.SyncStatusError, domain.SyncUpdate{Error: cause.Error()})
	return err
}

func (d *Driver) markFailed(ctx context.Context, localID string, cause error) {
	if err := d.MarkFailed(ctx, localID, cause); err != nil {
		d.logger.WithError(err).WithField("local_id", localID).Error("failed to record sync error")
	}
}

// remoteError относит ошибку к классу ErrRemoteSync, сохраняя исходную причину.
func remoteError(op string, err error) error {
	if errors.Is(err, domain.ErrRemoteSync) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", domain.ErrRemoteSync, op, err)
}
