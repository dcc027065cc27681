package orderstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/possync/internal/domain"
)

const defaultCurrency = "USD"

// errRemoteSkipped прерывает Update без изменений, когда удалённую версию применять нельзя.
var errRemoteSkipped = errors.New("remote version skipped")

// Options задаёт зависимости Store.
type Options struct {
	Logger    *log.Entry
	Journal   domain.SyncJournal
	Publisher domain.SyncEventPublisher
	Currency  string
	Clock     func() time.Time
}

// Option настраивает Store.
type Option func(*Options)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithJournal включает запись переходов статусов в журнал.
func WithJournal(journal domain.SyncJournal) Option {
	return func(opts *Options) {
		opts.Journal = journal
	}
}

// WithPublisher включает публикацию переходов статусов наружу.
func WithPublisher(publisher domain.SyncEventPublisher) Option {
	return func(opts *Options) {
		opts.Publisher = publisher
	}
}

// WithCurrency задаёт валюту новых черновиков.
func WithCurrency(currency string) Option {
	return func(opts *Options) {
		opts.Currency = currency
	}
}

// WithClock подменяет источник времени (для тестов).
func WithClock(clock func() time.Time) Option {
	return func(opts *Options) {
		opts.Clock = clock
	}
}

// Store — локальное хранилище заказов: единственный источник правды для кассы.
// Все мутации выполняются как атомарный read-modify-write над свежей копией записи.
type Store struct {
	repo      domain.LocalOrderRepository
	journal   domain.SyncJournal
	publisher domain.SyncEventPublisher
	logger    *log.Entry
	currency  string
	now       func() time.Time
}

// New создаёт Store поверх репозитория.
func New(repo domain.LocalOrderRepository, options ...Option) *Store {
	opts := Options{Currency: defaultCurrency}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "order-store")
	}
	if opts.Currency == "" {
		opts.Currency = defaultCurrency
	}
	clock := opts.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}

	return &Store{
		repo:      repo,
		journal:   opts.Journal,
		publisher: opts.Publisher,
		logger:    logger,
		currency:  opts.Currency,
		now:       clock,
	}
}

// CreateLocal создаёт пустой черновик с новым локальным идентификатором. Сеть не используется.
func (s *Store) CreateLocal(ctx context.Context) (domain.LocalOrder, error) {
	now := s.now()
	order := domain.LocalOrder{
		LocalID: uuid.NewString(),
		Data: domain.OrderData{
			Status:    domain.OrderStatusDraft,
			Currency:  s.currency,
			LineItems: []domain.LineItem{},
		},
		SyncStatus: domain.SyncStatusLocal,
		Revision:   1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	order.Data.RecomputeTotals()

	if err := s.repo.Create(ctx, order); err != nil {
		return domain.LocalOrder{}, fmt.Errorf("create local order: %w", err)
	}

	s.logger.WithField("local_id", order.LocalID).Debug("local order created")
	s.record(ctx, order, "", domain.SyncStatusLocal, "created")
	return order, nil
}

// Get возвращает заказ или domain.ErrOrderNotFound.
func (s *Store) Get(ctx context.Context, localID string) (domain.LocalOrder, error) {
	return s.repo.Get(ctx, localID)
}

// Update применяет частичное изменение документа.
// Изменённый synced-заказ снова становится local (ожидает отправки).
func (s *Store) Update(ctx context.Context, localID string, patch domain.OrderPatch) (domain.LocalOrder, error) {
	if err := patch.Validate(); err != nil {
		return domain.LocalOrder{}, err
	}

	var from domain.SyncStatus
	order, err := s.repo.Update(ctx, localID, func(o *domain.LocalOrder) error {
		from = o.SyncStatus
		patch.Apply(&o.Data)
		return s.touch(o)
	})
	if err != nil {
		return domain.LocalOrder{}, err
	}

	s.record(ctx, order, from, order.SyncStatus, "local edit")
	return order, nil
}

// MutateLineItems выполняет fn над свежей копией заказа и сохраняет результат.
// После fn позиции нормализуются, итоги пересчитываются, ревизия растёт.
func (s *Store) MutateLineItems(ctx context.Context, localID string, fn func(order *domain.LocalOrder) error) (domain.LocalOrder, error) {
	var from domain.SyncStatus
	order, err := s.repo.Update(ctx, localID, func(o *domain.LocalOrder) error {
		from = o.SyncStatus
		if err := fn(o); err != nil {
			return err
		}
		o.Data.LineItems = domain.NormalizeLines(o.Data.LineItems)
		o.Data.RecomputeTotals()
		return s.touch(o)
	})
	if err != nil {
		return domain.LocalOrder{}, err
	}

	s.record(ctx, order, from, order.SyncStatus, "line items changed")
	return order, nil
}

// touch фиксирует локальную правку: новая ревизия, synced -> local.
func (s *Store) touch(o *domain.LocalOrder) error {
	if errs := o.Data.ValidateInvariants(); len(errs) > 0 {
		return errors.Join(errs...)
	}
	o.Revision++
	o.UpdatedAt = s.now()
	if o.SyncStatus == domain.SyncStatusSynced {
		o.SyncStatus = domain.SyncStatusLocal
	}
	return nil
}

// SetSyncStatus переводит заказ в новый статус синхронизации.
// Для synced: если после отправленного снимка были правки, заказ остаётся local.
func (s *Store) SetSyncStatus(ctx context.Context, localID string, status domain.SyncStatus, update domain.SyncUpdate) (domain.LocalOrder, error) {
	if !status.Valid() {
		return domain.LocalOrder{}, domain.ErrSyncStatusInvalid
	}

	var from domain.SyncStatus
	order, err := s.repo.Update(ctx, localID, func(o *domain.LocalOrder) error {
		from = o.SyncStatus
		if err := assignRemoteID(o, update.RemoteID); err != nil {
			return err
		}

		now := s.now()
		switch status {
		case domain.SyncStatusSyncing:
			o.SyncStatus = domain.SyncStatusSyncing
			o.LastSyncAttempt = now
		case domain.SyncStatusError:
			o.SyncStatus = domain.SyncStatusError
			o.SyncError = update.Error
			o.LastSyncAttempt = now
		case domain.SyncStatusSynced:
			markSynced(o, update.SnapshotRevision)
			o.LastSyncAttempt = now
		case domain.SyncStatusLocal:
			o.SyncStatus = domain.SyncStatusLocal
		}
		return nil
	})
	if err != nil {
		return domain.LocalOrder{}, err
	}

	reason := update.Reason
	if reason == "" && status == domain.SyncStatusError {
		reason = update.Error
	}
	s.record(ctx, order, from, order.SyncStatus, reason)
	return order, nil
}

// CommitRemote применяет ответ удалённого хранилища на отправленный снимок snapshotRevision.
// Если после снимка локальных правок не было, документ заменяется удалённым представлением;
// иначе перенимаются только идентификаторы, а заказ остаётся ожидающим отправки.
func (s *Store) CommitRemote(ctx context.Context, localID string, remote domain.RemoteOrder, snapshotRevision int64) (domain.LocalOrder, error) {
	remoteData, err := domain.FromRemote(remote)
	if err != nil {
		return domain.LocalOrder{}, fmt.Errorf("%w: %w", domain.ErrRemoteSync, err)
	}

	var from domain.SyncStatus
	order, err := s.repo.Update(ctx, localID, func(o *domain.LocalOrder) error {
		from = o.SyncStatus
		if err := assignRemoteID(o, remote.ID); err != nil {
			return err
		}

		if o.Revision == snapshotRevision {
			// Локальные метаданные, которых нет в ответе, сохраняются.
			remoteData.Metadata = mergeMetadata(o.Data.Metadata, remoteData.Metadata)
			o.Data = remoteData
		} else {
			adoptRemoteLineIDs(&o.Data, remote.LineItems)
		}
		markSynced(o, snapshotRevision)
		o.LastSyncAttempt = s.now()
		return nil
	})
	if err != nil {
		return domain.LocalOrder{}, err
	}

	s.record(ctx, order, from, order.SyncStatus, "remote acknowledged")
	return order, nil
}

// UpsertFromRemote применяет удалённый заказ, найденный pull-направлением.
// Заказ с неотправленными правками или отправкой в процессе не перезаписывается (applied=false).
func (s *Store) UpsertFromRemote(ctx context.Context, remote domain.RemoteOrder) (domain.LocalOrder, bool, error) {
	data, err := domain.FromRemote(remote)
	if err != nil {
		return domain.LocalOrder{}, false, fmt.Errorf("%w: %w", domain.ErrRemoteSync, err)
	}

	existing, err := s.findForRemote(ctx, remote)
	switch {
	case err == nil:
	case domain.IsNotFound(err):
		return s.createFromRemote(ctx, remote, data)
	default:
		return domain.LocalOrder{}, false, err
	}

	var from domain.SyncStatus
	order, err := s.repo.Update(ctx, existing.LocalID, func(o *domain.LocalOrder) error {
		from = o.SyncStatus
		if o.SyncStatus == domain.SyncStatusSyncing || o.HasUnsyncedChanges() {
			return errRemoteSkipped
		}
		if err := assignRemoteID(o, remote.ID); err != nil {
			return err
		}
		o.Data = data
		o.Revision++
		o.SyncedRevision = o.Revision
		o.SyncStatus = domain.SyncStatusSynced
		o.SyncError = ""
		o.UpdatedAt = s.now()
		return nil
	})
	if errors.Is(err, errRemoteSkipped) {
		s.logger.WithFields(log.Fields{
			"local_id":  existing.LocalID,
			"remote_id": remote.ID,
		}).Debug("remote version skipped: local edits pending")
		current, getErr := s.repo.Get(ctx, existing.LocalID)
		if getErr != nil {
			return domain.LocalOrder{}, false, getErr
		}
		return current, false, nil
	}
	if err != nil {
		return domain.LocalOrder{}, false, err
	}

	s.record(ctx, order, from, order.SyncStatus, "pulled from remote")
	return order, true, nil
}

func (s *Store) findForRemote(ctx context.Context, remote domain.RemoteOrder) (domain.LocalOrder, error) {
	if localID, ok := remote.Meta(domain.MetaKeyLocalID); ok && localID != "" {
		order, err := s.repo.Get(ctx, localID)
		if err == nil {
			return order, nil
		}
		if !domain.IsNotFound(err) {
			return domain.LocalOrder{}, err
		}
	}
	return s.repo.FindByRemoteID(ctx, remote.ID)
}

func (s *Store) createFromRemote(ctx context.Context, remote domain.RemoteOrder, data domain.OrderData) (domain.LocalOrder, bool, error) {
	localID, ok := remote.Meta(domain.MetaKeyLocalID)
	if !ok || localID == "" {
		localID = uuid.NewString()
	}
	now := s.now()
	order := domain.LocalOrder{
		LocalID:        localID,
		RemoteID:       remote.ID,
		Data:           data,
		SyncStatus:     domain.SyncStatusSynced,
		Revision:       1,
		SyncedRevision: 1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repo.Create(ctx, order); err != nil {
		return domain.LocalOrder{}, false, fmt.Errorf("create pulled order: %w", err)
	}
	s.record(ctx, order, "", domain.SyncStatusSynced, "pulled from remote")
	return order, true, nil
}

// Delete удаляет черновик, который ни разу не создавался удалённо.
func (s *Store) Delete(ctx context.Context, localID string) error {
	order, err := s.repo.Get(ctx, localID)
	if err != nil {
		return err
	}
	if !order.IsUnconvertedDraft() {
		return domain.ErrNotDeletable
	}
	return s.repo.Delete(ctx, localID)
}

// List возвращает последние заказы, новые первыми.
func (s *Store) List(ctx context.Context, limit int) ([]domain.LocalOrder, error) {
	return s.repo.List(ctx, limit)
}

// ListBySyncStatus возвращает заказы в указанных статусах, старые первыми.
func (s *Store) ListBySyncStatus(ctx context.Context, statuses []domain.SyncStatus, limit int) ([]domain.LocalOrder, error) {
	return s.repo.ListBySyncStatus(ctx, statuses, limit)
}

// Journal возвращает историю переходов статусов заказа.
func (s *Store) Journal(ctx context.Context, localID string) ([]domain.SyncEvent, error) {
	if s.journal == nil {
		return []domain.SyncEvent{}, nil
	}
	return s.journal.List(ctx, localID)
}

func (s *Store) record(ctx context.Context, order domain.LocalOrder, from, to domain.SyncStatus, reason string) {
	if from == to && to != domain.SyncStatusError {
		return
	}
	event := domain.SyncEvent{
		LocalID:  order.LocalID,
		RemoteID: order.RemoteID,
		From:     from,
		To:       to,
		Reason:   reason,
		Occurred: s.now(),
	}

	if s.journal != nil {
		if err := s.journal.Append(ctx, event); err != nil {
			s.logger.WithError(err).WithField("local_id", order.LocalID).Warn("failed to append sync journal")
		}
	}
	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, event); err != nil {
			s.logger.WithError(err).WithField("local_id", order.LocalID).Warn("failed to publish sync event")
		}
	}
}

func assignRemoteID(o *domain.LocalOrder, remoteID int64) error {
	if remoteID == 0 {
		return nil
	}
	if o.RemoteID != 0 && o.RemoteID != remoteID {
		return fmt.Errorf("%w: local %s has %d, got %d", domain.ErrRemoteIDConflict, o.LocalID, o.RemoteID, remoteID)
	}
	o.RemoteID = remoteID
	return nil
}

func markSynced(o *domain.LocalOrder, snapshotRevision int64) {
	if snapshotRevision <= 0 {
		snapshotRevision = o.Revision
	}
	if snapshotRevision > o.SyncedRevision {
		o.SyncedRevision = snapshotRevision
	}
	o.SyncError = ""
	if o.HasUnsyncedChanges() {
		o.SyncStatus = domain.SyncStatusLocal
		return
	}
	o.SyncStatus = domain.SyncStatusSynced
}

func adoptRemoteLineIDs(d *domain.OrderData, remote []domain.RemoteLineItem) {
	ids := make(map[domain.LineKey]int64, len(remote))
	for _, rl := range remote {
		if rl.Quantity <= 0 {
			continue
		}
		key := domain.LineKey{ProductID: rl.ProductID, VariationID: rl.VariationID}
		if _, seen := ids[key]; !seen {
			ids[key] = rl.ID
		}
	}
	for i := range d.LineItems {
		if id, ok := ids[d.LineItems[i].Key()]; ok {
			d.LineItems[i].RemoteLineID = id
		} else {
			d.LineItems[i].RemoteLineID = 0
		}
	}
}

func mergeMetadata(local, remote map[string]string) map[string]string {
	if len(local) == 0 {
		return remote
	}
	out := make(map[string]string, len(local)+len(remote))
	for k, v := range local {
		out[k] = v
	}
	for k, v := range remote {
		out[k] = v
	}
	return out
}
