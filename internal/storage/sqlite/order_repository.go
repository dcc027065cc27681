package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/vladislavdragonenkov/possync/internal/domain"
)

const orderColumns = `local_id, remote_id, data, sync_status, sync_error, last_sync_attempt,
	revision, synced_revision, created_at, updated_at`

type localOrderRepository struct {
	db *sql.DB
}

// NewLocalOrderRepository создаёт SQLite-реализацию LocalOrderRepository.
func NewLocalOrderRepository(store *Store) domain.LocalOrderRepository {
	return &localOrderRepository{db: store.DB()}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (domain.LocalOrder, error) {
	var (
		order       domain.LocalOrder
		data        string
		syncStatus  string
		lastAttempt int64
		createdAt   int64
		updatedAt   int64
	)
	if err := row.Scan(
		&order.LocalID, &order.RemoteID, &data, &syncStatus, &order.SyncError, &lastAttempt,
		&order.Revision, &order.SyncedRevision, &createdAt, &updatedAt,
	); err != nil {
		return domain.LocalOrder{}, err
	}
	if err := json.Unmarshal([]byte(data), &order.Data); err != nil {
		return domain.LocalOrder{}, storageErr("decode order data", err)
	}
	order.SyncStatus = domain.SyncStatus(syncStatus)
	order.LastSyncAttempt = fromUnix(lastAttempt)
	order.CreatedAt = fromUnix(createdAt)
	order.UpdatedAt = fromUnix(updatedAt)
	return order, nil
}

func (r *localOrderRepository) Create(ctx context.Context, order domain.LocalOrder) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	data, err := json.Marshal(order.Data)
	if err != nil {
		return storageErr("encode order data", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO local_orders (
			local_id, remote_id, order_status, data, sync_status, sync_error, last_sync_attempt,
			revision, synced_revision, created_at, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?)
	`,
		order.LocalID, order.RemoteID, string(order.Data.Status), string(data), string(order.SyncStatus),
		order.SyncError, toUnix(order.LastSyncAttempt), order.Revision, order.SyncedRevision,
		toUnix(order.CreatedAt), toUnix(order.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrOrderAlreadyExists
		}
		return storageErr("insert order", err)
	}
	return nil
}

func (r *localOrderRepository) Get(ctx context.Context, localID string) (domain.LocalOrder, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	order, err := scanOrder(r.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM local_orders WHERE local_id = ?`, localID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.LocalOrder{}, domain.ErrOrderNotFound
		}
		return domain.LocalOrder{}, storageErr("select order", err)
	}
	return order, nil
}

func (r *localOrderRepository) FindByRemoteID(ctx context.Context, remoteID int64) (domain.LocalOrder, error) {
	if remoteID == 0 {
		return domain.LocalOrder{}, domain.ErrOrderNotFound
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	order, err := scanOrder(r.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM local_orders WHERE remote_id = ? LIMIT 1`, remoteID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.LocalOrder{}, domain.ErrOrderNotFound
		}
		return domain.LocalOrder{}, storageErr("select order by remote id", err)
	}
	return order, nil
}

// Update выполняет read-modify-write в одной транзакции.
// Пул из одного соединения гарантирует, что параллельные Update не перемежаются.
func (r *localOrderRepository) Update(ctx context.Context, localID string, mutate func(order *domain.LocalOrder) error) (result domain.LocalOrder, err error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.LocalOrder{}, storageErr("begin tx", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	order, err := scanOrder(tx.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM local_orders WHERE local_id = ?`, localID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.LocalOrder{}, domain.ErrOrderNotFound
		}
		return domain.LocalOrder{}, storageErr("select order for update", err)
	}

	if err = mutate(&order); err != nil {
		return domain.LocalOrder{}, err
	}
	order.LocalID = localID

	data, err := json.Marshal(order.Data)
	if err != nil {
		return domain.LocalOrder{}, storageErr("encode order data", err)
	}

	if _, err = tx.ExecContext(ctx, `
		UPDATE local_orders
		SET remote_id = ?, order_status = ?, data = ?, sync_status = ?, sync_error = ?,
			last_sync_attempt = ?, revision = ?, synced_revision = ?, updated_at = ?
		WHERE local_id = ?
	`,
		order.RemoteID, string(order.Data.Status), string(data), string(order.SyncStatus), order.SyncError,
		toUnix(order.LastSyncAttempt), order.Revision, order.SyncedRevision, toUnix(order.UpdatedAt),
		localID,
	); err != nil {
		return domain.LocalOrder{}, storageErr("update order", err)
	}

	if err = tx.Commit(); err != nil {
		return domain.LocalOrder{}, storageErr("commit update order", err)
	}
	return order, nil
}

func (r *localOrderRepository) ListBySyncStatus(ctx context.Context, statuses []domain.SyncStatus, limit int) ([]domain.LocalOrder, error) {
	if len(statuses) == 0 {
		return []domain.LocalOrder{}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	placeholders := make([]string, len(statuses))
	args := make([]any, 0, len(statuses)+1)
	for i, s := range statuses {
		placeholders[i] = "?"
		args = append(args, string(s))
	}

	query := `SELECT ` + orderColumns + ` FROM local_orders
		WHERE sync_status IN (` + strings.Join(placeholders, ",") + `)
		ORDER BY updated_at ASC, local_id ASC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return r.queryOrders(ctx, "list orders by sync status", query, args...)
}

func (r *localOrderRepository) List(ctx context.Context, limit int) ([]domain.LocalOrder, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	query := `SELECT ` + orderColumns + ` FROM local_orders ORDER BY created_at DESC, local_id DESC`
	if limit > 0 {
		return r.queryOrders(ctx, "list orders", query+" LIMIT ?", limit)
	}
	return r.queryOrders(ctx, "list orders", query)
}

func (r *localOrderRepository) queryOrders(ctx context.Context, op, query string, args ...any) ([]domain.LocalOrder, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr(op, err)
	}
	defer rows.Close()

	orders := make([]domain.LocalOrder, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, storageErr("scan order", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate orders", err)
	}
	return orders, nil
}

func (r *localOrderRepository) Delete(ctx context.Context, localID string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `DELETE FROM local_orders WHERE local_id = ?`, localID)
	if err != nil {
		return storageErr("delete order", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storageErr("delete order rows affected", err)
	}
	if affected == 0 {
		return domain.ErrOrderNotFound
	}
	return nil
}

func (r *localOrderRepository) DeleteArchived(ctx context.Context, before time.Time, limit int) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if limit <= 0 {
		limit = -1
	}
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM local_orders
		WHERE local_id IN (
			SELECT local_id FROM local_orders
			WHERE order_status IN ('completed', 'cancelled')
			  AND sync_status = 'synced'
			  AND revision <= synced_revision
			  AND updated_at < ?
			ORDER BY updated_at ASC
			LIMIT ?
		)
	`, toUnix(before), limit)
	if err != nil {
		return 0, storageErr("delete archived orders", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("delete archived rows affected", err)
	}
	return int(affected), nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

var _ domain.LocalOrderRepository = (*localOrderRepository)(nil)
