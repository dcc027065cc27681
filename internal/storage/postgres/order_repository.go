package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vladislavdragonenkov/possync/internal/domain"
)

const (
	opTimeout = 5 * time.Second

	orderColumns = `local_id, remote_id, data, sync_status, sync_error, last_sync_attempt,
		revision, synced_revision, created_at, updated_at`
)

type localOrderRepository struct {
	db *sql.DB
}

// NewLocalOrderRepository создаёт PostgreSQL-реализацию LocalOrderRepository.
func NewLocalOrderRepository(store *Store) domain.LocalOrderRepository {
	return &localOrderRepository{db: store.DB()}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (domain.LocalOrder, error) {
	var (
		order       domain.LocalOrder
		data        []byte
		syncStatus  string
		lastAttempt sql.NullTime
	)
	if err := row.Scan(
		&order.LocalID, &order.RemoteID, &data, &syncStatus, &order.SyncError, &lastAttempt,
		&order.Revision, &order.SyncedRevision, &order.CreatedAt, &order.UpdatedAt,
	); err != nil {
		return domain.LocalOrder{}, err
	}
	if err := json.Unmarshal(data, &order.Data); err != nil {
		return domain.LocalOrder{}, fmt.Errorf("decode order data: %w", err)
	}
	order.SyncStatus = domain.SyncStatus(syncStatus)
	if lastAttempt.Valid {
		order.LastSyncAttempt = lastAttempt.Time.UTC()
	}
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()
	return order, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
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
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`,
		order.LocalID, order.RemoteID, string(order.Data.Status), data, string(order.SyncStatus),
		order.SyncError, nullTime(order.LastSyncAttempt), order.Revision, order.SyncedRevision,
		order.CreatedAt, order.UpdatedAt,
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
		`SELECT `+orderColumns+` FROM local_orders WHERE local_id = $1`, localID))
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
		`SELECT `+orderColumns+` FROM local_orders WHERE remote_id = $1`, remoteID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.LocalOrder{}, domain.ErrOrderNotFound
		}
		return domain.LocalOrder{}, storageErr("select order by remote id", err)
	}
	return order, nil
}

// Update блокирует строку через SELECT ... FOR UPDATE на время mutate.
func (r *localOrderRepository) Update(ctx context.Context, localID string, mutate func(order *domain.LocalOrder) error) (domain.LocalOrder, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var order domain.LocalOrder
	err := inTx(ctx, r.db, func(tx *sql.Tx) error {
		var err error
		order, err = scanOrder(tx.QueryRowContext(ctx,
			`SELECT `+orderColumns+` FROM local_orders WHERE local_id = $1 FOR UPDATE`, localID))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domain.ErrOrderNotFound
			}
			return storageErr("select order for update", err)
		}

		if err := mutate(&order); err != nil {
			return err
		}
		order.LocalID = localID

		data, err := json.Marshal(order.Data)
		if err != nil {
			return storageErr("encode order data", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE local_orders
			SET remote_id = $1, order_status = $2, data = $3, sync_status = $4, sync_error = $5,
				last_sync_attempt = $6, revision = $7, synced_revision = $8, updated_at = $9
			WHERE local_id = $10
		`,
			order.RemoteID, string(order.Data.Status), data, string(order.SyncStatus), order.SyncError,
			nullTime(order.LastSyncAttempt), order.Revision, order.SyncedRevision, order.UpdatedAt,
			localID,
		); err != nil {
			if isUniqueViolation(err) {
				return domain.ErrRemoteIDConflict
			}
			return storageErr("update order", err)
		}
		return nil
	})
	if err != nil {
		return domain.LocalOrder{}, err
	}
	return order, nil
}

func (r *localOrderRepository) ListBySyncStatus(ctx context.Context, statuses []domain.SyncStatus, limit int) ([]domain.LocalOrder, error) {
	if len(statuses) == 0 {
		return []domain.LocalOrder{}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	values := make([]string, len(statuses))
	for i, s := range statuses {
		values[i] = string(s)
	}

	query := `SELECT ` + orderColumns + ` FROM local_orders
		WHERE sync_status = ANY($1)
		ORDER BY updated_at ASC, local_id ASC`
	if limit > 0 {
		return r.queryOrders(ctx, "list orders by sync status", query+" LIMIT $2", values, limit)
	}
	return r.queryOrders(ctx, "list orders by sync status", query, values)
}

func (r *localOrderRepository) List(ctx context.Context, limit int) ([]domain.LocalOrder, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	query := `SELECT ` + orderColumns + ` FROM local_orders ORDER BY created_at DESC, local_id DESC`
	if limit > 0 {
		return r.queryOrders(ctx, "list orders", query+" LIMIT $1", limit)
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

	res, err := r.db.ExecContext(ctx, `DELETE FROM local_orders WHERE local_id = $1`, localID)
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

	query := `
		DELETE FROM local_orders
		WHERE local_id IN (
			SELECT local_id FROM local_orders
			WHERE order_status IN ('completed', 'cancelled')
			  AND sync_status = 'synced'
			  AND revision <= synced_revision
			  AND updated_at < $1
			ORDER BY updated_at ASC
			%s
		)`
	var (
		res sql.Result
		err error
	)
	if limit > 0 {
		res, err = r.db.ExecContext(ctx, fmt.Sprintf(query, "LIMIT $2"), before, limit)
	} else {
		res, err = r.db.ExecContext(ctx, fmt.Sprintf(query, ""), before)
	}
	if err != nil {
		return 0, storageErr("delete archived orders", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("delete archived rows affected", err)
	}
	return int(affected), nil
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", domain.ErrStorage, op, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

var _ domain.LocalOrderRepository = (*localOrderRepository)(nil)
