package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/vladislavdragonenkov/possync/internal/domain"
)

type syncJournal struct {
	db *sql.DB
}

// NewSyncJournal создаёт PostgreSQL-реализацию SyncJournal.
func NewSyncJournal(store *Store) domain.SyncJournal {
	return &syncJournal{db: store.DB()}
}

func (r *syncJournal) Append(ctx context.Context, event domain.SyncEvent) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if event.Occurred.IsZero() {
		event.Occurred = time.Now().UTC()
	}

	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO sync_journal (local_id, remote_id, from_status, to_status, reason, occurred)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, event.LocalID, event.RemoteID, string(event.From), string(event.To), event.Reason, event.Occurred); err != nil {
		return storageErr("append sync event", err)
	}

	return nil
}

func (r *syncJournal) List(ctx context.Context, localID string) ([]domain.SyncEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT local_id, remote_id, from_status, to_status, reason, occurred
		FROM sync_journal
		WHERE local_id = $1
		ORDER BY occurred ASC, id ASC
	`, localID)
	if err != nil {
		return nil, storageErr("list sync events", err)
	}
	defer rows.Close()

	events := make([]domain.SyncEvent, 0)
	for rows.Next() {
		var (
			event    domain.SyncEvent
			from, to string
		)
		if err := rows.Scan(&event.LocalID, &event.RemoteID, &from, &to, &event.Reason, &event.Occurred); err != nil {
			return nil, storageErr("scan sync event", err)
		}
		event.From = domain.SyncStatus(from)
		event.To = domain.SyncStatus(to)
		event.Occurred = event.Occurred.UTC()
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate sync events", err)
	}

	return events, nil
}

func (r *syncJournal) DeleteBefore(ctx context.Context, before time.Time, limit int) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 10000
	}
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM sync_journal
		WHERE id IN (
			SELECT id FROM sync_journal WHERE occurred < $1 ORDER BY id ASC LIMIT $2
		)
	`, before, limit)
	if err != nil {
		return 0, storageErr("delete sync events", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("delete sync events rows affected", err)
	}
	return int(affected), nil
}

var _ domain.SyncJournal = (*syncJournal)(nil)
