package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/vladislavdragonenkov/possync/internal/domain"
)

type syncJournal struct {
	db *sql.DB
}

// NewSyncJournal создаёт SQLite-реализацию SyncJournal.
func NewSyncJournal(store *Store) domain.SyncJournal {
	return &syncJournal{db: store.DB()}
}

func (r *syncJournal) Append(ctx context.Context, event domain.SyncEvent) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sync_journal (local_id, remote_id, from_status, to_status, reason, occurred_at)
		VALUES (?,?,?,?,?,?)
	`, event.LocalID, event.RemoteID, string(event.From), string(event.To), event.Reason, toUnix(event.Occurred))
	if err != nil {
		return storageErr("insert sync event", err)
	}
	return nil
}

func (r *syncJournal) List(ctx context.Context, localID string) ([]domain.SyncEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT local_id, remote_id, from_status, to_status, reason, occurred_at
		FROM sync_journal
		WHERE local_id = ?
		ORDER BY occurred_at ASC, seq ASC
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
			occurred int64
		)
		if err := rows.Scan(&event.LocalID, &event.RemoteID, &from, &to, &event.Reason, &occurred); err != nil {
			return nil, storageErr("scan sync event", err)
		}
		event.From = domain.SyncStatus(from)
		event.To = domain.SyncStatus(to)
		event.Occurred = fromUnix(occurred)
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
		limit = -1
	}
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM sync_journal
		WHERE seq IN (
			SELECT seq FROM sync_journal WHERE occurred_at < ? ORDER BY seq ASC LIMIT ?
		)
	`, toUnix(before), limit)
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
