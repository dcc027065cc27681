package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/vladislavdragonenkov/possync/internal/domain"
)

type printSnapshotRepository struct {
	db *sql.DB
}

// NewPrintSnapshotRepository создаёт PostgreSQL-хранилище снимков кухонных чеков.
func NewPrintSnapshotRepository(store *Store) domain.PrintSnapshotRepository {
	return &printSnapshotRepository{db: store.DB()}
}

func (r *printSnapshotRepository) Get(ctx context.Context, localID string) (domain.PrintSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	snapshot := domain.PrintSnapshot{LocalID: localID}
	var lines []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT lines, printed_at FROM print_snapshots WHERE local_id = $1`, localID,
	).Scan(&lines, &snapshot.PrintedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.PrintSnapshot{}, domain.ErrPrintSnapshotNotFound
		}
		return domain.PrintSnapshot{}, storageErr("select print snapshot", err)
	}
	if err := json.Unmarshal(lines, &snapshot.Lines); err != nil {
		return domain.PrintSnapshot{}, storageErr("decode print snapshot", err)
	}
	snapshot.PrintedAt = snapshot.PrintedAt.UTC()
	return snapshot, nil
}

func (r *printSnapshotRepository) Put(ctx context.Context, snapshot domain.PrintSnapshot) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	lines, err := json.Marshal(snapshot.Lines)
	if err != nil {
		return storageErr("encode print snapshot", err)
	}
	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO print_snapshots (local_id, lines, printed_at) VALUES ($1,$2,$3)
		ON CONFLICT (local_id) DO UPDATE SET lines = EXCLUDED.lines, printed_at = EXCLUDED.printed_at
	`, snapshot.LocalID, lines, snapshot.PrintedAt); err != nil {
		return storageErr("upsert print snapshot", err)
	}
	return nil
}

func (r *printSnapshotRepository) Delete(ctx context.Context, localID string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, `DELETE FROM print_snapshots WHERE local_id = $1`, localID); err != nil {
		return storageErr("delete print snapshot", err)
	}
	return nil
}

var _ domain.PrintSnapshotRepository = (*printSnapshotRepository)(nil)
