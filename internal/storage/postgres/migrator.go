package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
)

const (
	migrationsDir = "sql/migrations"
	// migrationLockKey — ключ advisory lock; несколько pos-syncd на одной базе не мигрируют одновременно.
	migrationLockKey = int64(0x706f7373)

	schemaMigrationsDDL = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version BIGINT PRIMARY KEY,
    name TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
)

//go:embed sql/migrations/*.sql
var migrationsFS embed.FS

var migrationFileRe = regexp.MustCompile(`^(\d+)_(\w+)\.(up|down)\.sql$`)

// ErrNotInitialized возвращается методами миграций нулевого Store.
var ErrNotInitialized = errors.New("postgres store is not initialized")

type migration struct {
	version int64
	name    string
	up      string
	down    string
}

func (m migration) String() string {
	return fmt.Sprintf("%04d_%s", m.version, m.name)
}

// MigrationInfo описывает встроенную миграцию и её состояние в базе.
type MigrationInfo struct {
	Version   int64
	Name      string
	Applied   bool
	AppliedAt time.Time
}

// MigrateUp применяет не более steps ожидающих миграций; steps <= 0 применяет все.
func (s *Store) MigrateUp(ctx context.Context, steps int) error {
	migrations, err := parseMigrations(migrationsFS)
	if err != nil {
		return err
	}
	return s.withMigrationLock(ctx, func(conn *sql.Conn) error {
		applied, err := appliedMigrations(ctx, conn)
		if err != nil {
			return err
		}
		done := 0
		for _, m := range migrations {
			if _, ok := applied[m.version]; ok {
				continue
			}
			if steps > 0 && done == steps {
				break
			}
			if err := runStep(ctx, conn, m, true); err != nil {
				return err
			}
			done++
		}
		return nil
	})
}

// MigrateDown откатывает steps последних применённых миграций; steps <= 0 откатывает одну.
func (s *Store) MigrateDown(ctx context.Context, steps int) error {
	if steps <= 0 {
		steps = 1
	}
	migrations, err := parseMigrations(migrationsFS)
	if err != nil {
		return err
	}
	known := make(map[int64]migration, len(migrations))
	for _, m := range migrations {
		known[m.version] = m
	}

	return s.withMigrationLock(ctx, func(conn *sql.Conn) error {
		applied, err := appliedMigrations(ctx, conn)
		if err != nil {
			return err
		}
		versions := make([]int64, 0, len(applied))
		for v := range applied {
			versions = append(versions, v)
		}
		slices.Sort(versions)
		slices.Reverse(versions)

		for _, v := range versions[:min(steps, len(versions))] {
			m, ok := known[v]
			if !ok {
				return fmt.Errorf("cannot roll back unknown migration version %d", v)
			}
			if err := runStep(ctx, conn, m, false); err != nil {
				return err
			}
		}
		return nil
	})
}

// Migrations возвращает все встроенные миграции по возрастанию версии с отметкой о применении.
func (s *Store) Migrations(ctx context.Context) ([]MigrationInfo, error) {
	migrations, err := parseMigrations(migrationsFS)
	if err != nil {
		return nil, err
	}

	var infos []MigrationInfo
	err = s.withConn(ctx, func(conn *sql.Conn) error {
		applied, err := appliedMigrations(ctx, conn)
		if err != nil {
			return err
		}
		infos = make([]MigrationInfo, 0, len(migrations))
		for _, m := range migrations {
			at, ok := applied[m.version]
			infos = append(infos, MigrationInfo{Version: m.version, Name: m.name, Applied: ok, AppliedAt: at})
		}
		return nil
	})
	return infos, err
}

// PendingMigrations возвращает версии миграций, которые ещё не применены.
func (s *Store) PendingMigrations(ctx context.Context) ([]int64, error) {
	infos, err := s.Migrations(ctx)
	if err != nil {
		return nil, err
	}
	pending := []int64{}
	for _, info := range infos {
		if !info.Applied {
			pending = append(pending, info.Version)
		}
	}
	return pending, nil
}

func (s *Store) withConn(ctx context.Context, fn func(conn *sql.Conn) error) error {
	if s == nil || s.db == nil {
		return ErrNotInitialized
	}
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire db connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, schemaMigrationsDDL); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return fn(conn)
}

// withMigrationLock держит advisory lock на соединении, пока выполняется fn.
func (s *Store) withMigrationLock(ctx context.Context, fn func(conn *sql.Conn) error) error {
	return s.withConn(ctx, func(conn *sql.Conn) error {
		lockCtx, cancel := context.WithTimeout(ctx, s.connTimeout)
		defer cancel()
		if _, err := conn.ExecContext(lockCtx, `SELECT pg_advisory_lock($1)`, migrationLockKey); err != nil {
			return fmt.Errorf("acquire migration lock: %w", err)
		}
		defer func() {
			_, _ = conn.ExecContext(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, migrationLockKey)
		}()
		return fn(conn)
	})
}

// runStep применяет (up) или откатывает миграцию вместе с записью в schema_migrations одной транзакцией.
func runStep(ctx context.Context, conn *sql.Conn, m migration, up bool) error {
	body, record, args, verb := m.down, `DELETE FROM schema_migrations WHERE version = $1`, []any{m.version}, "roll back"
	if up {
		body, record, args, verb = m.up, `INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, []any{m.version, m.name}, "apply"
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s migration %s: begin tx: %w", verb, m, err)
	}
	if _, err := tx.ExecContext(ctx, body); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("%s migration %s: %w", verb, m, err)
	}
	if _, err := tx.ExecContext(ctx, record, args...); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("%s migration %s: record version: %w", verb, m, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s migration %s: commit: %w", verb, m, err)
	}
	return nil
}

func appliedMigrations(ctx context.Context, conn *sql.Conn) (map[int64]time.Time, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version, applied_at FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("query schema_migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int64]time.Time)
	for rows.Next() {
		var (
			version int64
			at      time.Time
		)
		if err := rows.Scan(&version, &at); err != nil {
			return nil, fmt.Errorf("scan schema_migrations: %w", err)
		}
		applied[version] = at.UTC()
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schema_migrations: %w", err)
	}
	return applied, nil
}

// parseMigrations читает пары NNNN_name.up.sql / NNNN_name.down.sql из fsys.
func parseMigrations(fsys fs.FS) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	byVersion := make(map[int64]*migration)
	for _, entry := range entries {
		if entry.IsDir() || path.Ext(entry.Name()) != ".sql" {
			continue
		}
		parts := migrationFileRe.FindStringSubmatch(entry.Name())
		if parts == nil {
			return nil, fmt.Errorf("invalid migration file name: %s", entry.Name())
		}
		version, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("migration %s: parse version: %w", entry.Name(), err)
		}

		raw, err := fs.ReadFile(fsys, path.Join(migrationsDir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("migration %s: %w", entry.Name(), err)
		}
		body := strings.TrimSpace(string(raw))
		if body == "" {
			return nil, fmt.Errorf("migration %s is empty", entry.Name())
		}

		m, ok := byVersion[version]
		if !ok {
			m = &migration{version: version, name: parts[2]}
			byVersion[version] = m
		}
		if m.name != parts[2] {
			return nil, fmt.Errorf("migration %d has conflicting names %q and %q", version, m.name, parts[2])
		}

		target := &m.up
		if parts[3] == "down" {
			target = &m.down
		}
		if *target != "" {
			return nil, fmt.Errorf("migration %s is duplicated", entry.Name())
		}
		*target = body
	}
	if len(byVersion) == 0 {
		return nil, errors.New("no migrations found")
	}

	migrations := make([]migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.up == "" || m.down == "" {
			return nil, fmt.Errorf("migration %s needs both up and down files", m)
		}
		migrations = append(migrations, *m)
	}
	slices.SortFunc(migrations, func(a, b migration) int {
		switch {
		case a.version < b.version:
			return -1
		case a.version > b.version:
			return 1
		default:
			return 0
		}
	})
	return migrations, nil
}
