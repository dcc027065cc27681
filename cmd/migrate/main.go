package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/possync/internal/storage/postgres"
)

const (
	defaultTimeout = 30 * time.Second
)

// migrator — операции схемы, которые нужны утилите.
type migrator interface {
	MigrateUp(ctx context.Context, steps int) error
	MigrateDown(ctx context.Context, steps int) error
	PendingMigrations(ctx context.Context) ([]int64, error)
	Migrations(ctx context.Context) ([]postgres.MigrationInfo, error)
}

func main() {
	var (
		direction string
		steps     int
		dsn       string
	)

	flag.StringVar(&direction, "direction", "up", "migration direction: up|down|status|pending")
	flag.IntVar(&steps, "steps", 0, "number of migrations to apply/rollback (0=all for up, 1 for down)")
	flag.StringVar(&dsn, "dsn", "", "PostgreSQL DSN (fallback: POS_POSTGRES_DSN)")
	flag.Parse()

	if strings.TrimSpace(dsn) == "" {
		dsn = strings.TrimSpace(os.Getenv("POS_POSTGRES_DSN"))
	}
	if dsn == "" {
		fail("POS_POSTGRES_DSN (or -dsn) is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	store, err := postgres.Open(ctx, dsn)
	if err != nil {
		fail("open postgres store: %v", err)
	}
	defer store.Close()

	if err := run(ctx, store, direction, steps, os.Stdout); err != nil {
		fail("%v", err)
	}
}

func run(ctx context.Context, m migrator, direction string, steps int, out io.Writer) error {
	switch strings.ToLower(strings.TrimSpace(direction)) {
	case "up":
		if err := m.MigrateUp(ctx, steps); err != nil {
			return fmt.Errorf("migrate up failed: %w", err)
		}
		return printSummary(ctx, m, out, "migrate up ok")
	case "down":
		if steps <= 0 {
			steps = 1
		}
		if err := m.MigrateDown(ctx, steps); err != nil {
			return fmt.Errorf("migrate down failed: %w", err)
		}
		return printSummary(ctx, m, out, "migrate down ok")
	case "status":
		return printStatus(ctx, m, out)
	case "pending":
		pending, err := m.PendingMigrations(ctx)
		if err != nil {
			return fmt.Errorf("pending migrations failed: %w", err)
		}
		if len(pending) == 0 {
			_, _ = fmt.Fprintln(out, "no pending migrations")
			return nil
		}
		versions := make([]string, 0, len(pending))
		for _, v := range pending {
			versions = append(versions, fmt.Sprintf("%04d", v))
		}
		_, _ = fmt.Fprintf(out, "pending migrations: %s\n", strings.Join(versions, ", "))
		return nil
	default:
		return fmt.Errorf("unsupported direction: %s (use up|down|status|pending)", direction)
	}
}

// summarize возвращает последнюю применённую версию и число применённых миграций.
func summarize(infos []postgres.MigrationInfo) (int64, int) {
	var (
		version int64
		applied int
	)
	for _, info := range infos {
		if info.Applied {
			version = max(version, info.Version)
			applied++
		}
	}
	return version, applied
}

func printSummary(ctx context.Context, m migrator, out io.Writer, prefix string) error {
	infos, err := m.Migrations(ctx)
	if err != nil {
		return fmt.Errorf("migration status failed: %w", err)
	}
	version, applied := summarize(infos)
	_, _ = fmt.Fprintf(out, "%s: version=%d applied=%d\n", prefix, version, applied)
	return nil
}

// printStatus печатает сводку и строку на каждую встроенную миграцию.
func printStatus(ctx context.Context, m migrator, out io.Writer) error {
	infos, err := m.Migrations(ctx)
	if err != nil {
		return fmt.Errorf("migration status failed: %w", err)
	}
	version, applied := summarize(infos)
	_, _ = fmt.Fprintf(out, "migration status: version=%d applied=%d\n", version, applied)
	for _, info := range infos {
		state := "pending"
		if info.Applied {
			state = "applied " + info.AppliedAt.Format(time.RFC3339)
		}
		_, _ = fmt.Fprintf(out, "  %04d_%s\t%s\n", info.Version, info.Name, state)
	}
	return nil
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
