package retention

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/possync/internal/domain"
	"github.com/vladislavdragonenkov/possync/internal/storage/memory"
)

func TestCleanupWorker_CleanupOnce_Batches(t *testing.T) {
	t.Parallel()

	orders := &stubStore{results: []int{2, 2, 1}}
	journal := &stubStore{results: []int{1}}

	worker := NewCleanupWorker(orders, journal, WithBatchSize(2))

	report, err := worker.CleanupOnce(context.Background(), time.Now().UTC())
	if err != nil {
		t.Fatalf("CleanupOnce failed: %v", err)
	}

	if report.Orders != 5 || report.Journal != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if calls := orders.calls(); calls != 3 {
		t.Fatalf("unexpected delete calls: got=%d want=3", calls)
	}
}

func TestCleanupWorker_CleanupOnce_UsesRetentionCutoffs(t *testing.T) {
	t.Parallel()

	orders := &stubStore{}
	journal := &stubStore{}
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	worker := NewCleanupWorker(orders, journal,
		WithOrderRetention(48*time.Hour),
		WithJournalRetention(time.Hour),
	)
	if _, err := worker.CleanupOnce(context.Background(), now); err != nil {
		t.Fatalf("CleanupOnce failed: %v", err)
	}

	if got := orders.lastBefore(); !got.Equal(now.Add(-48 * time.Hour)) {
		t.Fatalf("unexpected order cutoff: %s", got)
	}
	if got := journal.lastBefore(); !got.Equal(now.Add(-time.Hour)) {
		t.Fatalf("unexpected journal cutoff: %s", got)
	}
}

func TestCleanupWorker_CleanupOnce_Error(t *testing.T) {
	t.Parallel()

	orders := &stubStore{errs: []error{errors.New("boom")}}
	journal := &stubStore{}

	worker := NewCleanupWorker(orders, journal, WithBatchSize(10))

	report, err := worker.CleanupOnce(context.Background(), time.Now().UTC())
	if err == nil {
		t.Fatal("expected CleanupOnce error")
	}
	if report.Orders != 0 {
		t.Fatalf("unexpected deleted total: got=%d want=0", report.Orders)
	}
	if journal.calls() != 0 {
		t.Fatal("journal must not be cleaned after order cleanup failure")
	}
}

func TestCleanupWorker_Run_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	orders := &stubStore{}
	worker := NewCleanupWorker(orders, nil, WithInterval(5*time.Millisecond), WithBatchSize(10))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop on context cancel")
	}

	if calls := orders.calls(); calls == 0 {
		t.Fatal("expected cleanup to be called at least once")
	}
}

func TestCleanupWorker_KeepsUnsyncedOrders(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := memory.NewLocalOrderRepository()
	old := time.Now().UTC().Add(-90 * 24 * time.Hour)

	for _, order := range []domain.LocalOrder{
		{LocalID: "archived", SyncStatus: domain.SyncStatusSynced, Revision: 1, SyncedRevision: 1},
		{LocalID: "failed", SyncStatus: domain.SyncStatusError, Revision: 2, SyncedRevision: 1},
	} {
		order.Data = domain.OrderData{Status: domain.OrderStatusCompleted, Total: decimal.Zero}
		order.CreatedAt, order.UpdatedAt = old, old
		if err := repo.Create(ctx, order); err != nil {
			t.Fatalf("create %s: %v", order.LocalID, err)
		}
	}

	worker := NewCleanupWorker(repo, memory.NewSyncJournal())
	report, err := worker.CleanupOnce(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("CleanupOnce failed: %v", err)
	}
	if report.Orders != 1 {
		t.Fatalf("expected 1 archived order deleted, got %d", report.Orders)
	}
	if _, err := repo.Get(ctx, "failed"); err != nil {
		t.Fatalf("order with sync error must be kept: %v", err)
	}
}

type stubStore struct {
	mu sync.Mutex

	results   []int
	errs      []error
	callCount int
	before    time.Time
}

func (s *stubStore) DeleteArchived(_ context.Context, before time.Time, _ int) (int, error) {
	return s.next(before)
}

func (s *stubStore) DeleteBefore(_ context.Context, before time.Time, _ int) (int, error) {
	return s.next(before)
}

func (s *stubStore) next(before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.callCount++
	s.before = before

	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return 0, err
		}
	}

	if len(s.results) == 0 {
		return 0, nil
	}
	result := s.results[0]
	s.results = s.results[1:]
	return result, nil
}

func (s *stubStore) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callCount
}

func (s *stubStore) lastBefore() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.before
}
