package kitchen

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/possync/internal/domain"
)

// OrderReader читает текущий документ заказа.
type OrderReader interface {
	Get(ctx context.Context, localID string) (domain.LocalOrder, error)
}

// TicketLine — строка кухонного чека с изменением количества с прошлой печати.
type TicketLine struct {
	ProductID   int64
	VariationID int64
	Name        string
	// Quantity — текущее количество (0 для удалённых позиций).
	Quantity int
	// Delta — изменение относительно последнего напечатанного чека.
	Delta int
}

// Ticket — изменения заказа, которые ещё не ушли на кухню.
type Ticket struct {
	LocalID string
	Added   []TicketLine
	Changed []TicketLine
	Removed []TicketLine
	// LastPrintedAt — время прошлой печати; нулевое, если чек по заказу ещё не печатался.
	LastPrintedAt time.Time
}

// Empty сообщает, что печатать нечего.
func (t Ticket) Empty() bool {
	return len(t.Added) == 0 && len(t.Changed) == 0 && len(t.Removed) == 0
}

// Service строит кухонные чеки по разнице между заказом и последней печатью.
type Service struct {
	orders    OrderReader
	snapshots domain.PrintSnapshotRepository
	logger    *log.Entry
	now       func() time.Time
}

// NewService создаёт сервис кухонных чеков.
func NewService(orders OrderReader, snapshots domain.PrintSnapshotRepository, logger *log.Entry) *Service {
	if logger == nil {
		logger = log.WithField("component", "kitchen")
	}
	return &Service{
		orders:    orders,
		snapshots: snapshots,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Diff возвращает позиции, добавленные, изменённые и удалённые с момента последней печати.
func (s *Service) Diff(ctx context.Context, localID string) (Ticket, error) {
	order, err := s.orders.Get(ctx, localID)
	if err != nil {
		return Ticket{}, err
	}
	snapshot, err := s.snapshot(ctx, localID)
	if err != nil {
		return Ticket{}, err
	}

	ticket := Diff(snapshot.Lines, order.Data.LineItems)
	ticket.LocalID = localID
	ticket.LastPrintedAt = snapshot.PrintedAt
	return ticket, nil
}

// MarkPrinted запоминает текущие позиции заказа как напечатанные.
func (s *Service) MarkPrinted(ctx context.Context, localID string) (domain.PrintSnapshot, error) {
	order, err := s.orders.Get(ctx, localID)
	if err != nil {
		return domain.PrintSnapshot{}, err
	}

	snapshot := domain.PrintSnapshot{
		LocalID:   localID,
		Lines:     make([]domain.PrintedLine, 0, len(order.Data.LineItems)),
		PrintedAt: s.now(),
	}
	for _, line := range order.Data.LineItems {
		snapshot.Lines = append(snapshot.Lines, domain.PrintedLine{
			ProductID:   line.ProductID,
			VariationID: line.VariationID,
			Name:        line.Name,
			Quantity:    line.Quantity,
		})
	}
	if err := s.snapshots.Put(ctx, snapshot); err != nil {
		return domain.PrintSnapshot{}, err
	}

	s.logger.WithFields(log.Fields{
		"local_id": localID,
		"lines":    len(snapshot.Lines),
	}).Debug("kitchen ticket printed")
	return snapshot, nil
}

// Forget удаляет снимок печати заказа.
func (s *Service) Forget(ctx context.Context, localID string) error {
	err := s.snapshots.Delete(ctx, localID)
	if errors.Is(err, domain.ErrPrintSnapshotNotFound) {
		return nil
	}
	return err
}

func (s *Service) snapshot(ctx context.Context, localID string) (domain.PrintSnapshot, error) {
	snapshot, err := s.snapshots.Get(ctx, localID)
	if errors.Is(err, domain.ErrPrintSnapshotNotFound) {
		return domain.PrintSnapshot{LocalID: localID}, nil
	}
	return snapshot, err
}

// Diff сравнивает напечатанные позиции с текущими. Порядок строк следует текущему документу,
// удалённые позиции идут в порядке прошлого чека.
func Diff(printed []domain.PrintedLine, current []domain.LineItem) Ticket {
	var ticket Ticket

	before := make(map[domain.LineKey]domain.PrintedLine, len(printed))
	for _, p := range printed {
		key := domain.LineKey{ProductID: p.ProductID, VariationID: p.VariationID}
		if prev, ok := before[key]; ok {
			p.Quantity += prev.Quantity
		}
		before[key] = p
	}

	seen := make(map[domain.LineKey]struct{}, len(current))
	for _, line := range current {
		key := line.Key()
		seen[key] = struct{}{}

		prev, ok := before[key]
		switch {
		case !ok:
			ticket.Added = append(ticket.Added, TicketLine{
				ProductID:   line.ProductID,
				VariationID: line.VariationID,
				Name:        line.Name,
				Quantity:    line.Quantity,
				Delta:       line.Quantity,
			})
		case prev.Quantity != line.Quantity:
			ticket.Changed = append(ticket.Changed, TicketLine{
				ProductID:   line.ProductID,
				VariationID: line.VariationID,
				Name:        line.Name,
				Quantity:    line.Quantity,
				Delta:       line.Quantity - prev.Quantity,
			})
		}
	}

	for _, p := range printed {
		key := domain.LineKey{ProductID: p.ProductID, VariationID: p.VariationID}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		prev := before[key]
		ticket.Removed = append(ticket.Removed, TicketLine{
			ProductID:   prev.ProductID,
			VariationID: prev.VariationID,
			Name:        prev.Name,
			Delta:       -prev.Quantity,
		})
	}
	return ticket
}
