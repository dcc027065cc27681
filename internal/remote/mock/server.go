package mock

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/possync/internal/domain"
)

// Operation — вызов удалённого API, на который можно повесить хук.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpGet    Operation = "get"
	OpList   Operation = "list"
)

var (
	// ErrNotFound — заказ с таким id не существует.
	ErrNotFound = fmt.Errorf("%w: remote order not found", domain.ErrRemoteSync)
	// ErrUnknownLine — патч ссылается на несуществующую запись позиции.
	ErrUnknownLine = fmt.Errorf("%w: unknown line item id", domain.ErrRemoteSync)
)

// Hook вызывается перед выполнением операции. Ненулевая ошибка прерывает операцию.
type Hook func(ctx context.Context, op Operation, orderID int64) error

// Server — in-memory удалённое хранилище заказов для тестов и локального запуска.
// Семантика позиций повторяет REST API магазина: запись с id и quantity=0 удаляется,
// запись без id добавляется как новая.
type Server struct {
	mu         sync.Mutex
	orders     map[int64]*domain.RemoteOrder
	nextID     int64
	nextLineID int64
	calls      map[Operation]int
	hook       Hook
	now        func() time.Time
	precision  time.Duration
	lastStamp  time.Time
}

// NewServer создаёт пустой сервер; первый созданный заказ получает id 501.
func NewServer() *Server {
	return &Server{
		orders:     make(map[int64]*domain.RemoteOrder),
		nextID:     500,
		nextLineID: 0,
		calls:      make(map[Operation]int),
		now:        func() time.Time { return time.Now().UTC() },
		precision:  time.Microsecond,
	}
}

// SetClock подменяет источник времени для меток изменения.
func (s *Server) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetPrecision задаёт точность меток изменения. При точности грубее микросекунды
// несколько изменений получают одинаковую метку, как у магазина с секундными датами.
func (s *Server) SetPrecision(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.precision = d
}

// SetHook устанавливает хук перед операциями; nil снимает хук.
func (s *Server) SetHook(h Hook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = h
}

// FailNext заставляет следующий вызов op вернуть err.
func (s *Server) FailNext(op Operation, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var once sync.Once
	prev := s.hook
	s.hook = func(ctx context.Context, called Operation, id int64) error {
		if called == op {
			var fire bool
			once.Do(func() { fire = true })
			if fire {
				return err
			}
		}
		if prev != nil {
			return prev(ctx, called, id)
		}
		return nil
	}
}

// Calls возвращает число вызовов операции, включая неуспешные.
func (s *Server) Calls(op Operation) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Order возвращает копию заказа.
func (s *Server) Order(id int64) (domain.RemoteOrder, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[id]
	if !ok {
		return domain.RemoteOrder{}, false
	}
	return cloneOrder(order), true
}

// Len возвращает количество заказов.
func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

// Edit изменяет заказ так, как это сделал бы другой клиент хранилища.
func (s *Server) Edit(id int64, edit func(order *domain.RemoteOrder)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[id]
	if !ok {
		return ErrNotFound
	}
	edit(order)
	s.recompute(order)
	return nil
}

func (s *Server) before(ctx context.Context, op Operation, id int64) error {
	s.mu.Lock()
	s.calls[op]++
	hook := s.hook
	s.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, op, id); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func (s *Server) CreateOrder(ctx context.Context, input domain.RemoteOrderInput) (domain.RemoteOrder, error) {
	if err := s.before(ctx, OpCreate, 0); err != nil {
		return domain.RemoteOrder{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	order := &domain.RemoteOrder{
		ID:       s.nextID,
		Status:   "pending",
		Currency: "USD",
	}
	if err := s.apply(order, input); err != nil {
		return domain.RemoteOrder{}, err
	}
	s.orders[order.ID] = order
	return cloneOrder(order), nil
}

func (s *Server) UpdateOrder(ctx context.Context, id int64, input domain.RemoteOrderInput) (domain.RemoteOrder, error) {
	if err := s.before(ctx, OpUpdate, id); err != nil {
		return domain.RemoteOrder{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[id]
	if !ok {
		return domain.RemoteOrder{}, ErrNotFound
	}
	working := cloneOrder(order)
	if err := s.apply(&working, input); err != nil {
		return domain.RemoteOrder{}, err
	}
	s.orders[id] = &working
	return cloneOrder(&working), nil
}

func (s *Server) GetOrder(ctx context.Context, id int64) (domain.RemoteOrder, error) {
	if err := s.before(ctx, OpGet, id); err != nil {
		return domain.RemoteOrder{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[id]
	if !ok {
		return domain.RemoteOrder{}, ErrNotFound
	}
	return cloneOrder(order), nil
}

func (s *Server) ListOrders(ctx context.Context, filter domain.RemoteOrderFilter) ([]domain.RemoteOrder, error) {
	if err := s.before(ctx, OpList, 0); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	statuses := make(map[string]struct{}, len(filter.Statuses))
	for _, st := range filter.Statuses {
		statuses[st] = struct{}{}
	}

	result := make([]domain.RemoteOrder, 0)
	for _, order := range s.orders {
		if len(statuses) > 0 {
			if _, ok := statuses[order.Status]; !ok {
				continue
			}
		}
		if !filter.ModifiedAfter.IsZero() && !order.ModifiedAt().After(filter.ModifiedAfter) {
			continue
		}
		if filter.Search != "" && !matchesSearch(order, filter.Search) {
			continue
		}
		result = append(result, cloneOrder(order))
	}
	sort.Slice(result, func(i, j int) bool {
		ti, tj := result[i].ModifiedAt(), result[j].ModifiedAt()
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return result[i].ID < result[j].ID
	})

	perPage := filter.PerPage
	if perPage <= 0 {
		perPage = 10
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	start := (page - 1) * perPage
	if start >= len(result) {
		return []domain.RemoteOrder{}, nil
	}
	end := start + perPage
	if end > len(result) {
		end = len(result)
	}
	return result[start:end], nil
}

// matchesSearch повторяет поиск магазина: id, заметка покупателя и значения метаданных.
func matchesSearch(order *domain.RemoteOrder, term string) bool {
	if strconv.FormatInt(order.ID, 10) == term || strings.Contains(order.CustomerNote, term) {
		return true
	}
	for _, m := range order.MetaData {
		if strings.Contains(m.Value, term) {
			return true
		}
	}
	return false
}

func (s *Server) apply(order *domain.RemoteOrder, input domain.RemoteOrderInput) error {
	if input.Status != nil {
		order.Status = *input.Status
	}
	if input.Currency != nil {
		order.Currency = *input.Currency
	}
	if input.Billing != nil {
		order.Billing = *input.Billing
	}
	if input.CustomerNote != nil {
		order.CustomerNote = *input.CustomerNote
	}
	if input.ShippingLines != nil {
		order.ShippingLines = append([]domain.RemoteShippingLine(nil), input.ShippingLines...)
	}
	if input.CouponLines != nil {
		order.CouponLines = append([]domain.RemoteCouponLine(nil), input.CouponLines...)
	}
	for _, meta := range input.MetaData {
		replaced := false
		for i := range order.MetaData {
			if order.MetaData[i].Key == meta.Key {
				order.MetaData[i].Value = meta.Value
				replaced = true
				break
			}
		}
		if !replaced {
			order.MetaData = append(order.MetaData, domain.MetaEntry{Key: meta.Key, Value: meta.Value})
		}
	}

	for _, patch := range input.LineItems {
		if patch.ID == 0 {
			if patch.Quantity <= 0 {
				continue
			}
			s.nextLineID++
			order.LineItems = append(order.LineItems, domain.RemoteLineItem{
				ID:          s.nextLineID,
				ProductID:   patch.ProductID,
				VariationID: patch.VariationID,
				Name:        patch.Name,
				Quantity:    patch.Quantity,
				Price:       patch.Price,
			})
			continue
		}

		idx := -1
		for i := range order.LineItems {
			if order.LineItems[i].ID == patch.ID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return fmt.Errorf("%w: %d", ErrUnknownLine, patch.ID)
		}
		if patch.Quantity == 0 {
			order.LineItems = append(order.LineItems[:idx], order.LineItems[idx+1:]...)
			continue
		}
		order.LineItems[idx].Quantity = patch.Quantity
		if patch.Price != "" {
			order.LineItems[idx].Price = patch.Price
		}
	}

	s.recompute(order)
	return nil
}

func (s *Server) recompute(order *domain.RemoteOrder) {
	subtotal := decimal.Zero
	for i := range order.LineItems {
		line := &order.LineItems[i]
		price, _ := domain.ParseMoney(line.Price)
		total := domain.LineSubtotal(price, line.Quantity)
		line.Price = domain.FormatMoney(price)
		line.Subtotal = domain.FormatMoney(total)
		line.Total = domain.FormatMoney(total)
		subtotal = subtotal.Add(total)
	}

	discount := decimal.Zero
	for _, c := range order.CouponLines {
		d, _ := domain.ParseMoney(c.Discount)
		discount = discount.Add(d)
	}
	shipping := decimal.Zero
	for _, sl := range order.ShippingLines {
		t, _ := domain.ParseMoney(sl.Total)
		shipping = shipping.Add(t)
	}

	total := subtotal.Sub(discount).Add(shipping)
	if total.IsNegative() {
		total = decimal.Zero
	}
	order.DiscountTotal = domain.FormatMoney(discount)
	order.Total = domain.FormatMoney(total)
	order.DateModified = domain.FormatRemoteTime(s.stamp())
}

// stamp возвращает неубывающее время изменения; при микросекундной точности строго возрастающее.
func (s *Server) stamp() time.Time {
	now := s.now().UTC().Truncate(s.precision)
	if !now.After(s.lastStamp) {
		now = s.lastStamp
		if s.precision <= time.Microsecond {
			now = now.Add(time.Microsecond)
		}
	}
	s.lastStamp = now
	return now
}

func cloneOrder(o *domain.RemoteOrder) domain.RemoteOrder {
	out := *o
	out.LineItems = append([]domain.RemoteLineItem(nil), o.LineItems...)
	out.ShippingLines = append([]domain.RemoteShippingLine(nil), o.ShippingLines...)
	out.CouponLines = append([]domain.RemoteCouponLine(nil), o.CouponLines...)
	out.MetaData = append([]domain.MetaEntry(nil), o.MetaData...)
	return out
}

var _ domain.RemoteOrderAPI = (*Server)(nil)
