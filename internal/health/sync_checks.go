package health

import (
	"context"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/possync/internal/domain"
)

const defaultCheckTimeout = 2 * time.Second

// PingChecker проверяет доступность хранилища.
type PingChecker struct {
	name    string
	pinger  domain.Pinger
	timeout time.Duration
}

// NewPingChecker создаёт проверку хранилища с таймаутом.
func NewPingChecker(name string, pinger domain.Pinger, timeout time.Duration) *PingChecker {
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	return &PingChecker{name: name, pinger: pinger, timeout: timeout}
}

// Check выполняет ping.
func (c *PingChecker) Check() Check {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	start := time.Now()
	err := c.pinger.Ping(ctx)
	check := Check{Name: c.name, Status: StatusHealthy, DurationMs: time.Since(start).Milliseconds()}
	if err != nil {
		check.Status = StatusUnhealthy
		check.Message = err.Error()
	}
	return check
}

// BacklogFunc возвращает число заказов, ожидающих отправки, и число заказов с ошибкой синхронизации.
type BacklogFunc func(ctx context.Context) (pending, failed int, err error)

// SyncBacklogChecker сообщает о деградации, когда есть заказы с ошибкой синхронизации
// или очередь на отправку превышает порог.
type SyncBacklogChecker struct {
	name       string
	backlog    BacklogFunc
	maxPending int
	timeout    time.Duration
}

// NewSyncBacklogChecker создаёт проверку очереди синхронизации. maxPending <= 0 отключает порог.
func NewSyncBacklogChecker(name string, backlog BacklogFunc, maxPending int) *SyncBacklogChecker {
	return &SyncBacklogChecker{name: name, backlog: backlog, maxPending: maxPending, timeout: defaultCheckTimeout}
}

// Check проверяет очередь синхронизации. Ошибка чтения очереди означает недоступное хранилище.
func (c *SyncBacklogChecker) Check() Check {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	start := time.Now()
	pending, failed, err := c.backlog(ctx)
	check := Check{Name: c.name, Status: StatusHealthy, DurationMs: time.Since(start).Milliseconds()}

	switch {
	case err != nil:
		check.Status = StatusUnhealthy
		check.Message = err.Error()
	case failed > 0:
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("%d orders failed to sync", failed)
	case c.maxPending > 0 && pending > c.maxPending:
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("%d orders waiting for sync", pending)
	}
	return check
}
