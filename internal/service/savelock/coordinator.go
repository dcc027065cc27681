package savelock

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/possync/internal/domain"
)

const defaultIdleTimeout = 5 * time.Minute

// State — состояние координации создания черновика.
type State string

const (
	StateUnsaved  State = "unsaved"
	StateCreating State = "creating"
	StateSaved    State = "saved"
)

// Creator создаёт заказ удалённо и возвращает назначенный remote id.
type Creator func(ctx context.Context, localID string) (int64, error)

// Loader читает текущий remote id заказа из локального хранилища (0, если ещё не создан).
type Loader func(ctx context.Context, localID string) (int64, error)

// Job выполняется после того, как черновик гарантированно существует удалённо.
type Job func(ctx context.Context, remoteID int64) error

// Options задаёт параметры Coordinator.
type Options struct {
	Logger      *log.Entry
	IdleTimeout time.Duration
}

// Option настраивает Coordinator.
type Option func(*Options)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithIdleTimeout задаёт время простоя, после которого актор черновика завершается.
func WithIdleTimeout(timeout time.Duration) Option {
	return func(opts *Options) {
		opts.IdleTimeout = timeout
	}
}

// Coordinator сериализует все операции над черновиком через отдельный актор на каждый localID.
// Для каждого черновика выполняется не более одного удалённого создания одновременно;
// запросы, поданные до завершения создания, получают его результат.
type Coordinator struct {
	create Creator
	load   Loader
	logger *log.Entry
	idle   time.Duration

	mu     sync.Mutex
	actors map[string]*actor
	closed bool
	wg     sync.WaitGroup
}

// New создаёт координатор.
func New(create Creator, load Loader, options ...Option) *Coordinator {
	opts := Options{IdleTimeout: defaultIdleTimeout}
	for _, option := range options {
		option(&opts)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "save-lock")
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}

	return &Coordinator{
		create: create,
		load:   load,
		logger: logger,
		idle:   opts.IdleTimeout,
		actors: make(map[string]*actor),
	}
}

type requestKind int

const (
	kindEnsure requestKind = iota
	kindJob
	kindSerialize
)

type request struct {
	ctx    context.Context
	kind   requestKind
	seq    uint64
	job    Job
	fn     func(ctx context.Context) error
	result chan response
}

type response struct {
	remoteID int64
	err      error
}

// Ensure возвращает remote id черновика, создавая его удалённо при необходимости.
func (c *Coordinator) Ensure(ctx context.Context, localID string) (int64, error) {
	resp, err := c.submit(ctx, localID, request{kind: kindEnsure})
	if err != nil {
		return 0, err
	}
	return resp.remoteID, resp.err
}

// Do выполняет job после гарантированного создания черновика, в порядке очереди актора.
func (c *Coordinator) Do(ctx context.Context, localID string, job Job) error {
	resp, err := c.submit(ctx, localID, request{kind: kindJob, job: job})
	if err != nil {
		return err
	}
	return resp.err
}

// Serialize выполняет fn в порядке очереди актора, не требуя remote id.
func (c *Coordinator) Serialize(ctx context.Context, localID string, fn func(ctx context.Context) error) error {
	resp, err := c.submit(ctx, localID, request{kind: kindSerialize, fn: fn})
	if err != nil {
		return err
	}
	return resp.err
}

// Release завершает актор черновика, как только его очередь опустеет.
// Следующее обращение к черновику поднимет новый актор из локального хранилища.
func (c *Coordinator) Release(localID string) {
	c.mu.Lock()
	a, ok := c.actors[localID]
	c.mu.Unlock()
	if ok {
		a.signalQuit()
	}
}

// Close останавливает все акторы; уже принятые запросы дорабатывают.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	for _, a := range c.actors {
		a.signalQuit()
	}
	c.mu.Unlock()

	c.wg.Wait()
}

// Active возвращает количество живых акторов.
func (c *Coordinator) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.actors)
}

// Snapshot возвращает состояние координации черновика, если актор жив.
func (c *Coordinator) Snapshot(localID string) (State, int64, bool) {
	c.mu.Lock()
	a, ok := c.actors[localID]
	c.mu.Unlock()
	if !ok {
		return StateUnsaved, 0, false
	}
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.state, a.savedRemoteID, true
}

func (c *Coordinator) submit(ctx context.Context, localID string, req request) (response, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return response{}, domain.ErrCoordinatorClosed
	}
	a, ok := c.actors[localID]
	if !ok {
		a = newActor(c, localID)
		c.actors[localID] = a
		c.wg.Add(1)
		go a.run()
	}
	a.pending++
	a.seq++
	req.seq = a.seq
	c.mu.Unlock()

	req.ctx = ctx
	req.result = make(chan response, 1)

	select {
	case a.requests <- req:
	case <-ctx.Done():
		c.finish(a)
		return response{}, ctx.Err()
	}

	select {
	case resp := <-req.result:
		return resp, nil
	case <-ctx.Done():
		// Запрос уже принят актором и будет выполнен; вызывающий просто перестаёт ждать.
		return response{}, ctx.Err()
	}
}

// finish отмечает завершение запроса.
func (c *Coordinator) finish(a *actor) {
	c.mu.Lock()
	a.pending--
	c.mu.Unlock()
}

// retire удаляет актор, если у него нет ожидающих запросов.
func (c *Coordinator) retire(a *actor) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a.pending > 0 {
		return false
	}
	if c.actors[a.localID] == a {
		delete(c.actors, a.localID)
	}
	return true
}

func (c *Coordinator) currentSeq(a *actor) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return a.seq
}

type createFailure struct {
	upTo uint64
	err  error
}

type actor struct {
	c        *Coordinator
	localID  string
	requests chan request
	quit     chan struct{}
	quitOnce sync.Once

	// pending и seq защищены c.mu.
	pending int
	seq     uint64

	stateMu       sync.Mutex
	state         State
	savedRemoteID int64

	lastFailure *createFailure
}

func newActor(c *Coordinator, localID string) *actor {
	return &actor{
		c:        c,
		localID:  localID,
		requests: make(chan request),
		quit:     make(chan struct{}),
		state:    StateUnsaved,
	}
}

func (a *actor) signalQuit() {
	a.quitOnce.Do(func() { close(a.quit) })
}

func (a *actor) run() {
	defer a.c.wg.Done()

	idle := time.NewTimer(a.c.idle)
	defer idle.Stop()

	quit := a.quit
	for {
		select {
		case req := <-a.requests:
			a.handle(req)
			a.c.finish(a)
			if quit == nil && a.c.retire(a) {
				return
			}
		case <-idle.C:
			if a.c.retire(a) {
				a.c.logger.WithField("local_id", a.localID).Debug("save-lock actor retired after idle timeout")
				return
			}
		case <-quit:
			if a.c.retire(a) {
				return
			}
			// Дорабатываем очередь и выходим после последнего запроса.
			quit = nil
		}
		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(a.c.idle)
	}
}

func (a *actor) handle(req request) {
	if err := req.ctx.Err(); err != nil {
		req.result <- response{err: err}
		return
	}
	// Принятый запрос не отменяется вместе с контекстом вызывающего.
	ctx := context.WithoutCancel(req.ctx)

	switch req.kind {
	case kindSerialize:
		req.result <- response{err: req.fn(ctx)}
		return
	case kindEnsure, kindJob:
	}

	remoteID, err := a.ensure(ctx, req.seq)
	if err != nil {
		req.result <- response{err: err}
		return
	}
	if req.kind == kindJob {
		req.result <- response{remoteID: remoteID, err: req.job(ctx, remoteID)}
		return
	}
	req.result <- response{remoteID: remoteID}
}

func (a *actor) ensure(ctx context.Context, seq uint64) (int64, error) {
	stored, err := a.c.load(ctx, a.localID)
	if err != nil {
		return 0, err
	}

	a.stateMu.Lock()
	state, cached := a.state, a.savedRemoteID
	a.stateMu.Unlock()

	if state == StateSaved {
		if stored != cached {
			return 0, fmt.Errorf("%w: cached remote id %d, stored %d for %s",
				domain.ErrSaveCoordination, cached, stored, a.localID)
		}
		return cached, nil
	}
	if stored != 0 {
		a.setState(StateSaved, stored)
		return stored, nil
	}

	// Запрос подан до завершения последнего неудачного создания: отдаём тот же результат.
	if a.lastFailure != nil && seq <= a.lastFailure.upTo {
		return 0, a.lastFailure.err
	}

	a.setState(StateCreating, 0)
	remoteID, err := a.c.create(ctx, a.localID)
	if err == nil && remoteID == 0 {
		err = fmt.Errorf("%w: creator returned empty remote id for %s", domain.ErrSaveCoordination, a.localID)
	}
	if err != nil {
		a.lastFailure = &createFailure{upTo: a.c.currentSeq(a), err: err}
		a.setState(StateUnsaved, 0)
		a.c.logger.WithError(err).WithField("local_id", a.localID).Warn("remote create failed")
		return 0, err
	}

	a.lastFailure = nil
	a.setState(StateSaved, remoteID)
	a.c.logger.WithFields(log.Fields{
		"local_id":  a.localID,
		"remote_id": remoteID,
	}).Info("draft created remotely")
	return remoteID, nil
}

func (a *actor) setState(state State, remoteID int64) {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	a.state = state
	a.savedRemoteID = remoteID
}
