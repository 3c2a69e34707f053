package keeper

import (
	"context"
	"errors"
	"sync"

	"github.com/alejandrodnm/perpkeeper/internal/domain"
)

const (
	defaultSettlementWorkers = 8
	defaultMaxPending        = 1024
)

// ErrQueueFull se devuelve cuando el commit se descarta por falta de lugar.
// Un descarte no rompe la idempotencia: cada settlement relee la orden antes de enviar.
var ErrQueueFull = errors.New("settlement queue full")

var errQueueStopped = errors.New("settlement queue stopped")

// settlementQueue serializa los commits de cada cuenta y reparte las cuentas
// entre un pool acotado de workers. Una cuenta trabada solo demora sus propios
// commits; las demás siguen mientras quede un worker libre.
type settlementQueue struct {
	handle     func(context.Context, domain.OrderCommitted)
	slots      chan struct{}
	maxPending int

	mu      sync.Mutex
	pending map[domain.AccountID][]domain.OrderCommitted
	queued  int
	stopped bool
	ctx     context.Context
	wg      sync.WaitGroup
}

func newSettlementQueue(workers, maxPending int, handle func(context.Context, domain.OrderCommitted)) *settlementQueue {
	if workers <= 0 {
		workers = defaultSettlementWorkers
	}
	if maxPending <= 0 {
		maxPending = defaultMaxPending
	}
	return &settlementQueue{
		handle:     handle,
		slots:      make(chan struct{}, workers),
		maxPending: maxPending,
		pending:    make(map[domain.AccountID][]domain.OrderCommitted),
		ctx:        context.Background(),
	}
}

// start fija el contexto con el que corren los settlements.
func (q *settlementQueue) start(ctx context.Context) {
	q.mu.Lock()
	q.ctx = ctx
	q.mu.Unlock()
}

// enqueue nunca bloquea. Si la cuenta ya tiene un runner, el commit se agrega
// detrás de los suyos; si no, se lanza uno.
func (q *settlementQueue) enqueue(ev domain.OrderCommitted) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return errQueueStopped
	}
	if q.queued >= q.maxPending {
		return ErrQueueFull
	}
	evs, running := q.pending[ev.AccountID]
	q.pending[ev.AccountID] = append(evs, ev)
	q.queued++
	if !running {
		q.wg.Add(1)
		go q.run(q.ctx, ev.AccountID)
	}
	return nil
}

// run procesa en orden los commits de una cuenta y termina cuando no quedan.
func (q *settlementQueue) run(ctx context.Context, id domain.AccountID) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		evs := q.pending[id]
		if len(evs) == 0 || ctx.Err() != nil {
			q.queued -= len(evs)
			delete(q.pending, id)
			q.mu.Unlock()
			return
		}
		ev := evs[0]
		q.pending[id] = evs[1:]
		q.queued--
		q.mu.Unlock()

		select {
		case q.slots <- struct{}{}:
		case <-ctx.Done():
			continue
		}
		q.handle(ctx, ev)
		<-q.slots
	}
}

// stop rechaza commits nuevos y espera a que terminen los runners.
func (q *settlementQueue) stop() {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()
	q.wg.Wait()
}
