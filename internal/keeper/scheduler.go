package keeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alejandrodnm/perpkeeper/internal/domain"
	"github.com/alejandrodnm/perpkeeper/internal/metrics"
	"github.com/alejandrodnm/perpkeeper/internal/ports"
)

// ErrStalled se devuelve cuando no llega ningún bloque ni evento dentro del
// timeout de liveness. El proceso debe salir y el host reiniciarlo.
var ErrStalled = errors.New("event stream stalled")

const (
	TaskRefresh   = "refresh"
	TaskLiquidate = "liquidate"
	TaskPrices    = "prices"
	TaskRebalance = "rebalance"
)

// Cadence son los intervalos en bloques de cada tarea. 0 desactiva la tarea.
type Cadence struct {
	Liquidate      uint64
	AccountRefresh uint64
	Prices         uint64
	Swap           uint64
}

// SchedulerConfig controla el loop.
type SchedulerConfig struct {
	Cadence               Cadence
	LivenessTimeout       time.Duration
	SettlementWorkers     int // settlements en vuelo a la vez, entre todas las cuentas
	MaxPendingSettlements int // commits encolados como máximo; el resto se descarta
}

// Components son las piezas que despacha el scheduler. Prices y Treasury son opcionales.
type Components struct {
	Tracker    *Tracker
	Scanner    *Scanner
	Liquidator *Liquidator
	Settler    *Settler
	Prices     *PriceGuardian
	Treasury   *Rebalancer
}

// Status es lo que devuelve cada entry point de handler.
type Status struct {
	Trigger  string
	Block    uint64
	Message  string
	Launched []string
	Skipped  []string
}

// task es una tarea de cadencia con guarda de ocupado: si la corrida anterior
// sigue en vuelo, el trigger se descarta en vez de encolarse.
type task struct {
	name  string
	every uint64
	run   func(ctx context.Context, block uint64) error
	busy  atomic.Bool
}

// Scheduler consume el stream de bloques y commits y despacha a los componentes.
type Scheduler struct {
	cfg     SchedulerConfig
	events  ports.EventSource
	c       Components
	state   *State
	metrics *metrics.Keeper

	tasks []*task
	wg    sync.WaitGroup
	queue *settlementQueue
}

// NewScheduler arma las tareas de cadencia a partir de los componentes presentes.
func NewScheduler(cfg SchedulerConfig, events ports.EventSource, c Components, state *State, m *metrics.Keeper) *Scheduler {
	if cfg.LivenessTimeout <= 0 {
		cfg.LivenessTimeout = 60 * time.Second
	}
	if state == nil {
		state = NewState()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	s := &Scheduler{cfg: cfg, events: events, c: c, state: state, metrics: m}

	if c.Tracker != nil {
		s.tasks = append(s.tasks, &task{name: TaskRefresh, every: cfg.Cadence.AccountRefresh, run: s.refresh})
	}
	if c.Scanner != nil && c.Liquidator != nil {
		s.tasks = append(s.tasks, &task{name: TaskLiquidate, every: cfg.Cadence.Liquidate, run: s.liquidate})
	}
	if c.Prices != nil {
		s.tasks = append(s.tasks, &task{name: TaskPrices, every: cfg.Cadence.Prices, run: s.checkPrices})
	}
	if c.Treasury != nil {
		s.tasks = append(s.tasks, &task{name: TaskRebalance, every: cfg.Cadence.Swap, run: s.rebalance})
	}
	return s
}

// State expone el estado compartido (para /status y /healthz).
func (s *Scheduler) State() *State { return s.state }

// Startup corre el refresh inicial y el primer chequeo de precios, de forma síncrona.
func (s *Scheduler) Startup(ctx context.Context) Status {
	st := Status{Trigger: "startup"}
	if s.c.Tracker != nil {
		if err := s.runTask(ctx, TaskRefresh, 0, s.refresh); err != nil {
			slog.Error("startup: account refresh failed", "err", err)
		} else {
			st.Launched = append(st.Launched, TaskRefresh)
		}
	}
	if s.c.Prices != nil {
		if err := s.runTask(ctx, TaskPrices, 0, s.checkPrices); err != nil {
			slog.Error("startup: price check failed", "err", err)
		} else {
			st.Launched = append(st.Launched, TaskPrices)
		}
	}
	st.Message = fmt.Sprintf("tracking %d accounts", s.state.Accounts().Len())
	slog.Info("startup: complete", "accounts", s.state.Accounts().Len())
	return st
}

// OnNewBlock lanza las tareas que tocan en este bloque. No espera a que terminen;
// Wait permite sincronizar.
func (s *Scheduler) OnNewBlock(ctx context.Context, b domain.NewBlock) Status {
	s.state.SetLastBlock(b.Number)
	s.state.Touch(time.Now())
	s.metrics.LastBlock.Set(float64(b.Number))

	st := Status{Trigger: domain.EventNewBlock.String(), Block: b.Number}
	for _, t := range s.tasks {
		if t.every == 0 || b.Number%t.every != 0 {
			continue
		}
		if !t.busy.CompareAndSwap(false, true) {
			st.Skipped = append(st.Skipped, t.name)
			s.metrics.SkipTask(t.name)
			slog.Warn("scheduler: task still running, skipping trigger", "task", t.name, "block", b.Number)
			continue
		}
		st.Launched = append(st.Launched, t.name)
		s.wg.Add(1)
		go func(t *task) {
			defer s.wg.Done()
			defer t.busy.Store(false)
			if err := s.runTask(ctx, t.name, b.Number, t.run); err != nil {
				slog.Error("scheduler: task failed", "task", t.name, "block", b.Number, "err", err)
			}
		}(t)
	}
	st.Message = fmt.Sprintf("launched %d tasks", len(st.Launched))
	slog.Debug("scheduler: new block", "block", b.Number, "launched", st.Launched, "skipped", st.Skipped)
	return st
}

// OnOrderCommitted encola el commit detrás de los de su cuenta sin bloquear el
// loop. Si el loop no está corriendo, settlea en línea.
func (s *Scheduler) OnOrderCommitted(ctx context.Context, ev domain.OrderCommitted) Status {
	s.state.Touch(time.Now())
	st := Status{Trigger: domain.EventOrderCommitted.String(), Block: ev.Block}
	if s.c.Settler == nil {
		st.Message = "settlement disabled"
		return st
	}
	if s.queue == nil {
		out := s.c.Settler.Settle(ctx, ev)
		st.Message = string(out.State)
		return st
	}
	if err := s.queue.enqueue(ev); err != nil {
		s.metrics.SettlementsDropped.Inc()
		slog.Warn("scheduler: order commit dropped", "account", ev.AccountID.String(), "market", ev.MarketID, "err", err)
		st.Message = "enqueue: " + err.Error()
		return st
	}
	st.Message = "queued"
	return st
}

// Wait bloquea hasta que terminen las tareas en vuelo.
func (s *Scheduler) Wait() { s.wg.Wait() }

// Run corre Startup, se suscribe a los streams y despacha hasta que el contexto
// se cancela (devuelve nil), una suscripción falla o vence el watchdog (ErrStalled).
func (s *Scheduler) Run(ctx context.Context) error {
	s.Startup(ctx)

	blocks := make(chan domain.NewBlock, 16)
	orders := make(chan domain.OrderCommitted, 256)

	bsub, err := s.events.SubscribeBlocks(ctx, blocks)
	if err != nil {
		return fmt.Errorf("keeper.Run: subscribe blocks: %w", err)
	}
	defer bsub.Unsubscribe()

	osub, err := s.events.SubscribeOrderCommitted(ctx, orders)
	if err != nil {
		return fmt.Errorf("keeper.Run: subscribe orders: %w", err)
	}
	defer osub.Unsubscribe()

	if s.c.Settler != nil {
		s.queue = newSettlementQueue(s.cfg.SettlementWorkers, s.cfg.MaxPendingSettlements, func(ctx context.Context, ev domain.OrderCommitted) {
			s.c.Settler.Settle(ctx, ev)
		})
		s.queue.start(ctx)
		defer func() {
			s.queue.stop()
			s.queue = nil
		}()
	}
	defer s.wg.Wait()

	watchdog := time.NewTimer(s.cfg.LivenessTimeout)
	defer watchdog.Stop()

	slog.Info("scheduler: running", "cadence", s.cfg.Cadence, "liveness", s.cfg.LivenessTimeout)
	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler: context cancelled, stopping")
			return nil
		case err := <-bsub.Err():
			return fmt.Errorf("keeper.Run: block subscription: %w", subErr(err))
		case err := <-osub.Err():
			return fmt.Errorf("keeper.Run: order subscription: %w", subErr(err))
		case b := <-blocks:
			watchdog.Reset(s.cfg.LivenessTimeout)
			s.OnNewBlock(ctx, b)
		case ev := <-orders:
			watchdog.Reset(s.cfg.LivenessTimeout)
			s.OnOrderCommitted(ctx, ev)
		case <-watchdog.C:
			slog.Error("scheduler: no blocks or events received", "timeout", s.cfg.LivenessTimeout, "last_block", s.state.LastBlock())
			return fmt.Errorf("keeper.Run: %w after %s", ErrStalled, s.cfg.LivenessTimeout)
		}
	}
}

func subErr(err error) error {
	if err == nil {
		return errors.New("subscription closed")
	}
	return err
}

// runTask corre una tarea midiendo duración y guardando el reporte.
func (s *Scheduler) runTask(ctx context.Context, name string, block uint64, fn func(context.Context, uint64) error) error {
	start := time.Now()
	err := fn(ctx, block)
	d := time.Since(start)
	s.metrics.ObserveTask(name, err, d)

	r := TaskReport{Task: name, Block: block, Duration: d, At: time.Now().UTC()}
	if err != nil {
		r.Error = err.Error()
	}
	s.state.RecordTask(r)
	return err
}

func (s *Scheduler) refresh(ctx context.Context, block uint64) error {
	ids, err := s.c.Tracker.Refresh(ctx)
	if err != nil {
		return err
	}
	s.state.SetAccounts(domain.NewAccountSnapshot(ids, block))
	return nil
}

func (s *Scheduler) liquidate(ctx context.Context, _ uint64) error {
	snap := s.state.Accounts()
	if snap.Len() == 0 {
		return nil
	}
	targets, err := s.c.Scanner.Scan(ctx, snap.IDs)
	if err != nil {
		return err
	}
	s.state.SetLiquidatable(len(targets))
	if len(targets) == 0 {
		return nil
	}
	s.c.Liquidator.Liquidate(ctx, targets)
	return nil
}

func (s *Scheduler) checkPrices(ctx context.Context, _ uint64) error {
	if err := s.c.Prices.RefreshBalance(ctx); err != nil {
		slog.Warn("prices: balance refresh failed", "err", err)
	}
	_, err := s.c.Prices.Check(ctx)
	return err
}

func (s *Scheduler) rebalance(ctx context.Context, _ uint64) error {
	_, err := s.c.Treasury.Rebalance(ctx)
	return err
}
