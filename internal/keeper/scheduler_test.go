package keeper_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alejandrodnm/perpkeeper/internal/domain"
	"github.com/alejandrodnm/perpkeeper/internal/keeper"
	"github.com/alejandrodnm/perpkeeper/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- mocks ---

// blockingReader retiene AccountCount hasta que se cierra release.
type blockingReader struct {
	*fakePerps
	release chan struct{}
}

func (b *blockingReader) AccountCount(ctx context.Context) (uint64, error) {
	select {
	case <-b.release:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	return b.fakePerps.AccountCount(ctx)
}

// --- helpers ---

var defaultCadence = keeper.Cadence{Liquidate: 10, AccountRefresh: 100, Prices: 30, Swap: 100}

type harness struct {
	perps *fakePerps
	chain *fakeChain
	m     *metrics.Keeper
	comps keeper.Components
}

func newHarness(t *testing.T, liq keeper.LiquidatorConfig) *harness {
	t.Helper()
	p := newFakePerps()
	c := newFakeChain()
	m := metrics.New(nil)
	tx := keeper.NewSubmitter(c, nil, 0)

	rb, err := keeper.NewRebalancer(newFakeAssets(), &fakeRouter{}, c, tx, keeper.RebalancerConfig{
		Route:     directRoute(),
		Threshold: decimal.NewFromInt(200),
	}, nil, m)
	require.NoError(t, err)

	return &harness{
		perps: p,
		chain: c,
		m:     m,
		comps: keeper.Components{
			Tracker:    keeper.NewTracker(p, keeper.TrackerConfig{ChunkSize: 500}, m),
			Scanner:    keeper.NewScanner(p, 0, 500, 0, m),
			Liquidator: keeper.NewLiquidator(p, tx, liq, m),
			Settler:    keeper.NewSettler(p, tx, keeper.SettlerConfig{}, m),
			Prices:     keeper.NewPriceGuardian(&fakeOracle{fresh: []bool{true}}, &fakePriceService{}, c, tx, feeds(1), decimal.RequireFromString("0.05"), m),
			Treasury:   rb,
		},
	}
}

func block(n uint64) domain.NewBlock {
	return domain.NewBlock{Number: n, Time: time.Now()}
}

// --- tests ---

func TestOnNewBlock_Cadence(t *testing.T) {
	tests := []struct {
		block uint64
		want  []string
	}{
		{7, nil},
		{10, []string{keeper.TaskLiquidate}},
		{30, []string{keeper.TaskLiquidate, keeper.TaskPrices}},
		{100, []string{keeper.TaskRefresh, keeper.TaskLiquidate, keeper.TaskRebalance}},
		{300, []string{keeper.TaskRefresh, keeper.TaskLiquidate, keeper.TaskPrices, keeper.TaskRebalance}},
	}
	for _, tt := range tests {
		h := newHarness(t, keeper.LiquidatorConfig{})
		s := keeper.NewScheduler(keeper.SchedulerConfig{Cadence: defaultCadence}, &fakeEvents{}, h.comps, nil, h.m)

		st := s.OnNewBlock(context.Background(), block(tt.block))
		s.Wait()

		assert.Equal(t, tt.want, st.Launched, "block %d", tt.block)
		assert.Empty(t, st.Skipped)
		assert.Equal(t, tt.block, s.State().LastBlock())
		assert.Equal(t, float64(tt.block), testutil.ToFloat64(h.m.LastBlock))
	}
}

func TestOnNewBlock_ZeroCadenceDisablesTask(t *testing.T) {
	h := newHarness(t, keeper.LiquidatorConfig{})
	cadence := defaultCadence
	cadence.Liquidate = 0
	cadence.Swap = 0
	s := keeper.NewScheduler(keeper.SchedulerConfig{Cadence: cadence}, &fakeEvents{}, h.comps, nil, h.m)

	st := s.OnNewBlock(context.Background(), block(300))
	s.Wait()
	assert.Equal(t, []string{keeper.TaskRefresh, keeper.TaskPrices}, st.Launched)
}

func TestOnNewBlock_SkipsBusyTask(t *testing.T) {
	h := newHarness(t, keeper.LiquidatorConfig{})
	registryOf(h.perps, 3, "10")
	br := &blockingReader{fakePerps: h.perps, release: make(chan struct{})}
	comps := keeper.Components{Tracker: keeper.NewTracker(br, keeper.TrackerConfig{}, h.m)}
	s := keeper.NewScheduler(keeper.SchedulerConfig{Cadence: defaultCadence}, &fakeEvents{}, comps, nil, h.m)

	first := s.OnNewBlock(context.Background(), block(100))
	second := s.OnNewBlock(context.Background(), block(200))
	close(br.release)
	s.Wait()

	assert.Equal(t, []string{keeper.TaskRefresh}, first.Launched)
	assert.Equal(t, []string{keeper.TaskRefresh}, second.Skipped)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.m.TaskSkipped.WithLabelValues(keeper.TaskRefresh)))
	assert.Equal(t, 3, s.State().Accounts().Len())

	// terminada la corrida, el siguiente trigger vuelve a lanzar
	third := s.OnNewBlock(context.Background(), block(300))
	s.Wait()
	assert.Equal(t, []string{keeper.TaskRefresh}, third.Launched)
}

func TestRefreshFailureKeepsSnapshot(t *testing.T) {
	h := newHarness(t, keeper.LiquidatorConfig{})
	registryOf(h.perps, 20, "10")
	s := keeper.NewScheduler(keeper.SchedulerConfig{Cadence: defaultCadence}, &fakeEvents{}, h.comps, nil, h.m)

	s.Startup(context.Background())
	before := s.State().Accounts()
	require.Equal(t, 20, before.Len())

	h.perps.collateralErr = errRPC
	s.OnNewBlock(context.Background(), block(100))
	s.Wait()

	assert.Same(t, before, s.State().Accounts())

	var refresh keeper.TaskReport
	for _, r := range s.State().Tasks() {
		if r.Task == keeper.TaskRefresh {
			refresh = r
		}
	}
	assert.Equal(t, uint64(100), refresh.Block)
	assert.Contains(t, refresh.Error, errRPC.Error())
}

func TestStartup(t *testing.T) {
	h := newHarness(t, keeper.LiquidatorConfig{})
	registryOf(h.perps, 12, "10")
	h.chain.balance = wei("2")
	s := keeper.NewScheduler(keeper.SchedulerConfig{Cadence: defaultCadence}, &fakeEvents{}, h.comps, nil, h.m)

	st := s.Startup(context.Background())
	assert.Equal(t, "startup", st.Trigger)
	assert.Equal(t, []string{keeper.TaskRefresh, keeper.TaskPrices}, st.Launched)
	assert.Equal(t, "tracking 12 accounts", st.Message)
	assert.Equal(t, 2.0, testutil.ToFloat64(h.m.ETHBalance))
}

func TestEndToEnd_RefreshThenLiquidate(t *testing.T) {
	for _, atomicFlag := range []bool{false, true} {
		name := "separate flag"
		if atomicFlag {
			name = "atomic flag"
		}
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, keeper.LiquidatorConfig{FlagFirst: true, AtomicFlag: atomicFlag, Workers: 1})
			registryOf(h.perps, 1200, "25")
			for _, n := range []uint64{5, 501, 777, 1199} {
				h.perps.liquidatable[domain.NewAccountID(n)] = true
			}
			h.perps.flagFails[domain.NewAccountID(777)] = true

			s := keeper.NewScheduler(keeper.SchedulerConfig{Cadence: defaultCadence}, &fakeEvents{}, h.comps, nil, h.m)
			s.Startup(context.Background())
			assert.Equal(t, 3, h.perps.idCalls)
			assert.Equal(t, 3, h.perps.collateralCalls)

			st := s.OnNewBlock(context.Background(), block(10))
			s.Wait()
			require.Equal(t, []string{keeper.TaskLiquidate}, st.Launched)

			assert.Equal(t, 3, h.perps.liqCalls)
			assert.Equal(t, 4, s.State().Liquidatable())
			assert.Equal(t, 4.0, testutil.ToFloat64(h.m.LiquidationsSubmitted))
			assert.Zero(t, testutil.ToFloat64(h.m.LiquidationsFailed))

			var liquidations, flags []string
			for _, tx := range h.chain.Submitted() {
				switch tx.Kind {
				case domain.TxLiquidate:
					liquidations = append(liquidations, string(tx.Data))
				case domain.TxFlag:
					flags = append(flags, string(tx.Data))
				}
			}
			require.Len(t, liquidations, 4)
			assert.Contains(t, liquidations, "liquidate:777")

			if atomicFlag {
				assert.Equal(t, 3, h.perps.composeCalls)
				assert.Empty(t, flags)
				for _, l := range liquidations {
					if l != "liquidate:777" {
						assert.True(t, strings.HasPrefix(l, "multi["), l)
					}
				}
			} else {
				assert.Zero(t, h.perps.composeCalls)
				assert.Equal(t, []string{"flag:5", "flag:501", "flag:1199"}, flags)
			}
		})
	}
}

func TestOnOrderCommitted_InlineWithoutRun(t *testing.T) {
	h := newHarness(t, keeper.LiquidatorConfig{})
	h.perps.orders[domain.NewAccountID(1)] = pending(3)
	s := keeper.NewScheduler(keeper.SchedulerConfig{}, &fakeEvents{}, h.comps, nil, h.m)

	st := s.OnOrderCommitted(context.Background(), committed(1))
	assert.Equal(t, "order_committed", st.Trigger)
	assert.Equal(t, string(domain.SettlementConfirmed), st.Message)
}

func TestRun_SettlesDuplicateCommitsOnce(t *testing.T) {
	h := newHarness(t, keeper.LiquidatorConfig{})
	h.perps.orders[domain.NewAccountID(1)] = pending(3)
	h.perps.orders[domain.NewAccountID(2)] = pending(-4)
	h.chain.onSubmit = h.perps.settleOnSubmit

	events := &fakeEvents{
		orders: []domain.OrderCommitted{committed(1), committed(2), committed(1), committed(1)},
	}
	comps := keeper.Components{Settler: h.comps.Settler}
	s := keeper.NewScheduler(keeper.SchedulerConfig{SettlementWorkers: 4}, events, comps, nil, h.m)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(h.m.OrderCommitted) == 4
	}, 5*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(h.m.OrdersSettled)+testutil.ToFloat64(h.m.OrdersSettledByOthers) == 4
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	assert.Len(t, h.chain.Submitted(), 2)
	assert.Equal(t, 2.0, testutil.ToFloat64(h.m.OrdersSettled))
	assert.Equal(t, 2.0, testutil.ToFloat64(h.m.OrdersSettledByOthers))
}

func TestRun_StalledAccountDoesNotDelayOthers(t *testing.T) {
	h := newHarness(t, keeper.LiquidatorConfig{})
	for _, id := range []uint64{1, 2, 9} {
		h.perps.orders[domain.NewAccountID(id)] = pending(2)
	}
	// 1 y 9 comparten id mod 8
	release := make(chan struct{})
	h.perps.stall[domain.NewAccountID(1)] = release
	h.chain.onSubmit = h.perps.settleOnSubmit

	events := &fakeEvents{orders: []domain.OrderCommitted{committed(1), committed(9), committed(2)}}
	s := keeper.NewScheduler(keeper.SchedulerConfig{SettlementWorkers: 8}, events, keeper.Components{Settler: h.comps.Settler}, nil, h.m)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(h.m.OrdersSettled) == 2
	}, 2*time.Second, 10*time.Millisecond, "accounts 2 and 9 settle while 1 is stuck")
	assert.ElementsMatch(t, []string{"settle:9", "settle:2"}, submittedData(h.chain))

	close(release)
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(h.m.OrdersSettled) == 3
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestRun_FullSettlementQueueDropsWithoutBlocking(t *testing.T) {
	h := newHarness(t, keeper.LiquidatorConfig{})
	h.perps.orders[domain.NewAccountID(1)] = pending(2)
	h.perps.stall[domain.NewAccountID(1)] = make(chan struct{})

	events := &fakeEvents{
		orders: []domain.OrderCommitted{committed(1), committed(1), committed(1), committed(1)},
		blocks: []domain.NewBlock{block(10)},
	}
	s := keeper.NewScheduler(keeper.SchedulerConfig{SettlementWorkers: 1, MaxPendingSettlements: 1}, events,
		keeper.Components{Settler: h.comps.Settler}, nil, h.m)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(h.m.SettlementsDropped) >= 1 && s.State().LastBlock() == 10
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, h.chain.Submitted())

	cancel()
	require.NoError(t, <-done)
}

func submittedData(c *fakeChain) []string {
	var out []string
	for _, tx := range c.Submitted() {
		out = append(out, string(tx.Data))
	}
	return out
}

func TestRun_DispatchesBlocks(t *testing.T) {
	h := newHarness(t, keeper.LiquidatorConfig{})
	registryOf(h.perps, 4, "10")
	h.perps.liquidatable[domain.NewAccountID(2)] = true

	events := &fakeEvents{blocks: []domain.NewBlock{block(9), block(10)}}
	comps := keeper.Components{Tracker: h.comps.Tracker, Scanner: h.comps.Scanner, Liquidator: h.comps.Liquidator}
	s := keeper.NewScheduler(keeper.SchedulerConfig{Cadence: defaultCadence}, events, comps, nil, h.m)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(h.m.LiquidationsSubmitted) == 1
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, uint64(10), s.State().LastBlock())
}

func TestRun_WatchdogStalls(t *testing.T) {
	h := newHarness(t, keeper.LiquidatorConfig{})
	s := keeper.NewScheduler(keeper.SchedulerConfig{LivenessTimeout: 50 * time.Millisecond}, &fakeEvents{}, keeper.Components{}, nil, h.m)

	start := time.Now()
	err := s.Run(context.Background())
	require.ErrorIs(t, err, keeper.ErrStalled)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRun_SubscriptionErrors(t *testing.T) {
	errDropped := errors.New("websocket closed")

	t.Run("subscribe", func(t *testing.T) {
		s := keeper.NewScheduler(keeper.SchedulerConfig{}, &fakeEvents{subscribeErr: errDropped}, keeper.Components{}, nil, nil)
		assert.ErrorIs(t, s.Run(context.Background()), errDropped)
	})
	t.Run("stream", func(t *testing.T) {
		s := keeper.NewScheduler(keeper.SchedulerConfig{}, &fakeEvents{blockErr: errDropped}, keeper.Components{}, nil, nil)
		assert.ErrorIs(t, s.Run(context.Background()), errDropped)
	})
}

func TestState_Alive(t *testing.T) {
	st := keeper.NewState()
	now := time.Now()
	assert.True(t, st.Alive(now, time.Minute), "alive before the first block")

	st.Touch(now.Add(-2 * time.Minute))
	assert.False(t, st.Alive(now, time.Minute))

	st.Touch(now)
	assert.True(t, st.Alive(now, time.Minute))
}
