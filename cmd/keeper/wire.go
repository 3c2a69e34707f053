package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alejandrodnm/perpkeeper/config"
	"github.com/alejandrodnm/perpkeeper/internal/adapters/onchain"
	"github.com/alejandrodnm/perpkeeper/internal/adapters/restclient"
	"github.com/alejandrodnm/perpkeeper/internal/domain"
	"github.com/alejandrodnm/perpkeeper/internal/keeper"
	"github.com/alejandrodnm/perpkeeper/internal/metrics"
	"github.com/alejandrodnm/perpkeeper/internal/ports"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// readParallelism: chunks de lectura en vuelo a la vez contra el RPC.
const readParallelism = 4

type app struct {
	client    *onchain.Client
	scheduler *keeper.Scheduler
}

func (a *app) close() { a.client.Close() }

// build conecta los adapters y arma el scheduler con los componentes habilitados.
func build(ctx context.Context, cfg *config.Config, journal ports.TxJournal, m *metrics.Keeper) (*app, error) {
	addrs, err := parseContracts(cfg.Contracts)
	if err != nil {
		return nil, err
	}
	minCollateral, err := decimal.NewFromString(cfg.Keeper.MinCollateral)
	if err != nil {
		return nil, fmt.Errorf("keeper.min_collateral: %w", err)
	}

	client, err := onchain.Dial(ctx, cfg.Chain.RPCURL, cfg.Chain.PrivateKey)
	if err != nil {
		return nil, err
	}
	slog.Info("wallet ready", "address", client.Address().Hex(), "chain_id", client.ChainID())

	perps := onchain.NewPerps(client, perpsConfig(cfg, addrs))
	tx := keeper.NewSubmitter(client, journal, cfg.ReceiptTimeout())
	marketID := cfg.Keeper.MarketID

	// flag solo existe por mercado
	flagFirst := cfg.Keeper.FlagBeforeLiquidate && marketID != 0
	if cfg.Keeper.FlagBeforeLiquidate && marketID == 0 {
		slog.Warn("flag_before_liquidate ignored: market_id is 0")
	}

	c := keeper.Components{
		Tracker: keeper.NewTracker(perps, keeper.TrackerConfig{
			MarketID:        marketID,
			ChunkSize:       cfg.Keeper.ChunkSize,
			ReadParallelism: readParallelism,
			MinCollateral:   minCollateral,
		}, m),
		Scanner: keeper.NewScanner(perps, marketID, cfg.Keeper.ChunkSize, readParallelism, m),
		Liquidator: keeper.NewLiquidator(perps, tx, keeper.LiquidatorConfig{
			MarketID:      marketID,
			FeeMultiplier: cfg.Keeper.FeeMultiplier,
			FlagFirst:     flagFirst,
			AtomicFlag:    cfg.Keeper.AtomicFlag,
			AwaitReceipt:  cfg.Keeper.AwaitLiquidation,
			Workers:       cfg.Keeper.LiquidationWorkers,
		}, m),
		Settler: keeper.NewSettler(perps, tx, keeper.SettlerConfig{
			MarketID:      marketID,
			Delay:         cfg.SettleDelay(),
			FeeMultiplier: cfg.Keeper.FeeMultiplier,
		}, m),
	}

	if len(cfg.Prices.FeedIDs) > 0 {
		pg, err := buildPrices(cfg, client, tx, addrs, m)
		if err != nil {
			return nil, err
		}
		c.Prices = pg
	}

	if cfg.Treasury.Enabled {
		rb, err := buildTreasury(cfg, client, tx, addrs, m)
		if err != nil {
			return nil, err
		}
		c.Treasury = rb
	}

	sched := keeper.NewScheduler(keeper.SchedulerConfig{
		Cadence: keeper.Cadence{
			Liquidate:      cfg.Cadence.Liquidate,
			AccountRefresh: cfg.Cadence.AccountRefresh,
			Prices:         cfg.Cadence.Prices,
			Swap:           cfg.Cadence.Swap,
		},
		LivenessTimeout:       cfg.LivenessTimeout(),
		SettlementWorkers:     cfg.Keeper.SettlementWorkers,
		MaxPendingSettlements: cfg.Keeper.MaxPending,
	}, onchain.NewEvents(client.Backend(), addrs.marketProxy), c, keeper.NewState(), m)

	return &app{client: client, scheduler: sched}, nil
}

func perpsConfig(cfg *config.Config, addrs contracts) onchain.PerpsConfig {
	return onchain.PerpsConfig{
		AccountProxy: addrs.accountProxy,
		MarketProxy:  addrs.marketProxy,
		Multicall:    addrs.multicall,
		Forwarder:    addrs.forwarder,
		MarketNames:  cfg.Keeper.MarketNames,
		OrderExpiry:  cfg.OrderExpiry(),
	}
}

func buildPrices(cfg *config.Config, client *onchain.Client, tx *keeper.Submitter, addrs contracts, m *metrics.Keeper) (*keeper.PriceGuardian, error) {
	feeds := make([]domain.FeedID, 0, len(cfg.Prices.FeedIDs))
	for _, s := range cfg.Prices.FeedIDs {
		f, err := domain.ParseFeedID(s)
		if err != nil {
			return nil, fmt.Errorf("prices.feed_ids: %w", err)
		}
		feeds = append(feeds, f)
	}
	maxCost, err := decimal.NewFromString(cfg.Prices.MaxETHCost)
	if err != nil {
		return nil, fmt.Errorf("prices.max_eth_cost: %w", err)
	}
	oracle := onchain.NewOracle(client, addrs.pyth, addrs.pythWrapper, addrs.multicall, cfg.Prices.StalenessTolerance)
	return keeper.NewPriceGuardian(oracle, restclient.NewHermes(cfg.Prices.ServiceEndpoint), client, tx, feeds, maxCost, m), nil
}

func buildTreasury(cfg *config.Config, client *onchain.Client, tx *keeper.Submitter, addrs contracts, m *metrics.Keeper) (*keeper.Rebalancer, error) {
	tc := cfg.Treasury
	route, err := parseRoute(tc)
	if err != nil {
		return nil, err
	}
	threshold, err := decimal.NewFromString(tc.Threshold)
	if err != nil {
		return nil, fmt.Errorf("treasury.threshold_usd: %w", err)
	}
	floor, err := decimal.NewFromString(tc.UnwrapFloor)
	if err != nil {
		return nil, fmt.Errorf("treasury.unwrap_floor: %w", err)
	}
	chainID := tc.ChainID
	if chainID == 0 {
		chainID = client.ChainID()
	}
	breaker := &domain.Breaker{
		MaxFailures: tc.MaxFailures,
		Cooldown:    time.Duration(tc.CooldownMinutes) * time.Minute,
	}
	return keeper.NewRebalancer(
		onchain.NewTreasury(client, addrs.spotMarket, addrs.wrappedNative),
		restclient.NewOdos(tc.RouterBase, chainID, tc.Slippage),
		client,
		tx,
		keeper.RebalancerConfig{
			Route:         route,
			Threshold:     threshold,
			UnwrapFloor:   floor,
			WrappedNative: addrs.wrappedNative,
		},
		breaker,
		m,
	)
}

type contracts struct {
	accountProxy  common.Address
	marketProxy   common.Address
	multicall     common.Address
	forwarder     common.Address
	pyth          common.Address
	pythWrapper   common.Address
	spotMarket    common.Address
	wrappedNative common.Address
}

// parseContracts valida las direcciones. Las vacías quedan en cero; solo los
// proxies y el multicall son obligatorios.
func parseContracts(cc config.ContractsConfig) (contracts, error) {
	var out contracts
	fields := []struct {
		name     string
		value    string
		dst      *common.Address
		required bool
	}{
		{"account_proxy", cc.AccountProxy, &out.accountProxy, true},
		{"market_proxy", cc.MarketProxy, &out.marketProxy, true},
		{"multicall", cc.Multicall, &out.multicall, true},
		{"forwarder", cc.Forwarder, &out.forwarder, false},
		{"pyth", cc.Pyth, &out.pyth, false},
		{"pyth_wrapper", cc.PythWrapper, &out.pythWrapper, false},
		{"spot_market", cc.SpotMarket, &out.spotMarket, false},
		{"wrapped_native", cc.WrappedNative, &out.wrappedNative, false},
	}
	for _, f := range fields {
		v := strings.TrimSpace(f.value)
		if v == "" {
			if f.required {
				return contracts{}, fmt.Errorf("contracts.%s: required", f.name)
			}
			continue
		}
		if !common.IsHexAddress(v) {
			return contracts{}, fmt.Errorf("contracts.%s: invalid address %q", f.name, v)
		}
		*f.dst = common.HexToAddress(v)
	}
	return out, nil
}

func parseRoute(tc config.TreasuryConfig) (domain.Route, error) {
	if !common.IsHexAddress(tc.TargetToken) {
		return domain.Route{}, fmt.Errorf("treasury.target_token: invalid address %q", tc.TargetToken)
	}
	route := domain.Route{Target: common.HexToAddress(tc.TargetToken)}
	for i, h := range tc.Route {
		if !common.IsHexAddress(h.Token) {
			return domain.Route{}, fmt.Errorf("treasury.route[%d].token: invalid address %q", i, h.Token)
		}
		route.Hops = append(route.Hops, domain.Hop{
			Kind:     domain.HopKind(h.Kind),
			Symbol:   h.Symbol,
			Token:    common.HexToAddress(h.Token),
			Decimals: h.Decimals,
			MarketID: h.MarketID,
		})
	}
	return route, route.Validate()
}
