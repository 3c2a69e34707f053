package keeper

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alejandrodnm/perpkeeper/internal/domain"
	"github.com/alejandrodnm/perpkeeper/internal/metrics"
	"github.com/alejandrodnm/perpkeeper/internal/ports"
	"github.com/shopspring/decimal"
)

// PriceGuardian empuja precios on-chain cuando algún feed está stale,
// siempre que el costo estimado quede por debajo del techo.
type PriceGuardian struct {
	oracle  ports.PriceOracle
	service ports.PriceService
	tx      *Submitter
	chain   ports.ChainClient
	feeds   []domain.FeedID
	maxCost decimal.Decimal
	metrics *metrics.Keeper
}

// NewPriceGuardian crea un PriceGuardian. maxCost está en ETH y es exclusivo.
func NewPriceGuardian(
	oracle ports.PriceOracle,
	service ports.PriceService,
	chain ports.ChainClient,
	tx *Submitter,
	feeds []domain.FeedID,
	maxCost decimal.Decimal,
	m *metrics.Keeper,
) *PriceGuardian {
	if m == nil {
		m = metrics.New(nil)
	}
	return &PriceGuardian{
		oracle:  oracle,
		service: service,
		tx:      tx,
		chain:   chain,
		feeds:   feeds,
		maxCost: maxCost,
		metrics: m,
	}
}

// Check lee la frescura de todos los feeds en una lectura batch y, si hay stale,
// pide el payload firmado solo para esos feeds y lo envía si el costo lo permite.
// Un skip por costo no se reintenta: el próximo ciclo vuelve a evaluar.
func (g *PriceGuardian) Check(ctx context.Context) (domain.PriceCheck, error) {
	if len(g.feeds) == 0 {
		return domain.PriceCheck{Outcome: domain.PricesFresh}, nil
	}

	fresh, err := g.oracle.FreshFeeds(ctx, g.feeds)
	if err != nil {
		return domain.PriceCheck{}, fmt.Errorf("keeper.Check: freshness: %w", err)
	}
	if len(fresh) != len(g.feeds) {
		return domain.PriceCheck{}, fmt.Errorf("keeper.Check: %w: %d feeds, %d results", ErrLengthMismatch, len(g.feeds), len(fresh))
	}

	var stale []domain.FeedID
	for i, ok := range fresh {
		if !ok {
			stale = append(stale, g.feeds[i])
		}
	}
	if len(stale) == 0 {
		slog.Debug("prices: all feeds fresh", "feeds", len(g.feeds))
		return domain.PriceCheck{Outcome: domain.PricesFresh}, nil
	}

	update, err := g.service.GetPriceUpdate(ctx, stale)
	if err != nil {
		return domain.PriceCheck{Stale: stale}, fmt.Errorf("keeper.Check: fetch update: %w", err)
	}

	tx, err := g.oracle.BuildPriceUpdateTx(ctx, update)
	if err != nil {
		return domain.PriceCheck{Stale: stale}, fmt.Errorf("keeper.Check: build update: %w", err)
	}

	cost := tx.CostETH()
	result := domain.PriceCheck{Stale: stale, CostETH: cost.String()}
	if !cost.LessThan(g.maxCost) {
		g.metrics.PricePushesSkipped.Inc()
		result.Outcome = domain.PricesSkipped
		slog.Warn("prices: update too expensive, skipping",
			"stale", len(stale),
			"cost_eth", cost.String(),
			"max_eth", g.maxCost.String(),
		)
		return result, nil
	}

	receipt, err := g.tx.execute(ctx, tx, txMeta{})
	if err != nil {
		g.metrics.PricePushesFailed.Inc()
		result.Outcome = domain.PricesFailed
		slog.Error("prices: update failed", "stale", len(stale), "err", err)
		return result, nil
	}

	g.metrics.PricesPushed.Observe(float64(len(stale)))
	result.TxHash = receipt.Hash.Hex()
	result.Outcome = domain.PricesPushed
	slog.Info("prices: pushed", "feeds", len(stale), "cost_eth", cost.String(), "tx", result.TxHash)
	return result, nil
}

// RefreshBalance actualiza el gauge de saldo nativo de la wallet.
func (g *PriceGuardian) RefreshBalance(ctx context.Context) error {
	wei, err := g.chain.NativeBalance(ctx)
	if err != nil {
		return fmt.Errorf("keeper.RefreshBalance: %w", err)
	}
	eth, _ := domain.WeiToEther(wei).Float64()
	g.metrics.ETHBalance.Set(eth)
	slog.Debug("prices: wallet balance", "eth", eth)
	return nil
}
