package keeper

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/alejandrodnm/perpkeeper/internal/domain"
	"github.com/alejandrodnm/perpkeeper/internal/metrics"
	"github.com/alejandrodnm/perpkeeper/internal/ports"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// wrappedNativeDecimals: WETH y equivalentes usan 18 decimales.
const wrappedNativeDecimals = 18

// RebalancerConfig describe la ruta y los umbrales de tesorería.
type RebalancerConfig struct {
	Route         domain.Route
	Threshold     decimal.Decimal // el swap corre solo si el monto final lo supera estrictamente
	UnwrapFloor   decimal.Decimal
	WrappedNative common.Address
}

// Rebalancer convierte saldos ociosos en gas token siguiendo una ruta fija.
type Rebalancer struct {
	assets  ports.TreasuryAssets
	router  ports.SwapRouter
	chain   ports.ChainClient
	tx      *Submitter
	cfg     RebalancerConfig
	breaker *domain.Breaker
	metrics *metrics.Keeper
	now     func() time.Time
}

// NewRebalancer valida la ruta y crea el Rebalancer. breaker puede ser nil.
func NewRebalancer(
	assets ports.TreasuryAssets,
	router ports.SwapRouter,
	chain ports.ChainClient,
	tx *Submitter,
	cfg RebalancerConfig,
	breaker *domain.Breaker,
	m *metrics.Keeper,
) (*Rebalancer, error) {
	if err := cfg.Route.Validate(); err != nil {
		return nil, fmt.Errorf("keeper.NewRebalancer: %w", err)
	}
	if breaker == nil {
		breaker = &domain.Breaker{}
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Rebalancer{
		assets:  assets,
		router:  router,
		chain:   chain,
		tx:      tx,
		cfg:     cfg,
		breaker: breaker,
		metrics: m,
		now:     time.Now,
	}, nil
}

// Rebalance ejecuta un ciclo: lee saldos, y si el monto final supera el umbral
// aprueba lo que falte y ejecuta los hops en orden, esperando cada receipt.
// Un hop fallido corta el ciclo. Después desenvuelve el wrapped native si supera el piso.
func (r *Rebalancer) Rebalance(ctx context.Context) (domain.RebalanceResult, error) {
	var result domain.RebalanceResult

	if !r.breaker.Allow(r.now()) {
		slog.Warn("treasury: breaker open, skipping cycle", "until", r.breaker.CooldownUntil())
		return result, nil
	}

	balances, err := r.readBalances(ctx)
	if err != nil {
		return result, err
	}
	plan, err := r.cfg.Route.Plan(balances)
	if err != nil {
		return result, fmt.Errorf("keeper.Rebalance: %w", err)
	}
	result.Amount = domain.FinalAmount(plan)

	if result.Amount.GreaterThan(r.cfg.Threshold) {
		result.Triggered = true
		slog.Info("treasury: threshold exceeded, swapping",
			"amount", result.Amount.String(),
			"threshold", r.cfg.Threshold.String(),
		)
		hashes, err := r.swap(ctx, plan)
		result.TxHashes = hashes
		if err != nil {
			r.breaker.RecordFailure(r.now())
			return result, fmt.Errorf("keeper.Rebalance: %w", err)
		}
		r.breaker.RecordSuccess()
	} else {
		slog.Debug("treasury: below threshold", "amount", result.Amount.String(), "threshold", r.cfg.Threshold.String())
	}

	unwrapped, err := r.unwrapNative(ctx)
	if err != nil {
		return result, fmt.Errorf("keeper.Rebalance: %w", err)
	}
	result.Unwrapped = unwrapped
	return result, nil
}

func (r *Rebalancer) readBalances(ctx context.Context) ([]decimal.Decimal, error) {
	out := make([]decimal.Decimal, len(r.cfg.Route.Hops))
	for i, hop := range r.cfg.Route.Hops {
		raw, err := r.assets.Balance(ctx, hop.Token)
		if err != nil {
			return nil, fmt.Errorf("keeper.Rebalance: balance %s: %w", hop.Symbol, err)
		}
		out[i] = hop.FromUnits(raw)
		f, _ := out[i].Float64()
		r.metrics.SetWalletBalance(hop.Symbol, f)
	}
	return out, nil
}

func (r *Rebalancer) swap(ctx context.Context, plan []domain.HopAmount) ([]string, error) {
	wallet := r.chain.Address()

	spenders, err := r.spenders(ctx)
	if err != nil {
		return nil, err
	}
	if err := r.ensureApprovals(ctx, spenders); err != nil {
		return nil, err
	}

	var hashes []string
	for _, step := range plan {
		if !step.Amount.IsPositive() {
			continue
		}
		units := step.Hop.ToUnits(step.Amount)

		tx, err := r.buildHop(ctx, step.Hop, units, wallet)
		if err != nil {
			r.metrics.ObserveHop(string(step.Hop.Kind), false)
			return hashes, fmt.Errorf("hop %s %s: %w", step.Hop.Kind, step.Hop.Symbol, err)
		}

		receipt, err := r.tx.execute(ctx, tx, txMeta{market: step.Hop.MarketID})
		r.metrics.ObserveHop(string(step.Hop.Kind), err == nil)
		if err != nil {
			return hashes, fmt.Errorf("hop %s %s: %w", step.Hop.Kind, step.Hop.Symbol, err)
		}
		hashes = append(hashes, receipt.Hash.Hex())
		slog.Info("treasury: hop confirmed",
			"kind", step.Hop.Kind,
			"asset", step.Hop.Symbol,
			"amount", step.Amount.String(),
			"tx", receipt.Hash.Hex(),
		)
	}
	return hashes, nil
}

func (r *Rebalancer) buildHop(ctx context.Context, hop domain.Hop, units *big.Int, wallet common.Address) (domain.TxIntent, error) {
	switch hop.Kind {
	case domain.HopSpotBuy:
		return r.assets.BuildSpotBuyTx(ctx, hop.MarketID, units)
	case domain.HopSpotUnwrap:
		return r.assets.BuildSpotUnwrapTx(ctx, hop.MarketID, units)
	case domain.HopRouterSwap:
		quote, err := r.router.Quote(ctx, hop.Token, units, r.cfg.Route.Target, wallet)
		if err != nil {
			return domain.TxIntent{}, fmt.Errorf("quote: %w", err)
		}
		tx, err := r.router.Assemble(ctx, quote.PathID, wallet)
		if err != nil {
			return domain.TxIntent{}, fmt.Errorf("assemble: %w", err)
		}
		return tx, nil
	default:
		return domain.TxIntent{}, fmt.Errorf("unknown hop kind %q", hop.Kind)
	}
}

// approval es un par token/spender que la ruta necesita.
type approval struct {
	symbol  string
	token   common.Address
	spender common.Address
}

func (r *Rebalancer) spenders(ctx context.Context) ([]approval, error) {
	var out []approval
	for _, hop := range r.cfg.Route.Hops {
		switch hop.Kind {
		case domain.HopSpotBuy, domain.HopSpotUnwrap:
			out = append(out, approval{symbol: hop.Symbol, token: hop.Token, spender: r.assets.SpotMarket()})
		case domain.HopRouterSwap:
			router, err := r.router.RouterAddress(ctx)
			if err != nil {
				return nil, fmt.Errorf("router address: %w", err)
			}
			out = append(out, approval{symbol: hop.Symbol, token: hop.Token, spender: router})
		}
	}
	return out, nil
}

// ensureApprovals aprueba (máximo) solo donde el allowance es cero.
func (r *Rebalancer) ensureApprovals(ctx context.Context, approvals []approval) error {
	for _, a := range approvals {
		allowance, err := r.assets.Allowance(ctx, a.token, a.spender)
		if err != nil {
			return fmt.Errorf("allowance %s: %w", a.symbol, err)
		}
		if allowance.Sign() > 0 {
			continue
		}
		tx, err := r.assets.BuildApproveTx(ctx, a.token, a.spender)
		if err != nil {
			return fmt.Errorf("build approve %s: %w", a.symbol, err)
		}
		if _, err := r.tx.execute(ctx, tx, txMeta{}); err != nil {
			return fmt.Errorf("approve %s: %w", a.symbol, err)
		}
		slog.Info("treasury: approval set", "asset", a.symbol, "spender", a.spender.Hex())
	}
	return nil
}

// unwrapNative convierte el wrapped native en gas token si supera el piso.
func (r *Rebalancer) unwrapNative(ctx context.Context) (decimal.Decimal, error) {
	if r.cfg.WrappedNative == (common.Address{}) {
		return decimal.Zero, nil
	}
	raw, err := r.assets.Balance(ctx, r.cfg.WrappedNative)
	if err != nil {
		return decimal.Zero, fmt.Errorf("wrapped native balance: %w", err)
	}
	balance := decimal.NewFromBigInt(raw, -wrappedNativeDecimals)
	if !balance.GreaterThan(r.cfg.UnwrapFloor) {
		return decimal.Zero, nil
	}

	amount := balance.Truncate(8)
	tx, err := r.assets.BuildNativeUnwrapTx(ctx, amount.Shift(wrappedNativeDecimals).BigInt())
	if err != nil {
		return decimal.Zero, fmt.Errorf("build unwrap: %w", err)
	}
	receipt, err := r.tx.execute(ctx, tx, txMeta{})
	r.metrics.ObserveHop(string(domain.TxUnwrap), err == nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("unwrap: %w", err)
	}
	slog.Info("treasury: unwrapped native", "amount", amount.String(), "tx", receipt.Hash.Hex())
	return amount, nil
}
