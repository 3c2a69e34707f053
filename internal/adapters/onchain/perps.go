package onchain

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/alejandrodnm/perpkeeper/internal/domain"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// PerpsConfig son las direcciones y parámetros del protocolo de perps.
type PerpsConfig struct {
	AccountProxy common.Address
	MarketProxy  common.Address
	Multicall    common.Address
	Forwarder    common.Address
	MarketNames  map[uint64]string
	OrderExpiry  time.Duration
}

// Perps implementa las lecturas batch y los builders del protocolo de perps.
//
// marketID 0 es el modo cuenta completa: colateral total y liquidate(account).
// Con un marketID explícito se usan las lecturas por mercado y flag/liquidatePosition.
type Perps struct {
	client *Client
	cfg    PerpsConfig
	now    func() time.Time
}

// NewPerps crea el adapter del protocolo de perps.
func NewPerps(client *Client, cfg PerpsConfig) *Perps {
	return &Perps{client: client, cfg: cfg, now: time.Now}
}

// MarketName devuelve el nombre configurado del mercado, o su id.
func (p *Perps) MarketName(marketID uint64) string {
	if name, ok := p.cfg.MarketNames[marketID]; ok && name != "" {
		return name
	}
	return "market-" + strconv.FormatUint(marketID, 10)
}

// AccountCount lee totalSupply del NFT de cuentas.
func (p *Perps) AccountCount(ctx context.Context) (uint64, error) {
	vals, err := p.client.call(ctx, accountABI, p.cfg.AccountProxy, "totalSupply")
	if err != nil {
		return 0, fmt.Errorf("onchain.AccountCount: %w", err)
	}
	n, ok := vals[0].(*big.Int)
	if !ok || !n.IsUint64() {
		return 0, fmt.Errorf("onchain.AccountCount: unexpected total supply %v", vals[0])
	}
	return n.Uint64(), nil
}

// AccountIDsByIndex resuelve tokenByIndex para cada índice en una sola lectura.
func (p *Perps) AccountIDsByIndex(ctx context.Context, indexes []uint64) ([]domain.AccountID, error) {
	calls := make([]call3, len(indexes))
	for i, idx := range indexes {
		data, err := accountABI.Pack("tokenByIndex", new(big.Int).SetUint64(idx))
		if err != nil {
			return nil, fmt.Errorf("onchain.AccountIDsByIndex: %w", err)
		}
		calls[i] = call3{Target: p.cfg.AccountProxy, CallData: data}
	}
	results, err := p.client.aggregate(ctx, p.cfg.Multicall, calls)
	if err != nil {
		return nil, fmt.Errorf("onchain.AccountIDsByIndex: %w", err)
	}
	ids := make([]domain.AccountID, len(results))
	for i, r := range results {
		raw, err := unpackBig(accountABI, "tokenByIndex", r.ReturnData)
		if err != nil {
			return nil, fmt.Errorf("onchain.AccountIDsByIndex: index %d: %w", indexes[i], err)
		}
		if ids[i], err = domain.AccountIDFromBig(raw); err != nil {
			return nil, fmt.Errorf("onchain.AccountIDsByIndex: %w", err)
		}
	}
	return ids, nil
}

// CollateralValues lee el colateral en USD (18 decimales) de cada cuenta.
func (p *Perps) CollateralValues(ctx context.Context, marketID uint64, ids []domain.AccountID) ([]*big.Int, error) {
	calls := make([]call3, len(ids))
	for i, id := range ids {
		data, err := p.packCollateral(marketID, id)
		if err != nil {
			return nil, fmt.Errorf("onchain.CollateralValues: %w", err)
		}
		calls[i] = call3{Target: p.cfg.MarketProxy, CallData: data}
	}
	results, err := p.client.aggregate(ctx, p.cfg.Multicall, calls)
	if err != nil {
		return nil, fmt.Errorf("onchain.CollateralValues: %w", err)
	}
	values := make([]*big.Int, len(results))
	for i, r := range results {
		v, err := p.unpackCollateral(marketID, r.ReturnData)
		if err != nil {
			return nil, fmt.Errorf("onchain.CollateralValues: account %s: %w", ids[i], err)
		}
		values[i] = v
	}
	return values, nil
}

func (p *Perps) packCollateral(marketID uint64, id domain.AccountID) ([]byte, error) {
	if marketID == 0 {
		return perpsABI.Pack("totalCollateralValue", id.Big())
	}
	return perpsABI.Pack("getAccountDigest", id.Big(), new(big.Int).SetUint64(marketID))
}

// accountDigest es la parte del digest que usa el keeper.
type accountDigest struct {
	DepositedCollaterals []struct {
		CollateralAddress common.Address
		Available         *big.Int
	}
	CollateralUsd *big.Int
	DebtUsd       *big.Int
}

func (p *Perps) unpackCollateral(marketID uint64, data []byte) (*big.Int, error) {
	if marketID == 0 {
		return unpackBig(perpsABI, "totalCollateralValue", data)
	}
	v, err := unpackOne(perpsABI, "getAccountDigest", data)
	if err != nil {
		return nil, err
	}
	digest := *abi.ConvertType(v, new(accountDigest)).(*accountDigest)
	if digest.CollateralUsd == nil {
		return new(big.Int), nil
	}
	return digest.CollateralUsd, nil
}

// Liquidatable consulta ambas facetas de liquidabilidad en una sola lectura.
// En modo cuenta completa solo existe canLiquidate, que se reporta como Margin.
func (p *Perps) Liquidatable(ctx context.Context, marketID uint64, ids []domain.AccountID) ([]domain.LiquidationCheck, error) {
	market := new(big.Int).SetUint64(marketID)
	perAccount := 2
	if marketID == 0 {
		perAccount = 1
	}

	calls := make([]call3, 0, len(ids)*perAccount)
	for _, id := range ids {
		if marketID == 0 {
			data, err := perpsABI.Pack("canLiquidate", id.Big())
			if err != nil {
				return nil, fmt.Errorf("onchain.Liquidatable: %w", err)
			}
			calls = append(calls, call3{Target: p.cfg.MarketProxy, CallData: data})
			continue
		}
		for _, method := range []string{"isPositionLiquidatable", "isMarginLiquidatable"} {
			data, err := perpsABI.Pack(method, id.Big(), market)
			if err != nil {
				return nil, fmt.Errorf("onchain.Liquidatable: %w", err)
			}
			calls = append(calls, call3{Target: p.cfg.MarketProxy, CallData: data})
		}
	}

	results, err := p.client.aggregate(ctx, p.cfg.Multicall, calls)
	if err != nil {
		return nil, fmt.Errorf("onchain.Liquidatable: %w", err)
	}

	checks := make([]domain.LiquidationCheck, len(ids))
	for i, id := range ids {
		checks[i].ID = id
		if marketID == 0 {
			if checks[i].Margin, err = unpackBool(perpsABI, "canLiquidate", results[i].ReturnData); err != nil {
				return nil, fmt.Errorf("onchain.Liquidatable: account %s: %w", id, err)
			}
			continue
		}
		if checks[i].Position, err = unpackBool(perpsABI, "isPositionLiquidatable", results[2*i].ReturnData); err != nil {
			return nil, fmt.Errorf("onchain.Liquidatable: account %s: %w", id, err)
		}
		if checks[i].Margin, err = unpackBool(perpsABI, "isMarginLiquidatable", results[2*i+1].ReturnData); err != nil {
			return nil, fmt.Errorf("onchain.Liquidatable: account %s: %w", id, err)
		}
	}
	return checks, nil
}

// BuildFlagTx marca la posición para liquidación. Solo existe por mercado.
func (p *Perps) BuildFlagTx(ctx context.Context, account domain.AccountID, marketID uint64) (domain.TxIntent, error) {
	if marketID == 0 {
		return domain.TxIntent{}, fmt.Errorf("onchain.BuildFlagTx: flagging requires a market id")
	}
	data, err := perpsABI.Pack("flagPosition", account.Big(), new(big.Int).SetUint64(marketID))
	if err != nil {
		return domain.TxIntent{}, fmt.Errorf("onchain.BuildFlagTx: %w", err)
	}
	return p.withFees(ctx, domain.TxIntent{Kind: domain.TxFlag, To: p.cfg.MarketProxy, Data: data})
}

// BuildLiquidationTx construye liquidate (cuenta completa) o liquidatePosition.
func (p *Perps) BuildLiquidationTx(ctx context.Context, account domain.AccountID, marketID uint64) (domain.TxIntent, error) {
	var (
		data []byte
		err  error
	)
	if marketID == 0 {
		data, err = perpsABI.Pack("liquidate", account.Big())
	} else {
		data, err = perpsABI.Pack("liquidatePosition", account.Big(), new(big.Int).SetUint64(marketID))
	}
	if err != nil {
		return domain.TxIntent{}, fmt.Errorf("onchain.BuildLiquidationTx: %w", err)
	}
	return p.withFees(ctx, domain.TxIntent{Kind: domain.TxLiquidate, To: p.cfg.MarketProxy, Data: data})
}

// ComposeMulticall agrupa las llamadas en un aggregate3 del forwarder.
// Sin allowFailure: si una revierte, revierte todo.
func (p *Perps) ComposeMulticall(ctx context.Context, intents []domain.TxIntent) (domain.TxIntent, error) {
	if len(intents) == 0 {
		return domain.TxIntent{}, fmt.Errorf("onchain.ComposeMulticall: no calls")
	}
	if p.cfg.Forwarder == (common.Address{}) {
		return domain.TxIntent{}, fmt.Errorf("onchain.ComposeMulticall: forwarder address not configured")
	}
	calls := make([]call3, len(intents))
	for i, in := range intents {
		calls[i] = call3{Target: in.To, CallData: in.Data}
	}
	data, err := multicallABI.Pack("aggregate3", calls)
	if err != nil {
		return domain.TxIntent{}, fmt.Errorf("onchain.ComposeMulticall: %w", err)
	}
	last := intents[len(intents)-1]
	out := domain.TxIntent{Kind: last.Kind, To: p.cfg.Forwarder, Data: data}
	if last.MaxFeePerGas != nil {
		out.MaxFeePerGas = new(big.Int).Set(last.MaxFeePerGas)
		out.MaxPriorityFeePerGas = last.MaxPriorityFeePerGas
	}
	return p.withFees(ctx, out)
}

// order es la salida de getOrder.
type order struct {
	CommitmentTime *big.Int
	Request        struct {
		MarketId             *big.Int
		AccountId            *big.Int
		SizeDelta            *big.Int
		SettlementStrategyId *big.Int
		AcceptablePrice      *big.Int
		TrackingCode         [32]byte
		Referrer             common.Address
	}
}

// GetOrder lee la orden pendiente de la cuenta.
func (p *Perps) GetOrder(ctx context.Context, account domain.AccountID) (domain.PendingOrder, error) {
	vals, err := p.client.call(ctx, perpsABI, p.cfg.MarketProxy, "getOrder", account.Big())
	if err != nil {
		return domain.PendingOrder{}, fmt.Errorf("onchain.GetOrder: %w", err)
	}
	o := *abi.ConvertType(vals[0], new(order)).(*order)
	return p.toPendingOrder(account, o), nil
}

func (p *Perps) toPendingOrder(account domain.AccountID, o order) domain.PendingOrder {
	out := domain.PendingOrder{AccountID: account, SizeDelta: o.Request.SizeDelta}
	if o.Request.MarketId != nil {
		out.MarketID = o.Request.MarketId.Uint64()
	}
	if o.CommitmentTime != nil && o.CommitmentTime.Sign() > 0 {
		out.CommittedAt = time.Unix(o.CommitmentTime.Int64(), 0).UTC()
		out.IsStale = p.cfg.OrderExpiry > 0 && out.CommittedAt.Add(p.cfg.OrderExpiry).Before(p.now())
	}
	return out
}

// BuildSettlementTx construye settleOrder para la cuenta.
func (p *Perps) BuildSettlementTx(ctx context.Context, account domain.AccountID, _ uint64) (domain.TxIntent, error) {
	data, err := perpsABI.Pack("settleOrder", account.Big())
	if err != nil {
		return domain.TxIntent{}, fmt.Errorf("onchain.BuildSettlementTx: %w", err)
	}
	return p.withFees(ctx, domain.TxIntent{Kind: domain.TxSettle, To: p.cfg.MarketProxy, Data: data})
}

// withFees fija los fees de red al construir, así el fee bump del keeper
// multiplica un valor concreto. El gas se estima recién al enviar.
func (p *Perps) withFees(ctx context.Context, tx domain.TxIntent) (domain.TxIntent, error) {
	tx, err := p.client.WithFees(ctx, tx)
	if err != nil {
		return domain.TxIntent{}, fmt.Errorf("onchain.Perps: fees for %s: %w", tx.Kind, err)
	}
	return tx, nil
}
