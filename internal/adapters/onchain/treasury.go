package onchain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/alejandrodnm/perpkeeper/internal/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
)

// spotBuySlippageBps: minAmountReceived del buy es el 99% del monto.
const spotBuySlippageBps = 100

// Treasury lee saldos ERC-20 y construye approvals y conversiones.
type Treasury struct {
	client        *Client
	spotMarket    common.Address
	wrappedNative common.Address
}

// NewTreasury crea el adapter de tesorería.
func NewTreasury(client *Client, spotMarket, wrappedNative common.Address) *Treasury {
	return &Treasury{client: client, spotMarket: spotMarket, wrappedNative: wrappedNative}
}

// SpotMarket es el contrato del spot market.
func (t *Treasury) SpotMarket() common.Address { return t.spotMarket }

// Balance lee balanceOf de la wallet del keeper.
func (t *Treasury) Balance(ctx context.Context, token common.Address) (*big.Int, error) {
	vals, err := t.client.call(ctx, erc20ABI, token, "balanceOf", t.client.Address())
	if err != nil {
		return nil, fmt.Errorf("onchain.Balance %s: %w", token.Hex(), err)
	}
	b, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("onchain.Balance %s: unexpected output %T", token.Hex(), vals[0])
	}
	return b, nil
}

// Allowance lee cuánto puede mover spender desde la wallet.
func (t *Treasury) Allowance(ctx context.Context, token, spender common.Address) (*big.Int, error) {
	vals, err := t.client.call(ctx, erc20ABI, token, "allowance", t.client.Address(), spender)
	if err != nil {
		return nil, fmt.Errorf("onchain.Allowance %s: %w", token.Hex(), err)
	}
	b, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("onchain.Allowance %s: unexpected output %T", token.Hex(), vals[0])
	}
	return b, nil
}

// BuildApproveTx aprueba el máximo uint256 para no repetir approvals.
func (t *Treasury) BuildApproveTx(_ context.Context, token, spender common.Address) (domain.TxIntent, error) {
	data, err := erc20ABI.Pack("approve", spender, math.MaxBig256)
	if err != nil {
		return domain.TxIntent{}, fmt.Errorf("onchain.BuildApproveTx: %w", err)
	}
	return domain.TxIntent{Kind: domain.TxApprove, To: token, Data: data}, nil
}

// BuildSpotBuyTx compra el synth del mercado con usdAmount de sUSD.
func (t *Treasury) BuildSpotBuyTx(_ context.Context, marketID uint64, usdAmount *big.Int) (domain.TxIntent, error) {
	data, err := spotABI.Pack("buy",
		new(big.Int).SetUint64(marketID),
		usdAmount,
		minReceived(usdAmount, spotBuySlippageBps),
		common.Address{},
	)
	if err != nil {
		return domain.TxIntent{}, fmt.Errorf("onchain.BuildSpotBuyTx: %w", err)
	}
	return domain.TxIntent{Kind: domain.TxSwap, To: t.spotMarket, Data: data}, nil
}

// BuildSpotUnwrapTx convierte el synth en su colateral. El wrapper es 1:1,
// así que no se exige mínimo.
func (t *Treasury) BuildSpotUnwrapTx(_ context.Context, marketID uint64, amount *big.Int) (domain.TxIntent, error) {
	data, err := spotABI.Pack("unwrap", new(big.Int).SetUint64(marketID), amount, new(big.Int))
	if err != nil {
		return domain.TxIntent{}, fmt.Errorf("onchain.BuildSpotUnwrapTx: %w", err)
	}
	return domain.TxIntent{Kind: domain.TxUnwrap, To: t.spotMarket, Data: data}, nil
}

// BuildNativeUnwrapTx convierte WETH en ETH para gas.
func (t *Treasury) BuildNativeUnwrapTx(_ context.Context, amount *big.Int) (domain.TxIntent, error) {
	data, err := wethABI.Pack("withdraw", amount)
	if err != nil {
		return domain.TxIntent{}, fmt.Errorf("onchain.BuildNativeUnwrapTx: %w", err)
	}
	return domain.TxIntent{Kind: domain.TxUnwrap, To: t.wrappedNative, Data: data}, nil
}

// minReceived descuenta bps del monto.
func minReceived(amount *big.Int, bps int64) *big.Int {
	out := new(big.Int).Mul(amount, big.NewInt(10_000-bps))
	return out.Quo(out, big.NewInt(10_000))
}
