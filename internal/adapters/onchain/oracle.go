package onchain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/alejandrodnm/perpkeeper/internal/domain"
	"github.com/ethereum/go-ethereum/common"
)

// Oracle lee la frescura de los precios vía el wrapper ERC-7412 y construye
// el update del contrato de Pyth.
type Oracle struct {
	client    *Client
	pyth      common.Address
	wrapper   common.Address
	multicall common.Address
	tolerance *big.Int
}

// NewOracle crea el adapter del oráculo. tolerance está en segundos.
func NewOracle(client *Client, pyth, wrapper, multicall common.Address, tolerance uint64) *Oracle {
	return &Oracle{
		client:    client,
		pyth:      pyth,
		wrapper:   wrapper,
		multicall: multicall,
		tolerance: new(big.Int).SetUint64(tolerance),
	}
}

// FreshFeeds llama getLatestPrice para cada feed en un aggregate3Value con
// allowFailure. El wrapper revierte si el precio es más viejo que la tolerancia,
// así que success=false significa stale.
func (o *Oracle) FreshFeeds(ctx context.Context, feeds []domain.FeedID) ([]bool, error) {
	calls := make([]call3Value, len(feeds))
	for i, f := range feeds {
		data, err := wrapperABI.Pack("getLatestPrice", [32]byte(f), o.tolerance)
		if err != nil {
			return nil, fmt.Errorf("onchain.FreshFeeds: %w", err)
		}
		calls[i] = call3Value{Target: o.wrapper, AllowFailure: true, Value: new(big.Int), CallData: data}
	}
	results, err := o.client.aggregateValue(ctx, o.multicall, calls)
	if err != nil {
		return nil, fmt.Errorf("onchain.FreshFeeds: %w", err)
	}
	fresh := make([]bool, len(results))
	for i, r := range results {
		fresh[i] = r.Success
	}
	return fresh, nil
}

// BuildPriceUpdateTx devuelve updatePriceFeeds con el fee del oráculo como value,
// ya preparado (gas estimado y fees) para que el caller pueda evaluar el costo.
func (o *Oracle) BuildPriceUpdateTx(ctx context.Context, update domain.PriceUpdate) (domain.TxIntent, error) {
	if len(update.Data) == 0 {
		return domain.TxIntent{}, fmt.Errorf("onchain.BuildPriceUpdateTx: empty update")
	}
	vals, err := o.client.call(ctx, pythABI, o.pyth, "getUpdateFee", update.Data)
	if err != nil {
		return domain.TxIntent{}, fmt.Errorf("onchain.BuildPriceUpdateTx: %w", err)
	}
	fee, ok := vals[0].(*big.Int)
	if !ok {
		return domain.TxIntent{}, fmt.Errorf("onchain.BuildPriceUpdateTx: unexpected fee %T", vals[0])
	}
	data, err := pythABI.Pack("updatePriceFeeds", update.Data)
	if err != nil {
		return domain.TxIntent{}, fmt.Errorf("onchain.BuildPriceUpdateTx: %w", err)
	}
	tx, err := o.client.Prepare(ctx, domain.TxIntent{
		Kind:  domain.TxPriceUpdate,
		To:    o.pyth,
		Data:  data,
		Value: fee,
	})
	if err != nil {
		return domain.TxIntent{}, fmt.Errorf("onchain.BuildPriceUpdateTx: %w", err)
	}
	return tx, nil
}
