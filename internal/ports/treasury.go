package ports

import (
	"context"
	"math/big"

	"github.com/alejandrodnm/perpkeeper/internal/domain"
	"github.com/ethereum/go-ethereum/common"
)

// SwapQuote es la cotización de un swap agregado.
type SwapQuote struct {
	PathID    string
	AmountOut *big.Int
}

// SwapRouter es la API HTTP del agregador de swaps.
type SwapRouter interface {
	// RouterAddress es el contrato al que hay que aprobar los tokens de entrada.
	RouterAddress(ctx context.Context) (common.Address, error)
	Quote(ctx context.Context, tokenIn common.Address, amountIn *big.Int, tokenOut common.Address, user common.Address) (SwapQuote, error)

	// Assemble devuelve la tx lista para firmar: value 0 y sin gas (se re-estima al enviar).
	Assemble(ctx context.Context, pathID string, user common.Address) (domain.TxIntent, error)
}

// TreasuryAssets lee saldos y construye las tx de conversión.
type TreasuryAssets interface {
	Balance(ctx context.Context, token common.Address) (*big.Int, error)
	Allowance(ctx context.Context, token, spender common.Address) (*big.Int, error)
	SpotMarket() common.Address

	BuildApproveTx(ctx context.Context, token, spender common.Address) (domain.TxIntent, error)
	BuildSpotBuyTx(ctx context.Context, marketID uint64, usdAmount *big.Int) (domain.TxIntent, error)
	BuildSpotUnwrapTx(ctx context.Context, marketID uint64, amount *big.Int) (domain.TxIntent, error)
	BuildNativeUnwrapTx(ctx context.Context, amount *big.Int) (domain.TxIntent, error)
}
