package ports

import (
	"context"
	"math/big"

	"github.com/alejandrodnm/perpkeeper/internal/domain"
)

// AccountReader enumera cuentas y lee su colateral.
// Cada llamada es UNA lectura batch on-chain; el caller se encarga del chunking.
type AccountReader interface {
	AccountCount(ctx context.Context) (uint64, error)
	AccountIDsByIndex(ctx context.Context, indexes []uint64) ([]domain.AccountID, error)

	// CollateralValues devuelve valores fixed-point de 18 decimales, alineados con ids.
	// marketID 0 lee el colateral total de la cuenta.
	CollateralValues(ctx context.Context, marketID uint64, ids []domain.AccountID) ([]*big.Int, error)
}

// LiquidationReader consulta liquidabilidad en una lectura batch.
type LiquidationReader interface {
	Liquidatable(ctx context.Context, marketID uint64, ids []domain.AccountID) ([]domain.LiquidationCheck, error)
}

// LiquidationBuilder construye las llamadas de flag y liquidación.
type LiquidationBuilder interface {
	BuildFlagTx(ctx context.Context, account domain.AccountID, marketID uint64) (domain.TxIntent, error)
	BuildLiquidationTx(ctx context.Context, account domain.AccountID, marketID uint64) (domain.TxIntent, error)

	// ComposeMulticall agrupa varias llamadas en una sola transacción atómica.
	ComposeMulticall(ctx context.Context, calls []domain.TxIntent) (domain.TxIntent, error)
}

// OrderSettler lee órdenes pendientes y construye su settlement.
type OrderSettler interface {
	MarketName(marketID uint64) string
	GetOrder(ctx context.Context, account domain.AccountID) (domain.PendingOrder, error)
	BuildSettlementTx(ctx context.Context, account domain.AccountID, marketID uint64) (domain.TxIntent, error)
}
