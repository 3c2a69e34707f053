package domain

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// AccountID es el id numérico de una cuenta de perps (uint128 on-chain).
// Se guarda en un entero de 256 bits de ancho fijo para que sea comparable
// y se pueda usar como key de map.
type AccountID struct {
	n uint256.Int
}

// NewAccountID crea un AccountID desde un uint64.
func NewAccountID(v uint64) AccountID {
	var id AccountID
	id.n.SetUint64(v)
	return id
}

// AccountIDFromBig convierte el valor devuelto por el ABI decoder.
func AccountIDFromBig(b *big.Int) (AccountID, error) {
	if b == nil || b.Sign() < 0 {
		return AccountID{}, fmt.Errorf("domain.AccountIDFromBig: invalid id %v", b)
	}
	n, overflow := uint256.FromBig(b)
	if overflow {
		return AccountID{}, fmt.Errorf("domain.AccountIDFromBig: %s overflows 256 bits", b)
	}
	return AccountID{n: *n}, nil
}

// Big devuelve el id como *big.Int para empaquetar calldata.
func (a AccountID) Big() *big.Int { return a.n.ToBig() }

func (a AccountID) String() string { return a.n.Dec() }

// IsZero indica si el id no fue inicializado.
func (a AccountID) IsZero() bool { return a.n.IsZero() }

// Los valores de colateral vienen en fixed-point de 18 decimales.
const collateralDecimals = 18

// CollateralValue convierte el valor on-chain (18 decimales) a USD.
func CollateralValue(raw *big.Int) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, -collateralDecimals)
}

// AccountStanding es la foto de una cuenta tras las lecturas batch.
type AccountStanding struct {
	ID         AccountID
	Collateral decimal.Decimal
}

// IsActive devuelve true si el colateral alcanza el umbral de materialidad (inclusive).
func (s AccountStanding) IsActive(threshold decimal.Decimal) bool {
	return s.Collateral.GreaterThanOrEqual(threshold)
}

// LiquidationCheck es el resultado de la lectura de liquidabilidad de una cuenta.
// El protocolo expone dos facetas; basta con una.
type LiquidationCheck struct {
	ID       AccountID
	Position bool
	Margin   bool
}

// Eligible combina ambas facetas con OR.
func (c LiquidationCheck) Eligible() bool { return c.Position || c.Margin }

// AccountSnapshot es el conjunto de cuentas activas en un bloque dado.
// Es inmutable: se reemplaza entero tras cada refresh exitoso.
type AccountSnapshot struct {
	IDs   []AccountID
	Block uint64
}

// NewAccountSnapshot deduplica ids preservando el orden.
func NewAccountSnapshot(ids []AccountID, block uint64) *AccountSnapshot {
	seen := make(map[AccountID]struct{}, len(ids))
	out := make([]AccountID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return &AccountSnapshot{IDs: out, Block: block}
}

// Len es nil-safe.
func (s *AccountSnapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.IDs)
}
