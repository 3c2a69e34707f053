package domain

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// TxKind clasifica las transacciones que envía el keeper.
type TxKind string

const (
	TxFlag        TxKind = "flag"
	TxLiquidate   TxKind = "liquidate"
	TxSettle      TxKind = "settle"
	TxPriceUpdate TxKind = "price_update"
	TxApprove     TxKind = "approve"
	TxSwap        TxKind = "swap"
	TxUnwrap      TxKind = "unwrap"
)

// TxIntent es una transacción sin firmar tal como la devuelve un builder.
// El nonce lo asigna el chain client al enviar; Gas 0 significa re-estimar.
type TxIntent struct {
	Kind                 TxKind
	To                   common.Address
	Data                 []byte
	Value                *big.Int
	Gas                  uint64
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// WithFeeMultiplier devuelve una copia con max-fee-per-gas multiplicado por m.
// El priority fee no se toca salvo que quede por encima del nuevo max fee.
func (t TxIntent) WithFeeMultiplier(m uint64) (TxIntent, error) {
	if t.MaxFeePerGas == nil || m <= 1 {
		return t, nil
	}
	fee, overflow := uint256.FromBig(t.MaxFeePerGas)
	if overflow || t.MaxFeePerGas.Sign() < 0 {
		return t, fmt.Errorf("domain.WithFeeMultiplier: invalid max fee %s", t.MaxFeePerGas)
	}
	bumped, overflow := new(uint256.Int).MulOverflow(fee, uint256.NewInt(m))
	if overflow {
		return t, fmt.Errorf("domain.WithFeeMultiplier: %s x %d overflows", t.MaxFeePerGas, m)
	}
	out := t
	out.MaxFeePerGas = bumped.ToBig()
	if t.MaxPriorityFeePerGas != nil && t.MaxPriorityFeePerGas.Cmp(out.MaxFeePerGas) > 0 {
		out.MaxPriorityFeePerGas = new(big.Int).Set(out.MaxFeePerGas)
	}
	return out, nil
}

// CostWei es el costo máximo estimado: gas × max-fee-per-gas.
func (t TxIntent) CostWei() *big.Int {
	if t.MaxFeePerGas == nil {
		return new(big.Int)
	}
	return new(big.Int).Mul(new(big.Int).SetUint64(t.Gas), t.MaxFeePerGas)
}

// CostETH es CostWei expresado en ETH.
func (t TxIntent) CostETH() decimal.Decimal {
	return WeiToEther(t.CostWei())
}

// WeiToEther convierte wei a ether.
func WeiToEther(wei *big.Int) decimal.Decimal {
	if wei == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(wei, -18)
}

// TxHandle identifica una transacción ya enviada.
type TxHandle struct {
	Kind        TxKind
	Hash        common.Hash
	Nonce       uint64
	SubmittedAt time.Time
}

// Receipt es el resultado observado de una transacción minada.
type Receipt struct {
	Hash              common.Hash
	Status            uint64
	GasUsed           uint64
	BlockNumber       uint64
	EffectiveGasPrice *big.Int
}

// Succeeded es true si el receipt tiene status 1.
func (r Receipt) Succeeded() bool { return r.Status == 1 }

// TxStatus es el estado con el que se registra una transacción en el journal.
type TxStatus string

const (
	TxStatusSubmitted TxStatus = "submitted"
	TxStatusConfirmed TxStatus = "confirmed"
	TxStatusReverted  TxStatus = "reverted"
	TxStatusFailed    TxStatus = "failed"
)

// TxRecord es una fila del journal de transacciones.
type TxRecord struct {
	ID        string
	Kind      TxKind
	AccountID string // vacío para tx que no son de una cuenta
	MarketID  uint64
	TxHash    string
	Status    TxStatus
	GasUsed   uint64
	MaxFeeWei string
	Error     string
	Block     uint64
	CreatedAt time.Time
}

// TxSummary agrega el journal por tipo para el reporte.
type TxSummary struct {
	Kind      TxKind
	Total     int
	Confirmed int
	Reverted  int
	Failed    int
	GasUsed   uint64
}
