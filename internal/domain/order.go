package domain

import (
	"math/big"
	"time"
)

// PendingOrder es el estado on-chain de la orden pendiente de una cuenta.
// Nunca se cachea: se relee justo antes de decidir el settlement.
type PendingOrder struct {
	AccountID   AccountID
	MarketID    uint64
	SizeDelta   *big.Int // con signo; 0 = no hay orden pendiente
	CommittedAt time.Time
	IsStale     bool // la ventana de settlement ya expiró
}

// IsEmpty indica que otra parte ya settleó (o canceló) la orden.
func (o PendingOrder) IsEmpty() bool {
	return o.SizeDelta == nil || o.SizeDelta.Sign() == 0
}

// SettlementState es el estado final de un commit procesado.
type SettlementState string

const (
	SettlementConfirmed       SettlementState = "settled"
	SettlementFailed          SettlementState = "failed"
	SettlementSettledByOthers SettlementState = "settled_by_others"
	SettlementExpired         SettlementState = "expired"
)

// SettlementOutcome describe qué pasó con un commit.
type SettlementOutcome struct {
	Event  OrderCommitted
	State  SettlementState
	TxHash string
	Err    error
}

// LiquidationOutcome describe el resultado por cuenta de una pasada de liquidación.
type LiquidationOutcome struct {
	AccountID AccountID
	Flagged   bool
	Submitted bool
	TxHash    string
	Err       error
}
