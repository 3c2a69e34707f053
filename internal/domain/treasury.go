package domain

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// HopKind es la forma de convertir un asset en el siguiente de la ruta.
type HopKind string

const (
	HopSpotBuy    HopKind = "spot_buy"    // sUSD → synth vía spot market (orden atómica)
	HopSpotUnwrap HopKind = "spot_unwrap" // synth → colateral subyacente
	HopRouterSwap HopKind = "router_swap" // swap agregado vía API externa
)

// maxHopPrecision: los montos de cada hop se truncan a 8 decimales como máximo.
const maxHopPrecision = 8

// Hop es un asset de la ruta y la operación que lo lleva al siguiente.
type Hop struct {
	Kind     HopKind
	Symbol   string
	Token    common.Address
	Decimals int32
	MarketID uint64
}

// Precision es la cantidad de decimales a la que se trunca el monto del hop.
func (h Hop) Precision() int32 {
	return min(h.Decimals, maxHopPrecision)
}

// ToUnits convierte un monto decimal a unidades enteras del token.
func (h Hop) ToUnits(amount decimal.Decimal) *big.Int {
	return amount.Shift(h.Decimals).BigInt()
}

// FromUnits convierte un balance on-chain a decimal.
func (h Hop) FromUnits(raw *big.Int) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, -h.Decimals)
}

// Route es la cadena determinística de conversión de saldos ociosos.
// El último hop siempre es un swap por router hacia Target.
type Route struct {
	Hops   []Hop
	Target common.Address
}

// Validate comprueba la forma de la ruta.
func (r Route) Validate() error {
	if len(r.Hops) == 0 {
		return errors.New("domain.Route: empty route")
	}
	for i, h := range r.Hops {
		last := i == len(r.Hops)-1
		switch h.Kind {
		case HopSpotBuy, HopSpotUnwrap:
			if last {
				return fmt.Errorf("domain.Route: last hop must be %s, got %s", HopRouterSwap, h.Kind)
			}
		case HopRouterSwap:
			if !last {
				return fmt.Errorf("domain.Route: %s only allowed as last hop", HopRouterSwap)
			}
		default:
			return fmt.Errorf("domain.Route: unknown hop kind %q", h.Kind)
		}
		if h.Decimals < 0 {
			return fmt.Errorf("domain.Route: hop %s has negative decimals", h.Symbol)
		}
	}
	if r.Target == (common.Address{}) {
		return errors.New("domain.Route: missing target token")
	}
	return nil
}

// HopAmount es cuánto mueve un hop en un ciclo.
type HopAmount struct {
	Hop     Hop
	Balance decimal.Decimal // saldo ocioso propio del asset
	Amount  decimal.Decimal // saldo propio + todo lo que llega de hops anteriores
}

// Plan calcula el monto de cada hop: suma acumulada de los saldos aguas arriba,
// truncada a la precisión de cada hop. balances va alineado con Hops.
func (r Route) Plan(balances []decimal.Decimal) ([]HopAmount, error) {
	if len(balances) != len(r.Hops) {
		return nil, fmt.Errorf("domain.Route.Plan: %d balances for %d hops", len(balances), len(r.Hops))
	}
	plan := make([]HopAmount, len(r.Hops))
	carry := decimal.Zero
	for i, h := range r.Hops {
		amount := carry.Add(balances[i]).Truncate(h.Precision())
		plan[i] = HopAmount{Hop: h, Balance: balances[i], Amount: amount}
		carry = amount
	}
	return plan, nil
}

// FinalAmount es el monto que llega al swap por router.
func FinalAmount(plan []HopAmount) decimal.Decimal {
	if len(plan) == 0 {
		return decimal.Zero
	}
	return plan[len(plan)-1].Amount
}

// RebalanceResult resume un ciclo del rebalancer.
type RebalanceResult struct {
	Triggered bool
	Amount    decimal.Decimal
	TxHashes  []string
	Unwrapped decimal.Decimal
}

// Breaker pausa el rebalanceo tras fallos consecutivos.
// No es seguro para uso concurrente; el scheduler nunca solapa dos ciclos.
type Breaker struct {
	MaxFailures int
	Cooldown    time.Duration

	failures      int
	cooldownUntil time.Time
}

// Allow devuelve true si se puede intentar un ciclo.
func (b *Breaker) Allow(now time.Time) bool {
	return !now.Before(b.cooldownUntil)
}

// RecordFailure suma un fallo y abre el breaker al llegar al máximo.
func (b *Breaker) RecordFailure(now time.Time) {
	b.failures++
	if b.MaxFailures > 0 && b.failures >= b.MaxFailures {
		b.cooldownUntil = now.Add(b.Cooldown)
		b.failures = 0
	}
}

// RecordSuccess resetea el contador de fallos consecutivos.
func (b *Breaker) RecordSuccess() { b.failures = 0 }

// CooldownUntil es el momento hasta el que el breaker está abierto.
func (b *Breaker) CooldownUntil() time.Time { return b.cooldownUntil }
