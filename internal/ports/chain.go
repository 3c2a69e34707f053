package ports

import (
	"context"
	"math/big"

	"github.com/alejandrodnm/perpkeeper/internal/domain"
	"github.com/ethereum/go-ethereum/common"
)

// ChainClient firma y envía transacciones desde la wallet del keeper.
// Es el único dueño de la asignación de nonces: los handlers nunca la tocan.
type ChainClient interface {
	// Submit asigna nonce, firma y envía. Gas 0 en el intent significa re-estimar.
	Submit(ctx context.Context, tx domain.TxIntent) (domain.TxHandle, error)

	// Wait bloquea hasta que la transacción se mina o vence el contexto.
	Wait(ctx context.Context, h domain.TxHandle) (domain.Receipt, error)

	// NativeBalance devuelve el saldo de gas token de la wallet, en wei.
	NativeBalance(ctx context.Context) (*big.Int, error)

	// Address es la dirección de la wallet.
	Address() common.Address
}

// Subscription es un stream activo. Err entrega el error que lo cortó.
type Subscription interface {
	Err() <-chan error
	Unsubscribe()
}

// EventSource entrega bloques y commits de órdenes.
// La entrega es at-least-once y puede tener huecos.
type EventSource interface {
	SubscribeBlocks(ctx context.Context, ch chan<- domain.NewBlock) (Subscription, error)
	SubscribeOrderCommitted(ctx context.Context, ch chan<- domain.OrderCommitted) (Subscription, error)
}
