package onchain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/alejandrodnm/perpkeeper/internal/domain"
	"github.com/alejandrodnm/perpkeeper/internal/ports"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ErrRemovedLog indica un log revertido por un reorg.
var ErrRemovedLog = errors.New("onchain: removed log")

// Events traduce las suscripciones del nodo a eventos de dominio.
// Requiere un RPC websocket.
type Events struct {
	backend     Backend
	marketProxy common.Address
}

// NewEvents crea la fuente de eventos sobre el market proxy.
func NewEvents(backend Backend, marketProxy common.Address) *Events {
	return &Events{backend: backend, marketProxy: marketProxy}
}

// SubscribeBlocks entrega cada cabecera nueva como domain.NewBlock.
func (e *Events) SubscribeBlocks(ctx context.Context, ch chan<- domain.NewBlock) (ports.Subscription, error) {
	heads := make(chan *types.Header, 16)
	sub, err := e.backend.SubscribeNewHead(ctx, heads)
	if err != nil {
		return nil, fmt.Errorf("onchain.SubscribeBlocks: %w", err)
	}
	r := newRelay(sub)
	go func() {
		for {
			select {
			case <-r.quit:
				return
			case err := <-sub.Err():
				r.fail(err)
				return
			case h := <-heads:
				b := domain.NewBlock{Number: h.Number.Uint64(), Hash: h.Hash().Hex(), Time: time.Unix(int64(h.Time), 0).UTC()}
				select {
				case ch <- b:
				case <-r.quit:
					return
				}
			}
		}
	}()
	return r, nil
}

// SubscribeOrderCommitted entrega los OrderCommitted del market proxy.
// Los logs removidos por reorg se descartan.
func (e *Events) SubscribeOrderCommitted(ctx context.Context, ch chan<- domain.OrderCommitted) (ports.Subscription, error) {
	logs := make(chan types.Log, 64)
	q := ethereum.FilterQuery{
		Addresses: []common.Address{e.marketProxy},
		Topics:    [][]common.Hash{{OrderCommittedTopic()}},
	}
	sub, err := e.backend.SubscribeFilterLogs(ctx, q, logs)
	if err != nil {
		return nil, fmt.Errorf("onchain.SubscribeOrderCommitted: %w", err)
	}
	r := newRelay(sub)
	go func() {
		for {
			select {
			case <-r.quit:
				return
			case err := <-sub.Err():
				r.fail(err)
				return
			case l := <-logs:
				ev, err := DecodeOrderCommitted(l)
				if err != nil {
					continue
				}
				select {
				case ch <- ev:
				case <-r.quit:
					return
				}
			}
		}
	}()
	return r, nil
}

// OrderCommittedTopic es el topic0 del evento.
func OrderCommittedTopic() common.Hash {
	return perpsABI.Events["OrderCommitted"].ID
}

// DecodeOrderCommitted extrae mercado y cuenta de los topics indexados.
func DecodeOrderCommitted(l types.Log) (domain.OrderCommitted, error) {
	if l.Removed {
		return domain.OrderCommitted{}, ErrRemovedLog
	}
	if len(l.Topics) < 3 || l.Topics[0] != OrderCommittedTopic() {
		return domain.OrderCommitted{}, fmt.Errorf("onchain.DecodeOrderCommitted: not an OrderCommitted log")
	}
	market := new(big.Int).SetBytes(l.Topics[1].Bytes())
	if !market.IsUint64() {
		return domain.OrderCommitted{}, fmt.Errorf("onchain.DecodeOrderCommitted: market id %s out of range", market)
	}
	account, err := domain.AccountIDFromBig(new(big.Int).SetBytes(l.Topics[2].Bytes()))
	if err != nil {
		return domain.OrderCommitted{}, fmt.Errorf("onchain.DecodeOrderCommitted: %w", err)
	}
	return domain.OrderCommitted{
		AccountID: account,
		MarketID:  market.Uint64(),
		Block:     l.BlockNumber,
		TxHash:    l.TxHash.Hex(),
		LogIndex:  l.Index,
	}, nil
}

// relay envuelve la suscripción del nodo con su propio canal de error
// y corta el goroutine de traducción al desuscribir.
type relay struct {
	sub  ethereum.Subscription
	err  chan error
	quit chan struct{}
	once sync.Once
}

func newRelay(sub ethereum.Subscription) *relay {
	return &relay{sub: sub, err: make(chan error, 1), quit: make(chan struct{})}
}

func (r *relay) Err() <-chan error { return r.err }

func (r *relay) Unsubscribe() {
	r.once.Do(func() {
		close(r.quit)
		r.sub.Unsubscribe()
	})
}

func (r *relay) fail(err error) {
	if err == nil {
		err = errors.New("onchain: subscription closed")
	}
	r.err <- err
}
