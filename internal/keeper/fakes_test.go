package keeper_test

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/alejandrodnm/perpkeeper/internal/domain"
	"github.com/alejandrodnm/perpkeeper/internal/ports"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// --- chain ---

type fakeChain struct {
	mu         sync.Mutex
	submitted  []domain.TxIntent
	byHash     map[common.Hash]domain.TxIntent
	failSubmit func(domain.TxIntent) error
	status     func(domain.TxIntent) uint64
	waitErr    error
	onSubmit   func(domain.TxIntent)
	balance    *big.Int
	addr       common.Address
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		byHash:  make(map[common.Hash]domain.TxIntent),
		balance: big.NewInt(0),
		addr:    common.HexToAddress("0x00000000000000000000000000000000000000aa"),
	}
}

func (c *fakeChain) Submit(_ context.Context, tx domain.TxIntent) (domain.TxHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failSubmit != nil {
		if err := c.failSubmit(tx); err != nil {
			return domain.TxHandle{}, err
		}
	}
	c.submitted = append(c.submitted, tx)
	h := common.BigToHash(big.NewInt(int64(len(c.submitted))))
	c.byHash[h] = tx
	if c.onSubmit != nil {
		c.onSubmit(tx)
	}
	return domain.TxHandle{Kind: tx.Kind, Hash: h, Nonce: uint64(len(c.submitted) - 1), SubmittedAt: time.Now()}, nil
}

func (c *fakeChain) Wait(_ context.Context, h domain.TxHandle) (domain.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.waitErr != nil {
		return domain.Receipt{}, c.waitErr
	}
	status := uint64(1)
	if c.status != nil {
		status = c.status(c.byHash[h.Hash])
	}
	return domain.Receipt{Hash: h.Hash, Status: status, GasUsed: 21_000, BlockNumber: 1}, nil
}

func (c *fakeChain) NativeBalance(_ context.Context) (*big.Int, error) { return c.balance, nil }

func (c *fakeChain) Address() common.Address { return c.addr }

func (c *fakeChain) Submitted() []domain.TxIntent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.TxIntent(nil), c.submitted...)
}

func (c *fakeChain) SubmittedKinds() []domain.TxKind {
	var kinds []domain.TxKind
	for _, tx := range c.Submitted() {
		kinds = append(kinds, tx.Kind)
	}
	return kinds
}

// --- perps protocol ---

var errRPC = errors.New("rpc unavailable")

type fakePerps struct {
	mu sync.Mutex

	registry     []domain.AccountID
	collateral   map[domain.AccountID]*big.Int
	liquidatable map[domain.AccountID]bool
	flagFails    map[domain.AccountID]bool
	orders       map[domain.AccountID]domain.PendingOrder
	stall        map[domain.AccountID]chan struct{} // GetOrder espera a que se cierre

	countErr      error
	idsErr        error
	collateralErr error
	liqErr        error
	getOrderErr   error
	shortResult   bool

	fee *big.Int

	idCalls         int
	collateralCalls int
	liqCalls        int
	composeCalls    int
	requested       []uint64
	settleMarkets   []uint64
}

func newFakePerps() *fakePerps {
	return &fakePerps{
		collateral:   make(map[domain.AccountID]*big.Int),
		liquidatable: make(map[domain.AccountID]bool),
		flagFails:    make(map[domain.AccountID]bool),
		orders:       make(map[domain.AccountID]domain.PendingOrder),
		stall:        make(map[domain.AccountID]chan struct{}),
		fee:          big.NewInt(1_000_000_000),
	}
}

func (p *fakePerps) AccountCount(_ context.Context) (uint64, error) {
	return uint64(len(p.registry)), p.countErr
}

func (p *fakePerps) AccountIDsByIndex(_ context.Context, indexes []uint64) ([]domain.AccountID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.idCalls++
	if p.idsErr != nil {
		return nil, p.idsErr
	}
	p.requested = append(p.requested, indexes...)
	out := make([]domain.AccountID, len(indexes))
	for i, idx := range indexes {
		out[i] = p.registry[idx]
	}
	if p.shortResult && len(out) > 0 {
		out = out[:len(out)-1]
	}
	return out, nil
}

func (p *fakePerps) CollateralValues(_ context.Context, _ uint64, ids []domain.AccountID) ([]*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.collateralCalls++
	if p.collateralErr != nil {
		return nil, p.collateralErr
	}
	out := make([]*big.Int, len(ids))
	for i, id := range ids {
		out[i] = p.collateral[id]
	}
	return out, nil
}

func (p *fakePerps) Liquidatable(_ context.Context, _ uint64, ids []domain.AccountID) ([]domain.LiquidationCheck, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.liqCalls++
	if p.liqErr != nil {
		return nil, p.liqErr
	}
	out := make([]domain.LiquidationCheck, len(ids))
	for i, id := range ids {
		out[i] = domain.LiquidationCheck{ID: id, Margin: p.liquidatable[id]}
	}
	return out, nil
}

func (p *fakePerps) intent(kind domain.TxKind, id domain.AccountID) domain.TxIntent {
	return domain.TxIntent{
		Kind:         kind,
		Data:         []byte(string(kind) + ":" + id.String()),
		Gas:          500_000,
		MaxFeePerGas: new(big.Int).Set(p.fee),
	}
}

func (p *fakePerps) BuildFlagTx(_ context.Context, id domain.AccountID, _ uint64) (domain.TxIntent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.flagFails[id] {
		return domain.TxIntent{}, errors.New("flag reverted in simulation")
	}
	return p.intent(domain.TxFlag, id), nil
}

func (p *fakePerps) BuildLiquidationTx(_ context.Context, id domain.AccountID, _ uint64) (domain.TxIntent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.intent(domain.TxLiquidate, id), nil
}

func (p *fakePerps) ComposeMulticall(_ context.Context, calls []domain.TxIntent) (domain.TxIntent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.composeCalls++
	parts := make([]string, len(calls))
	for i, c := range calls {
		parts[i] = string(c.Data)
	}
	return domain.TxIntent{
		Kind:         domain.TxLiquidate,
		Data:         []byte("multi[" + strings.Join(parts, ",") + "]"),
		Gas:          900_000,
		MaxFeePerGas: new(big.Int).Set(p.fee),
	}, nil
}

func (p *fakePerps) MarketName(id uint64) string {
	if id == 100 {
		return "ETH"
	}
	return "unknown"
}

func (p *fakePerps) GetOrder(ctx context.Context, id domain.AccountID) (domain.PendingOrder, error) {
	p.mu.Lock()
	stall := p.stall[id]
	p.mu.Unlock()
	if stall != nil {
		select {
		case <-stall:
		case <-ctx.Done():
			return domain.PendingOrder{}, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.getOrderErr != nil {
		return domain.PendingOrder{}, p.getOrderErr
	}
	return p.orders[id], nil
}

func (p *fakePerps) BuildSettlementTx(_ context.Context, id domain.AccountID, market uint64) (domain.TxIntent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.settleMarkets = append(p.settleMarkets, market)
	return p.intent(domain.TxSettle, id), nil
}

// settleOnSubmit simula el efecto on-chain de un settlement: la orden queda vacía.
func (p *fakePerps) settleOnSubmit(tx domain.TxIntent) {
	if tx.Kind != domain.TxSettle {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, o := range p.orders {
		if string(tx.Data) == "settle:"+id.String() {
			o.SizeDelta = big.NewInt(0)
			p.orders[id] = o
		}
	}
}

// --- events ---

type fakeSub struct {
	errCh chan error
}

func newFakeSub() *fakeSub { return &fakeSub{errCh: make(chan error, 1)} }

func (s *fakeSub) Err() <-chan error { return s.errCh }
func (s *fakeSub) Unsubscribe()      {}

// fakeEvents emite los bloques y commits configurados y después queda en silencio.
type fakeEvents struct {
	blocks       []domain.NewBlock
	orders       []domain.OrderCommitted
	blockErr     error // se entrega por Err() de la suscripción de bloques
	subscribeErr error
}

func (e *fakeEvents) SubscribeBlocks(ctx context.Context, ch chan<- domain.NewBlock) (ports.Subscription, error) {
	if e.subscribeErr != nil {
		return nil, e.subscribeErr
	}
	sub := newFakeSub()
	if e.blockErr != nil {
		sub.errCh <- e.blockErr
	}
	go func() {
		for _, b := range e.blocks {
			select {
			case ch <- b:
			case <-ctx.Done():
				return
			}
		}
	}()
	return sub, nil
}

func (e *fakeEvents) SubscribeOrderCommitted(ctx context.Context, ch chan<- domain.OrderCommitted) (ports.Subscription, error) {
	sub := newFakeSub()
	go func() {
		for _, o := range e.orders {
			select {
			case ch <- o:
			case <-ctx.Done():
				return
			}
		}
	}()
	return sub, nil
}

// --- helpers ---

func ids(n ...uint64) []domain.AccountID {
	out := make([]domain.AccountID, len(n))
	for i, v := range n {
		out[i] = domain.NewAccountID(v)
	}
	return out
}

// wei convierte un monto decimal con 18 decimales a su valor on-chain.
func wei(amount string) *big.Int {
	return decimal.RequireFromString(amount).Shift(18).BigInt()
}
