package onchain_test

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// --- fake backend ---

var errNode = errors.New("node unavailable")

// callHandler responde una llamada según su calldata; se usa tanto para
// eth_call directas como para cada elemento de un aggregate3.
type callHandler func(to common.Address, data []byte) ([]byte, bool)

type fakeBackend struct {
	mu sync.Mutex

	chainID  *big.Int
	baseFee  *big.Int
	tip      *big.Int
	estimate uint64
	nonce    uint64
	balance  *big.Int

	estimateErr error
	sendErr     []error // se consume uno por envío
	nonceCalls  int
	sent        []*types.Transaction
	estimates   []ethereum.CallMsg
	calls       []ethereum.CallMsg

	receipts      map[common.Hash]*types.Receipt
	receiptMisses int
	mine          bool // cada tx enviada se mina con éxito

	handle callHandler

	heads chan<- *types.Header
	logs  chan<- types.Log
	query ethereum.FilterQuery
	sub   *fakeSubscription
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		chainID:  big.NewInt(8453),
		baseFee:  big.NewInt(1_000_000),
		tip:      big.NewInt(1_000),
		estimate: 100_000,
		balance:  big.NewInt(0),
		receipts: make(map[common.Hash]*types.Receipt),
		sub:      newFakeSubscription(),
	}
}

func (b *fakeBackend) ChainID(context.Context) (*big.Int, error) { return b.chainID, nil }

func (b *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(100), BaseFee: b.baseFee}, nil
}

func (b *fakeBackend) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return b.balance, nil
}

func (b *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nonceCalls++
	return b.nonce, nil
}

func (b *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) { return b.tip, nil }

func (b *fakeBackend) EstimateGas(_ context.Context, msg ethereum.CallMsg) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.estimates = append(b.estimates, msg)
	return b.estimate, b.estimateErr
}

func (b *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	b.mu.Lock()
	b.calls = append(b.calls, msg)
	b.mu.Unlock()

	if isMethod(msg.Data, "aggregate3") {
		return b.aggregate(msg.Data, "aggregate3")
	}
	if isMethod(msg.Data, "aggregate3Value") {
		return b.aggregate(msg.Data, "aggregate3Value")
	}
	out, ok := b.handle(*msg.To, msg.Data)
	if !ok {
		return nil, errors.New("execution reverted")
	}
	return out, nil
}

func (b *fakeBackend) aggregate(data []byte, method string) ([]byte, error) {
	m := multicall3.Methods[method]
	in, err := m.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, fmt.Errorf("fake: unpack %s: %w", method, err)
	}
	type plainCall struct {
		Target       common.Address
		AllowFailure bool
		CallData     []byte
	}
	type valueCall struct {
		Target       common.Address
		AllowFailure bool
		Value        *big.Int
		CallData     []byte
	}
	var targets []common.Address
	var payloads [][]byte
	if method == "aggregate3" {
		for _, c := range *abi.ConvertType(in[0], new([]plainCall)).(*[]plainCall) {
			targets, payloads = append(targets, c.Target), append(payloads, c.CallData)
		}
	} else {
		for _, c := range *abi.ConvertType(in[0], new([]valueCall)).(*[]valueCall) {
			targets, payloads = append(targets, c.Target), append(payloads, c.CallData)
		}
	}

	type res struct {
		Success    bool
		ReturnData []byte
	}
	out := make([]res, len(targets))
	for i := range targets {
		ret, ok := b.handle(targets[i], payloads[i])
		out[i] = res{Success: ok, ReturnData: ret}
	}
	return m.Outputs.Pack(out)
}

func (b *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.sendErr) > 0 {
		err := b.sendErr[0]
		b.sendErr = b.sendErr[1:]
		if err != nil {
			return err
		}
	}
	b.sent = append(b.sent, tx)
	if b.mine {
		b.receipts[tx.Hash()] = &types.Receipt{
			TxHash:      tx.Hash(),
			Status:      types.ReceiptStatusSuccessful,
			GasUsed:     90_000,
			BlockNumber: big.NewInt(101),
		}
	}
	return nil
}

func (b *fakeBackend) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.receiptMisses > 0 {
		b.receiptMisses--
		return nil, ethereum.NotFound
	}
	r, ok := b.receipts[h]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (b *fakeBackend) SubscribeNewHead(_ context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	b.heads = ch
	return b.sub, nil
}

func (b *fakeBackend) SubscribeFilterLogs(_ context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	b.query = q
	b.logs = ch
	return b.sub, nil
}

func (b *fakeBackend) Sent() []*types.Transaction {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*types.Transaction(nil), b.sent...)
}

type fakeSubscription struct {
	errCh chan error
	once  sync.Once
	done  chan struct{}
}

func newFakeSubscription() *fakeSubscription {
	return &fakeSubscription{errCh: make(chan error, 1), done: make(chan struct{})}
}

func (s *fakeSubscription) Err() <-chan error { return s.errCh }

func (s *fakeSubscription) Unsubscribe() { s.once.Do(func() { close(s.done) }) }

// --- ABIs para el fake ---

var multicall3 = mustABI(`[
	{"name": "aggregate3", "type": "function", "stateMutability": "payable",
	 "inputs": [{"name": "calls", "type": "tuple[]", "components": [
		{"name": "target", "type": "address"},
		{"name": "allowFailure", "type": "bool"},
		{"name": "callData", "type": "bytes"}
	 ]}],
	 "outputs": [{"name": "returnData", "type": "tuple[]", "components": [
		{"name": "success", "type": "bool"},
		{"name": "returnData", "type": "bytes"}
	 ]}]},
	{"name": "aggregate3Value", "type": "function", "stateMutability": "payable",
	 "inputs": [{"name": "calls", "type": "tuple[]", "components": [
		{"name": "target", "type": "address"},
		{"name": "allowFailure", "type": "bool"},
		{"name": "value", "type": "uint256"},
		{"name": "callData", "type": "bytes"}
	 ]}],
	 "outputs": [{"name": "returnData", "type": "tuple[]", "components": [
		{"name": "success", "type": "bool"},
		{"name": "returnData", "type": "bytes"}
	 ]}]}
]`)

var views = mustABI(`[
	{"name": "totalSupply", "type": "function", "inputs": [], "outputs": [{"name": "", "type": "uint256"}]},
	{"name": "tokenByIndex", "type": "function", "inputs": [{"name": "index", "type": "uint256"}], "outputs": [{"name": "", "type": "uint256"}]},
	{"name": "totalCollateralValue", "type": "function", "inputs": [{"name": "accountId", "type": "uint128"}], "outputs": [{"name": "", "type": "uint256"}]},
	{"name": "canLiquidate", "type": "function", "inputs": [{"name": "accountId", "type": "uint128"}], "outputs": [{"name": "", "type": "bool"}]},
	{"name": "isPositionLiquidatable", "type": "function",
	 "inputs": [{"name": "accountId", "type": "uint128"}, {"name": "marketId", "type": "uint128"}], "outputs": [{"name": "", "type": "bool"}]},
	{"name": "isMarginLiquidatable", "type": "function",
	 "inputs": [{"name": "accountId", "type": "uint128"}, {"name": "marketId", "type": "uint128"}], "outputs": [{"name": "", "type": "bool"}]},
	{"name": "getLatestPrice", "type": "function",
	 "inputs": [{"name": "priceId", "type": "bytes32"}, {"name": "stalenessTolerance", "type": "uint256"}], "outputs": [{"name": "", "type": "int256"}]},
	{"name": "getUpdateFee", "type": "function", "inputs": [{"name": "updateData", "type": "bytes[]"}], "outputs": [{"name": "", "type": "uint256"}]},
	{"name": "updatePriceFeeds", "type": "function", "inputs": [{"name": "updateData", "type": "bytes[]"}], "outputs": []},
	{"name": "balanceOf", "type": "function", "inputs": [{"name": "owner", "type": "address"}], "outputs": [{"name": "", "type": "uint256"}]},
	{"name": "approve", "type": "function",
	 "inputs": [{"name": "spender", "type": "address"}, {"name": "amount", "type": "uint256"}], "outputs": [{"name": "", "type": "bool"}]},
	{"name": "buy", "type": "function",
	 "inputs": [{"name": "marketId", "type": "uint128"}, {"name": "usdAmount", "type": "uint256"}, {"name": "minAmountReceived", "type": "uint256"}, {"name": "referrer", "type": "address"}],
	 "outputs": []},
	{"name": "liquidate", "type": "function", "inputs": [{"name": "accountId", "type": "uint128"}], "outputs": [{"name": "", "type": "uint256"}]},
	{"name": "liquidatePosition", "type": "function",
	 "inputs": [{"name": "accountId", "type": "uint128"}, {"name": "marketId", "type": "uint128"}], "outputs": []},
	{"name": "flagPosition", "type": "function",
	 "inputs": [{"name": "accountId", "type": "uint128"}, {"name": "marketId", "type": "uint128"}], "outputs": []},
	{"name": "settleOrder", "type": "function", "inputs": [{"name": "accountId", "type": "uint128"}], "outputs": []},
	{"name": "withdraw", "type": "function", "inputs": [{"name": "wad", "type": "uint256"}], "outputs": []},
	{"name": "unwrap", "type": "function",
	 "inputs": [{"name": "marketId", "type": "uint128"}, {"name": "unwrapAmount", "type": "uint256"}, {"name": "minAmountReceived", "type": "uint256"}],
	 "outputs": []},
	{"name": "getOrder", "type": "function", "inputs": [{"name": "accountId", "type": "uint128"}],
	 "outputs": [{"name": "order", "type": "tuple", "components": [
		{"name": "commitmentTime", "type": "uint256"},
		{"name": "request", "type": "tuple", "components": [
			{"name": "marketId", "type": "uint128"},
			{"name": "accountId", "type": "uint128"},
			{"name": "sizeDelta", "type": "int128"},
			{"name": "settlementStrategyId", "type": "uint128"},
			{"name": "acceptablePrice", "type": "uint256"},
			{"name": "trackingCode", "type": "bytes32"},
			{"name": "referrer", "type": "address"}
		]}
	 ]}]}
]`)

func mustABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}

func isMethod(data []byte, name string) bool {
	m, ok := multicall3.Methods[name]
	if !ok {
		m, ok = views.Methods[name]
	}
	return ok && len(data) >= 4 && string(data[:4]) == string(m.ID)
}

// viewArgs desempaqueta los argumentos de una llamada a un método de views.
func viewArgs(name string, data []byte) []any {
	args, err := views.Methods[name].Inputs.Unpack(data[4:])
	if err != nil {
		panic(err)
	}
	return args
}

// viewReturn empaqueta la salida de un método de views.
func viewReturn(name string, vals ...any) []byte {
	out, err := views.Methods[name].Outputs.Pack(vals...)
	if err != nil {
		panic(err)
	}
	return out
}
