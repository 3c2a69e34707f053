package onchain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/alejandrodnm/perpkeeper/internal/domain"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

const (
	defaultPollInterval = 2 * time.Second

	// gasBufferNum/gasBufferDen: 20% sobre la estimación
	gasBufferNum = 12
	gasBufferDen = 10
)

// Backend es el subconjunto del RPC de Ethereum que usa el keeper.
// *ethclient.Client lo implementa.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	BalanceAt(ctx context.Context, account common.Address, block *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
}

// Client firma y envía transacciones. Es el único dueño del nonce de la wallet:
// los envíos se serializan y cada tx toma el siguiente nonce.
type Client struct {
	backend      Backend
	key          *ecdsa.PrivateKey
	address      common.Address
	chainID      *big.Int
	signer       types.Signer
	pollInterval time.Duration

	mu       sync.Mutex
	nonce    uint64
	nonceSet bool
}

// Dial conecta al RPC (http o websocket) y prepara el signer.
// privateKeyHex acepta el prefijo 0x.
func Dial(ctx context.Context, rpcURL, privateKeyHex string, opts ...Option) (*Client, error) {
	rpcURL = strings.TrimSpace(rpcURL)
	if rpcURL == "" {
		return nil, errors.New("onchain.Dial: rpc url required")
	}
	ec, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("onchain.Dial: dial rpc: %w", err)
	}
	c, err := NewClient(ctx, ec, privateKeyHex, opts...)
	if err != nil {
		ec.Close()
		return nil, err
	}
	return c, nil
}

// Option configura un Client.
type Option func(*Client)

// WithPollInterval cambia el intervalo de polling de receipts.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// NewClient crea un Client sobre un Backend ya conectado.
func NewClient(ctx context.Context, backend Backend, privateKeyHex string, opts ...Option) (*Client, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("onchain.NewClient: invalid private key: %w", err)
	}
	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("onchain.NewClient: chain id: %w", err)
	}
	c := &Client{
		backend:      backend,
		key:          key,
		address:      crypto.PubkeyToAddress(key.PublicKey),
		chainID:      chainID,
		signer:       types.LatestSignerForChainID(chainID),
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Address es la wallet del keeper.
func (c *Client) Address() common.Address { return c.address }

// ChainID es el id de la red conectada.
func (c *Client) ChainID() uint64 { return c.chainID.Uint64() }

// Backend expone el RPC para los bindings de contratos.
func (c *Client) Backend() Backend { return c.backend }

// Close cierra la conexión RPC si el backend la tiene.
func (c *Client) Close() {
	if cl, ok := c.backend.(interface{ Close() }); ok {
		cl.Close()
	}
}

// NativeBalance devuelve el saldo de gas token de la wallet.
func (c *Client) NativeBalance(ctx context.Context) (*big.Int, error) {
	bal, err := c.backend.BalanceAt(ctx, c.address, nil)
	if err != nil {
		return nil, fmt.Errorf("onchain.NativeBalance: %w", err)
	}
	return bal, nil
}

// Prepare completa fees y gas de una intención. Los fees se fijan en
// 2 × base fee + tip; el gas se estima con un buffer del 20%. Una estimación
// fallida significa que la tx revertiría, así que se devuelve el error.
func (c *Client) Prepare(ctx context.Context, tx domain.TxIntent) (domain.TxIntent, error) {
	tx, err := c.WithFees(ctx, tx)
	if err != nil {
		return tx, err
	}
	if tx.Gas == 0 {
		to := tx.To
		gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{
			From:      c.address,
			To:        &to,
			Value:     tx.Value,
			Data:      tx.Data,
			GasFeeCap: tx.MaxFeePerGas,
			GasTipCap: tx.MaxPriorityFeePerGas,
		})
		if err != nil {
			return tx, fmt.Errorf("onchain.Prepare: estimate gas %s: %w", tx.Kind, err)
		}
		tx.Gas = gas * gasBufferNum / gasBufferDen
	}
	return tx, nil
}

// WithFees completa value y fees sin estimar gas. El gas queda para Submit.
func (c *Client) WithFees(ctx context.Context, tx domain.TxIntent) (domain.TxIntent, error) {
	if tx.Value == nil {
		tx.Value = new(big.Int)
	}
	if tx.MaxFeePerGas == nil {
		tip, err := c.backend.SuggestGasTipCap(ctx)
		if err != nil {
			return tx, fmt.Errorf("onchain.WithFees: tip cap: %w", err)
		}
		head, err := c.backend.HeaderByNumber(ctx, nil)
		if err != nil {
			return tx, fmt.Errorf("onchain.WithFees: head: %w", err)
		}
		base := new(big.Int)
		if head.BaseFee != nil {
			base.Set(head.BaseFee)
		}
		tx.MaxPriorityFeePerGas = tip
		tx.MaxFeePerGas = new(big.Int).Add(new(big.Int).Mul(base, big.NewInt(2)), tip)
	}
	if tx.MaxPriorityFeePerGas == nil {
		tx.MaxPriorityFeePerGas = new(big.Int).Set(tx.MaxFeePerGas)
	}
	return tx, nil
}

// Submit firma y envía tx con el siguiente nonce. Si el envío falla se
// descarta el nonce cacheado y el próximo envío lo relee del nodo.
func (c *Client) Submit(ctx context.Context, intent domain.TxIntent) (domain.TxHandle, error) {
	intent, err := c.Prepare(ctx, intent)
	if err != nil {
		return domain.TxHandle{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.nonceSet {
		n, err := c.backend.PendingNonceAt(ctx, c.address)
		if err != nil {
			return domain.TxHandle{}, fmt.Errorf("onchain.Submit: nonce: %w", err)
		}
		c.nonce, c.nonceSet = n, true
	}

	to := intent.To
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     c.nonce,
		GasTipCap: intent.MaxPriorityFeePerGas,
		GasFeeCap: intent.MaxFeePerGas,
		Gas:       intent.Gas,
		To:        &to,
		Value:     intent.Value,
		Data:      intent.Data,
	})
	signed, err := types.SignTx(tx, c.signer, c.key)
	if err != nil {
		return domain.TxHandle{}, fmt.Errorf("onchain.Submit: sign: %w", err)
	}

	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		c.nonceSet = false
		return domain.TxHandle{}, fmt.Errorf("onchain.Submit: send %s: %w", intent.Kind, err)
	}

	h := domain.TxHandle{Kind: intent.Kind, Hash: signed.Hash(), Nonce: c.nonce, SubmittedAt: time.Now().UTC()}
	c.nonce++
	slog.Debug("onchain: transaction sent",
		"kind", intent.Kind,
		"tx", h.Hash.Hex(),
		"nonce", h.Nonce,
		"gas", intent.Gas,
		"max_fee", intent.MaxFeePerGas.String(),
	)
	return h, nil
}

// Wait hace polling del receipt hasta que aparece o vence el contexto.
func (c *Client) Wait(ctx context.Context, h domain.TxHandle) (domain.Receipt, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.backend.TransactionReceipt(ctx, h.Hash)
		switch {
		case err == nil && receipt != nil:
			return toReceipt(receipt), nil
		case err != nil && !errors.Is(err, ethereum.NotFound):
			slog.Debug("onchain: receipt lookup failed, retrying", "tx", h.Hash.Hex(), "err", err)
		}

		select {
		case <-ctx.Done():
			return domain.Receipt{}, fmt.Errorf("onchain.Wait: %s: %w", h.Hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

func toReceipt(r *types.Receipt) domain.Receipt {
	out := domain.Receipt{
		Hash:    r.TxHash,
		Status:  r.Status,
		GasUsed: r.GasUsed,
	}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.Uint64()
	}
	if r.EffectiveGasPrice != nil {
		out.EffectiveGasPrice = new(big.Int).Set(r.EffectiveGasPrice)
	}
	return out
}

// call hace un eth_call y desempaqueta la salida de method.
func (c *Client) call(ctx context.Context, contract abiUnpacker, to common.Address, method string, args ...any) ([]any, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{From: c.address, To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	vals, err := contract.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(vals) == 0 {
		return nil, fmt.Errorf("unpack %s: empty output", method)
	}
	return vals, nil
}

// abiUnpacker es lo que call necesita de abi.ABI.
type abiUnpacker interface {
	Pack(name string, args ...any) ([]byte, error)
	Unpack(name string, data []byte) ([]any, error)
}
