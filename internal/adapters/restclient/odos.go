package restclient

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/alejandrodnm/perpkeeper/internal/domain"
	"github.com/alejandrodnm/perpkeeper/internal/ports"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

const (
	odosRouterPath   = "/info/router/v2/%d"
	odosQuotePath    = "/sor/quote/v2"
	odosAssemblePath = "/sor/assemble"

	// límite conservador para la API pública
	odosRatePerSec = 2
)

// Odos es el agregador de swaps usado por el último hop del rebalanceo.
type Odos struct {
	c        *client
	chainID  uint64
	slippage float64

	mu     sync.Mutex
	router common.Address
}

// NewOdos crea el cliente del agregador. slippage está en porcentaje (0.3 = 0.3%).
func NewOdos(base string, chainID uint64, slippage float64) *Odos {
	return &Odos{c: newClient("odos", base, odosRatePerSec, 2), chainID: chainID, slippage: slippage}
}

type odosRouterResponse struct {
	Address string `json:"address"`
}

// RouterAddress devuelve el contrato del router. Se consulta una vez y se cachea.
func (o *Odos) RouterAddress(ctx context.Context) (common.Address, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.router != (common.Address{}) {
		return o.router, nil
	}

	var resp odosRouterResponse
	if err := o.c.get(ctx, fmt.Sprintf(odosRouterPath, o.chainID), &resp); err != nil {
		return common.Address{}, fmt.Errorf("odos.RouterAddress: %w", err)
	}
	if !common.IsHexAddress(resp.Address) {
		return common.Address{}, fmt.Errorf("odos.RouterAddress: invalid address %q", resp.Address)
	}
	o.router = common.HexToAddress(resp.Address)
	return o.router, nil
}

type odosToken struct {
	TokenAddress string  `json:"tokenAddress"`
	Amount       string  `json:"amount,omitempty"`
	Proportion   float64 `json:"proportion,omitempty"`
}

type odosQuoteRequest struct {
	ChainID              uint64      `json:"chainId"`
	InputTokens          []odosToken `json:"inputTokens"`
	OutputTokens         []odosToken `json:"outputTokens"`
	SlippageLimitPercent float64     `json:"slippageLimitPercent"`
	UserAddr             string      `json:"userAddr"`
	DisableRFQs          bool        `json:"disableRFQs"`
	Compact              bool        `json:"compact"`
}

type odosQuoteResponse struct {
	PathID     string   `json:"pathId"`
	OutAmounts []string `json:"outAmounts"`
}

// Quote cotiza amountIn de tokenIn hacia tokenOut.
func (o *Odos) Quote(ctx context.Context, tokenIn common.Address, amountIn *big.Int, tokenOut common.Address, user common.Address) (ports.SwapQuote, error) {
	req := odosQuoteRequest{
		ChainID:              o.chainID,
		InputTokens:          []odosToken{{TokenAddress: tokenIn.Hex(), Amount: amountIn.String()}},
		OutputTokens:         []odosToken{{TokenAddress: tokenOut.Hex(), Proportion: 1}},
		SlippageLimitPercent: o.slippage,
		UserAddr:             user.Hex(),
		DisableRFQs:          true,
		Compact:              true,
	}
	var resp odosQuoteResponse
	if err := o.c.post(ctx, odosQuotePath, req, &resp); err != nil {
		return ports.SwapQuote{}, fmt.Errorf("odos.Quote: %w", err)
	}
	if resp.PathID == "" {
		return ports.SwapQuote{}, fmt.Errorf("odos.Quote: empty path id")
	}

	q := ports.SwapQuote{PathID: resp.PathID}
	if len(resp.OutAmounts) > 0 {
		out, ok := new(big.Int).SetString(resp.OutAmounts[0], 10)
		if !ok {
			return ports.SwapQuote{}, fmt.Errorf("odos.Quote: invalid out amount %q", resp.OutAmounts[0])
		}
		q.AmountOut = out
	}
	return q, nil
}

type odosAssembleRequest struct {
	UserAddr string `json:"userAddr"`
	PathID   string `json:"pathId"`
	Simulate bool   `json:"simulate"`
}

type odosAssembleResponse struct {
	Transaction struct {
		To   string `json:"to"`
		Data string `json:"data"`
	} `json:"transaction"`
	Simulation *struct {
		IsSuccess       bool `json:"isSuccess"`
		SimulationError *struct {
			Type     string `json:"type"`
			ErrorMsg string `json:"errorMessage"`
		} `json:"simulationError"`
	} `json:"simulation"`
}

// Assemble convierte una cotización en una tx firmable. El value se fuerza a 0
// y el gas se deja vacío para re-estimarlo al enviar.
func (o *Odos) Assemble(ctx context.Context, pathID string, user common.Address) (domain.TxIntent, error) {
	req := odosAssembleRequest{UserAddr: user.Hex(), PathID: pathID, Simulate: true}
	var resp odosAssembleResponse
	if err := o.c.post(ctx, odosAssemblePath, req, &resp); err != nil {
		return domain.TxIntent{}, fmt.Errorf("odos.Assemble: %w", err)
	}
	if sim := resp.Simulation; sim != nil && !sim.IsSuccess {
		msg := "unknown"
		if sim.SimulationError != nil {
			msg = sim.SimulationError.ErrorMsg
		}
		return domain.TxIntent{}, fmt.Errorf("odos.Assemble: simulation failed: %s", msg)
	}
	if !common.IsHexAddress(resp.Transaction.To) {
		return domain.TxIntent{}, fmt.Errorf("odos.Assemble: invalid router %q", resp.Transaction.To)
	}
	data, err := hexutil.Decode(resp.Transaction.Data)
	if err != nil {
		return domain.TxIntent{}, fmt.Errorf("odos.Assemble: calldata: %w", err)
	}
	return domain.TxIntent{
		Kind:  domain.TxSwap,
		To:    common.HexToAddress(resp.Transaction.To),
		Data:  data,
		Value: new(big.Int),
	}, nil
}
