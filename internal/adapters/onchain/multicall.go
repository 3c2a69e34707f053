package onchain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// call3 es un elemento de Multicall3.aggregate3.
type call3 struct {
	Target       common.Address
	AllowFailure bool
	CallData     []byte
}

// call3Value es un elemento de Multicall3.aggregate3Value.
type call3Value struct {
	Target       common.Address
	AllowFailure bool
	Value        *big.Int
	CallData     []byte
}

// result es la salida por llamada de aggregate3/aggregate3Value.
type result struct {
	Success    bool
	ReturnData []byte
}

// aggregate hace una sola eth_call a Multicall3 con todas las llamadas.
// Con allowFailure=false cualquier revert hace fallar la lectura entera.
func (c *Client) aggregate(ctx context.Context, multicall common.Address, calls []call3) ([]result, error) {
	if len(calls) == 0 {
		return nil, nil
	}
	data, err := multicallABI.Pack("aggregate3", calls)
	if err != nil {
		return nil, fmt.Errorf("pack aggregate3: %w", err)
	}
	return c.doAggregate(ctx, multicall, "aggregate3", data, nil, len(calls))
}

// aggregateValue es aggregate para llamadas que llevan value.
func (c *Client) aggregateValue(ctx context.Context, multicall common.Address, calls []call3Value) ([]result, error) {
	if len(calls) == 0 {
		return nil, nil
	}
	data, err := multicallABI.Pack("aggregate3Value", calls)
	if err != nil {
		return nil, fmt.Errorf("pack aggregate3Value: %w", err)
	}
	total := new(big.Int)
	for _, cl := range calls {
		if cl.Value != nil {
			total.Add(total, cl.Value)
		}
	}
	return c.doAggregate(ctx, multicall, "aggregate3Value", data, total, len(calls))
}

func (c *Client) doAggregate(ctx context.Context, multicall common.Address, method string, data []byte, value *big.Int, n int) ([]result, error) {
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{From: c.address, To: &multicall, Data: data, Value: value}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	results, err := decodeResults(method, out)
	if err != nil {
		return nil, err
	}
	if len(results) != n {
		return nil, fmt.Errorf("%s: %d results for %d calls", method, len(results), n)
	}
	return results, nil
}

func decodeResults(method string, out []byte) ([]result, error) {
	vals, err := multicallABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(vals) != 1 {
		return nil, fmt.Errorf("unpack %s: unexpected output", method)
	}
	results := *abi.ConvertType(vals[0], new([]result)).(*[]result)
	return results, nil
}

// unpackOne desempaqueta el único valor de retorno de method.
func unpackOne(contract abi.ABI, method string, data []byte) (any, error) {
	vals, err := contract.Unpack(method, data)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(vals) == 0 {
		return nil, fmt.Errorf("unpack %s: empty output", method)
	}
	return vals[0], nil
}

// unpackBig desempaqueta un uint256/int256 de una sola salida.
func unpackBig(contract abi.ABI, method string, data []byte) (*big.Int, error) {
	v, err := unpackOne(contract, method, data)
	if err != nil {
		return nil, err
	}
	b, ok := v.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unpack %s: expected integer, got %T", method, v)
	}
	return b, nil
}

// unpackBool desempaqueta un bool de una sola salida.
func unpackBool(contract abi.ABI, method string, data []byte) (bool, error) {
	v, err := unpackOne(contract, method, data)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("unpack %s: expected bool, got %T", method, v)
	}
	return b, nil
}
