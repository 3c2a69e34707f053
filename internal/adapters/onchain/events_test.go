package onchain_test

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/alejandrodnm/perpkeeper/internal/adapters/onchain"
	"github.com/alejandrodnm/perpkeeper/internal/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func committedLog(market, account int64) types.Log {
	return types.Log{
		Address: marketProxy,
		Topics: []common.Hash{
			onchain.OrderCommittedTopic(),
			common.BigToHash(big.NewInt(market)),
			common.BigToHash(big.NewInt(account)),
			{}, // trackingCode
		},
		BlockNumber: 1234,
		TxHash:      common.HexToHash("0xfeed"),
		Index:       3,
	}
}

func TestDecodeOrderCommitted(t *testing.T) {
	ev, err := onchain.DecodeOrderCommitted(committedLog(100, 42))
	require.NoError(t, err)
	assert.Equal(t, domain.NewAccountID(42), ev.AccountID)
	assert.Equal(t, uint64(100), ev.MarketID)
	assert.Equal(t, uint64(1234), ev.Block)
	assert.Equal(t, uint(3), ev.LogIndex)
	assert.Equal(t, common.HexToHash("0xfeed").Hex(), ev.TxHash)
}

func TestDecodeOrderCommitted_Rejects(t *testing.T) {
	removed := committedLog(100, 42)
	removed.Removed = true
	_, err := onchain.DecodeOrderCommitted(removed)
	assert.ErrorIs(t, err, onchain.ErrRemovedLog)

	other := committedLog(100, 42)
	other.Topics[0] = common.HexToHash("0x01")
	_, err = onchain.DecodeOrderCommitted(other)
	assert.Error(t, err)

	short := committedLog(100, 42)
	short.Topics = short.Topics[:2]
	_, err = onchain.DecodeOrderCommitted(short)
	assert.Error(t, err)
}

func TestEvents_SubscribeOrderCommitted(t *testing.T) {
	b := newFakeBackend()
	ev := onchain.NewEvents(b, marketProxy)
	out := make(chan domain.OrderCommitted, 4)

	sub, err := ev.SubscribeOrderCommitted(context.Background(), out)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	assert.Equal(t, []common.Address{marketProxy}, b.query.Addresses)
	assert.Equal(t, onchain.OrderCommittedTopic(), b.query.Topics[0][0])

	removed := committedLog(100, 1)
	removed.Removed = true
	b.logs <- removed
	b.logs <- committedLog(100, 2)

	select {
	case got := <-out:
		assert.Equal(t, domain.NewAccountID(2), got.AccountID, "removed logs are dropped")
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestEvents_SubscribeBlocks(t *testing.T) {
	b := newFakeBackend()
	ev := onchain.NewEvents(b, marketProxy)
	out := make(chan domain.NewBlock, 1)

	sub, err := ev.SubscribeBlocks(context.Background(), out)
	require.NoError(t, err)

	b.heads <- &types.Header{Number: big.NewInt(88), Time: 1_700_000_000}
	select {
	case got := <-out:
		assert.Equal(t, uint64(88), got.Number)
		assert.Equal(t, time.Unix(1_700_000_000, 0).UTC(), got.Time)
	case <-time.After(time.Second):
		t.Fatal("no block delivered")
	}

	b.sub.errCh <- errors.New("ws closed")
	select {
	case err := <-sub.Err():
		assert.EqualError(t, err, "ws closed")
	case <-time.After(time.Second):
		t.Fatal("stream error not relayed")
	}

	sub.Unsubscribe()
	sub.Unsubscribe()
	select {
	case <-b.sub.done:
	default:
		t.Fatal("node subscription not released")
	}
}
