package keeper

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/alejandrodnm/perpkeeper/internal/domain"
	"github.com/alejandrodnm/perpkeeper/internal/metrics"
	"github.com/alejandrodnm/perpkeeper/internal/ports"
	"github.com/shopspring/decimal"
)

// TrackerConfig controla cómo se deriva el conjunto de cuentas activas.
type TrackerConfig struct {
	MarketID        uint64 // 0 = colateral total de la cuenta
	ChunkSize       int
	ReadParallelism int
	MinCollateral   decimal.Decimal // inclusive
}

// Tracker mantiene el universo de cuentas con colateral material.
type Tracker struct {
	reader  ports.AccountReader
	cfg     TrackerConfig
	metrics *metrics.Keeper
}

// NewTracker crea un Tracker. MinCollateral cero significa 1 USD.
func NewTracker(reader ports.AccountReader, cfg TrackerConfig, m *metrics.Keeper) *Tracker {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.MinCollateral.IsZero() {
		cfg.MinCollateral = decimal.NewFromInt(1)
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Tracker{reader: reader, cfg: cfg, metrics: m}
}

// Refresh relee todas las cuentas registradas y devuelve las activas, sin duplicados.
// Cualquier fallo de lectura aborta: el caller conserva el snapshot anterior.
func (t *Tracker) Refresh(ctx context.Context) ([]domain.AccountID, error) {
	start := time.Now()

	count, err := t.reader.AccountCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("keeper.Refresh: account count: %w", err)
	}

	indexes := make([]uint64, count)
	for i := range indexes {
		indexes[i] = uint64(i)
	}

	ids, err := readChunked(ctx, indexes, t.cfg.ChunkSize, t.cfg.ReadParallelism, t.reader.AccountIDsByIndex)
	if err != nil {
		return nil, fmt.Errorf("keeper.Refresh: resolve ids: %w", err)
	}

	values, err := readChunked(ctx, ids, t.cfg.ChunkSize, t.cfg.ReadParallelism,
		func(ctx context.Context, chunk []domain.AccountID) ([]*big.Int, error) {
			return t.reader.CollateralValues(ctx, t.cfg.MarketID, chunk)
		})
	if err != nil {
		return nil, fmt.Errorf("keeper.Refresh: collateral values: %w", err)
	}

	seen := make(map[domain.AccountID]struct{}, len(ids))
	active := make([]domain.AccountID, 0, len(ids))
	for i, id := range ids {
		standing := domain.AccountStanding{ID: id, Collateral: domain.CollateralValue(values[i])}
		if !standing.IsActive(t.cfg.MinCollateral) {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		active = append(active, id)
	}

	t.metrics.ActiveAccounts.Set(float64(len(active)))
	slog.Info("accounts: refreshed",
		"registered", count,
		"active", len(active),
		"market", t.cfg.MarketID,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return active, nil
}
