package keeper

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alejandrodnm/perpkeeper/internal/domain"
	"github.com/alejandrodnm/perpkeeper/internal/metrics"
	"github.com/alejandrodnm/perpkeeper/internal/ports"
)

// Scanner determina qué cuentas activas son liquidables. Es solo lectura.
type Scanner struct {
	reader    ports.LiquidationReader
	marketID  uint64
	chunkSize int
	parallel  int
	metrics   *metrics.Keeper
}

// NewScanner crea un Scanner; chunkSize <= 0 usa DefaultChunkSize.
func NewScanner(reader ports.LiquidationReader, marketID uint64, chunkSize, parallel int, m *metrics.Keeper) *Scanner {
	if m == nil {
		m = metrics.New(nil)
	}
	return &Scanner{reader: reader, marketID: marketID, chunkSize: chunkSize, parallel: parallel, metrics: m}
}

// Scan devuelve el subconjunto liquidable de ids, en el mismo orden.
func (s *Scanner) Scan(ctx context.Context, ids []domain.AccountID) ([]domain.AccountID, error) {
	checks, err := readChunked(ctx, ids, s.chunkSize, s.parallel,
		func(ctx context.Context, chunk []domain.AccountID) ([]domain.LiquidationCheck, error) {
			return s.reader.Liquidatable(ctx, s.marketID, chunk)
		})
	if err != nil {
		return nil, fmt.Errorf("keeper.Scan: %w", err)
	}

	var out []domain.AccountID
	for i, c := range checks {
		if c.Eligible() {
			out = append(out, ids[i])
		}
	}

	s.metrics.LiquidatableAccounts.Set(float64(len(out)))
	if len(out) > 0 {
		slog.Info("liquidate: found liquidatable accounts", "count", len(out), "scanned", len(ids))
	} else {
		slog.Debug("liquidate: no liquidatable accounts", "scanned", len(ids))
	}
	return out, nil
}
