package keeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/perpkeeper/internal/domain"
	"github.com/alejandrodnm/perpkeeper/internal/metrics"
	"github.com/alejandrodnm/perpkeeper/internal/ports"
)

// SettlerConfig parametriza el único handler de settlement.
type SettlerConfig struct {
	MarketID      uint64 // 0 = usar el mercado del evento
	Delay         time.Duration
	FeeMultiplier uint64
}

// Settler reacciona a commits de órdenes: espera, relee y settlea.
//
// La relectura justo antes de enviar es la guarda de idempotencia: si otro
// keeper (o un evento duplicado) ya settleó, el size delta es 0 y no se envía nada.
type Settler struct {
	protocol ports.OrderSettler
	tx       *Submitter
	cfg      SettlerConfig
	metrics  *metrics.Keeper
}

// NewSettler crea un Settler.
func NewSettler(protocol ports.OrderSettler, tx *Submitter, cfg SettlerConfig, m *metrics.Keeper) *Settler {
	if cfg.FeeMultiplier == 0 {
		cfg.FeeMultiplier = 2
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Settler{protocol: protocol, tx: tx, cfg: cfg, metrics: m}
}

// Settle procesa un commit hasta un estado final.
func (s *Settler) Settle(ctx context.Context, ev domain.OrderCommitted) domain.SettlementOutcome {
	s.metrics.OrderCommitted.Inc()

	market := ev.MarketID
	if s.cfg.MarketID != 0 {
		market = s.cfg.MarketID
	}
	out := domain.SettlementOutcome{Event: ev}
	log := slog.With(
		"account", ev.AccountID.String(),
		"market", s.protocol.MarketName(market),
		"block", ev.Block,
	)
	log.Info("settle: order committed")

	if err := sleepCtx(ctx, s.cfg.Delay); err != nil {
		return s.failed(log, out, fmt.Errorf("delay: %w", err))
	}

	order, err := s.protocol.GetOrder(ctx, ev.AccountID)
	if err != nil {
		return s.failed(log, out, fmt.Errorf("get order: %w", err))
	}
	if order.IsEmpty() {
		s.metrics.OrdersSettledByOthers.Inc()
		out.State = domain.SettlementSettledByOthers
		log.Info("settle: order settled by others")
		return out
	}
	if order.IsStale {
		s.metrics.OrdersExpired.Inc()
		out.State = domain.SettlementExpired
		log.Warn("settle: order expired before settlement", "committed_at", order.CommittedAt)
		return out
	}

	tx, err := s.protocol.BuildSettlementTx(ctx, ev.AccountID, market)
	if err != nil {
		return s.failed(log, out, fmt.Errorf("build settlement: %w", err))
	}
	tx, err = tx.WithFeeMultiplier(s.cfg.FeeMultiplier)
	if err != nil {
		return s.failed(log, out, err)
	}

	meta := txMeta{account: ev.AccountID.String(), market: market, block: ev.Block}
	h, recID, err := s.tx.submit(ctx, tx, meta)
	if err != nil {
		return s.failed(log, out, err)
	}
	out.TxHash = h.Hash.Hex()

	if _, err := s.tx.wait(ctx, h, recID, meta); err != nil {
		return s.failed(log, out, err)
	}

	s.metrics.OrdersSettled.Inc()
	out.State = domain.SettlementConfirmed
	log.Info("settle: order settled", "tx", out.TxHash, "size_delta", order.SizeDelta.String())
	return out
}

func (s *Settler) failed(log *slog.Logger, out domain.SettlementOutcome, err error) domain.SettlementOutcome {
	s.metrics.OrdersFailed.Inc()
	out.State = domain.SettlementFailed
	out.Err = err
	log.Error("settle: order failed", "tx", out.TxHash, "err", err)
	return out
}

// sleepCtx espera d respetando el contexto. d <= 0 no espera.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
