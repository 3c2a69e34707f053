package keeper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alejandrodnm/perpkeeper/internal/domain"
	"github.com/alejandrodnm/perpkeeper/internal/metrics"
	"github.com/alejandrodnm/perpkeeper/internal/ports"
)

// LiquidatorConfig controla la secuencia flag + liquidate.
type LiquidatorConfig struct {
	MarketID      uint64
	FeeMultiplier uint64
	FlagFirst     bool // flaggear la cuenta antes de liquidar
	AtomicFlag    bool // flag y liquidate en un solo multicall
	AwaitReceipt  bool // esperar el receipt y contar un revert como fallo
	Workers       int
}

// Liquidator envía liquidaciones con aislamiento de fallos por cuenta.
type Liquidator struct {
	builder ports.LiquidationBuilder
	tx      *Submitter
	cfg     LiquidatorConfig
	metrics *metrics.Keeper
}

// NewLiquidator crea un Liquidator.
func NewLiquidator(builder ports.LiquidationBuilder, tx *Submitter, cfg LiquidatorConfig, m *metrics.Keeper) *Liquidator {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.FeeMultiplier == 0 {
		cfg.FeeMultiplier = 2
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Liquidator{builder: builder, tx: tx, cfg: cfg, metrics: m}
}

// Liquidate procesa cada cuenta de forma independiente: un fallo nunca corta el lote.
// Los resultados vuelven alineados con ids.
func (l *Liquidator) Liquidate(ctx context.Context, ids []domain.AccountID) []domain.LiquidationOutcome {
	outcomes := make([]domain.LiquidationOutcome, len(ids))
	if len(ids) == 0 {
		return outcomes
	}

	workers := min(l.cfg.Workers, len(ids))
	workCh := make(chan int, len(ids))
	for i := range ids {
		workCh <- i
	}
	close(workCh)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range workCh {
				outcomes[i] = l.liquidateOne(ctx, ids[i])
			}
		}()
	}
	wg.Wait()

	failed := 0
	for _, o := range outcomes {
		if o.Err != nil {
			failed++
		}
	}
	slog.Info("liquidate: batch done", "accounts", len(ids), "failed", failed, "workers", workers)
	return outcomes
}

func (l *Liquidator) liquidateOne(ctx context.Context, id domain.AccountID) domain.LiquidationOutcome {
	out := domain.LiquidationOutcome{AccountID: id}
	meta := txMeta{account: id.String(), market: l.cfg.MarketID}
	log := slog.With("account", id.String(), "market", l.cfg.MarketID)

	var pendingFlag *domain.TxIntent
	if l.cfg.FlagFirst {
		flag, err := l.builder.BuildFlagTx(ctx, id, l.cfg.MarketID)
		switch {
		case err != nil:
			log.Warn("liquidate: flag build failed, liquidating without flag", "err", err)
		case l.cfg.AtomicFlag:
			pendingFlag = &flag
		default:
			if err := l.sendFlag(ctx, flag, meta); err != nil {
				log.Warn("liquidate: flag failed, liquidating without flag", "err", err)
			} else {
				out.Flagged = true
			}
		}
	}

	tx, err := l.builder.BuildLiquidationTx(ctx, id, l.cfg.MarketID)
	if err != nil {
		return l.fail(out, fmt.Errorf("build liquidation: %w", err))
	}

	if pendingFlag != nil {
		composed, err := l.builder.ComposeMulticall(ctx, []domain.TxIntent{*pendingFlag, tx})
		if err != nil {
			log.Warn("liquidate: compose failed, liquidating without flag", "err", err)
		} else if err := l.send(ctx, composed, meta, &out, true); err != nil {
			// el flag puede revertir (cuenta ya flaggeada) y arrastra todo el multicall
			log.Warn("liquidate: flag+liquidate failed, retrying without flag", "err", err)
		} else {
			return out
		}
	}

	if err := l.send(ctx, tx, meta, &out, false); err != nil {
		return l.fail(out, err)
	}
	return out
}

// send aplica el fee bump, envía y, en modo estricto, espera el receipt.
func (l *Liquidator) send(ctx context.Context, tx domain.TxIntent, meta txMeta, out *domain.LiquidationOutcome, flagged bool) error {
	tx, err := tx.WithFeeMultiplier(l.cfg.FeeMultiplier)
	if err != nil {
		return err
	}

	h, recID, err := l.tx.submit(ctx, tx, meta)
	if err != nil {
		return err
	}
	l.metrics.LiquidationsSubmitted.Inc()
	out.Submitted = true
	out.TxHash = h.Hash.Hex()
	if flagged {
		out.Flagged = true
	}
	log := slog.With("account", meta.account, "market", meta.market, "tx", out.TxHash)
	log.Info("liquidate: submitted", "flagged", out.Flagged)

	if l.cfg.AwaitReceipt {
		if _, err := l.tx.wait(ctx, h, recID, meta); err != nil {
			if flagged {
				out.Flagged = false
			}
			return err
		}
		log.Info("liquidate: confirmed")
	}
	return nil
}

// sendFlag envía el flag como tx propia y espera su receipt.
func (l *Liquidator) sendFlag(ctx context.Context, flag domain.TxIntent, meta txMeta) error {
	flag, err := flag.WithFeeMultiplier(l.cfg.FeeMultiplier)
	if err != nil {
		return err
	}
	_, err = l.tx.execute(ctx, flag, meta)
	return err
}

func (l *Liquidator) fail(out domain.LiquidationOutcome, err error) domain.LiquidationOutcome {
	l.metrics.LiquidationsFailed.Inc()
	out.Err = err
	slog.Error("liquidate: account failed", "account", out.AccountID.String(), "market", l.cfg.MarketID, "err", err)
	return out
}
