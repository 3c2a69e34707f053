package keeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/perpkeeper/internal/domain"
	"github.com/alejandrodnm/perpkeeper/internal/ports"
	"github.com/google/uuid"
)

// ErrReverted indica que la transacción se minó con status 0.
var ErrReverted = errors.New("transaction reverted")

const defaultReceiptTimeout = 2 * time.Minute

// txMeta es el contexto con el que se registra una tx en el journal.
type txMeta struct {
	account string
	market  uint64
	block   uint64
}

// Submitter envía transacciones por el ChainClient y deja constancia en el journal.
// Es compartido por todos los componentes: el nonce sigue siendo del ChainClient.
type Submitter struct {
	chain          ports.ChainClient
	journal        ports.TxJournal
	receiptTimeout time.Duration
}

// NewSubmitter crea un Submitter. journal puede ser nil.
func NewSubmitter(chain ports.ChainClient, journal ports.TxJournal, receiptTimeout time.Duration) *Submitter {
	if receiptTimeout <= 0 {
		receiptTimeout = defaultReceiptTimeout
	}
	return &Submitter{chain: chain, journal: journal, receiptTimeout: receiptTimeout}
}

// submit envía tx. El registro queda en estado submitted o failed.
func (s *Submitter) submit(ctx context.Context, tx domain.TxIntent, meta txMeta) (domain.TxHandle, string, error) {
	rec := domain.TxRecord{
		ID:        uuid.NewString(),
		Kind:      tx.Kind,
		AccountID: meta.account,
		MarketID:  meta.market,
		Block:     meta.block,
		CreatedAt: time.Now().UTC(),
	}
	if tx.MaxFeePerGas != nil {
		rec.MaxFeeWei = tx.MaxFeePerGas.String()
	}

	h, err := s.chain.Submit(ctx, tx)
	if err != nil {
		rec.Status = domain.TxStatusFailed
		rec.Error = err.Error()
		s.record(ctx, rec)
		return domain.TxHandle{}, rec.ID, fmt.Errorf("submit %s: %w", tx.Kind, err)
	}

	rec.Status = domain.TxStatusSubmitted
	rec.TxHash = h.Hash.Hex()
	s.record(ctx, rec)
	return h, rec.ID, nil
}

// wait espera el receipt y actualiza el registro. Un revert devuelve ErrReverted.
func (s *Submitter) wait(ctx context.Context, h domain.TxHandle, recID string, meta txMeta) (domain.Receipt, error) {
	wctx, cancel := context.WithTimeout(ctx, s.receiptTimeout)
	defer cancel()

	rec := domain.TxRecord{
		ID:        recID,
		Kind:      h.Kind,
		AccountID: meta.account,
		MarketID:  meta.market,
		TxHash:    h.Hash.Hex(),
		Block:     meta.block,
		CreatedAt: h.SubmittedAt,
	}

	receipt, err := s.chain.Wait(wctx, h)
	if err != nil {
		rec.Status = domain.TxStatusFailed
		rec.Error = err.Error()
		s.record(ctx, rec)
		return domain.Receipt{}, fmt.Errorf("wait %s %s: %w", h.Kind, h.Hash.Hex(), err)
	}

	rec.GasUsed = receipt.GasUsed
	rec.Block = receipt.BlockNumber
	if !receipt.Succeeded() {
		rec.Status = domain.TxStatusReverted
		s.record(ctx, rec)
		return receipt, fmt.Errorf("%s %s: %w", h.Kind, h.Hash.Hex(), ErrReverted)
	}
	rec.Status = domain.TxStatusConfirmed
	s.record(ctx, rec)
	return receipt, nil
}

// execute = submit + wait.
func (s *Submitter) execute(ctx context.Context, tx domain.TxIntent, meta txMeta) (domain.Receipt, error) {
	h, id, err := s.submit(ctx, tx, meta)
	if err != nil {
		return domain.Receipt{}, err
	}
	return s.wait(ctx, h, id, meta)
}

func (s *Submitter) record(ctx context.Context, rec domain.TxRecord) {
	if s.journal == nil {
		return
	}
	if err := s.journal.RecordTx(context.WithoutCancel(ctx), rec); err != nil {
		slog.Warn("journal: record failed", "kind", rec.Kind, "tx", rec.TxHash, "err", err)
	}
}
