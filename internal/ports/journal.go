package ports

import (
	"context"
	"time"

	"github.com/alejandrodnm/perpkeeper/internal/domain"
)

// TxJournal persiste cada transacción enviada y su resultado.
type TxJournal interface {
	RecordTx(ctx context.Context, rec domain.TxRecord) error
}

// TxHistory es la parte de lectura del journal, usada por el reporte.
type TxHistory interface {
	TxSummary(ctx context.Context, since time.Time) ([]domain.TxSummary, error)
	RecentTxs(ctx context.Context, limit int) ([]domain.TxRecord, error)
}
