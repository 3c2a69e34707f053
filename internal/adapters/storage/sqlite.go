package storage

// sqlite.go: journal de transacciones del keeper.
//
//   - `txs`: una fila por transacción enviada (UPSERT por id). El submit crea la
//     fila y el receipt la completa con status, gas y bloque.
//   - Los envíos fallidos también se guardan, con el error.
//   - Prune automático al arrancar: filas de más de 30 días.

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/alejandrodnm/perpkeeper/internal/domain"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS txs (
    id          TEXT PRIMARY KEY,
    kind        TEXT    NOT NULL,
    account_id  TEXT    NOT NULL DEFAULT '',
    market_id   INTEGER NOT NULL DEFAULT 0,
    tx_hash     TEXT    NOT NULL DEFAULT '',
    status      TEXT    NOT NULL,
    gas_used    INTEGER NOT NULL DEFAULT 0,
    max_fee_wei TEXT    NOT NULL DEFAULT '',
    error       TEXT    NOT NULL DEFAULT '',
    block       INTEGER NOT NULL DEFAULT 0,
    created_at  INTEGER NOT NULL, -- unix ms
    updated_at  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_txs_created ON txs(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_txs_kind    ON txs(kind);
`

const retentionTxs = 30 * 24 * time.Hour

// SQLiteJournal implementa ports.TxJournal y ports.TxHistory usando SQLite (pure Go, sin CGo).
type SQLiteJournal struct {
	db *sql.DB
}

// NewSQLiteJournal abre (o crea) la base de datos en la ruta dada,
// aplica el schema y limpia filas viejas.
func NewSQLiteJournal(path string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.NewSQLiteJournal: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite es single-writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteJournal: apply schema: %w", err)
	}

	j := &SQLiteJournal{db: db}
	if _, err := j.Prune(context.Background(), time.Now().Add(-retentionTxs)); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteJournal: %w", err)
	}
	return j, nil
}

// RecordTx inserta o actualiza la fila de rec.ID. En un update, los campos
// vacíos no pisan lo que ya estaba guardado.
func (j *SQLiteJournal) RecordTx(ctx context.Context, rec domain.TxRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("storage.RecordTx: missing id")
	}
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	now := time.Now().UnixMilli()

	_, err := j.db.ExecContext(ctx, `
		INSERT INTO txs
			(id, kind, account_id, market_id, tx_hash, status, gas_used,
			 max_fee_wei, error, block, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tx_hash     = CASE WHEN excluded.tx_hash = '' THEN tx_hash ELSE excluded.tx_hash END,
			status      = excluded.status,
			gas_used    = MAX(gas_used, excluded.gas_used),
			max_fee_wei = CASE WHEN excluded.max_fee_wei = '' THEN max_fee_wei ELSE excluded.max_fee_wei END,
			error       = excluded.error,
			block       = MAX(block, excluded.block),
			updated_at  = excluded.updated_at
	`,
		rec.ID,
		string(rec.Kind),
		rec.AccountID,
		int64(rec.MarketID),
		rec.TxHash,
		string(rec.Status),
		int64(rec.GasUsed),
		rec.MaxFeeWei,
		rec.Error,
		int64(rec.Block),
		created.UnixMilli(), // created_at: ignorado en ON CONFLICT
		now,
	)
	if err != nil {
		return fmt.Errorf("storage.RecordTx: upsert %s: %w", rec.ID, err)
	}
	return nil
}

// TxSummary agrega por tipo las transacciones creadas desde since.
func (j *SQLiteJournal) TxSummary(ctx context.Context, since time.Time) ([]domain.TxSummary, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT kind,
		       COUNT(*),
		       SUM(CASE WHEN status = ? THEN 1 ELSE 0 END),
		       SUM(CASE WHEN status = ? THEN 1 ELSE 0 END),
		       SUM(CASE WHEN status = ? THEN 1 ELSE 0 END),
		       COALESCE(SUM(gas_used), 0)
		FROM txs
		WHERE created_at >= ?
		GROUP BY kind
		ORDER BY COUNT(*) DESC, kind
	`, string(domain.TxStatusConfirmed), string(domain.TxStatusReverted), string(domain.TxStatusFailed), since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("storage.TxSummary: query: %w", err)
	}
	defer rows.Close()

	var out []domain.TxSummary
	for rows.Next() {
		var s domain.TxSummary
		var kind string
		var gas int64
		if err := rows.Scan(&kind, &s.Total, &s.Confirmed, &s.Reverted, &s.Failed, &gas); err != nil {
			return nil, fmt.Errorf("storage.TxSummary: scan row: %w", err)
		}
		s.Kind = domain.TxKind(kind)
		s.GasUsed = uint64(gas)
		out = append(out, s)
	}
	return out, rows.Err()
}

// RecentTxs devuelve las últimas limit transacciones, la más nueva primero.
func (j *SQLiteJournal) RecentTxs(ctx context.Context, limit int) ([]domain.TxRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, kind, account_id, market_id, tx_hash, status, gas_used,
		       max_fee_wei, error, block, created_at
		FROM txs
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage.RecentTxs: query: %w", err)
	}
	defer rows.Close()

	var out []domain.TxRecord
	for rows.Next() {
		var rec domain.TxRecord
		var kind, status string
		var market, gas, block, created int64
		if err := rows.Scan(
			&rec.ID, &kind, &rec.AccountID, &market, &rec.TxHash, &status, &gas,
			&rec.MaxFeeWei, &rec.Error, &block, &created,
		); err != nil {
			return nil, fmt.Errorf("storage.RecentTxs: scan row: %w", err)
		}
		rec.Kind = domain.TxKind(kind)
		rec.Status = domain.TxStatus(status)
		rec.MarketID = uint64(market)
		rec.GasUsed = uint64(gas)
		rec.Block = uint64(block)
		rec.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Prune borra las filas creadas antes de before y devuelve cuántas borró.
func (j *SQLiteJournal) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx, `DELETE FROM txs WHERE created_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("storage.Prune: %w", err)
	}
	return res.RowsAffected()
}

// Close cierra la conexión a la base de datos.
func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}
