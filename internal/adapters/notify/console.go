package notify

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/alejandrodnm/perpkeeper/internal/domain"
	"github.com/alejandrodnm/perpkeeper/internal/ports"
	"github.com/olekukonko/tablewriter"
)

// Console imprime el reporte del journal de transacciones.
type Console struct {
	out   io.Writer
	table bool
}

// NewConsole crea un reporter que escribe a stdout.
func NewConsole(table bool) *Console {
	return &Console{out: os.Stdout, table: table}
}

// NewConsoleWriter crea un reporter para tests.
func NewConsoleWriter(w io.Writer, table bool) *Console {
	return &Console{out: w, table: table}
}

// Report imprime el resumen por tipo desde since y las últimas recent transacciones.
func (c *Console) Report(ctx context.Context, history ports.TxHistory, since time.Time, recent int) error {
	summary, err := history.TxSummary(ctx, since)
	if err != nil {
		return fmt.Errorf("notify.Report: %w", err)
	}
	var txs []domain.TxRecord
	if recent > 0 {
		if txs, err = history.RecentTxs(ctx, recent); err != nil {
			return fmt.Errorf("notify.Report: %w", err)
		}
	}

	if len(summary) == 0 && len(txs) == 0 {
		fmt.Fprintf(c.out, "[%s] no transactions since %s\n", time.Now().Format("15:04:05"), since.Format(time.RFC3339))
		return nil
	}

	if c.table {
		c.printSummaryTable(summary, since)
		if len(txs) > 0 {
			c.printRecentTable(txs)
		}
		return nil
	}
	c.printCompact(summary)
	return nil
}

// printCompact imprime una línea por ciclo de reporte.
func (c *Console) printCompact(summary []domain.TxSummary) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s]", time.Now().Format("15:04:05"))
	for _, s := range summary {
		fmt.Fprintf(&sb, " | %s %d ok:%d rev:%d fail:%d", s.Kind, s.Total, s.Confirmed, s.Reverted, s.Failed)
	}
	fmt.Fprintln(c.out, sb.String())
}

func (c *Console) printSummaryTable(summary []domain.TxSummary, since time.Time) {
	var total, confirmed int
	var gas uint64
	for _, s := range summary {
		total += s.Total
		confirmed += s.Confirmed
		gas += s.GasUsed
	}
	fmt.Fprintf(c.out, "\nTransactions since %s: %d (%d confirmed, %s)\n",
		since.Format("2006-01-02 15:04"), total, confirmed, successRate(confirmed, total))

	table := tablewriter.NewWriter(c.out)
	table.Header("Kind", "Total", "Confirmed", "Reverted", "Failed", "Gas used")
	for _, s := range summary {
		table.Append(
			string(s.Kind),
			fmt.Sprintf("%d", s.Total),
			fmt.Sprintf("%d", s.Confirmed),
			fmt.Sprintf("%d", s.Reverted),
			fmt.Sprintf("%d", s.Failed),
			fmt.Sprintf("%d", s.GasUsed),
		)
	}
	table.Render()
}

func (c *Console) printRecentTable(txs []domain.TxRecord) {
	fmt.Fprintf(c.out, "\nLast %d transactions\n", len(txs))

	table := tablewriter.NewWriter(c.out)
	table.Header("Time", "Kind", "Account", "Market", "Status", "Tx", "Detail")
	for _, tx := range txs {
		market := "-"
		if tx.MarketID != 0 {
			market = fmt.Sprintf("%d", tx.MarketID)
		}
		account := tx.AccountID
		if account == "" {
			account = "-"
		}
		table.Append(
			tx.CreatedAt.Local().Format("01-02 15:04:05"),
			string(tx.Kind),
			account,
			market,
			string(tx.Status),
			shortHash(tx.TxHash),
			truncate(tx.Error, 60),
		)
	}
	table.Render()
}

func successRate(ok, total int) string {
	if total == 0 {
		return "n/a"
	}
	return fmt.Sprintf("%.0f%% success", 100*float64(ok)/float64(total))
}

// shortHash deja 0x1234…abcd.
func shortHash(h string) string {
	if len(h) <= 14 {
		return h
	}
	return h[:6] + "…" + h[len(h)-4:]
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
