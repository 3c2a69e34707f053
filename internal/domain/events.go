package domain

import "time"

// EventKind identifica la variante de un evento del stream.
type EventKind uint8

const (
	EventNewBlock EventKind = iota + 1
	EventOrderCommitted
)

func (k EventKind) String() string {
	switch k {
	case EventNewBlock:
		return "new_block"
	case EventOrderCommitted:
		return "order_committed"
	default:
		return "unknown"
	}
}

// Event es un evento ya decodificado en el borde del adapter.
type Event interface {
	Kind() EventKind
	BlockNumber() uint64
}

// NewBlock es la cabecera de un bloque nuevo.
type NewBlock struct {
	Number uint64
	Hash   string
	Time   time.Time
}

func (NewBlock) Kind() EventKind       { return EventNewBlock }
func (b NewBlock) BlockNumber() uint64 { return b.Number }

// OrderCommitted es un commit de orden async que hay que settlear.
// La entrega es at-least-once: el mismo commit puede llegar varias veces.
type OrderCommitted struct {
	AccountID AccountID
	MarketID  uint64
	Block     uint64
	TxHash    string
	LogIndex  uint
}

func (OrderCommitted) Kind() EventKind       { return EventOrderCommitted }
func (e OrderCommitted) BlockNumber() uint64 { return e.Block }
