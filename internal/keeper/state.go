package keeper

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alejandrodnm/perpkeeper/internal/domain"
)

// State es el estado compartido del keeper. El snapshot de cuentas se lee sin locks
// y solo lo reemplaza un refresh exitoso.
type State struct {
	accounts     atomic.Pointer[domain.AccountSnapshot]
	lastBlock    atomic.Uint64
	lastSeen     atomic.Int64 // unix nanos del último bloque o evento
	liquidatable atomic.Int64

	mu    sync.Mutex
	tasks map[string]TaskReport
}

// TaskReport es el último resultado conocido de una tarea.
type TaskReport struct {
	Task     string        `json:"task"`
	Block    uint64        `json:"block"`
	Duration time.Duration `json:"duration_ns"`
	Error    string        `json:"error,omitempty"`
	At       time.Time     `json:"at"`
}

// NewState crea un State con un snapshot vacío.
func NewState() *State {
	s := &State{tasks: make(map[string]TaskReport)}
	s.accounts.Store(domain.NewAccountSnapshot(nil, 0))
	return s
}

// Accounts devuelve el snapshot vigente. Nunca es nil.
func (s *State) Accounts() *domain.AccountSnapshot { return s.accounts.Load() }

// SetAccounts reemplaza el snapshot entero.
func (s *State) SetAccounts(snap *domain.AccountSnapshot) { s.accounts.Store(snap) }

func (s *State) SetLastBlock(n uint64) { s.lastBlock.Store(n) }
func (s *State) LastBlock() uint64     { return s.lastBlock.Load() }

func (s *State) SetLiquidatable(n int) { s.liquidatable.Store(int64(n)) }
func (s *State) Liquidatable() int     { return int(s.liquidatable.Load()) }

// Touch marca actividad del stream.
func (s *State) Touch(now time.Time) { s.lastSeen.Store(now.UnixNano()) }

// LastSeen devuelve la última actividad; cero si nunca hubo.
func (s *State) LastSeen() time.Time {
	ns := s.lastSeen.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Alive indica si hubo actividad dentro de timeout. Antes del primer bloque cuenta como vivo.
func (s *State) Alive(now time.Time, timeout time.Duration) bool {
	last := s.LastSeen()
	if last.IsZero() {
		return true
	}
	return now.Sub(last) <= timeout
}

// RecordTask guarda el resultado de una corrida.
func (s *State) RecordTask(r TaskReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[r.Task] = r
}

// Tasks devuelve los últimos resultados ordenados por nombre.
func (s *State) Tasks() []TaskReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskReport, 0, len(s.tasks))
	for _, r := range s.tasks {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Task < out[j].Task })
	return out
}
