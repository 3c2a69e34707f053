package domain

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// FeedID es el id de 32 bytes de un price feed del oráculo.
type FeedID [32]byte

// ParseFeedID acepta hex con o sin prefijo 0x.
func ParseFeedID(s string) (FeedID, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if len(s) != 64 {
		return FeedID{}, fmt.Errorf("domain.ParseFeedID: expected 64 hex chars, got %d", len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return FeedID{}, fmt.Errorf("domain.ParseFeedID: %w", err)
	}
	var id FeedID
	copy(id[:], b)
	return id, nil
}

// Hex devuelve el id con prefijo 0x.
func (f FeedID) Hex() string { return "0x" + hex.EncodeToString(f[:]) }

func (f FeedID) String() string { return f.Hex() }

// PriceUpdate es el payload firmado del servicio de precios para los feeds pedidos.
type PriceUpdate struct {
	Feeds []FeedID
	Data  [][]byte
}

// PriceCheckOutcome resume una pasada del guardian.
type PriceCheckOutcome string

const (
	PricesFresh   PriceCheckOutcome = "fresh"
	PricesPushed  PriceCheckOutcome = "pushed"
	PricesSkipped PriceCheckOutcome = "skipped"
	PricesFailed  PriceCheckOutcome = "failed"
)

// PriceCheck es el resultado de Check.
type PriceCheck struct {
	Outcome PriceCheckOutcome
	Stale   []FeedID
	CostETH string
	TxHash  string
}
