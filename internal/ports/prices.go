package ports

import (
	"context"

	"github.com/alejandrodnm/perpkeeper/internal/domain"
)

// PriceOracle lee la frescura de los feeds on-chain y construye el update.
type PriceOracle interface {
	// FreshFeeds devuelve, alineado con feeds, si cada precio está dentro de la tolerancia.
	FreshFeeds(ctx context.Context, feeds []domain.FeedID) ([]bool, error)

	// BuildPriceUpdateTx devuelve la tx con gas estimado y el fee del oráculo como value.
	BuildPriceUpdateTx(ctx context.Context, update domain.PriceUpdate) (domain.TxIntent, error)
}

// PriceService obtiene payloads firmados de precios (HTTP).
type PriceService interface {
	GetPriceUpdate(ctx context.Context, feeds []domain.FeedID) (domain.PriceUpdate, error)
}
