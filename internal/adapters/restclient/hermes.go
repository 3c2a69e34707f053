package restclient

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	"github.com/alejandrodnm/perpkeeper/internal/domain"
)

const (
	hermesLatestPath = "/v2/updates/price/latest"

	// límite conservador para el endpoint público
	hermesRatePerSec = 3
)

// Hermes es el servicio de precios firmados de Pyth.
type Hermes struct {
	c *client
}

// NewHermes crea el cliente del servicio de precios.
func NewHermes(base string) *Hermes {
	return &Hermes{c: newClient("hermes", base, hermesRatePerSec, 3)}
}

type hermesResponse struct {
	Binary struct {
		Encoding string   `json:"encoding"`
		Data     []string `json:"data"`
	} `json:"binary"`
}

// GetPriceUpdate pide el último update firmado para los feeds dados.
func (h *Hermes) GetPriceUpdate(ctx context.Context, feeds []domain.FeedID) (domain.PriceUpdate, error) {
	if len(feeds) == 0 {
		return domain.PriceUpdate{}, fmt.Errorf("hermes.GetPriceUpdate: no feeds")
	}
	q := url.Values{}
	for _, f := range feeds {
		q.Add("ids[]", f.Hex())
	}
	q.Set("encoding", "hex")

	var resp hermesResponse
	if err := h.c.get(ctx, hermesLatestPath+"?"+q.Encode(), &resp); err != nil {
		return domain.PriceUpdate{}, fmt.Errorf("hermes.GetPriceUpdate: %w", err)
	}
	if resp.Binary.Encoding != "" && resp.Binary.Encoding != "hex" {
		return domain.PriceUpdate{}, fmt.Errorf("hermes.GetPriceUpdate: unexpected encoding %q", resp.Binary.Encoding)
	}
	if len(resp.Binary.Data) == 0 {
		return domain.PriceUpdate{}, fmt.Errorf("hermes.GetPriceUpdate: empty update")
	}

	data := make([][]byte, len(resp.Binary.Data))
	for i, s := range resp.Binary.Data {
		b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
		if err != nil {
			return domain.PriceUpdate{}, fmt.Errorf("hermes.GetPriceUpdate: decode payload %d: %w", i, err)
		}
		data[i] = b
	}
	return domain.PriceUpdate{Feeds: feeds, Data: data}, nil
}
