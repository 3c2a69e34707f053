package restclient_test

import (
	"context"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/alejandrodnm/perpkeeper/internal/adapters/restclient"
	"github.com/alejandrodnm/perpkeeper/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixture(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile("../../../testdata/fixtures/" + name)
	require.NoError(t, err)
	return data
}

func mustFeed(t *testing.T, s string) domain.FeedID {
	t.Helper()
	f, err := domain.ParseFeedID(s)
	require.NoError(t, err)
	return f
}

func TestHermes_GetPriceUpdate(t *testing.T) {
	data := fixture(t, "hermes_latest.json")
	eth := mustFeed(t, "0xff61491a931112ddf1bd8147cd1b641375f79f5825126d665480874634fd0ace")
	btc := mustFeed(t, "0xe62df6c8b4a85fe1a67db44dc12de5db330f7ac66b72dc658afedf0f4a415b43")

	var gotIDs []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/updates/price/latest", r.URL.Path)
		gotIDs = r.URL.Query()["ids[]"]
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	}))
	defer srv.Close()

	up, err := restclient.NewHermes(srv.URL).GetPriceUpdate(context.Background(), []domain.FeedID{eth, btc})
	require.NoError(t, err)
	assert.Equal(t, []string{eth.Hex(), btc.Hex()}, gotIDs)
	assert.Equal(t, []domain.FeedID{eth, btc}, up.Feeds)
	require.Len(t, up.Data, 1)
	assert.Equal(t, "504e4155", hex.EncodeToString(up.Data[0][:4]))
}

func TestHermes_GetPriceUpdate_Errors(t *testing.T) {
	feed := mustFeed(t, "0xff61491a931112ddf1bd8147cd1b641375f79f5825126d665480874634fd0ace")

	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"bad request", http.StatusBadRequest, `{"message":"unknown price id"}`},
		{"empty payload", http.StatusOK, `{"binary":{"encoding":"hex","data":[]}}`},
		{"invalid hex", http.StatusOK, `{"binary":{"encoding":"hex","data":["zz"]}}`},
		{"wrong encoding", http.StatusOK, `{"binary":{"encoding":"base64","data":["UE5BVQ=="]}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := restclient.NewHermes(srv.URL).GetPriceUpdate(context.Background(), []domain.FeedID{feed})
			assert.Error(t, err)
		})
	}

	t.Run("no feeds", func(t *testing.T) {
		_, err := restclient.NewHermes("http://unused").GetPriceUpdate(context.Background(), nil)
		assert.Error(t, err)
	})
}
