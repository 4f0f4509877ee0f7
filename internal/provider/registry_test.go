package provider_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/numgate/numgate/internal/provider"
)

func TestRegistryOrderAndLookup(t *testing.T) {
	a := provider.NewSMSActivate("k", "")
	b := provider.NewFiveSim("k", "")
	reg := provider.NewRegistry([]provider.Gateway{a, b}, 0)

	ordered := reg.Ordered()
	require.Len(t, ordered, 2)
	assert.Equal(t, "smsactivate", ordered[0].Name())
	assert.Equal(t, "fivesim", ordered[1].Name())

	gw, ok := reg.Get("fivesim")
	require.True(t, ok)
	assert.Equal(t, "fivesim", gw.Name())

	_, ok = reg.Get("nope")
	assert.False(t, ok)
}

func TestRegistryUnknownProviderCallsFail(t *testing.T) {
	reg := provider.NewRegistry(nil, time.Second)
	_, err := reg.CheckStatus(context.Background(), "ghost", "ref1")
	require.Error(t, err)
	assert.Equal(t, provider.KindBadRequest, provider.Classify(err))
}

func TestRegistryBoundsCallDuration(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	gw := provider.NewSMSHub("k", srv.URL)
	reg := provider.NewRegistry([]provider.Gateway{gw}, 50*time.Millisecond)

	start := time.Now()
	_, err := reg.Purchase(context.Background(), gw, provider.PurchaseRequest{Service: "tg", Country: "GB"})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.True(t, provider.Recoverable(err), "timeout must be recoverable: %v", err)
}
