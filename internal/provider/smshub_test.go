package provider_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/numgate/numgate/internal/provider"
)

func TestSMSHubPurchaseSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "getNumber", r.FormValue("action"))
		assert.Equal(t, "hubkey", r.FormValue("api_key"))

		w.Write([]byte("ACCESS_NUMBER:99201:447911123456"))
	}))
	defer srv.Close()

	p := provider.NewSMSHub("hubkey", srv.URL)
	got, err := p.Purchase(context.Background(), provider.PurchaseRequest{
		Service: "tg", Country: "GB", ExpectedPrice: 1500,
	})
	require.NoError(t, err)
	assert.Equal(t, "99201", got.Ref)
	assert.Equal(t, "+447911123456", got.Phone)
	// The protocol reports no price; the quote carries over.
	assert.Equal(t, int64(1500), got.Price)
}

func TestSMSHubErrorClassification(t *testing.T) {
	cases := []struct {
		body string
		kind provider.Kind
	}{
		{"NO_NUMBERS", provider.KindNoNumbers},
		{"SLOW_DOWN", provider.KindRateLimited},
		{"BAD_KEY", provider.KindAuth},
		{"WRONG_SERVICE", provider.KindInvalidProduct},
		{"BAD_ACTION", provider.KindBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.body, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			p := provider.NewSMSHub("k", srv.URL)
			_, err := p.Purchase(context.Background(), provider.PurchaseRequest{Service: "tg", Country: "GB"})
			require.Error(t, err)
			assert.Equal(t, tc.kind, provider.Classify(err))
		})
	}
}

func TestSMSHubMalformedPurchaseResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ACCESS_NUMBER:oops"))
	}))
	defer srv.Close()

	p := provider.NewSMSHub("k", srv.URL)
	_, err := p.Purchase(context.Background(), provider.PurchaseRequest{Service: "tg", Country: "GB"})
	require.Error(t, err)
	assert.Equal(t, provider.KindUnavailable, provider.Classify(err))
}

func TestSMSHubQuotesCollapseToAnyOperator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "getPrices", r.FormValue("action"))
		w.Write([]byte(`{"GB":{"tg":{"12.00":40,"15.50":25}}}`))
	}))
	defer srv.Close()

	p := provider.NewSMSHub("k", srv.URL)
	quotes, err := p.Quotes(context.Background(), "tg", "GB")
	require.NoError(t, err)
	require.Len(t, quotes, 1)
	q := quotes[provider.OperatorAny]
	assert.Equal(t, int64(1200), q.Cost)
	assert.Equal(t, 65, q.Count)
}

func TestSMSHubRejectsRentalCalls(t *testing.T) {
	p := provider.NewSMSHub("k", "")
	err := p.Extend(context.Background(), "99201", 60)
	require.Error(t, err)
	assert.Equal(t, provider.KindBadRequest, provider.Classify(err))
	assert.False(t, provider.Recoverable(err))
}

func TestSMSHubImplementsGateway(t *testing.T) {
	var _ provider.Gateway = (*provider.SMSHub)(nil)
}
