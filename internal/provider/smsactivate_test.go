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

func TestSMSActivatePurchaseSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "getNumberV2", r.URL.Query().Get("action"))
		assert.Equal(t, "key123", r.URL.Query().Get("api_key"))
		assert.Equal(t, "tg", r.URL.Query().Get("service"))
		assert.Equal(t, "GB", r.URL.Query().Get("country"))
		assert.Equal(t, "vodafone", r.URL.Query().Get("operator"))
		// The quoted operator cost goes out as the vendor-side cap.
		assert.Equal(t, "21.00", r.URL.Query().Get("maxPrice"))

		w.Write([]byte(`{"activationId":635468024,"phoneNumber":"447911123456","activationCost":20.5}`))
	}))
	defer srv.Close()

	p := provider.NewSMSActivate("key123", srv.URL)
	got, err := p.Purchase(context.Background(), provider.PurchaseRequest{
		Service: "tg", Country: "GB", Operator: "vodafone", ExpectedPrice: 2100,
	})
	require.NoError(t, err)
	assert.Equal(t, "635468024", got.Ref)
	assert.Equal(t, "+447911123456", got.Phone)
	assert.Equal(t, int64(2050), got.Price)
}

func TestSMSActivateErrorClassification(t *testing.T) {
	cases := []struct {
		body string
		kind provider.Kind
	}{
		{"NO_NUMBERS", provider.KindNoNumbers},
		{"SLOW_DOWN", provider.KindRateLimited},
		{"BAD_KEY", provider.KindAuth},
		{"NO_BALANCE", provider.KindAuth},
		{"WRONG_SERVICE", provider.KindInvalidProduct},
		{"NO_ACTIVATION", provider.KindBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.body, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			p := provider.NewSMSActivate("k", srv.URL)
			_, err := p.Purchase(context.Background(), provider.PurchaseRequest{Service: "tg", Country: "GB"})
			require.Error(t, err)
			assert.Equal(t, tc.kind, provider.Classify(err))
			assert.Equal(t, tc.kind.Recoverable(), provider.Recoverable(err))
		})
	}
}

func TestSMSActivateRejectsPriceAboveQuote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"activationId":1,"phoneNumber":"447911123456","activationCost":99.0}`))
	}))
	defer srv.Close()

	p := provider.NewSMSActivate("k", srv.URL)
	_, err := p.Purchase(context.Background(), provider.PurchaseRequest{
		Service: "tg", Country: "GB", ExpectedPrice: 2000,
	})
	require.Error(t, err)
	assert.Equal(t, provider.KindInvalidProduct, provider.Classify(err))
	assert.True(t, provider.Recoverable(err))
}

func TestSMSActivateRejectsWrongCountryNumber(t *testing.T) {
	// Asked for GB, vendor hands back a US number.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"activationId":1,"phoneNumber":"12125551234","activationCost":1.0}`))
	}))
	defer srv.Close()

	p := provider.NewSMSActivate("k", srv.URL)
	_, err := p.Purchase(context.Background(), provider.PurchaseRequest{Service: "tg", Country: "GB"})
	require.Error(t, err)
	assert.Equal(t, provider.KindInvalidProduct, provider.Classify(err))
}

func TestSMSActivateCheckStatus(t *testing.T) {
	responses := map[string]provider.Status{
		"STATUS_WAIT_CODE": {Pending: true},
		"STATUS_OK:482910": {Code: "482910", Text: "482910"},
	}
	for body, want := range responses {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "getStatus", r.URL.Query().Get("action"))
			w.Write([]byte(body))
		}))

		p := provider.NewSMSActivate("k", srv.URL)
		got, err := p.CheckStatus(context.Background(), "635468024")
		require.NoError(t, err)
		assert.Equal(t, want, *got)
		srv.Close()
	}
}

func TestSMSActivateQuotes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "getOperatorPrices", r.URL.Query().Get("action"))
		w.Write([]byte(`{"vodafone":{"cost":20.5,"count":120,"rate":93.5},"o2":{"cost":18.0,"count":0,"rate":88}}`))
	}))
	defer srv.Close()

	p := provider.NewSMSActivate("k", srv.URL)
	quotes, err := p.Quotes(context.Background(), "tg", "GB")
	require.NoError(t, err)
	require.Len(t, quotes, 2)
	assert.Equal(t, int64(2050), quotes["vodafone"].Cost)
	assert.Equal(t, 120, quotes["vodafone"].Count)
	assert.Equal(t, 93.5, quotes["vodafone"].Rate)
}

func TestSMSActivateNetworkErrorIsUnavailable(t *testing.T) {
	p := provider.NewSMSActivate("k", "http://127.0.0.1:1")
	_, err := p.Purchase(context.Background(), provider.PurchaseRequest{Service: "tg", Country: "GB"})
	require.Error(t, err)
	assert.Equal(t, provider.KindUnavailable, provider.Classify(err))
	assert.True(t, provider.Recoverable(err))
}

func TestSMSActivateImplementsGateway(t *testing.T) {
	var _ provider.Gateway = (*provider.SMSActivate)(nil)
}
