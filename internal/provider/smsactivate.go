package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/numgate/numgate/internal/operator"
)

const smsActivateDefaultBaseURL = "https://api.sms-activate.io"

// SMSActivate is the primary vendor. Its API is a single GET endpoint with an
// action parameter; most errors come back as bare upper-case tokens in the
// response body regardless of HTTP status.
type SMSActivate struct {
	apiKey  string
	baseURL string
	client  http.Client
}

// NewSMSActivate creates the adapter. An empty baseURL selects the production
// API; tests pass an httptest server URL.
func NewSMSActivate(apiKey, baseURL string) *SMSActivate {
	if baseURL == "" {
		baseURL = smsActivateDefaultBaseURL
	}
	return &SMSActivate{apiKey: apiKey, baseURL: baseURL}
}

func (p *SMSActivate) Name() string { return "smsactivate" }

func (p *SMSActivate) SupportsRentals() bool { return true }

func (p *SMSActivate) get(ctx context.Context, params url.Values) ([]byte, error) {
	params.Set("api_key", p.apiKey)
	endpoint := p.baseURL + "/stubs/handler_api.php?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &Error{Provider: p.Name(), Kind: KindBadRequest, Message: "build request", Err: err}
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, classifyTransport(p.Name(), "request failed", err)
	}
	defer resp.Body.Close()

	body, err := readBody(resp)
	if err != nil {
		return nil, classifyTransport(p.Name(), "read response", err)
	}
	if resp.StatusCode >= 500 {
		return nil, &Error{Provider: p.Name(), Kind: KindUnavailable,
			Message: fmt.Sprintf("http %d", resp.StatusCode)}
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &Error{Provider: p.Name(), Kind: KindRateLimited, Message: "http 429"}
	}
	if err := p.classifyToken(strings.TrimSpace(string(body))); err != nil {
		return nil, err
	}
	return body, nil
}

// classifyToken maps the vendor's bare error tokens onto the shared taxonomy.
func (p *SMSActivate) classifyToken(body string) error {
	kind := Kind("")
	switch {
	case body == "NO_NUMBERS" || body == "NO_RENT_NUMBERS":
		kind = KindNoNumbers
	case body == "SLOW_DOWN" || strings.HasPrefix(body, "BANNED"):
		kind = KindRateLimited
	case body == "BAD_KEY" || body == "NO_BALANCE":
		kind = KindAuth
	case body == "BAD_SERVICE" || body == "WRONG_SERVICE" || body == "PRICE_NOT_FOUND":
		kind = KindInvalidProduct
	case body == "BAD_ACTION" || body == "NO_ACTIVATION" || body == "WRONG_ACTIVATION_ID":
		kind = KindBadRequest
	default:
		return nil
	}
	return &Error{Provider: p.Name(), Kind: kind, Message: body}
}

func (p *SMSActivate) Quotes(ctx context.Context, service, country string) (map[string]operator.Quote, error) {
	body, err := p.get(ctx, url.Values{
		"action":  {"getOperatorPrices"},
		"service": {service},
		"country": {country},
	})
	if err != nil {
		return nil, err
	}

	var parsed map[string]struct {
		Cost  float64 `json:"cost"`
		Count int     `json:"count"`
		Rate  float64 `json:"rate"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &Error{Provider: p.Name(), Kind: KindUnavailable, Message: "parse quotes", Err: err}
	}
	quotes := make(map[string]operator.Quote, len(parsed))
	for op, q := range parsed {
		quotes[op] = operator.Quote{Cost: toMinorUnits(q.Cost), Count: q.Count, Rate: q.Rate}
	}
	return quotes, nil
}

func (p *SMSActivate) Purchase(ctx context.Context, req PurchaseRequest) (*Purchase, error) {
	params := url.Values{
		"action":  {"getNumberV2"},
		"service": {req.Service},
		"country": {req.Country},
	}
	if req.Operator != "" && req.Operator != OperatorAny {
		params.Set("operator", req.Operator)
	}
	if req.ExpectedPrice > 0 {
		params.Set("maxPrice", strconv.FormatFloat(float64(req.ExpectedPrice)/100, 'f', 2, 64))
	}

	body, err := p.get(ctx, params)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		ActivationID json.Number `json:"activationId"`
		Phone        string      `json:"phoneNumber"`
		Cost         float64     `json:"activationCost"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &Error{Provider: p.Name(), Kind: KindUnavailable, Message: "parse purchase", Err: err}
	}
	if parsed.ActivationID.String() == "" || parsed.Phone == "" {
		return nil, &Error{Provider: p.Name(), Kind: KindInvalidProduct, Message: "incomplete purchase response"}
	}

	price := toMinorUnits(parsed.Cost)
	if req.ExpectedPrice > 0 && price > req.ExpectedPrice {
		return nil, &Error{Provider: p.Name(), Kind: KindInvalidProduct,
			Message: fmt.Sprintf("price %d above quoted %d", price, req.ExpectedPrice)}
	}
	phone, err := checkPurchasedPhone(p.Name(), parsed.Phone, req.Country)
	if err != nil {
		return nil, err
	}
	return &Purchase{Ref: parsed.ActivationID.String(), Phone: phone, Price: price}, nil
}

func (p *SMSActivate) CheckStatus(ctx context.Context, ref string) (*Status, error) {
	body, err := p.get(ctx, url.Values{
		"action": {"getStatus"},
		"id":     {ref},
	})
	if err != nil {
		return nil, err
	}

	s := strings.TrimSpace(string(body))
	switch {
	case s == "STATUS_WAIT_CODE" || s == "STATUS_WAIT_RETRY":
		return &Status{Pending: true}, nil
	case strings.HasPrefix(s, "STATUS_OK:"):
		code := strings.TrimPrefix(s, "STATUS_OK:")
		return &Status{Code: code, Text: code}, nil
	case s == "STATUS_CANCEL":
		return nil, &Error{Provider: p.Name(), Kind: KindBadRequest, Message: "activation cancelled upstream"}
	}
	return nil, &Error{Provider: p.Name(), Kind: KindUnavailable, Message: "unexpected status " + s}
}

func (p *SMSActivate) Cancel(ctx context.Context, ref string) error {
	_, err := p.get(ctx, url.Values{
		"action": {"setStatus"},
		"status": {"8"},
		"id":     {ref},
	})
	return err
}

func (p *SMSActivate) Extend(ctx context.Context, ref string, minutes int) error {
	hours := (minutes + 59) / 60
	_, err := p.get(ctx, url.Values{
		"action": {"continueRentNumber"},
		"id":     {ref},
		"time":   {strconv.Itoa(hours)},
	})
	return err
}

func (p *SMSActivate) Messages(ctx context.Context, ref string) ([]Message, error) {
	body, err := p.get(ctx, url.Values{
		"action": {"getRentStatus"},
		"id":     {ref},
	})
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Values map[string]struct {
			Text string `json:"text"`
			Code string `json:"code"`
			Date string `json:"date"`
		} `json:"values"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &Error{Provider: p.Name(), Kind: KindUnavailable, Message: "parse rent status", Err: err}
	}

	msgs := make([]Message, 0, len(parsed.Values))
	for _, v := range parsed.Values {
		at, _ := time.Parse("2006-01-02 15:04:05", v.Date)
		msgs = append(msgs, Message{Code: v.Code, Text: v.Text, ReceivedAt: at})
	}
	return msgs, nil
}

func (p *SMSActivate) Finish(ctx context.Context, ref string) error {
	_, err := p.get(ctx, url.Values{
		"action": {"setRentStatus"},
		"id":     {ref},
		"status": {"1"},
	})
	return err
}
