package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/numgate/numgate/internal/operator"
)

const fiveSimDefaultBaseURL = "https://5sim.net"

// FiveSim is a JSON REST vendor authenticated with a bearer token. Errors are
// lower-case sentences in a plain-text body with a telling HTTP status.
type FiveSim struct {
	token   string
	baseURL string
	client  http.Client
}

// NewFiveSim creates the adapter. An empty baseURL selects production.
func NewFiveSim(token, baseURL string) *FiveSim {
	if baseURL == "" {
		baseURL = fiveSimDefaultBaseURL
	}
	return &FiveSim{token: token, baseURL: baseURL}
}

func (p *FiveSim) Name() string { return "fivesim" }

func (p *FiveSim) SupportsRentals() bool { return true }

func (p *FiveSim) do(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path, nil)
	if err != nil {
		return nil, &Error{Provider: p.Name(), Kind: KindBadRequest, Message: "build request", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+p.token)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, classifyTransport(p.Name(), "request failed", err)
	}
	defer resp.Body.Close()

	body, err := readBody(resp)
	if err != nil {
		return nil, classifyTransport(p.Name(), "read response", err)
	}
	if resp.StatusCode >= 300 {
		return nil, p.classify(resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

// classify maps 5sim's status+body combinations onto the shared taxonomy.
func (p *FiveSim) classify(status int, body string) error {
	kind := KindUnavailable
	switch {
	case status == http.StatusUnauthorized || strings.Contains(body, "not enough user balance"):
		kind = KindAuth
	case status == http.StatusTooManyRequests:
		kind = KindRateLimited
	case strings.Contains(body, "no free phones") || strings.Contains(body, "no product"):
		kind = KindNoNumbers
	case strings.Contains(body, "bad country") || strings.Contains(body, "bad operator"),
		strings.Contains(body, "not found") && status == http.StatusNotFound:
		kind = KindInvalidProduct
	case status >= 400 && status < 500:
		kind = KindBadRequest
	}
	return &Error{Provider: p.Name(), Kind: kind,
		Message: fmt.Sprintf("http %d: %s", status, body)}
}

func (p *FiveSim) Quotes(ctx context.Context, service, country string) (map[string]operator.Quote, error) {
	body, err := p.do(ctx, fmt.Sprintf("/v1/guest/prices?country=%s&product=%s", country, service))
	if err != nil {
		return nil, err
	}

	// Response shape: {country: {product: {operator: {cost, count, rate}}}}.
	var parsed map[string]map[string]map[string]struct {
		Cost  float64 `json:"cost"`
		Count int     `json:"count"`
		Rate  float64 `json:"rate"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &Error{Provider: p.Name(), Kind: KindUnavailable, Message: "parse prices", Err: err}
	}

	quotes := make(map[string]operator.Quote)
	for op, q := range parsed[country][service] {
		quotes[op] = operator.Quote{Cost: toMinorUnits(q.Cost), Count: q.Count, Rate: q.Rate}
	}
	return quotes, nil
}

func (p *FiveSim) Purchase(ctx context.Context, req PurchaseRequest) (*Purchase, error) {
	op := req.Operator
	if op == "" {
		op = OperatorAny
	}
	body, err := p.do(ctx, fmt.Sprintf("/v1/user/buy/activation/%s/%s/%s", req.Country, op, req.Service))
	if err != nil {
		return nil, err
	}

	var parsed struct {
		ID    int64   `json:"id"`
		Phone string  `json:"phone"`
		Price float64 `json:"price"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &Error{Provider: p.Name(), Kind: KindUnavailable, Message: "parse purchase", Err: err}
	}
	if parsed.ID == 0 || parsed.Phone == "" {
		return nil, &Error{Provider: p.Name(), Kind: KindInvalidProduct, Message: "incomplete purchase response"}
	}

	price := toMinorUnits(parsed.Price)
	if req.ExpectedPrice > 0 && price > req.ExpectedPrice {
		return nil, &Error{Provider: p.Name(), Kind: KindInvalidProduct,
			Message: fmt.Sprintf("price %d above quoted %d", price, req.ExpectedPrice)}
	}
	phone, err := checkPurchasedPhone(p.Name(), parsed.Phone, req.Country)
	if err != nil {
		return nil, err
	}
	return &Purchase{Ref: strconv.FormatInt(parsed.ID, 10), Phone: phone, Price: price}, nil
}

type fiveSimSMS struct {
	Code string    `json:"code"`
	Text string    `json:"text"`
	Date time.Time `json:"date"`
}

func (p *FiveSim) CheckStatus(ctx context.Context, ref string) (*Status, error) {
	body, err := p.do(ctx, "/v1/user/check/"+ref)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Status string       `json:"status"`
		SMS    []fiveSimSMS `json:"sms"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &Error{Provider: p.Name(), Kind: KindUnavailable, Message: "parse check", Err: err}
	}
	if len(parsed.SMS) == 0 {
		return &Status{Pending: true}, nil
	}
	last := parsed.SMS[len(parsed.SMS)-1]
	return &Status{Code: last.Code, Text: last.Text}, nil
}

func (p *FiveSim) Cancel(ctx context.Context, ref string) error {
	_, err := p.do(ctx, "/v1/user/cancel/"+ref)
	return err
}

func (p *FiveSim) Extend(ctx context.Context, ref string, minutes int) error {
	// 5sim rentals extend in whole-day blocks.
	days := (minutes + 24*60 - 1) / (24 * 60)
	_, err := p.do(ctx, fmt.Sprintf("/v1/user/reuse/extend/%s?days=%d", ref, days))
	return err
}

func (p *FiveSim) Messages(ctx context.Context, ref string) ([]Message, error) {
	body, err := p.do(ctx, "/v1/user/check/"+ref)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		SMS []fiveSimSMS `json:"sms"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &Error{Provider: p.Name(), Kind: KindUnavailable, Message: "parse messages", Err: err}
	}
	msgs := make([]Message, 0, len(parsed.SMS))
	for _, s := range parsed.SMS {
		msgs = append(msgs, Message{Code: s.Code, Text: s.Text, ReceivedAt: s.Date})
	}
	return msgs, nil
}

func (p *FiveSim) Finish(ctx context.Context, ref string) error {
	_, err := p.do(ctx, "/v1/user/finish/"+ref)
	return err
}
