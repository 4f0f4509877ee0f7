package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/numgate/numgate/internal/operator"
)

const onlineSimDefaultBaseURL = "https://onlinesim.io"

// OnlineSim is the last-resort vendor. Every endpoint returns a JSON object
// whose "response" field is 1 on success or an ERROR_* token on failure,
// always with HTTP 200. Activations only.
type OnlineSim struct {
	apiKey  string
	baseURL string
	client  http.Client
}

// NewOnlineSim creates the adapter. An empty baseURL selects production.
func NewOnlineSim(apiKey, baseURL string) *OnlineSim {
	if baseURL == "" {
		baseURL = onlineSimDefaultBaseURL
	}
	return &OnlineSim{apiKey: apiKey, baseURL: baseURL}
}

func (p *OnlineSim) Name() string { return "onlinesim" }

func (p *OnlineSim) SupportsRentals() bool { return false }

func (p *OnlineSim) call(ctx context.Context, method string, params url.Values, out any) error {
	params.Set("apikey", p.apiKey)
	endpoint := fmt.Sprintf("%s/api/%s.php?%s", p.baseURL, method, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return &Error{Provider: p.Name(), Kind: KindBadRequest, Message: "build request", Err: err}
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return classifyTransport(p.Name(), "request failed", err)
	}
	defer resp.Body.Close()

	body, err := readBody(resp)
	if err != nil {
		return classifyTransport(p.Name(), "read response", err)
	}
	if resp.StatusCode >= 500 {
		return &Error{Provider: p.Name(), Kind: KindUnavailable,
			Message: fmt.Sprintf("http %d", resp.StatusCode)}
	}

	// Peek at the response token before decoding the caller's shape.
	var envelope struct {
		Response json.RawMessage `json:"response"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return &Error{Provider: p.Name(), Kind: KindUnavailable, Message: "parse response", Err: err}
	}
	var token string
	if json.Unmarshal(envelope.Response, &token) == nil {
		if err := p.classifyToken(token); err != nil {
			return err
		}
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return &Error{Provider: p.Name(), Kind: KindUnavailable, Message: "parse payload", Err: err}
		}
	}
	return nil
}

func (p *OnlineSim) classifyToken(token string) error {
	if token == "" || token == "1" || strings.EqualFold(token, "TZ_NUM_WAIT") {
		return nil
	}
	kind := KindUnavailable
	switch token {
	case "ERROR_NO_FREE", "EXCEEDED_CONCURRENT_OPERATIONS":
		kind = KindNoNumbers
	case "REQUEST_LIMIT", "TRY_AGAIN_LATER":
		kind = KindRateLimited
	case "ERROR_WRONG_KEY", "ERROR_NO_KEY", "ACCOUNT_BLOCKED", "NO_MONEY":
		kind = KindAuth
	case "ERROR_NO_SERVICE", "ERROR_WRONG_COUNTRY":
		kind = KindInvalidProduct
	case "ERROR_NO_OPERATIONS", "ERROR_WRONG_TZID":
		kind = KindBadRequest
	}
	return &Error{Provider: p.Name(), Kind: kind, Message: token}
}

func (p *OnlineSim) Quotes(ctx context.Context, service, country string) (map[string]operator.Quote, error) {
	var parsed struct {
		Prices map[string]struct {
			Price float64 `json:"price"`
			Count int     `json:"count"`
		} `json:"prices"`
	}
	err := p.call(ctx, "getNumbersStats", url.Values{
		"service": {service},
		"country": {country},
	}, &parsed)
	if err != nil {
		return nil, err
	}

	quotes := make(map[string]operator.Quote, len(parsed.Prices))
	for op, q := range parsed.Prices {
		// The vendor publishes no success rate; assume a neutral midpoint.
		quotes[op] = operator.Quote{Cost: toMinorUnits(q.Price), Count: q.Count, Rate: 50}
	}
	return quotes, nil
}

func (p *OnlineSim) Purchase(ctx context.Context, req PurchaseRequest) (*Purchase, error) {
	var parsed struct {
		TZID   int64   `json:"tzid"`
		Number string  `json:"number"`
		Sum    float64 `json:"sum"`
	}
	err := p.call(ctx, "getNum", url.Values{
		"service": {req.Service},
		"country": {req.Country},
		"number":  {"true"},
	}, &parsed)
	if err != nil {
		return nil, err
	}
	if parsed.TZID == 0 || parsed.Number == "" {
		return nil, &Error{Provider: p.Name(), Kind: KindInvalidProduct, Message: "incomplete purchase response"}
	}

	price := toMinorUnits(parsed.Sum)
	if price == 0 {
		price = req.ExpectedPrice
	}
	if req.ExpectedPrice > 0 && price > req.ExpectedPrice {
		return nil, &Error{Provider: p.Name(), Kind: KindInvalidProduct,
			Message: fmt.Sprintf("price %d above quoted %d", price, req.ExpectedPrice)}
	}
	phone, err := checkPurchasedPhone(p.Name(), parsed.Number, req.Country)
	if err != nil {
		return nil, err
	}
	return &Purchase{Ref: strconv.FormatInt(parsed.TZID, 10), Phone: phone, Price: price}, nil
}

func (p *OnlineSim) CheckStatus(ctx context.Context, ref string) (*Status, error) {
	var parsed []struct {
		Response string `json:"response"`
		Msg      string `json:"msg"`
	}
	// getState returns a JSON array, so the envelope peek is skipped.
	params := url.Values{"tzid": {ref}, "apikey": {p.apiKey}, "msg_list": {"1"}}
	endpoint := fmt.Sprintf("%s/api/getState.php?%s", p.baseURL, params.Encode())

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
	if err := json.Unmarshal(body, &parsed); err != nil {
		// Non-array body carries an error token.
		var envelope struct {
			Response string `json:"response"`
		}
		if json.Unmarshal(body, &envelope) == nil && envelope.Response != "" {
			return nil, p.classifyToken(envelope.Response)
		}
		return nil, &Error{Provider: p.Name(), Kind: KindUnavailable, Message: "parse state", Err: err}
	}
	if len(parsed) == 0 {
		return &Status{Pending: true}, nil
	}

	state := parsed[0]
	switch state.Response {
	case "TZ_NUM_WAIT":
		return &Status{Pending: true}, nil
	case "TZ_NUM_ANSWER":
		return &Status{Code: extractCode(state.Msg), Text: state.Msg}, nil
	case "TZ_OVER_EMPTY", "TZ_OVER_OK":
		return nil, &Error{Provider: p.Name(), Kind: KindBadRequest, Message: "operation already closed"}
	}
	return nil, p.classifyToken(state.Response)
}

func (p *OnlineSim) Cancel(ctx context.Context, ref string) error {
	return p.call(ctx, "setOperationOk", url.Values{"tzid": {ref}}, nil)
}

func (p *OnlineSim) Extend(ctx context.Context, ref string, minutes int) error {
	return &Error{Provider: p.Name(), Kind: KindBadRequest, Message: "rentals not supported"}
}

func (p *OnlineSim) Messages(ctx context.Context, ref string) ([]Message, error) {
	return nil, &Error{Provider: p.Name(), Kind: KindBadRequest, Message: "rentals not supported"}
}

func (p *OnlineSim) Finish(ctx context.Context, ref string) error {
	return p.call(ctx, "setOperationOk", url.Values{"tzid": {ref}}, nil)
}

// extractCode pulls the first 4–8 digit run out of an SMS body. Vendors that
// do not pre-extract the verification code deliver the whole message.
func extractCode(text string) string {
	start, n := -1, 0
	for i, r := range text {
		if r >= '0' && r <= '9' {
			if start == -1 {
				start, n = i, 0
			}
			n++
			continue
		}
		if n >= 4 && n <= 8 {
			return text[start : start+n]
		}
		start, n = -1, 0
	}
	if n >= 4 && n <= 8 {
		return text[start : start+n]
	}
	return ""
}
