package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/numgate/numgate/internal/operator"
)

const smsHubDefaultBaseURL = "https://smshub.org"

// SMSHub is a form-POST vendor speaking the classic handler_api protocol:
// colon-separated success tokens (ACCESS_NUMBER:id:phone) and bare error
// tokens. Activations only; rental calls are rejected locally.
type SMSHub struct {
	apiKey  string
	baseURL string
	client  http.Client
}

// NewSMSHub creates the adapter. An empty baseURL selects production.
func NewSMSHub(apiKey, baseURL string) *SMSHub {
	if baseURL == "" {
		baseURL = smsHubDefaultBaseURL
	}
	return &SMSHub{apiKey: apiKey, baseURL: baseURL}
}

func (p *SMSHub) Name() string { return "smshub" }

func (p *SMSHub) SupportsRentals() bool { return false }

func (p *SMSHub) post(ctx context.Context, form url.Values) (string, error) {
	form.Set("api_key", p.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/stubs/handler_api.php", strings.NewReader(form.Encode()))
	if err != nil {
		return "", &Error{Provider: p.Name(), Kind: KindBadRequest, Message: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", classifyTransport(p.Name(), "request failed", err)
	}
	defer resp.Body.Close()

	body, err := readBody(resp)
	if err != nil {
		return "", classifyTransport(p.Name(), "read response", err)
	}
	if resp.StatusCode >= 500 {
		return "", &Error{Provider: p.Name(), Kind: KindUnavailable,
			Message: fmt.Sprintf("http %d", resp.StatusCode)}
	}

	s := strings.TrimSpace(string(body))
	if err := p.classifyToken(s); err != nil {
		return "", err
	}
	return s, nil
}

func (p *SMSHub) classifyToken(body string) error {
	kind := Kind("")
	switch body {
	case "NO_NUMBERS":
		kind = KindNoNumbers
	case "SLOW_DOWN", "TOO_MANY_REQUESTS":
		kind = KindRateLimited
	case "BAD_KEY", "NO_BALANCE":
		kind = KindAuth
	case "WRONG_SERVICE", "BAD_SERVICE":
		kind = KindInvalidProduct
	case "BAD_ACTION", "NO_ACTIVATION":
		kind = KindBadRequest
	default:
		return nil
	}
	return &Error{Provider: p.Name(), Kind: kind, Message: body}
}

func (p *SMSHub) Quotes(ctx context.Context, service, country string) (map[string]operator.Quote, error) {
	body, err := p.post(ctx, url.Values{
		"action":  {"getPrices"},
		"service": {service},
		"country": {country},
	})
	if err != nil {
		return nil, err
	}

	// {country: {service: {price: count}}}: smshub has no per-operator split,
	// so everything is reported under the "any" operator at the cheapest tier.
	var parsed map[string]map[string]map[string]int
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		return nil, &Error{Provider: p.Name(), Kind: KindUnavailable, Message: "parse prices", Err: err}
	}

	var (
		bestCost int64
		total    int
	)
	for priceStr, count := range parsed[country][service] {
		var price float64
		if _, err := fmt.Sscanf(priceStr, "%f", &price); err != nil {
			continue
		}
		cost := toMinorUnits(price)
		if bestCost == 0 || cost < bestCost {
			bestCost = cost
		}
		total += count
	}
	if total == 0 || bestCost == 0 {
		return map[string]operator.Quote{}, nil
	}
	// The vendor publishes no success rate; assume a neutral midpoint so its
	// stock still competes in country ranking.
	return map[string]operator.Quote{
		OperatorAny: {Cost: bestCost, Count: total, Rate: 50},
	}, nil
}

func (p *SMSHub) Purchase(ctx context.Context, req PurchaseRequest) (*Purchase, error) {
	body, err := p.post(ctx, url.Values{
		"action":  {"getNumber"},
		"service": {req.Service},
		"country": {req.Country},
	})
	if err != nil {
		return nil, err
	}

	parts := strings.Split(body, ":")
	if len(parts) != 3 || parts[0] != "ACCESS_NUMBER" {
		return nil, &Error{Provider: p.Name(), Kind: KindUnavailable, Message: "unexpected response " + body}
	}
	phone, err := checkPurchasedPhone(p.Name(), parts[2], req.Country)
	if err != nil {
		return nil, err
	}
	// The protocol reports no price at purchase time; the quoted price stands.
	return &Purchase{Ref: parts[1], Phone: phone, Price: req.ExpectedPrice}, nil
}

func (p *SMSHub) CheckStatus(ctx context.Context, ref string) (*Status, error) {
	body, err := p.post(ctx, url.Values{
		"action": {"getStatus"},
		"id":     {ref},
	})
	if err != nil {
		return nil, err
	}

	switch {
	case body == "STATUS_WAIT_CODE" || body == "STATUS_WAIT_RETRY":
		return &Status{Pending: true}, nil
	case strings.HasPrefix(body, "STATUS_OK:"):
		code := strings.TrimPrefix(body, "STATUS_OK:")
		return &Status{Code: code, Text: code}, nil
	case body == "STATUS_CANCEL":
		return nil, &Error{Provider: p.Name(), Kind: KindBadRequest, Message: "activation cancelled upstream"}
	}
	return nil, &Error{Provider: p.Name(), Kind: KindUnavailable, Message: "unexpected status " + body}
}

func (p *SMSHub) Cancel(ctx context.Context, ref string) error {
	_, err := p.post(ctx, url.Values{
		"action": {"setStatus"},
		"status": {"8"},
		"id":     {ref},
	})
	return err
}

func (p *SMSHub) Extend(ctx context.Context, ref string, minutes int) error {
	return &Error{Provider: p.Name(), Kind: KindBadRequest, Message: "rentals not supported"}
}

func (p *SMSHub) Messages(ctx context.Context, ref string) ([]Message, error) {
	return nil, &Error{Provider: p.Name(), Kind: KindBadRequest, Message: "rentals not supported"}
}

func (p *SMSHub) Finish(ctx context.Context, ref string) error {
	return &Error{Provider: p.Name(), Kind: KindBadRequest, Message: "rentals not supported"}
}
