package provider

import (
	"context"
	"time"
)

// DefaultCallTimeout bounds every vendor HTTP call. A timed-out call is
// classified Unavailable and is never retried against the same vendor; the
// waterfall moves on instead.
const DefaultCallTimeout = 15 * time.Second

// Registry holds the configured adapters in waterfall priority order and
// owns the shared per-call timeout.
type Registry struct {
	ordered []Gateway
	byName  map[string]Gateway
	timeout time.Duration
}

// NewRegistry builds a Registry. Order of gateways is the waterfall priority
// order. A non-positive timeout falls back to DefaultCallTimeout.
func NewRegistry(gateways []Gateway, timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	byName := make(map[string]Gateway, len(gateways))
	for _, gw := range gateways {
		byName[gw.Name()] = gw
	}
	return &Registry{ordered: gateways, byName: byName, timeout: timeout}
}

// Ordered returns the adapters in priority order.
func (r *Registry) Ordered() []Gateway { return r.ordered }

// Get returns the adapter with the given name.
func (r *Registry) Get(name string) (Gateway, bool) {
	gw, ok := r.byName[name]
	return gw, ok
}

// CallContext derives a context bounded by the per-call timeout.
func (r *Registry) CallContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.timeout)
}

// Purchase runs a time-bounded purchase against one adapter.
func (r *Registry) Purchase(ctx context.Context, gw Gateway, req PurchaseRequest) (*Purchase, error) {
	ctx, cancel := r.CallContext(ctx)
	defer cancel()
	return gw.Purchase(ctx, req)
}

// Quotes runs a time-bounded quote fetch against one adapter.
func (r *Registry) Quotes(ctx context.Context, gw Gateway, service, country string) (map[string]Quote, error) {
	ctx, cancel := r.CallContext(ctx)
	defer cancel()
	return gw.Quotes(ctx, service, country)
}

// CheckStatus runs a time-bounded status check against the named adapter.
func (r *Registry) CheckStatus(ctx context.Context, name, ref string) (*Status, error) {
	gw, ok := r.Get(name)
	if !ok {
		return nil, &Error{Provider: name, Kind: KindBadRequest, Message: "unknown provider"}
	}
	ctx, cancel := r.CallContext(ctx)
	defer cancel()
	return gw.CheckStatus(ctx, ref)
}

// Cancel runs a time-bounded cancel against the named adapter.
func (r *Registry) Cancel(ctx context.Context, name, ref string) error {
	gw, ok := r.Get(name)
	if !ok {
		return &Error{Provider: name, Kind: KindBadRequest, Message: "unknown provider"}
	}
	ctx, cancel := r.CallContext(ctx)
	defer cancel()
	return gw.Cancel(ctx, ref)
}

// Extend runs a time-bounded rental extension against the named adapter.
func (r *Registry) Extend(ctx context.Context, name, ref string, minutes int) error {
	gw, ok := r.Get(name)
	if !ok {
		return &Error{Provider: name, Kind: KindBadRequest, Message: "unknown provider"}
	}
	ctx, cancel := r.CallContext(ctx)
	defer cancel()
	return gw.Extend(ctx, ref, minutes)
}

// Messages runs a time-bounded rental message fetch against the named adapter.
func (r *Registry) Messages(ctx context.Context, name, ref string) ([]Message, error) {
	gw, ok := r.Get(name)
	if !ok {
		return nil, &Error{Provider: name, Kind: KindBadRequest, Message: "unknown provider"}
	}
	ctx, cancel := r.CallContext(ctx)
	defer cancel()
	return gw.Messages(ctx, ref)
}

// Finish runs a time-bounded rental finish against the named adapter.
func (r *Registry) Finish(ctx context.Context, name, ref string) error {
	gw, ok := r.Get(name)
	if !ok {
		return &Error{Provider: name, Kind: KindBadRequest, Message: "unknown provider"}
	}
	ctx, cancel := r.CallContext(ctx)
	defer cancel()
	return gw.Finish(ctx, ref)
}
