package provider

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

// Router picks a provider for each request and shields unhealthy ones
// behind per-provider circuit breakers.
type Router struct {
	providers []Provider
	breakers  map[string]*gobreaker.CircuitBreaker
}

func NewRouter(providers []Provider) *Router {
	breakers := make(map[string]*gobreaker.CircuitBreaker)
	for _, p := range providers {
		settings := gobreaker.Settings{
			Name:        p.Name(),
			MaxRequests: 3,
			Interval:    5 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}
		breakers[p.Name()] = gobreaker.NewCircuitBreaker(settings)
	}
	return &Router{
		providers: providers,
		breakers:  breakers,
	}
}

// Route returns the provider to use: the first one supporting the
// requested model, or the cheapest healthy one when no model is pinned.
func (r *Router) Route(ctx context.Context, req *Request) (Provider, error) {
	var candidates []Provider
	for _, p := range r.providers {
		cb := r.breakers[p.Name()]
		if cb.State() == gobreaker.StateOpen {
			continue
		}

		if req.Model != "" {
			for _, m := range p.SupportedModels() {
				if m == req.Model {
					candidates = append(candidates, p)
					break
				}
			}
		} else {
			candidates = append(candidates, p)
		}
	}

	if len(candidates) == 0 {
		return nil, errors.New("all providers unavailable")
	}

	if req.Model != "" {
		return candidates[0], nil
	}

	best := candidates[0]
	for _, p := range candidates[1:] {
		if p.CostPerInputToken() < best.CostPerInputToken() {
			best = p
		}
	}
	return best, nil
}

// Execute runs the completion inside the provider's breaker so
// consecutive failures trip it.
func (r *Router) Execute(ctx context.Context, req *Request, p Provider) (*Response, error) {
	cb := r.breakers[p.Name()]
	result, err := cb.Execute(func() (interface{}, error) {
		return p.Complete(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Response), nil
}
