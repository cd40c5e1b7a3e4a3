package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/sony/gobreaker"
	"github.com/vnmchuo/deep-search/internal/pricing"
	"github.com/vnmchuo/deep-search/internal/provider"
)

var ErrNoProvider = errors.New("all providers unavailable")

// Router picks a provider for a search and guards each one with a circuit
// breaker.
type Router struct {
	providers []provider.Provider
	breakers  map[string]*gobreaker.CircuitBreaker
}

func NewRouter(providers []provider.Provider) *Router {
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
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Printf("api: provider %s breaker %s -> %s", name, from, to)
			},
		}
		breakers[p.Name()] = gobreaker.NewCircuitBreaker(settings)
	}
	return &Router{
		providers: providers,
		breakers:  breakers,
	}
}

// Route returns the first healthy provider serving req.Model, or the
// cheapest healthy provider by input price when no model is named.
func (r *Router) Route(ctx context.Context, req *provider.Request) (provider.Provider, error) {
	var candidates []provider.Provider
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
		return nil, ErrNoProvider
	}

	if req.Model != "" {
		return candidates[0], nil
	}

	best := candidates[0]
	for _, p := range candidates[1:] {
		if inputPrice(p) < inputPrice(best) {
			best = p
		}
	}
	return best, nil
}

// Unpriced providers sort last.
func inputPrice(p provider.Provider) float64 {
	if pr, ok := pricing.Lookup(p.PricingID()); ok {
		return pr.Input
	}
	return 1e9
}

// ExecuteStream opens a stream on p. Error chunks count as breaker failures
// and the done chunk as a success.
func (r *Router) ExecuteStream(ctx context.Context, req *provider.Request, p provider.Provider) (<-chan *provider.Chunk, error) {
	cb := r.breakers[p.Name()]
	if cb.State() == gobreaker.StateOpen {
		return nil, fmt.Errorf("circuit breaker is open for provider: %s", p.Name())
	}

	origCh, err := p.CompleteStream(ctx, req)
	if err != nil {
		_, _ = cb.Execute(func() (interface{}, error) {
			return nil, err
		})
		return nil, err
	}

	wrappedCh := make(chan *provider.Chunk)
	go func() {
		defer close(wrappedCh)
		for chunk := range origCh {
			switch {
			case chunk.Err != nil:
				_, _ = cb.Execute(func() (interface{}, error) {
					return nil, chunk.Err
				})
			case chunk.Done:
				_, _ = cb.Execute(func() (interface{}, error) {
					return nil, nil
				})
			}
			select {
			case wrappedCh <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()

	return wrappedCh, nil
}
