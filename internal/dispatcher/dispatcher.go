package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
)

var (
	ErrNoHealthy = fmt.Errorf("no healthy providers")
	ErrNoAcquire = fmt.Errorf("provider not acquired")
	ErrNoRider   = errors.New("no rider available")
)

// Dispatcher spreads rider lookups over fleet providers round-robin,
// skipping providers whose breaker is open.
type Dispatcher struct {
	providers         []Provider
	roundRobinCounter atomic.Uint64
	maxAttempts       int
}

func NewDispatcher(provs []Provider, maxAttempts int) *Dispatcher {
	if maxAttempts < 1 {
		maxAttempts = 3
	}

	return &Dispatcher{providers: provs, maxAttempts: maxAttempts}
}

func (d *Dispatcher) selectProvider() (Provider, error) {
	healthy := make([]Provider, 0, len(d.providers))
	for _, p := range d.providers {
		if p.Ready() {
			healthy = append(healthy, p)
		}
	}

	if len(healthy) == 0 {
		return nil, ErrNoHealthy
	}

	x := d.roundRobinCounter.Add(1)
	idx := int((x - 1) % uint64(len(healthy)))

	return healthy[idx], nil
}

func (d *Dispatcher) tryOnce(ctx context.Context, req LocateRequest) (int64, error) {
	p, err := d.selectProvider()
	if err != nil {
		return 0, err
	}

	if !p.Acquire() {
		return 0, ErrNoAcquire
	}

	return p.Locate(ctx, req)
}

// Locate returns a rider id, trying up to maxAttempts providers. The error of
// the last attempt is returned when every attempt failed.
func (d *Dispatcher) Locate(ctx context.Context, req LocateRequest) (int64, error) {
	var last error
	for i := 0; i < d.maxAttempts; i++ {
		id, err := d.tryOnce(ctx, req)
		if err == nil {
			return id, nil
		}
		last = err
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
	}

	if last == nil {
		last = ErrNoRider
	}

	return 0, last
}
