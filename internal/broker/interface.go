package broker

import (
	"context"
	"log"
	"time"

	"github.com/sony/gobreaker"
)

// Broker is the brokerage capability contract consumed by the engine.
// Every call takes a context; implementations must honor cancellation.
type Broker interface {
	// Order placement and management.
	PlaceOrder(ctx context.Context, variety string, params OrderParams) (string, error)
	ModifyOrder(ctx context.Context, variety, orderID string, params ModifyParams) error
	CancelOrder(ctx context.Context, variety, orderID string) error

	// Order and position books.
	GetOrders(ctx context.Context) ([]Order, error)
	GetOrderHistory(ctx context.Context, orderID string) ([]Order, error)
	GetPositions(ctx context.Context) (*Positions, error)

	// Market data.
	GetQuote(ctx context.Context, keys ...string) (map[string]Quote, error)
	GetLTP(ctx context.Context, keys ...string) (map[string]float64, error)

	// EOD product conversion (MIS -> NRML).
	ConvertPosition(ctx context.Context, params ConvertParams) error
}

// BreakerBroker wraps a Broker with a circuit breaker so a dying broker
// API fails fast instead of stacking timeouts inside the event loop.
// Cancels and panic-path calls bypass the breaker: when the engine is
// trying to get flat it must always be allowed to try.
type BreakerBroker struct {
	inner   Broker
	breaker *gobreaker.CircuitBreaker
	logger  *log.Logger
}

// Ensure BreakerBroker implements Broker at compile time.
var _ Broker = (*BreakerBroker)(nil)

// NewBreakerBroker wraps inner with a circuit breaker tuned for order
// placement: trips after 5 consecutive failures, probes again after 30s.
func NewBreakerBroker(inner Broker, logger *log.Logger) *BreakerBroker {
	settings := gobreaker.Settings{
		Name:        "broker-api",
		MaxRequests: 2,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Printf("circuit breaker %s: %s -> %s", name, from, to)
		},
		IsSuccessful: func(err error) bool {
			// Semantic rejections are real answers from a healthy API;
			// only transport-level failures should trip the breaker.
			if err == nil {
				return true
			}
			return !IsRetryable(err)
		},
	}
	return &BreakerBroker{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker(settings),
		logger:  logger,
	}
}

func (b *BreakerBroker) execute(fn func() (interface{}, error)) (interface{}, error) {
	return b.breaker.Execute(fn)
}

// PlaceOrder places an order through the breaker.
func (b *BreakerBroker) PlaceOrder(ctx context.Context, variety string, params OrderParams) (string, error) {
	res, err := b.execute(func() (interface{}, error) {
		return b.inner.PlaceOrder(ctx, variety, params)
	})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

// ModifyOrder modifies an order through the breaker.
func (b *BreakerBroker) ModifyOrder(ctx context.Context, variety, orderID string, params ModifyParams) error {
	_, err := b.execute(func() (interface{}, error) {
		return nil, b.inner.ModifyOrder(ctx, variety, orderID, params)
	})
	return err
}

// CancelOrder bypasses the breaker: cancels are part of getting flat and
// must be attempted even when placement is tripping.
func (b *BreakerBroker) CancelOrder(ctx context.Context, variety, orderID string) error {
	return b.inner.CancelOrder(ctx, variety, orderID)
}

// GetOrders reads the order book through the breaker.
func (b *BreakerBroker) GetOrders(ctx context.Context) ([]Order, error) {
	res, err := b.execute(func() (interface{}, error) {
		return b.inner.GetOrders(ctx)
	})
	if err != nil {
		return nil, err
	}
	return res.([]Order), nil
}

// GetOrderHistory reads one order's history through the breaker.
func (b *BreakerBroker) GetOrderHistory(ctx context.Context, orderID string) ([]Order, error) {
	res, err := b.execute(func() (interface{}, error) {
		return b.inner.GetOrderHistory(ctx, orderID)
	})
	if err != nil {
		return nil, err
	}
	return res.([]Order), nil
}

// GetPositions bypasses the breaker: position reads drive the safety
// reconciler and must stay available during broker degradation.
func (b *BreakerBroker) GetPositions(ctx context.Context) (*Positions, error) {
	return b.inner.GetPositions(ctx)
}

// GetQuote reads quotes through the breaker.
func (b *BreakerBroker) GetQuote(ctx context.Context, keys ...string) (map[string]Quote, error) {
	res, err := b.execute(func() (interface{}, error) {
		return b.inner.GetQuote(ctx, keys...)
	})
	if err != nil {
		return nil, err
	}
	return res.(map[string]Quote), nil
}

// GetLTP reads last prices through the breaker.
func (b *BreakerBroker) GetLTP(ctx context.Context, keys ...string) (map[string]float64, error) {
	res, err := b.execute(func() (interface{}, error) {
		return b.inner.GetLTP(ctx, keys...)
	})
	if err != nil {
		return nil, err
	}
	return res.(map[string]float64), nil
}

// ConvertPosition converts a position's product through the breaker.
func (b *BreakerBroker) ConvertPosition(ctx context.Context, params ConvertParams) error {
	_, err := b.execute(func() (interface{}, error) {
		return nil, b.inner.ConvertPosition(ctx, params)
	})
	return err
}
