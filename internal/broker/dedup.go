package broker

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"math/big"
	"time"
)

// RetryConfig bounds the idempotent placement helper.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// TagLookback is how far back in the order book a tag match still
	// counts as "our order" during dedup.
	TagLookback time.Duration
}

// DefaultRetryConfig matches the bounded-retry policy used for all
// order placement.
var DefaultRetryConfig = RetryConfig{
	MaxRetries:     3,
	InitialBackoff: 500 * time.Millisecond,
	MaxBackoff:     5 * time.Second,
	TagLookback:    10 * time.Minute,
}

// Placer places orders idempotently: on retryable failures it searches
// recent broker orders by tag before re-submitting, so a timeout whose
// request actually landed never produces a duplicate order.
type Placer struct {
	broker Broker
	logger *log.Logger
	config RetryConfig
	now    func() time.Time
}

// NewPlacer builds an idempotent placement helper.
func NewPlacer(b Broker, logger *log.Logger, config ...RetryConfig) *Placer {
	cfg := DefaultRetryConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	return &Placer{broker: b, logger: logger, config: cfg, now: time.Now}
}

// Place submits the order, retrying retryable failures with jittered
// backoff. params.Tag must be set; it is the dedup key.
func (p *Placer) Place(ctx context.Context, variety string, params OrderParams) (string, error) {
	if params.Tag == "" {
		return "", fmt.Errorf("placer: order tag is required for idempotent placement")
	}

	backoff := p.config.InitialBackoff
	var lastErr error

	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if attempt > 0 {
			// The previous attempt failed ambiguously; the request may
			// have reached the broker. Look for our tag first.
			if existing, err := p.FindRecentOrderByTag(ctx, params.Tag); err != nil {
				p.logger.Printf("placer: tag lookup failed for %s: %v", params.Tag, err)
			} else if existing != nil {
				p.logger.Printf("placer: found existing order %s for tag %s, skipping re-submit",
					existing.OrderID, params.Tag)
				return existing.OrderID, nil
			}
		}

		orderID, err := p.broker.PlaceOrder(ctx, variety, params)
		if err == nil {
			return orderID, nil
		}
		lastErr = err

		if !IsRetryable(err) || attempt == p.config.MaxRetries {
			break
		}

		p.logger.Printf("placer: attempt %d/%d failed (tag %s): %v, retrying in %v",
			attempt+1, p.config.MaxRetries+1, params.Tag, err, backoff)
		select {
		case <-time.After(withJitter(backoff)):
		case <-ctx.Done():
			return "", fmt.Errorf("placer: canceled during backoff: %w", ctx.Err())
		}
		backoff = nextBackoff(backoff, p.config.MaxBackoff)
	}

	return "", fmt.Errorf("placer: order placement failed (tag %s): %w", params.Tag, lastErr)
}

// FindRecentOrderByTag scans the order book for a live or completed order
// carrying the tag, placed within the lookback window.
func (p *Placer) FindRecentOrderByTag(ctx context.Context, tag string) (*Order, error) {
	orders, err := p.broker.GetOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching orders for tag dedup: %w", err)
	}
	cutoff := p.now().Add(-p.config.TagLookback)
	for i := len(orders) - 1; i >= 0; i-- {
		o := orders[i]
		if o.Tag != tag {
			continue
		}
		if !o.OrderTimestamp.IsZero() && o.OrderTimestamp.Before(cutoff) {
			continue
		}
		// Rejected orders never happened as far as dedup is concerned.
		if o.Status == StatusRejected || o.Status == StatusLapsed {
			continue
		}
		return &o, nil
	}
	return nil, nil
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := time.Duration(float64(current) * 1.5)
	if next > max {
		next = max
	}
	return next
}

// withJitter adds up to 25% random jitter so retries from concurrent
// watchdogs do not synchronize.
func withJitter(d time.Duration) time.Duration {
	maxJitter := int64(d / 4)
	if maxJitter <= 0 {
		return d
	}
	j, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
	if err != nil {
		return d
	}
	return d + time.Duration(j.Int64())
}
