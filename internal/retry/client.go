// Package retry wraps order placement with bounded retries. Square-off and
// stoploss exits must not give up on a blip, so transient broker errors are
// retried with growing jittered backoff; rejections and expired credentials
// fail immediately.
package retry

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/eddiefleurent/dunder_scalper/internal/broker"
)

type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	Timeout:        2 * time.Minute,
}

type Client struct {
	broker broker.Broker
	logger *log.Logger
	config Config
}

func NewClient(b broker.Broker, logger *log.Logger, config ...Config) *Client {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Client{
		broker: b,
		logger: logger,
		config: cfg,
	}
}

// PlaceOrderWithRetry submits an order, retrying transient failures until
// the attempt budget or the overall timeout runs out. It returns the broker
// order id on success.
func (c *Client) PlaceOrderWithRetry(ctx context.Context, params broker.OrderParams) (string, error) {
	placeCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var lastErr error
	backoff := c.config.InitialBackoff

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if err := placeCtx.Err(); err != nil {
			return "", fmt.Errorf("order placement timed out after %v: %w", c.config.Timeout, err)
		}

		orderID, err := c.broker.PlaceOrder(placeCtx, params)
		if err == nil {
			if attempt > 0 {
				c.logger.Printf("order for %s placed on attempt %d: %s", params.TradingSymbol, attempt+1, orderID)
			}
			return orderID, nil
		}

		lastErr = err
		c.logger.Printf("order attempt %d/%d for %s failed: %v",
			attempt+1, c.config.MaxRetries+1, params.TradingSymbol, err)

		if !broker.IsTransient(err) || attempt == c.config.MaxRetries {
			break
		}

		select {
		case <-time.After(backoff):
			backoff = c.nextBackoff(backoff)
		case <-placeCtx.Done():
			return "", fmt.Errorf("order placement timed out during backoff: %w", placeCtx.Err())
		}
	}

	return "", fmt.Errorf("order for %s failed after %d attempts: %w",
		params.TradingSymbol, c.config.MaxRetries+1, lastErr)
}

// nextBackoff grows the delay by 1.5x, capped, plus up to 25% jitter.
func (c *Client) nextBackoff(current time.Duration) time.Duration {
	backoff := time.Duration(float64(current) * 1.5)
	if backoff > c.config.MaxBackoff {
		backoff = c.config.MaxBackoff
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err != nil {
			c.logger.Printf("failed to generate jitter: %v", err)
		} else {
			backoff += time.Duration(jitterVal.Int64())
		}
	}

	return backoff
}
