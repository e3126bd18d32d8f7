package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wallet-insights/internal/config"
	"github.com/wallet-insights/internal/metrics"
)

// Default pacer configuration values.
const (
	DefaultBaseDelay = 50 * time.Millisecond
	DefaultMaxDelay  = 2 * time.Second
	DefaultMaxWait   = 30 * time.Second
)

// ErrMaxWaitExceeded is returned when the budget stays exhausted for longer than MaxWait.
var ErrMaxWaitExceeded = errors.New("maximum wait time exceeded waiting for indexer budget")

// Pacer blocks indexer requests until the shared budget admits them, backing
// off exponentially while the budget stays exhausted.
type Pacer struct {
	budget    *Budget
	baseDelay time.Duration
	maxDelay  time.Duration
	maxWait   time.Duration

	mu               sync.Mutex
	currentDelay     time.Duration
	consecutiveFails int
}

// PacerConfig holds configuration for the pacer.
type PacerConfig struct {
	Budget    *Budget
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// MaxWait bounds one Wait call. Default: 30s.
	MaxWait time.Duration
}

// Validate checks if the configuration is valid.
func (c *PacerConfig) Validate() error {
	if c.Budget == nil {
		return errors.New("budget is required")
	}
	if c.BaseDelay < 0 || c.MaxDelay < 0 || c.MaxWait < 0 {
		return errors.New("delays cannot be negative")
	}
	if c.MaxDelay > 0 && c.BaseDelay > c.MaxDelay {
		return errors.New("base delay cannot exceed max delay")
	}
	return nil
}

// NewPacer creates a pacer with the given configuration.
func NewPacer(cfg *PacerConfig) (*Pacer, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Pacer{
		budget:    cfg.Budget,
		baseDelay: cfg.BaseDelay,
		maxDelay:  cfg.MaxDelay,
		maxWait:   cfg.MaxWait,
	}
	if p.baseDelay == 0 {
		p.baseDelay = DefaultBaseDelay
	}
	if p.maxDelay == 0 {
		p.maxDelay = DefaultMaxDelay
	}
	if p.maxWait == 0 {
		p.maxWait = DefaultMaxWait
	}
	p.currentDelay = p.baseDelay
	return p, nil
}

// Wait blocks until one request is admitted for the priority ctx carries
func (p *Pacer) Wait(ctx context.Context) error {
	priority := PriorityFrom(ctx)
	deadline := time.Now().Add(p.maxWait)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		allowed, wait := p.budget.TryConsume(ctx, 1, priority)
		if allowed {
			p.recordSuccess()
			return nil
		}
		metrics.RecordBudgetThrottle(priority.String())

		delay := p.recordFailure()
		if wait > delay {
			delay = wait
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrMaxWaitExceeded
		}
		if delay > remaining {
			delay = remaining
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (p *Pacer) recordSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consecutiveFails = 0
	p.currentDelay = p.baseDelay
}

// recordFailure doubles the delay up to maxDelay and returns the delay to use
func (p *Pacer) recordFailure() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	delay := p.currentDelay
	p.consecutiveFails++
	p.currentDelay *= 2
	if p.currentDelay > p.maxDelay {
		p.currentDelay = p.maxDelay
	}
	return delay
}

// CurrentDelay returns the delay the next denied request will wait at least
func (p *Pacer) CurrentDelay() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentDelay
}

// ConsecutiveFailures returns how many denials happened since the last admission
func (p *Pacer) ConsecutiveFailures() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.consecutiveFails
}

// NewIndexerPacer builds the pacer for cfg's shared budget. It returns nil
// when no shared budget is configured.
func NewIndexerPacer(cfg *config.UpstreamConfig, client redis.Cmdable) (*Pacer, error) {
	if cfg.SharedBudget <= 0 {
		return nil, nil
	}
	budget, err := NewBudget(&BudgetConfig{
		Redis:        client,
		Total:        cfg.SharedBudget,
		LiveReserved: cfg.LiveReserved,
	})
	if err != nil {
		return nil, err
	}
	return NewPacer(&PacerConfig{Budget: budget, MaxWait: cfg.Timeout})
}
