// Package ratelimit shares the indexer request budget between every process
// that talks to the indexer.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default budget configuration values.
const (
	DefaultWindow = time.Second
	// DefaultLiveShare is the fraction of the budget reserved for live syncs
	// when no explicit reservation is configured
	DefaultLiveShare = 0.6
)

// Redis key prefixes for request counting.
const (
	KeyPrefixTotal    = "indexer_budget:total:"
	KeyPrefixLive     = "indexer_budget:live:"
	KeyPrefixBackfill = "indexer_budget:backfill:"
)

// Priority decides which pool a request draws from.
type Priority int

const (
	// PriorityLive is for scheduled and on-demand syncs. It uses the reserved
	// pool first and overflows into the shared pool.
	PriorityLive Priority = iota
	// PriorityBackfill is for bulk reclassification. It only uses the shared pool.
	PriorityBackfill
)

// String returns a string representation of the priority level.
func (p Priority) String() string {
	switch p {
	case PriorityLive:
		return "live"
	case PriorityBackfill:
		return "backfill"
	default:
		return "unknown"
	}
}

type priorityKey struct{}

// WithPriority tags ctx so indexer requests made under it draw from p's pool
func WithPriority(ctx context.Context, p Priority) context.Context {
	return context.WithValue(ctx, priorityKey{}, p)
}

// PriorityFrom returns the priority ctx was tagged with, PriorityLive by default
func PriorityFrom(ctx context.Context) Priority {
	if p, ok := ctx.Value(priorityKey{}).(Priority); ok {
		return p
	}
	return PriorityLive
}

// consumeScript checks the total and the pool counters and increments both
// only if neither would go over budget.
var consumeScript = redis.NewScript(`
	local totalKey = KEYS[1]
	local poolKey = KEYS[2]
	local n = tonumber(ARGV[1])
	local totalBudget = tonumber(ARGV[2])
	local poolBudget = tonumber(ARGV[3])
	local ttl = tonumber(ARGV[4])

	local totalUsed = tonumber(redis.call('GET', totalKey) or '0')
	local poolUsed = tonumber(redis.call('GET', poolKey) or '0')

	if totalUsed + n > totalBudget or poolUsed + n > poolBudget then
		return {0, totalUsed, poolUsed}
	end

	redis.call('INCRBY', totalKey, n)
	redis.call('PEXPIRE', totalKey, ttl)
	redis.call('INCRBY', poolKey, n)
	redis.call('PEXPIRE', poolKey, ttl)
	return {1, totalUsed + n, poolUsed + n}
`)

// Budget counts indexer requests per fixed window in Redis, split into a
// pool reserved for live syncs and a pool shared with backfills.
type Budget struct {
	redis    redis.Cmdable
	total    int
	reserved int
	shared   int
	window   time.Duration
	now      func() time.Time
}

// BudgetConfig holds configuration for the budget.
type BudgetConfig struct {
	// Redis is required: the budget is only meaningful when shared.
	Redis redis.Cmdable

	// Total is the number of requests allowed per window across all processes.
	Total int

	// LiveReserved is the part of Total only live syncs may use.
	// Default: DefaultLiveShare of Total.
	LiveReserved int

	// Window is the counting window. Default: 1s.
	Window time.Duration
}

// Validate checks if the configuration is valid.
func (c *BudgetConfig) Validate() error {
	if c.Redis == nil {
		return errors.New("redis client is required")
	}
	if c.Total <= 0 {
		return errors.New("total budget must be positive")
	}
	if c.LiveReserved < 0 {
		return errors.New("live reservation cannot be negative")
	}
	if c.LiveReserved > c.Total {
		return fmt.Errorf("live reservation (%d) cannot exceed total budget (%d)", c.LiveReserved, c.Total)
	}
	if c.Window < 0 {
		return errors.New("window cannot be negative")
	}
	return nil
}

// NewBudget creates a budget with the given configuration.
func NewBudget(cfg *BudgetConfig) (*Budget, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid budget configuration: %w", err)
	}

	reserved := cfg.LiveReserved
	if reserved == 0 {
		reserved = int(float64(cfg.Total) * DefaultLiveShare)
	}
	window := cfg.Window
	if window == 0 {
		window = DefaultWindow
	}

	return &Budget{
		redis:    cfg.Redis,
		total:    cfg.Total,
		reserved: reserved,
		shared:   cfg.Total - reserved,
		window:   window,
		now:      time.Now,
	}, nil
}

// windowStart returns the start of the current window in unix milliseconds
func (b *Budget) windowStart() int64 {
	return b.now().Truncate(b.window).UnixMilli()
}

func keys(windowTS int64) (total, live, backfill string) {
	ts := strconv.FormatInt(windowTS, 10)
	return KeyPrefixTotal + ts, KeyPrefixLive + ts, KeyPrefixBackfill + ts
}

// TryConsume takes n requests from the pool for priority. When denied it
// returns how long to wait for the next window. A Redis failure denies.
func (b *Budget) TryConsume(ctx context.Context, n int, priority Priority) (bool, time.Duration) {
	if n <= 0 {
		return true, 0
	}
	windowTS := b.windowStart()
	totalKey, liveKey, backfillKey := keys(windowTS)

	if priority == PriorityLive {
		ok, err := b.consume(ctx, totalKey, liveKey, n, b.reserved)
		if err != nil {
			return false, b.untilNextWindow(windowTS)
		}
		if ok {
			return true, 0
		}
	}

	ok, err := b.consume(ctx, totalKey, backfillKey, n, b.shared)
	if err != nil || !ok {
		return false, b.untilNextWindow(windowTS)
	}
	return true, 0
}

func (b *Budget) consume(ctx context.Context, totalKey, poolKey string, n, poolBudget int) (bool, error) {
	if poolBudget <= 0 {
		return false, nil
	}
	ttl := (2 * b.window).Milliseconds()
	res, err := consumeScript.Run(ctx, b.redis, []string{totalKey, poolKey}, n, b.total, poolBudget, ttl).Int64Slice()
	if err != nil {
		return false, err
	}
	return res[0] == 1, nil
}

// untilNextWindow returns the time until the window after windowTS starts
func (b *Budget) untilNextWindow(windowTS int64) time.Duration {
	end := time.UnixMilli(windowTS).Add(b.window)
	wait := end.Sub(b.now())
	if wait < 0 {
		wait = 0
	}
	return wait + time.Millisecond
}

// Usage is the consumption of the current window
type Usage struct {
	TotalUsed    int
	LiveUsed     int
	BackfillUsed int
	Total        int
	LiveReserved int
	Shared       int
	WindowStart  time.Time
}

// Utilization returns total consumption as a percentage of the budget
func (u *Usage) Utilization() float64 {
	if u.Total == 0 {
		return 100
	}
	return float64(u.TotalUsed) * 100 / float64(u.Total)
}

// Usage returns the current window's consumption
func (b *Budget) Usage(ctx context.Context) (*Usage, error) {
	windowTS := b.windowStart()
	totalKey, liveKey, backfillKey := keys(windowTS)

	pipe := b.redis.Pipeline()
	totalCmd := pipe.Get(ctx, totalKey)
	liveCmd := pipe.Get(ctx, liveKey)
	backfillCmd := pipe.Get(ctx, backfillKey)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read indexer budget: %w", err)
	}

	return &Usage{
		TotalUsed:    intOrZero(totalCmd),
		LiveUsed:     intOrZero(liveCmd),
		BackfillUsed: intOrZero(backfillCmd),
		Total:        b.total,
		LiveReserved: b.reserved,
		Shared:       b.shared,
		WindowStart:  time.UnixMilli(windowTS).UTC(),
	}, nil
}

func intOrZero(cmd *redis.StringCmd) int {
	v, err := cmd.Int()
	if err != nil {
		return 0
	}
	return v
}
