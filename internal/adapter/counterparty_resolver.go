package adapter

import (
	"context"
	"strings"
	"sync"

	"github.com/wallet-insights/internal/types"
)

// LabelStore looks up stored address classifications
type LabelStore interface {
	Lookup(ctx context.Context, address string) (types.CounterpartyType, bool, error)
}

// CounterpartyResolver classifies addresses using stored labels, then a
// built-in table of well-known services, and finally address-shape heuristics.
// Resolved labels are memoised for the process lifetime.
type CounterpartyResolver struct {
	store LabelStore
	known map[string]types.CounterpartyType

	mu    sync.RWMutex
	cache map[string]types.CounterpartyType
}

// NewCounterpartyResolver creates a resolver; store may be nil
func NewCounterpartyResolver(store LabelStore, known map[string]types.CounterpartyType) *CounterpartyResolver {
	k := make(map[string]types.CounterpartyType, len(known))
	for addr, ct := range known {
		k[strings.ToLower(addr)] = ct
	}
	return &CounterpartyResolver{
		store: store,
		known: k,
		cache: make(map[string]types.CounterpartyType),
	}
}

// ResolveCounterpartyType returns the classification of address
func (r *CounterpartyResolver) ResolveCounterpartyType(ctx context.Context, address string) (types.CounterpartyType, error) {
	key := strings.ToLower(strings.TrimSpace(address))
	if key == "" {
		return types.CounterpartyUnknown, nil
	}

	r.mu.RLock()
	ct, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return ct, nil
	}

	ct, err := r.resolve(ctx, address, key)
	if err != nil {
		return types.CounterpartyUnknown, err
	}

	r.mu.Lock()
	r.cache[key] = ct
	r.mu.Unlock()
	return ct, nil
}

func (r *CounterpartyResolver) resolve(ctx context.Context, address, key string) (types.CounterpartyType, error) {
	if r.store != nil {
		ct, found, err := r.store.Lookup(ctx, address)
		if err != nil {
			return types.CounterpartyUnknown, err
		}
		if found {
			return ct, nil
		}
	}
	if ct, ok := r.known[key]; ok {
		return ct, nil
	}
	return classifyByShape(key), nil
}

// classifyByShape recognises personal wallet address formats: transparent
// pay-to-pubkey-hash, sapling and unified addresses. Script hashes (t3) are
// commonly exchange or contract controlled and stay unknown.
func classifyByShape(addr string) types.CounterpartyType {
	switch {
	case strings.HasPrefix(addr, "t1"),
		strings.HasPrefix(addr, "zs"),
		strings.HasPrefix(addr, "zc"),
		strings.HasPrefix(addr, "u1"):
		return types.CounterpartyWallet
	default:
		return types.CounterpartyUnknown
	}
}
