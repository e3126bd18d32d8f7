package service

import (
	"context"
	"sync"
)

// WalletLocker serialises writers of one wallet across processes
type WalletLocker interface {
	Acquire(ctx context.Context, walletID string) (func(), error)
}

// walletGuard gives at most one writer per wallet: a keyed mutex inside the
// process and, when configured, a distributed lock across processes
type walletGuard struct {
	mu      sync.Mutex
	entries map[string]*guardEntry
	remote  WalletLocker
}

type guardEntry struct {
	mu   sync.Mutex
	refs int
}

func newWalletGuard(remote WalletLocker) *walletGuard {
	return &walletGuard{entries: make(map[string]*guardEntry), remote: remote}
}

// lock blocks until the caller is the only writer for walletID
func (g *walletGuard) lock(ctx context.Context, walletID string) (func(), error) {
	g.mu.Lock()
	e, ok := g.entries[walletID]
	if !ok {
		e = &guardEntry{}
		g.entries[walletID] = e
	}
	e.refs++
	g.mu.Unlock()

	e.mu.Lock()
	localRelease := func() {
		e.mu.Unlock()
		g.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(g.entries, walletID)
		}
		g.mu.Unlock()
	}

	if g.remote == nil {
		return localRelease, nil
	}
	remoteRelease, err := g.remote.Acquire(ctx, walletID)
	if err != nil {
		localRelease()
		return nil, err
	}
	return func() {
		remoteRelease()
		localRelease()
	}, nil
}
