package lib

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// HashLock is a keyed mutex: at most one state machine entry point operates on a transaction hash at a time
type HashLock struct {
	mu     sync.Mutex
	locked map[common.Hash]chan struct{}
}

// NewHashLock() constructs an empty keyed mutex
func NewHashLock() *HashLock {
	return &HashLock{locked: make(map[common.Hash]chan struct{})}
}

// Lock() blocks until the hash is free and acquires it
func (h *HashLock) Lock(hash common.Hash) {
	for {
		h.mu.Lock()
		wait, held := h.locked[hash]
		if !held {
			h.locked[hash] = make(chan struct{})
			h.mu.Unlock()
			return
		}
		h.mu.Unlock()
		<-wait
	}
}

// TryLock() acquires the hash if free and reports whether it did
func (h *HashLock) TryLock(hash common.Hash) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, held := h.locked[hash]; held {
		return false
	}
	h.locked[hash] = make(chan struct{})
	return true
}

// Unlock() releases the hash and wakes every waiter
func (h *HashLock) Unlock(hash common.Hash) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if wait, held := h.locked[hash]; held {
		delete(h.locked, hash)
		close(wait)
	}
}

// Held() reports whether the hash is currently locked
func (h *HashLock) Held(hash common.Hash) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, held := h.locked[hash]
	return held
}
