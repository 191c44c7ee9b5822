package relay

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// window remembers recently seen dedup keys, bounded in size and age.
type window struct {
	mu  sync.Mutex
	lru *expirable.LRU[string, struct{}]
}

func newWindow(size int, ttl time.Duration) *window {
	if size <= 0 {
		size = 4096
	}
	return &window{lru: expirable.NewLRU[string, struct{}](size, nil, ttl)}
}

// Add records key and reports whether it was new.
func (w *window) Add(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lru.Contains(key) {
		return false
	}
	w.lru.Add(key, struct{}{})
	return true
}

func (w *window) Seen(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lru.Contains(key)
}

func (w *window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lru.Len()
}
