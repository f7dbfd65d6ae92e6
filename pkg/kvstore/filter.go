package kvstore

import "sync"

// Filter remembers which requests have already been applied, so a
// retried request returns its original result instead of running twice.
type Filter[K any, V any] interface {
	Exist(K) (bool, V, error)
	Record(K, V) error
}

type HashFilter[K comparable, V any] struct {
	mu sync.Mutex
	tb map[K]V
}

func NewHashFilter[K comparable, V any]() *HashFilter[K, V] {
	return &HashFilter[K, V]{
		tb: make(map[K]V),
	}
}

func (h *HashFilter[K, V]) Exist(k K) (bool, V, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, existed := h.tb[k]
	return existed, v, nil
}

func (h *HashFilter[K, V]) Record(k K, v V) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tb[k] = v
	return nil
}
