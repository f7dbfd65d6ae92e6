package kvstore

import (
	"errors"
)

type Getter[K any, V any] interface {
	Get(K) (V, error)
}

type Putter[K any, V any] interface {
	Put(K, V) error
}

type Appender[K any, V any] interface {
	Append(K, V) error
}

type Deleter[K any] interface {
	Delete(K) error
}

type Storer[K any, V any] interface {
	Getter[K, V]
	Putter[K, V]
	Appender[K, V]
	Deleter[K]
}

var ErrKeyNotFound = errors.New("key not existed")

// MemStore is a plain in-memory table. Callers serialize access; ops
// only ever reach it from the server's apply loop.
type MemStore struct {
	db map[string]string
}

func NewMemStore() *MemStore {
	return &MemStore{db: make(map[string]string)}
}

func (h *MemStore) Get(key string) (string, error) {
	v, ok := h.db[key]
	if !ok {
		return "", ErrKeyNotFound
	}
	return v, nil
}

func (h *MemStore) Put(key string, value string) error {
	h.db[key] = value
	return nil
}

func (h *MemStore) Append(key string, value string) error {
	h.db[key] = h.db[key] + value
	return nil
}

func (h *MemStore) Delete(key string) error {
	delete(h.db, key)
	return nil
}
