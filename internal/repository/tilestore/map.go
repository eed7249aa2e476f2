package tilestore

import (
	"context"
	"sync"
)

type MapStore struct {
	m *TypedSyncMap
}

type TypedSyncMap struct {
	m sync.Map
}

func (c *TypedSyncMap) Load(k TileKey) ([]byte, bool) {
	v, exists := c.m.Load(k)
	if !exists {
		return nil, false
	}
	return v.([]byte), exists
}

func (c *TypedSyncMap) Store(k TileKey, v []byte) {
	c.m.Store(k, v)
}

func (c *TypedSyncMap) Len() int {
	n := 0
	c.m.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func NewMapStore() *MapStore {
	return &MapStore{
		m: &TypedSyncMap{},
	}
}

var _ TileStore = (*MapStore)(nil)

func (s *MapStore) Get(ctx context.Context, k TileKey) ([]byte, bool, error) {
	v, exists := s.m.Load(k)
	return v, exists, nil
}

func (s *MapStore) Set(ctx context.Context, k TileKey, data []byte) error {
	s.m.Store(k, data)
	return nil
}

func (s *MapStore) Len() int {
	return s.m.Len()
}

func (s *MapStore) Close() error {
	return nil
}
