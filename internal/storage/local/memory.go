package local

import (
	"bytes"
	"context"
	"sort"
	"sync"
)

// MemoryStore 記憶體實作的本地存儲（測試替身）
// 行為與 BadgerStore 一致，但不落地。
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool

	// FailNext 設為 true 時，下一次操作回傳 ErrUnavailable（模擬存儲故障）
	FailNext bool
}

// NewMemoryStore 創建記憶體存儲
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string][]byte),
	}
}

func (s *MemoryStore) failIfRequested() error {
	if s.FailNext {
		s.FailNext = false
		return ErrUnavailable
	}
	if s.closed {
		return ErrUnavailable
	}
	return nil
}

// Get 讀取單一鍵，不存在時回傳 (nil, nil)
func (s *MemoryStore) Get(ctx context.Context, key []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.failIfRequested(); err != nil {
		return nil, err
	}

	value, ok := s.data[string(key)]
	if !ok {
		return nil, nil
	}
	return bytes.Clone(value), nil
}

// Set 寫入單一鍵
func (s *MemoryStore) Set(ctx context.Context, key, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failIfRequested(); err != nil {
		return err
	}

	s.data[string(key)] = bytes.Clone(value)
	return nil
}

// SetBatch 原子寫入多個鍵
func (s *MemoryStore) SetBatch(ctx context.Context, kvs map[string][]byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failIfRequested(); err != nil {
		return err
	}

	for k, v := range kvs {
		s.data[k] = bytes.Clone(v)
	}
	return nil
}

// Delete 刪除單一鍵
func (s *MemoryStore) Delete(ctx context.Context, key []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failIfRequested(); err != nil {
		return err
	}

	delete(s.data, string(key))
	return nil
}

// Scan 依鍵排序走訪指定前綴下的所有鍵值
func (s *MemoryStore) Scan(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error {
	s.mu.RLock()

	if err := s.failIfRequested(); err != nil {
		s.mu.RUnlock()
		return err
	}

	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		if bytes.HasPrefix([]byte(k), prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	// 複製快照後再執行回呼，避免在鎖內呼叫外部程式碼
	type pair struct{ k, v []byte }
	pairs := make([]pair, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, pair{[]byte(k), bytes.Clone(s.data[k])})
	}
	s.mu.RUnlock()

	for _, p := range pairs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(p.k, p.v); err != nil {
			return err
		}
	}
	return nil
}

// Close 關閉存儲
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
