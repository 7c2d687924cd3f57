package share

import (
	"context"
	"sync"
	"time"
)

// 記憶體令牌/快照存儲
// 測試與單機示範用；生產部署使用 MongoDB 實作。

// MemoryTokenStore 記憶體令牌存儲
type MemoryTokenStore struct {
	mu     sync.Mutex
	tokens map[string]*Token
}

// NewMemoryTokenStore 創建記憶體令牌存儲
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{tokens: make(map[string]*Token)}
}

// Insert 寫入新令牌
func (s *MemoryTokenStore) Insert(ctx context.Context, token *Token) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *token
	s.tokens[token.TokenID] = &cp
	return nil
}

// Get 讀取令牌
func (s *MemoryTokenStore) Get(ctx context.Context, tokenID string) (*Token, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.tokens[tokenID]
	if !ok {
		return nil, nil
	}
	cp := *token
	return &cp, nil
}

// Revoke 標記撤銷
func (s *MemoryTokenStore) Revoke(ctx context.Context, tokenID, ownerID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.tokens[tokenID]
	if !ok || token.OwnerID != ownerID {
		return false, nil
	}
	token.Revoked = true
	return true, nil
}

// RevokeAllByDocument 撤銷某文件的所有令牌
func (s *MemoryTokenStore) RevokeAllByDocument(ctx context.Context, documentID, ownerID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	for _, token := range s.tokens {
		if token.DocumentID == documentID && token.OwnerID == ownerID && !token.Revoked {
			token.Revoked = true
			count++
		}
	}
	return count, nil
}

// UpdateSnapshotRef 更新快照引用
func (s *MemoryTokenStore) UpdateSnapshotRef(ctx context.Context, tokenID, snapshotRef string, updatedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if token, ok := s.tokens[tokenID]; ok {
		token.SnapshotRef = snapshotRef
		token.UpdatedAt = updatedAt
	}
	return nil
}

// CountActive 計算某文件當前有效的令牌數
func (s *MemoryTokenStore) CountActive(ctx context.Context, documentID string, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	for _, token := range s.tokens {
		if token.DocumentID == documentID && token.Active(now) {
			count++
		}
	}
	return count, nil
}

// SnapshotRefsByDocument 列出某文件未撤銷令牌的快照引用
func (s *MemoryTokenStore) SnapshotRefsByDocument(ctx context.Context, documentID, ownerID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var refs []string
	for _, token := range s.tokens {
		if token.DocumentID == documentID && token.OwnerID == ownerID && !token.Revoked && token.SnapshotRef != "" {
			refs = append(refs, token.SnapshotRef)
		}
	}
	return refs, nil
}

// MemorySnapshotStore 記憶體快照存儲
type MemorySnapshotStore struct {
	mu        sync.Mutex
	snapshots map[string]*Snapshot
}

// NewMemorySnapshotStore 創建記憶體快照存儲
func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{snapshots: make(map[string]*Snapshot)}
}

// Put 寫入快照
func (s *MemorySnapshotStore) Put(ctx context.Context, snapshot *Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *snapshot
	s.snapshots[snapshot.Ref] = &cp
	return nil
}

// Get 讀取快照
func (s *MemorySnapshotStore) Get(ctx context.Context, ref string) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot, ok := s.snapshots[ref]
	if !ok {
		return nil, nil
	}
	cp := *snapshot
	return &cp, nil
}

// Delete 刪除快照（冪等）
func (s *MemorySnapshotStore) Delete(ctx context.Context, ref string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.snapshots, ref)
	return nil
}

// Len 快照數（測試用）
func (s *MemorySnapshotStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snapshots)
}
