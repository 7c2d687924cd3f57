package share

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"notevault/internal/security/envelope"
	"notevault/internal/security/ratelimit"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// 分享令牌服務
// 簽發、解析、撤銷 TTL 限定的分享令牌。文件密鑰只出現在回傳給
// 簽發者的定位器片段中，不進存儲、不進日誌。

const (
	// tokenIDBytes 令牌 ID 的隨機位元組數（256 bits）
	tokenIDBytes = 32

	// MinTTL / MaxTTL 簽發時允許的存活期範圍
	MinTTL = time.Minute
	MaxTTL = 30 * 24 * time.Hour
)

var (
	// ErrTokenNotFound 令牌無效
	// 刻意不區分「不存在」「已過期」「已撤銷」，避免對外洩露令牌歷史。
	ErrTokenNotFound = errors.New("share: token not found")

	// ErrPermissionDenied 權限不足（例如對 view 令牌提交編輯）
	ErrPermissionDenied = errors.New("share: permission denied")

	// ErrActiveShareCap 文件的同時有效分享數已達上限
	ErrActiveShareCap = errors.New("share: active share cap reached for document")
)

// Limits 簽發配額
type Limits struct {
	// IssuePerOwnerHourly 單一使用者每小時可簽發的令牌數
	IssuePerOwnerHourly int

	// IssuePerWorkspaceDaily 單一工作區每日可簽發的令牌數
	IssuePerWorkspaceDaily int

	// ActivePerDocument 單一文件同時有效的令牌上限
	// 限制的是同時暴露面，不是簽發速度，所以數的是 Active 令牌
	// 而不是時間窗口內的簽發次數。
	ActivePerDocument int
}

// DefaultLimits 預設配額
func DefaultLimits() Limits {
	return Limits{
		IssuePerOwnerHourly:    30,
		IssuePerWorkspaceDaily: 200,
		ActivePerDocument:      10,
	}
}

// IssueRequest 簽發請求
// DocumentKey 只用來組定位器片段，不會進入任何持久化路徑。
type IssueRequest struct {
	DocumentID  string
	WorkspaceID string
	OwnerID     string
	Permission  Permission
	TTL         time.Duration
	Title       string
	Snapshot    *envelope.Envelope
	DocumentKey []byte
}

// Grant 簽發結果
type Grant struct {
	TokenID   string    `json:"token_id"`
	ExpiresAt time.Time `json:"expires_at"`
	Locator   string    `json:"locator,omitempty"`
}

// Resolution 解析結果（不含密鑰）
type Resolution struct {
	Envelope   *envelope.Envelope `json:"envelope"`
	Permission Permission         `json:"permission"`
	Title      string             `json:"title"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

// Service 分享令牌服務
type Service struct {
	tokens    TokenStore
	snapshots SnapshotStore
	limiter   ratelimit.Limiter
	clock     clockwork.Clock
	limits    Limits
	baseURL   string
}

// NewService 創建分享令牌服務
func NewService(tokens TokenStore, snapshots SnapshotStore, limiter ratelimit.Limiter, baseURL string, limits Limits, clock clockwork.Clock) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Service{
		tokens:    tokens,
		snapshots: snapshots,
		limiter:   limiter,
		clock:     clock,
		limits:    limits,
		baseURL:   baseURL,
	}
}

// Issue 簽發分享令牌
// 依序檢查三個配額範圍（文件同時有效上限、使用者簽發速率、工作區
// 每日上限），全部通過才寫入。同時有效上限先查：它本身不消耗任何
// 配額，查它不會在被拒絕時白白扣掉窗口計數。任何一步失敗都不會留
// 下半成品令牌。
func (s *Service) Issue(ctx context.Context, req *IssueRequest) (*Grant, error) {
	if err := s.validateIssue(req); err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()

	active, err := s.tokens.CountActive(ctx, req.DocumentID, now)
	if err != nil {
		return nil, fmt.Errorf("share: count active tokens: %w", err)
	}
	if active >= int64(s.limits.ActivePerDocument) {
		return nil, fmt.Errorf("%w: %d active", ErrActiveShareCap, active)
	}

	ownerScope := "share_issue:owner:" + req.OwnerID
	if err := s.limiter.Check(ctx, ownerScope, s.limits.IssuePerOwnerHourly, time.Hour); err != nil {
		return nil, err
	}

	wsScope := "share_issue:workspace:" + req.WorkspaceID
	if err := s.limiter.Check(ctx, wsScope, s.limits.IssuePerWorkspaceDaily, 24*time.Hour); err != nil {
		return nil, err
	}

	tokenID, err := newTokenID()
	if err != nil {
		return nil, err
	}

	snapshot := &Snapshot{
		Ref:        uuid.NewString(),
		DocumentID: req.DocumentID,
		Title:      req.Title,
		Envelope:   req.Snapshot,
		ExpiresAt:  now.Add(req.TTL),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.snapshots.Put(ctx, snapshot); err != nil {
		return nil, fmt.Errorf("share: store snapshot: %w", err)
	}

	token := &Token{
		TokenID:     tokenID,
		DocumentID:  req.DocumentID,
		WorkspaceID: req.WorkspaceID,
		OwnerID:     req.OwnerID,
		Permission:  req.Permission,
		SnapshotRef: snapshot.Ref,
		ExpiresAt:   now.Add(req.TTL),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.tokens.Insert(ctx, token); err != nil {
		return nil, fmt.Errorf("share: store token: %w", err)
	}

	return &Grant{
		TokenID:   tokenID,
		ExpiresAt: token.ExpiresAt,
		Locator:   BuildLocator(s.baseURL, tokenID, req.DocumentKey),
	}, nil
}

// Resolve 解析分享令牌
// 只有 Active 令牌會回傳內容；不存在、已過期、已撤銷一律回傳
// 同一個 ErrTokenNotFound。
func (s *Service) Resolve(ctx context.Context, tokenID string) (*Resolution, error) {
	token, err := s.getActive(ctx, tokenID)
	if err != nil {
		return nil, err
	}

	snapshot, err := s.snapshots.Get(ctx, token.SnapshotRef)
	if err != nil {
		return nil, fmt.Errorf("share: load snapshot: %w", err)
	}
	if snapshot == nil {
		return nil, ErrTokenNotFound
	}

	return &Resolution{
		Envelope:   snapshot.Envelope,
		Permission: token.Permission,
		Title:      snapshot.Title,
		CreatedAt:  snapshot.CreatedAt,
		UpdatedAt:  snapshot.UpdatedAt,
	}, nil
}

// Revoke 撤銷單一令牌（僅限擁有者）
// 撤銷在存儲層提交，之後開始的任何 Resolve 都會看到撤銷狀態。
// 令牌一撤銷，密文快照就沒有存在的理由，跟著刪除。
func (s *Service) Revoke(ctx context.Context, tokenID, ownerID string) error {
	token, err := s.tokens.Get(ctx, tokenID)
	if err != nil {
		return fmt.Errorf("share: load token: %w", err)
	}

	revoked, err := s.tokens.Revoke(ctx, tokenID, ownerID)
	if err != nil {
		return fmt.Errorf("share: revoke token: %w", err)
	}
	if !revoked {
		return ErrTokenNotFound
	}

	// 刪除失敗不影響撤銷結果，TTL 清除會兜底
	if token != nil && token.SnapshotRef != "" {
		_ = s.snapshots.Delete(ctx, token.SnapshotRef)
	}
	return nil
}

// RevokeAll 撤銷某文件的所有令牌（僅限擁有者）
// 先收集快照引用再撤銷，撤銷提交後回收密文。
func (s *Service) RevokeAll(ctx context.Context, documentID, ownerID string) (int64, error) {
	refs, err := s.tokens.SnapshotRefsByDocument(ctx, documentID, ownerID)
	if err != nil {
		return 0, fmt.Errorf("share: list snapshot refs: %w", err)
	}

	count, err := s.tokens.RevokeAllByDocument(ctx, documentID, ownerID)
	if err != nil {
		return 0, fmt.Errorf("share: revoke all tokens: %w", err)
	}

	for _, ref := range refs {
		_ = s.snapshots.Delete(ctx, ref)
	}
	return count, nil
}

// UpdateSnapshot 用新的密文快照覆寫令牌內容（last write wins）
// 權限檢查在任何寫入之前：view 令牌的編輯一律拒絕。
func (s *Service) UpdateSnapshot(ctx context.Context, tokenID, title string, env *envelope.Envelope) error {
	token, err := s.getActive(ctx, tokenID)
	if err != nil {
		return err
	}

	if token.Permission != PermissionEdit {
		return ErrPermissionDenied
	}

	now := s.clock.Now().UTC()
	snapshot := &Snapshot{
		Ref:        uuid.NewString(),
		DocumentID: token.DocumentID,
		Title:      title,
		Envelope:   env,
		ExpiresAt:  token.ExpiresAt,
		CreatedAt:  token.CreatedAt,
		UpdatedAt:  now,
	}
	if err := s.snapshots.Put(ctx, snapshot); err != nil {
		return fmt.Errorf("share: store snapshot: %w", err)
	}

	if err := s.tokens.UpdateSnapshotRef(ctx, tokenID, snapshot.Ref, now); err != nil {
		return fmt.Errorf("share: update snapshot ref: %w", err)
	}

	// 引用已改指新快照，被取代的那份立刻回收
	if token.SnapshotRef != "" && token.SnapshotRef != snapshot.Ref {
		_ = s.snapshots.Delete(ctx, token.SnapshotRef)
	}
	return nil
}

func (s *Service) getActive(ctx context.Context, tokenID string) (*Token, error) {
	if tokenID == "" {
		return nil, ErrTokenNotFound
	}

	token, err := s.tokens.Get(ctx, tokenID)
	if err != nil {
		return nil, fmt.Errorf("share: load token: %w", err)
	}
	if token == nil || !token.Active(s.clock.Now().UTC()) {
		return nil, ErrTokenNotFound
	}
	return token, nil
}

func (s *Service) validateIssue(req *IssueRequest) error {
	if req.DocumentID == "" {
		return fmt.Errorf("share: documentID cannot be empty")
	}
	if req.OwnerID == "" {
		return fmt.Errorf("share: ownerID cannot be empty")
	}
	if !req.Permission.Valid() {
		return fmt.Errorf("share: invalid permission %q", req.Permission)
	}
	if req.TTL < MinTTL || req.TTL > MaxTTL {
		return fmt.Errorf("share: ttl must be between %s and %s", MinTTL, MaxTTL)
	}
	if req.Snapshot == nil {
		return fmt.Errorf("share: snapshot cannot be nil")
	}
	return nil
}

// newTokenID 生成高熵不可猜測的令牌 ID
func newTokenID() (string, error) {
	buf := make([]byte, tokenIDBytes)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", fmt.Errorf("share: generate token id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
