package share

import (
	"context"
	"time"

	"notevault/internal/security/envelope"
)

// 分享令牌數據模型
// 伺服器端只看得到令牌中繼資料與密文快照，永遠沒有文件密鑰。

// Permission 分享權限
type Permission string

const (
	// PermissionView 唯讀
	PermissionView Permission = "view"

	// PermissionEdit 可編輯（編輯方在客戶端重新加密後覆寫快照）
	PermissionEdit Permission = "edit"
)

// Valid 檢查權限值是否合法
func (p Permission) Valid() bool {
	return p == PermissionView || p == PermissionEdit
}

// Token 分享令牌（ShareToken）
// 狀態機：Created → Active → {Expired | Revoked}，後兩者皆為終態。
type Token struct {
	TokenID     string     `bson:"token_id" json:"token_id"`
	DocumentID  string     `bson:"document_id" json:"document_id"`
	WorkspaceID string     `bson:"workspace_id" json:"workspace_id"`
	OwnerID     string     `bson:"owner_id" json:"owner_id"`
	Permission  Permission `bson:"permission" json:"permission"`
	SnapshotRef string     `bson:"snapshot_ref" json:"snapshot_ref"`
	Revoked     bool       `bson:"revoked" json:"revoked"`
	ExpiresAt   time.Time  `bson:"expires_at" json:"expires_at"`
	CreatedAt   time.Time  `bson:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `bson:"updated_at" json:"updated_at"`
}

// Active 令牌是否仍在有效狀態
func (t *Token) Active(now time.Time) bool {
	return !t.Revoked && now.Before(t.ExpiresAt)
}

// Snapshot 密文快照
// 內容在客戶端以文件密鑰加密，這裡只是不透明的信封。
// ExpiresAt 對齊所屬令牌的過期時間：令牌失效後密文沒有存在的理由，
// 由 TTL 清除兜底，撤銷路徑則立即刪除。
type Snapshot struct {
	Ref        string             `bson:"ref" json:"ref"`
	DocumentID string             `bson:"document_id" json:"document_id"`
	Title      string             `bson:"title" json:"title"`
	Envelope   *envelope.Envelope `bson:"envelope" json:"envelope"`
	ExpiresAt  time.Time          `bson:"expires_at" json:"expires_at"`
	CreatedAt  time.Time          `bson:"created_at" json:"created_at"`
	UpdatedAt  time.Time          `bson:"updated_at" json:"updated_at"`
}

// TokenStore 令牌存儲接口
// 同一 tokenID 上的操作必須線性化：revoke 提交後開始的 resolve
// 一定要看到 revoked 狀態。
type TokenStore interface {
	// Insert 寫入新令牌
	Insert(ctx context.Context, token *Token) error

	// Get 讀取令牌（不過濾狀態，由服務層判斷）
	// 不存在時回傳 (nil, nil)。
	Get(ctx context.Context, tokenID string) (*Token, error)

	// Revoke 標記撤銷，只有擁有者可操作
	// 令牌不存在或擁有者不符時回傳 (false, nil)。
	Revoke(ctx context.Context, tokenID, ownerID string) (bool, error)

	// RevokeAllByDocument 撤銷某文件的所有令牌，回傳撤銷筆數
	RevokeAllByDocument(ctx context.Context, documentID, ownerID string) (int64, error)

	// UpdateSnapshotRef 更新快照引用（last write wins）
	UpdateSnapshotRef(ctx context.Context, tokenID, snapshotRef string, updatedAt time.Time) error

	// CountActive 計算某文件當前有效（未撤銷且未過期）的令牌數
	CountActive(ctx context.Context, documentID string, now time.Time) (int64, error)

	// SnapshotRefsByDocument 列出某文件未撤銷令牌的快照引用
	// RevokeAll 之前取得待回收的密文清單用。
	SnapshotRefsByDocument(ctx context.Context, documentID, ownerID string) ([]string, error)
}

// SnapshotStore 快照存儲接口
type SnapshotStore interface {
	// Put 寫入快照
	Put(ctx context.Context, snapshot *Snapshot) error

	// Get 讀取快照，不存在時回傳 (nil, nil)
	Get(ctx context.Context, ref string) (*Snapshot, error)

	// Delete 刪除快照（冪等，不存在不是錯誤）
	Delete(ctx context.Context, ref string) error
}
