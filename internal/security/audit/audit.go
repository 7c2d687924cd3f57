package audit

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"notevault/internal/platform/middleware"
)

// 分享生命週期審計
// 記錄令牌的簽發、解析、撤銷與快照覆寫。審計事件只含中繼資料，
// 永遠不記錄密鑰或明文。

// AuditService 審計服務
type AuditService struct {
	enabled bool
	logger  *log.Logger
}

// NewAuditService 創建審計服務
func NewAuditService(enabled bool) *AuditService {
	return &AuditService{
		enabled: enabled,
		logger:  log.Default(),
	}
}

// AuditEvent 審計事件
type AuditEvent struct {
	Timestamp  time.Time              `json:"timestamp"`
	EventType  string                 `json:"event_type"`
	OwnerID    string                 `json:"owner_id,omitempty"`
	DocumentID string                 `json:"document_id,omitempty"`
	TokenID    string                 `json:"token_id,omitempty"`
	Action     string                 `json:"action"`
	Result     string                 `json:"result"` // success, failure, denied, blocked
	Details    map[string]interface{} `json:"details,omitempty"`
	IPAddress  string                 `json:"ip_address,omitempty"`
	UserAgent  string                 `json:"user_agent,omitempty"`
}

// LogShareIssued 記錄令牌簽發
func (a *AuditService) LogShareIssued(ctx context.Context, ownerID, documentID, tokenID, permission string, expiresAt time.Time) {
	if !a.enabled {
		return
	}

	event := AuditEvent{
		Timestamp:  time.Now(),
		EventType:  "share_issued",
		OwnerID:    ownerID,
		DocumentID: documentID,
		TokenID:    tokenID,
		Action:     "issue_share",
		Result:     "success",
		Details: map[string]interface{}{
			"permission": permission,
			"expires_at": expiresAt,
		},
	}

	a.enrichWithMetadata(ctx, &event)
	a.log(event)
}

// LogShareResolved 記錄令牌解析
func (a *AuditService) LogShareResolved(ctx context.Context, tokenID string, success bool) {
	if !a.enabled {
		return
	}

	result := "success"
	if !success {
		result = "failure"
	}

	event := AuditEvent{
		Timestamp: time.Now(),
		EventType: "share_resolved",
		TokenID:   tokenID,
		Action:    "resolve_share",
		Result:    result,
	}

	a.enrichWithMetadata(ctx, &event)
	a.log(event)
}

// LogShareRevoked 記錄令牌撤銷
func (a *AuditService) LogShareRevoked(ctx context.Context, ownerID, tokenID string) {
	if !a.enabled {
		return
	}

	event := AuditEvent{
		Timestamp: time.Now(),
		EventType: "share_revoked",
		OwnerID:   ownerID,
		TokenID:   tokenID,
		Action:    "revoke_share",
		Result:    "success",
	}

	a.enrichWithMetadata(ctx, &event)
	a.log(event)
}

// LogShareRevokedAll 記錄整份文件的令牌撤銷
func (a *AuditService) LogShareRevokedAll(ctx context.Context, ownerID, documentID string, count int64) {
	if !a.enabled {
		return
	}

	event := AuditEvent{
		Timestamp:  time.Now(),
		EventType:  "share_revoked_all",
		OwnerID:    ownerID,
		DocumentID: documentID,
		Action:     "revoke_all_shares",
		Result:     "success",
		Details: map[string]interface{}{
			"revoked_count": count,
		},
	}

	a.enrichWithMetadata(ctx, &event)
	a.log(event)
}

// LogSnapshotUpdated 記錄編輯令牌的快照覆寫
func (a *AuditService) LogSnapshotUpdated(ctx context.Context, tokenID string) {
	if !a.enabled {
		return
	}

	event := AuditEvent{
		Timestamp: time.Now(),
		EventType: "share_snapshot_updated",
		TokenID:   tokenID,
		Action:    "update_snapshot",
		Result:    "success",
	}

	a.enrichWithMetadata(ctx, &event)
	a.log(event)
}

// LogAccessDenied 記錄訪問被拒絕
func (a *AuditService) LogAccessDenied(ctx context.Context, ownerID, tokenID, reason string) {
	if !a.enabled {
		return
	}

	event := AuditEvent{
		Timestamp: time.Now(),
		EventType: "access_denied",
		OwnerID:   ownerID,
		TokenID:   tokenID,
		Action:    "access_resource",
		Result:    "denied",
		Details: map[string]interface{}{
			"reason": reason,
		},
	}

	a.enrichWithMetadata(ctx, &event)
	a.log(event)
}

// LogRateLimitExceeded 記錄配額超限
func (a *AuditService) LogRateLimitExceeded(ctx context.Context, ipAddress, scope string) {
	if !a.enabled {
		return
	}

	event := AuditEvent{
		Timestamp: time.Now(),
		EventType: "rate_limit",
		Action:    "api_request",
		Result:    "blocked",
		IPAddress: ipAddress,
		Details: map[string]interface{}{
			"scope":  scope,
			"reason": "rate_limit_exceeded",
		},
	}

	a.log(event)
}

// LogDocumentSaved 記錄密文文件寫入（只有中繼資料）
func (a *AuditService) LogDocumentSaved(ctx context.Context, ownerID, documentID string, ciphertextBytes int) {
	if !a.enabled {
		return
	}

	event := AuditEvent{
		Timestamp:  time.Now(),
		EventType:  "document_saved",
		OwnerID:    ownerID,
		DocumentID: documentID,
		Action:     "save_document",
		Result:     "success",
		Details: map[string]interface{}{
			"ciphertext_bytes": ciphertextBytes,
		},
	}

	a.enrichWithMetadata(ctx, &event)
	a.log(event)
}

// log 記錄審計事件
func (a *AuditService) log(event AuditEvent) {
	jsonData, err := json.Marshal(event)
	if err != nil {
		a.logger.Printf("[AUDIT-ERROR] Failed to marshal event: %v", err)
		return
	}

	a.logger.Printf("[AUDIT] %s", string(jsonData))

	// TODO: 同時寫入專門的審計日誌文件或數據庫
}

// IsEnabled 檢查審計是否啟用
func (a *AuditService) IsEnabled() bool {
	return a.enabled
}

// enrichWithMetadata 從 context 提取元數據並豐富審計事件
func (a *AuditService) enrichWithMetadata(ctx context.Context, event *AuditEvent) {
	meta := middleware.GetRequestMetadata(ctx)
	if meta == nil {
		return
	}
	if event.IPAddress == "" {
		event.IPAddress = meta.IPAddress
	}
	if event.UserAgent == "" {
		event.UserAgent = meta.UserAgent
	}
}
