package server

import (
	"errors"
	"time"

	"notevault/internal/httputil"
	"notevault/internal/platform/config"
	"notevault/internal/platform/driver"
	"notevault/internal/platform/health"
	"notevault/internal/platform/logger"
	"notevault/internal/platform/middleware"
	"notevault/internal/security/audit"
	"notevault/internal/security/envelope"
	"notevault/internal/security/ratelimit"
	"notevault/internal/share"
	"notevault/internal/storage/database"
	"notevault/internal/storage/database/document"

	"github.com/gin-gonic/gin"
)

// 分享與文件 API
// 伺服器只經手密文與令牌中繼資料：定位器的密鑰片段在瀏覽器端，
// 結構上不會隨任何請求送到這裡。

var (
	shareService *share.Service
	repos        *database.Repositories
	auditService *audit.AuditService
)

// securityHeadersMiddleware 添加安全標頭
func securityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// 防止點擊劫持
		c.Header("X-Frame-Options", "DENY")

		// 防止 MIME 類型嗅探
		c.Header("X-Content-Type-Options", "nosniff")

		// 啟用 XSS 保護
		c.Header("X-XSS-Protection", "1; mode=block")

		// 內容安全策略
		c.Header("Content-Security-Policy", "default-src 'self'; script-src 'self'; style-src 'self' 'unsafe-inline'; img-src 'self' data: https:; font-src 'self'; connect-src 'self'; frame-ancestors 'none';")

		// 推薦政策：分享頁不得外洩 referrer（URL 帶 tokenID）
		c.Header("Referrer-Policy", "no-referrer")

		// 權限政策
		c.Header("Permissions-Policy", "geolocation=(), microphone=(), camera=()")

		c.Next()
	}
}

// setupServices 組裝分享服務與其依賴
// 有 MongoDB 連接時用共享存儲，否則退回記憶體實作（單機 / 測試）。
func setupServices() {
	cfg := config.Get()

	limits := share.DefaultLimits()
	if cfg != nil {
		if cfg.Limits.Sharing.IssuePerOwnerHourly > 0 {
			limits.IssuePerOwnerHourly = cfg.Limits.Sharing.IssuePerOwnerHourly
		}
		if cfg.Limits.Sharing.IssuePerWorkspaceDaily > 0 {
			limits.IssuePerWorkspaceDaily = cfg.Limits.Sharing.IssuePerWorkspaceDaily
		}
		if cfg.Limits.Sharing.ActivePerDocument > 0 {
			limits.ActivePerDocument = cfg.Limits.Sharing.ActivePerDocument
		}
	}

	auditEnabled := true
	if cfg != nil {
		auditEnabled = cfg.Security.Audit.Enabled
	}
	auditService = audit.NewAuditService(auditEnabled)

	var (
		tokens    share.TokenStore
		snapshots share.SnapshotStore
		limiter   ratelimit.Limiter
	)

	repos = database.NewRepositories()
	if repos != nil {
		tokens = repos.Tokens
		snapshots = repos.Snapshots
		limiter = ratelimit.NewMongoLimiter(driver.GetMongoDatabase(), nil)
	} else {
		tokens = share.NewMemoryTokenStore()
		snapshots = share.NewMemorySnapshotStore()
		limiter = ratelimit.NewMemoryLimiter(nil)
	}

	shareService = share.NewService(tokens, snapshots, limiter, config.GetPublicBaseURL(), limits, nil)
}

// Router 設定路由
func Router() *gin.Engine {
	r := gin.Default()

	// 添加安全的 CORS 中間件
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		// 只允許特定的來源（生產環境應該從配置文件讀取）
		allowedOrigins := map[string]bool{
			"http://localhost:3000": true, // 開發環境前端
			"http://localhost:8080": true, // 本地測試
			"http://127.0.0.1:8080": true, // 本地測試 (127.0.0.1)
		}

		if allowedOrigins[origin] {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Credentials", "true")
		}

		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-Owner-ID")
		c.Header("Access-Control-Max-Age", "86400") // 預檢請求緩存 24 小時

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	// 添加請求 ID 中間件（最優先）
	r.Use(middleware.RequestIDMiddleware())

	// 添加安全標頭中間件
	r.Use(securityHeadersMiddleware())

	// 添加請求元數據中間件（提取 IP、User-Agent）
	r.Use(middleware.RequestMetadataMiddleware())

	// 從配置讀取限制參數
	cfg := config.Get()

	// 添加請求大小限制（防止大文件攻擊）
	maxBody := int64(10 << 20) // 默認 10MB
	if cfg != nil && cfg.Limits.Request.MaxBodySize > 0 {
		maxBody = cfg.Limits.Request.MaxBodySize
	}
	r.Use(middleware.RequestSizeLimiter(maxBody))

	// 創建每 IP Rate Limiter
	defaultLimit := 100
	if cfg != nil && cfg.Limits.RateLimiting.DefaultPerMinute > 0 {
		defaultLimit = cfg.Limits.RateLimiting.DefaultPerMinute
	}
	rateLimiter := middleware.NewPerEndpointRateLimiter(defaultLimit, time.Minute)

	// 為簽發端點設置較緊的速率限制
	if cfg != nil && cfg.Limits.RateLimiting.Enabled {
		if cfg.Limits.RateLimiting.SharesPerMin > 0 {
			rateLimiter.SetLimit("/api/v1/shares", cfg.Limits.RateLimiting.SharesPerMin, time.Minute)
		}
	}

	// 應用 Rate Limiting 中間件
	r.Use(rateLimiter.Middleware())

	// 組裝服務
	setupServices()

	// 創建處理器
	healthHandler := health.NewHealthHandler()

	// health check
	r.GET("/health", healthHandler.HealthCheck)

	// 分享 API：簽發與全量撤銷是擁有者操作
	r.POST("/api/v1/shares", middleware.RequireOwner(), issueShare)
	r.POST("/api/v1/documents/:document_id/shares/revoke", middleware.RequireOwner(), revokeAllShares)

	// 文件 API：密文信封的上傳與下載
	r.PUT("/api/v1/documents/:document_id", middleware.RequireOwner(), saveDocument)
	r.GET("/api/v1/documents/:document_id", middleware.RequireOwner(), getDocument)

	// 分享解析：持定位器者即可呼叫，不經認證
	r.GET("/share/:token_id", resolveShare)
	r.POST("/share/:token_id/revoke", middleware.RequireOwner(), revokeShare)
	r.POST("/share/:token_id/snapshot", updateShareSnapshot)

	return r
}

// issueShare 簽發分享令牌
func issueShare(c *gin.Context) {
	var req struct {
		DocumentID  string             `json:"document_id"`
		WorkspaceID string             `json:"workspace_id"`
		Permission  string             `json:"permission"`
		TTLSeconds  int64              `json:"ttl_seconds"`
		Title       string             `json:"title"`
		Envelope    *envelope.Envelope `json:"envelope"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.BadRequest(c, "無效的請求格式")
		return
	}

	if err := middleware.ValidateDocumentID(req.DocumentID); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}
	if err := middleware.ValidatePermission(req.Permission); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}
	if err := middleware.ValidateShareTTL(req.TTLSeconds); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}
	if err := middleware.ValidateTitle(req.Title); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}
	if req.Envelope == nil {
		httputil.BadRequest(c, "缺少密文快照")
		return
	}

	ownerID := middleware.GetOwnerID(c)
	grant, err := shareService.Issue(c.Request.Context(), &share.IssueRequest{
		DocumentID:  req.DocumentID,
		WorkspaceID: middleware.SanitizeInput(req.WorkspaceID),
		OwnerID:     ownerID,
		Permission:  share.Permission(req.Permission),
		TTL:         time.Duration(req.TTLSeconds) * time.Second,
		Title:       middleware.SanitizeInput(req.Title),
		Snapshot:    req.Envelope,
	})
	if err != nil {
		var lerr *ratelimit.LimitExceededError
		switch {
		case errors.As(err, &lerr):
			auditService.LogRateLimitExceeded(c.Request.Context(), middleware.GetClientIP(c), lerr.Scope)
			httputil.RateLimitExceededWithHint(c, lerr.RetryAfter)
		case errors.Is(err, share.ErrActiveShareCap):
			httputil.BadRequest(c, "此文件的有效分享數已達上限，請先撤銷舊的分享")
		default:
			httputil.InternalServerError(c, err)
		}
		return
	}

	auditService.LogShareIssued(c.Request.Context(), ownerID, req.DocumentID, grant.TokenID, req.Permission, grant.ExpiresAt)
	logger.Info(c.Request.Context(), "share token issued",
		logger.WithUserID(ownerID),
		logger.WithDocumentID(req.DocumentID),
		logger.WithTokenID(grant.TokenID),
		logger.WithAction("issue_share"))

	// 伺服器端沒有密鑰，定位器由客戶端補上片段
	c.JSON(200, gin.H{
		"token_id":   grant.TokenID,
		"expires_at": grant.ExpiresAt,
	})
}

// resolveShare 解析分享令牌
// 不存在、過期、撤銷一律回同一個 404，外部無從分辨
func resolveShare(c *gin.Context) {
	tokenID := c.Param("token_id")
	if err := middleware.ValidateTokenID(tokenID); err != nil {
		httputil.NotFoundError(c, "分享連結無效或已失效")
		return
	}

	res, err := shareService.Resolve(c.Request.Context(), tokenID)
	if err != nil {
		auditService.LogShareResolved(c.Request.Context(), tokenID, false)
		if errors.Is(err, share.ErrTokenNotFound) {
			httputil.NotFoundError(c, "分享連結無效或已失效")
		} else {
			httputil.InternalServerError(c, err)
		}
		return
	}

	auditService.LogShareResolved(c.Request.Context(), tokenID, true)
	c.JSON(200, res)
}

// revokeShare 撤銷單一分享令牌
func revokeShare(c *gin.Context) {
	tokenID := c.Param("token_id")
	if err := middleware.ValidateTokenID(tokenID); err != nil {
		httputil.NotFoundError(c, "分享連結無效或已失效")
		return
	}

	ownerID := middleware.GetOwnerID(c)
	if err := shareService.Revoke(c.Request.Context(), tokenID, ownerID); err != nil {
		if errors.Is(err, share.ErrTokenNotFound) {
			auditService.LogAccessDenied(c.Request.Context(), ownerID, tokenID, "revoke non-owned or unknown token")
			httputil.NotFoundError(c, "分享連結無效或已失效")
		} else {
			httputil.InternalServerError(c, err)
		}
		return
	}

	auditService.LogShareRevoked(c.Request.Context(), ownerID, tokenID)
	c.JSON(200, httputil.Success("分享已撤銷"))
}

// revokeAllShares 撤銷某文件的所有分享令牌
func revokeAllShares(c *gin.Context) {
	documentID := c.Param("document_id")
	if err := middleware.ValidateDocumentID(documentID); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}

	ownerID := middleware.GetOwnerID(c)
	count, err := shareService.RevokeAll(c.Request.Context(), documentID, ownerID)
	if err != nil {
		httputil.InternalServerError(c, err)
		return
	}

	auditService.LogShareRevokedAll(c.Request.Context(), ownerID, documentID, count)
	c.JSON(200, httputil.SuccessWithCount("分享已撤銷", int(count)))
}

// updateShareSnapshot 用編輯令牌覆寫密文快照（last write wins）
func updateShareSnapshot(c *gin.Context) {
	tokenID := c.Param("token_id")
	if err := middleware.ValidateTokenID(tokenID); err != nil {
		httputil.NotFoundError(c, "分享連結無效或已失效")
		return
	}

	var req struct {
		Title    string             `json:"title"`
		Envelope *envelope.Envelope `json:"envelope"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Envelope == nil {
		httputil.BadRequest(c, "無效的請求格式")
		return
	}
	if err := middleware.ValidateTitle(req.Title); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}

	err := shareService.UpdateSnapshot(c.Request.Context(), tokenID, middleware.SanitizeInput(req.Title), req.Envelope)
	if err != nil {
		switch {
		case errors.Is(err, share.ErrTokenNotFound):
			httputil.NotFoundError(c, "分享連結無效或已失效")
		case errors.Is(err, share.ErrPermissionDenied):
			auditService.LogAccessDenied(c.Request.Context(), "", tokenID, "edit on view-only token")
			httputil.Forbidden(c, "此分享連結沒有編輯權限")
		default:
			httputil.InternalServerError(c, err)
		}
		return
	}

	auditService.LogSnapshotUpdated(c.Request.Context(), tokenID)
	c.JSON(200, httputil.Success("快照已更新"))
}

// saveDocument 上傳密文信封（伺服器只收密文與包裝後的密鑰）
func saveDocument(c *gin.Context) {
	if repos == nil {
		httputil.InternalServerError(c, errors.New("document storage not configured"))
		return
	}

	documentID := c.Param("document_id")
	if err := middleware.ValidateDocumentID(documentID); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}

	var req struct {
		Title      string             `json:"title"`
		Envelope   *envelope.Envelope `json:"envelope"`
		WrappedKey []byte             `json:"wrapped_key"`
		WrapNonce  []byte             `json:"wrap_nonce"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Envelope == nil {
		httputil.BadRequest(c, "無效的請求格式")
		return
	}
	if err := middleware.ValidateTitle(req.Title); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}

	ownerID := middleware.GetOwnerID(c)
	err := repos.Documents.Save(c.Request.Context(), &document.Document{
		DocumentID: documentID,
		Title:      middleware.SanitizeInput(req.Title),
		Envelope:   req.Envelope,
		WrappedKey: req.WrappedKey,
		WrapNonce:  req.WrapNonce,
	})
	if err != nil {
		httputil.InternalServerError(c, err)
		return
	}

	auditService.LogDocumentSaved(c.Request.Context(), ownerID, documentID, len(req.Envelope.Ciphertext))
	c.JSON(200, httputil.Success(httputil.DataUpdated))
}

// getDocument 下載密文信封
func getDocument(c *gin.Context) {
	if repos == nil {
		httputil.InternalServerError(c, errors.New("document storage not configured"))
		return
	}

	documentID := c.Param("document_id")
	if err := middleware.ValidateDocumentID(documentID); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}

	doc, err := repos.Documents.Get(c.Request.Context(), documentID)
	if errors.Is(err, document.ErrNotFound) {
		httputil.NotFoundError(c, "文件不存在")
		return
	}
	if err != nil {
		httputil.InternalServerError(c, err)
		return
	}

	c.JSON(200, doc)
}
