package middleware

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"notevault/internal/constants"
	"notevault/internal/platform/config"
	"notevault/internal/share"
	"notevault/internal/storage/database"

	"github.com/gin-gonic/gin"
)

// ValidationError 驗證錯誤
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidateDocumentID 驗證文件 ID 格式
func ValidateDocumentID(documentID string) error {
	if strings.TrimSpace(documentID) == "" {
		return fmt.Errorf("文件 ID 不能為空")
	}

	if len(documentID) > constants.MaxDocumentIDLength {
		return fmt.Errorf("文件 ID 格式錯誤")
	}

	return database.ValidateDocumentID(documentID)
}

// ValidateTokenID 驗證分享令牌 ID 格式
func ValidateTokenID(tokenID string) error {
	if strings.TrimSpace(tokenID) == "" {
		return fmt.Errorf("令牌 ID 不能為空")
	}

	return database.ValidateTokenID(tokenID)
}

// ValidateOwnerID 驗證擁有者 ID 格式
func ValidateOwnerID(ownerID string) error {
	if strings.TrimSpace(ownerID) == "" {
		return fmt.Errorf("擁有者 ID 不能為空")
	}

	if len(ownerID) > constants.MaxSubjectIDLength {
		return fmt.Errorf("擁有者 ID 格式錯誤")
	}

	return database.ValidateSubjectID(ownerID)
}

// ValidatePermission 驗證分享權限值
func ValidatePermission(permission string) error {
	if !share.Permission(permission).Valid() {
		return fmt.Errorf("權限必須是 view 或 edit")
	}
	return nil
}

// ValidateShareTTL 驗證分享存活期（秒）
func ValidateShareTTL(ttlSeconds int64) error {
	minTTL := int64(constants.DefaultShareMinTTLSeconds)
	maxTTL := int64(constants.DefaultShareMaxTTLSeconds)

	cfg := config.Get()
	if cfg != nil && cfg.Limits.Sharing.MinTTLSeconds > 0 {
		minTTL = int64(cfg.Limits.Sharing.MinTTLSeconds)
	}
	if cfg != nil && cfg.Limits.Sharing.MaxTTLSeconds > 0 {
		maxTTL = int64(cfg.Limits.Sharing.MaxTTLSeconds)
	}

	if ttlSeconds < minTTL {
		return fmt.Errorf("分享存活期不能短於 %s", time.Duration(minTTL)*time.Second)
	}
	if ttlSeconds > maxTTL {
		return fmt.Errorf("分享存活期不能超過 %s", time.Duration(maxTTL)*time.Second)
	}

	return nil
}

// ValidateTitle 驗證文件標題
func ValidateTitle(title string) error {
	cfg := config.Get()
	maxLength := constants.DefaultMaxTitleLength
	if cfg != nil && cfg.Limits.Document.MaxTitleLength > 0 {
		maxLength = cfg.Limits.Document.MaxTitleLength
	}

	if len(title) > maxLength {
		return fmt.Errorf("標題超過最大長度限制 (%d 字符)", maxLength)
	}

	// 防止 NULL 字符注入
	if strings.Contains(title, "\x00") {
		return fmt.Errorf("標題包含非法字符")
	}

	return nil
}

// SanitizeInput 消毒輸入（移除危險字符）
func SanitizeInput(input string) string {
	// 移除 NULL 字符
	input = strings.ReplaceAll(input, "\x00", "")

	// 移除控制字符（除了換行和 Tab）
	var result strings.Builder
	for _, r := range input {
		if r >= 32 || r == '\n' || r == '\t' {
			result.WriteRune(r)
		}
	}

	return result.String()
}

// RequestSizeLimiter 限制請求體大小的中間件
func RequestSizeLimiter(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxSize {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"error": fmt.Sprintf("請求體過大，最大允許 %d 字節", maxSize),
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
