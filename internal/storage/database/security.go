package database

import (
	"fmt"
	"regexp"
	"strings"
)

// 查詢參數驗證
// 所有從請求路徑或主體進入查詢過濾器的識別碼都先經過這裡，
// 防止 MongoDB 操作符注入。

var (
	tokenIDPattern    = regexp.MustCompile(`^[A-Za-z0-9_-]{20,64}$`)
	documentIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)
	subjectIDPattern  = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._@-]{0,127}$`)
)

// ValidateTokenID 驗證分享令牌 ID 格式（base64url，無填充）
func ValidateTokenID(id string) error {
	if !tokenIDPattern.MatchString(id) {
		return fmt.Errorf("無效的令牌 ID 格式")
	}
	return nil
}

// ValidateDocumentID 驗證文件 ID 格式
func ValidateDocumentID(id string) error {
	if !documentIDPattern.MatchString(id) {
		return fmt.Errorf("無效的文件 ID 格式")
	}
	return nil
}

// ValidateSubjectID 驗證使用者 / 工作區 ID 格式
func ValidateSubjectID(id string) error {
	if !subjectIDPattern.MatchString(id) {
		return fmt.Errorf("無效的主體 ID 格式")
	}
	return nil
}

// SafeStringValue 消毒字符串值（防止注入）
func SafeStringValue(value string) string {
	// 移除 NULL 字符
	value = strings.ReplaceAll(value, "\x00", "")

	// 移除 MongoDB 特殊字符
	value = strings.ReplaceAll(value, "$", "")
	value = strings.ReplaceAll(value, "{", "")
	value = strings.ReplaceAll(value, "}", "")

	return value
}

// ValidateLimit 驗證並限制查詢數量
func ValidateLimit(limit int) int {
	const maxLimit = 1000
	const defaultLimit = 20

	if limit <= 0 {
		return defaultLimit
	}

	if limit > maxLimit {
		return maxLimit
	}

	return limit
}
