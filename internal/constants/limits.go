package constants

// HTTP 請求相關常數
const (
	// 默認值（可被配置覆蓋）
	DefaultMaxRequestBodySize = 10 << 20 // 10MB
	DefaultMaxMultipartMemory = 10 << 20 // 10MB
	DefaultRequestTimeout     = 30       // 秒
)

// 分享簽發配額默認值
const (
	DefaultIssuePerOwnerHourly    = 30
	DefaultIssuePerWorkspaceDaily = 200
	DefaultActiveSharesPerDoc     = 10
	DefaultShareMinTTLSeconds     = 60
	DefaultShareMaxTTLSeconds     = 30 * 24 * 3600
)

// 文件相關常數
const (
	DefaultMaxTitleLength   = 200
	DefaultMaxEnvelopeBytes = 4 << 20 // 4MB
	MaxDocumentIDLength     = 128
)

// Rate Limiting（每 IP）默認值
const (
	DefaultRateLimitPerMinute   = 100
	DefaultShareRateLimit       = 20
	RateLimitCleanupIntervalMin = 10 // 分鐘
)

// 主體 ID 相關常數
const (
	MaxSubjectIDLength = 128
)

// 密鑰相關常數
const (
	MasterKeyLength     = 32 // 256 bits
	DefaultKeyCacheSize = 256
)
