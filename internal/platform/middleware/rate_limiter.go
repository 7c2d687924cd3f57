package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"notevault/internal/security/ratelimit"

	"github.com/gin-gonic/gin"
)

// 每 IP 請求頻率限制
// 計數邏輯在 ratelimit 包，這裡只做 HTTP 接線：取 IP、回 429、
// 帶 Retry-After 提示。

// RateLimiter 速率限制中間件
type RateLimiter struct {
	limiter *ratelimit.MemoryLimiter
	rate    int           // 每個時間窗口允許的請求數
	window  time.Duration // 時間窗口
	scope   string        // 計數範圍前綴，不同端點群組互不干擾
	stop    func()
}

// NewRateLimiter 創建新的速率限制器
// rate: 每個時間窗口允許的請求數
// window: 時間窗口（例如：time.Minute）
func NewRateLimiter(scope string, rate int, window time.Duration) *RateLimiter {
	limiter := ratelimit.NewMemoryLimiter(nil)

	// 定期清理閒置的 IP 計數
	stop := limiter.StartCleanup(5*time.Minute, 10*time.Minute)

	return &RateLimiter{
		limiter: limiter,
		rate:    rate,
		window:  window,
		scope:   scope,
		stop:    stop,
	}
}

// Close 停止背景清理
func (rl *RateLimiter) Close() {
	if rl.stop != nil {
		rl.stop()
	}
}

// Middleware 返回 Gin 中間件
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := GetClientIP(c)
		scopeKey := rl.scope + ":" + ip

		err := rl.limiter.Check(c.Request.Context(), scopeKey, rl.rate, rl.window)
		if err != nil {
			var lerr *ratelimit.LimitExceededError
			if errors.As(err, &lerr) {
				retryAfter := int(lerr.RetryAfter.Seconds()) + 1
				c.Header("Retry-After", fmt.Sprintf("%d", retryAfter))
				c.JSON(http.StatusTooManyRequests, gin.H{
					"error":       "請求過於頻繁，請稍後再試",
					"success":     false,
					"retry_after": retryAfter,
				})
			} else {
				c.JSON(http.StatusTooManyRequests, gin.H{
					"error":   "請求過於頻繁，請稍後再試",
					"success": false,
				})
			}
			c.Abort()
			return
		}

		c.Next()
	}
}

// PerEndpointRateLimiter 為不同端點設置不同的速率限制
type PerEndpointRateLimiter struct {
	limiters map[string]*RateLimiter
	default_ *RateLimiter
}

// NewPerEndpointRateLimiter 創建端點級速率限制器
func NewPerEndpointRateLimiter(defaultRate int, defaultWindow time.Duration) *PerEndpointRateLimiter {
	return &PerEndpointRateLimiter{
		limiters: make(map[string]*RateLimiter),
		default_: NewRateLimiter("http:default", defaultRate, defaultWindow),
	}
}

// SetLimit 為特定端點設置限制
func (p *PerEndpointRateLimiter) SetLimit(path string, rate int, window time.Duration) {
	p.limiters[path] = NewRateLimiter("http:"+path, rate, window)
}

// Middleware 返回 Gin 中間件
func (p *PerEndpointRateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path

		limiter, exists := p.limiters[path]
		if !exists {
			limiter = p.default_
		}

		limiter.Middleware()(c)
	}
}
