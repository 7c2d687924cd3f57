package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// 配額限制器
// check-then-write 的實作在併發下會讓兩個呼叫者都讀到「未超限」再各自寫入，
// 這裡的兩個實作（記憶體、MongoDB）都把遞增與比較做成單一原子操作。

// ErrRateLimitExceeded 超過配額
var ErrRateLimitExceeded = errors.New("ratelimit: limit exceeded")

// LimitExceededError 超限詳情，帶重試提示
type LimitExceededError struct {
	Scope      string
	Limit      int
	RetryAfter time.Duration
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("ratelimit: scope %s exceeded limit %d, retry after %s", e.Scope, e.Limit, e.RetryAfter)
}

// Is 讓 errors.Is(err, ErrRateLimitExceeded) 成立
func (e *LimitExceededError) Is(target error) bool {
	return target == ErrRateLimitExceeded
}

// Limiter 配額限制器接口
type Limiter interface {
	// Check 在固定窗口內遞增計數並比較上限，單一原子操作
	// 超限時回傳 *LimitExceededError
	Check(ctx context.Context, scopeKey string, limit int, window time.Duration) error
}

// counter 單一窗口的計數
type counter struct {
	windowStart time.Time
	count       int
}

// MemoryLimiter 記憶體實作（單行程）
// 整個遞增比較在同一臨界區內完成。
type MemoryLimiter struct {
	mu       sync.Mutex
	counters map[string]*counter
	clock    clockwork.Clock
}

// NewMemoryLimiter 創建記憶體限制器
func NewMemoryLimiter(clock clockwork.Clock) *MemoryLimiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	l := &MemoryLimiter{
		counters: make(map[string]*counter),
		clock:    clock,
	}
	return l
}

// Check 原子地遞增並比較
func (l *MemoryLimiter) Check(ctx context.Context, scopeKey string, limit int, window time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	now := l.clock.Now()
	windowStart := now.Truncate(window)

	l.mu.Lock()
	defer l.mu.Unlock()

	c, exists := l.counters[scopeKey]
	if !exists || c.windowStart.Before(windowStart) {
		// 新窗口：重置計數
		c = &counter{windowStart: windowStart}
		l.counters[scopeKey] = c
	}

	c.count++
	if c.count > limit {
		return &LimitExceededError{
			Scope:      scopeKey,
			Limit:      limit,
			RetryAfter: windowStart.Add(window).Sub(now),
		}
	}
	return nil
}

// Cleanup 移除已過期的窗口計數
// 呼叫方（通常是背景 goroutine）決定頻率。
func (l *MemoryLimiter) Cleanup(maxAge time.Duration) {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	for key, c := range l.counters {
		if now.Sub(c.windowStart) > maxAge {
			delete(l.counters, key)
		}
	}
}

// StartCleanup 啟動定期清理，回傳停止函數
func (l *MemoryLimiter) StartCleanup(interval, maxAge time.Duration) func() {
	stop := make(chan struct{})

	go func() {
		ticker := l.clock.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.Chan():
				l.Cleanup(maxAge)
			case <-stop:
				return
			}
		}
	}()

	return func() { close(stop) }
}
