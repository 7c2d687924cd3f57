package local

import (
	"context"
	"errors"
)

// 客戶端本地持久化存儲抽象
// 生產環境用 Badger（嵌入式 KV），測試用記憶體實作（見 memory.go）。
// 主密鑰與包裝後的文件密鑰都經由這層落地，不經過伺服器。

// ErrUnavailable 本地存儲不可用（開啟失敗、磁碟錯誤）
// 初始化時遇到此錯誤必須直接失敗，不得退回臨時密鑰。
var ErrUnavailable = errors.New("local store unavailable")

// KV 本地鍵值存儲接口
type KV interface {
	// Get 讀取單一鍵，不存在時回傳 (nil, nil)
	Get(ctx context.Context, key []byte) ([]byte, error)

	// Set 寫入單一鍵
	Set(ctx context.Context, key, value []byte) error

	// SetBatch 在單一交易中寫入多個鍵（全部成功或全部失敗）
	SetBatch(ctx context.Context, kvs map[string][]byte) error

	// Delete 刪除單一鍵（不存在時不視為錯誤）
	Delete(ctx context.Context, key []byte) error

	// Scan 依序走訪指定前綴下的所有鍵值
	Scan(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error

	// Close 關閉存儲
	Close() error
}
