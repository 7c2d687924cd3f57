package masterkey

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"notevault/internal/storage/local"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/sync/singleflight"
)

// 主密鑰管理器
// 每個裝置設定檔只有一把 256-bit 主密鑰，存於本地存儲的固定單一記錄，
// 永遠不會以任何形式（原始或包裝）離開裝置。

const (
	// KeySize 主密鑰長度：256 bits.
	KeySize = 32

	// recordKey 本地存儲中的固定記錄鍵（單記錄表）
	recordKey = "master_key"

	// wrapKeyInfo HKDF 領域分隔字串：包裝用密鑰與原始主密鑰分離
	wrapKeyInfo = "notevault/key-wrap/v1"
)

var (
	// ErrKeyNotInitialized Initialize 完成前呼叫 Key() 的錯誤
	ErrKeyNotInitialized = errors.New("masterkey: key not initialized")

	// ErrRotationAborted 輪換中途失敗，舊密鑰仍然有效
	ErrRotationAborted = errors.New("masterkey: rotation aborted")
)

// Record 持久化的主密鑰記錄（MasterKeyRecord）
type Record struct {
	Key       []byte    `json:"key"`
	CreatedAt time.Time `json:"created_at"`
}

// Store 主密鑰存儲
// Initialize 併發安全：同一執行期內所有併發呼叫只會走一次創建路徑。
type Store struct {
	mu sync.RWMutex
	kv local.KV
	sf singleflight.Group

	// rotateMu 序列化輪換流程
	// 輪換期間不持有 mu：rewrap 回呼會去拿密鑰環的鎖，而持有密鑰環
	// 讀鎖的一般操作又會回頭呼叫 WrapKey()（需要 mu），在 mu 底下
	// 呼叫回呼會形成鎖序循環。
	rotateMu sync.Mutex

	key         []byte
	createdAt   time.Time
	initialized bool
}

// RewrapFunc 主密鑰輪換的重包裝回呼
// 實作必須把重新包裝後的記錄與 records（新的主密鑰記錄）在同一筆
// 交易中落地——兩者分開提交的話，中間任何失敗都會留下文件密鑰已換
// 新 KEK、主密鑰記錄還是舊的這種解不開的狀態。落地成功後、釋放自身
// 互斥範圍之前呼叫 activate 切換有效密鑰。
type RewrapFunc func(ctx context.Context, oldWrapKey, newWrapKey []byte, records map[string][]byte, activate func()) error

// New 創建主密鑰存儲
func New(kv local.KV) *Store {
	return &Store{kv: kv}
}

// Initialize 初始化主密鑰（冪等）
// 本地已有記錄則載入，沒有則生成並持久化。
// 存儲不可用時直接失敗（fail closed），不會退回臨時密鑰——
// 臨時密鑰會讓資料在重啟後無法解密。
func (s *Store) Initialize(ctx context.Context) error {
	// 快速路徑：已初始化
	s.mu.RLock()
	done := s.initialized
	s.mu.RUnlock()
	if done {
		return nil
	}

	// single-flight：併發的首次呼叫只有一個會執行，其餘等待並共用結果
	_, err, _ := s.sf.Do("initialize", func() (interface{}, error) {
		return nil, s.initialize(ctx)
	})
	return err
}

func (s *Store) initialize(ctx context.Context) error {
	// 等待者拿到結果後可能再次進入，先重查
	s.mu.RLock()
	done := s.initialized
	s.mu.RUnlock()
	if done {
		return nil
	}

	raw, err := s.kv.Get(ctx, []byte(recordKey))
	if err != nil {
		return fmt.Errorf("masterkey: load record: %w", err)
	}

	var rec Record
	if raw != nil {
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("masterkey: corrupted record: %w", err)
		}
		if len(rec.Key) != KeySize {
			return fmt.Errorf("masterkey: corrupted record: invalid key length %d", len(rec.Key))
		}
	} else {
		// 首次使用：生成並持久化，持久化成功前不對外可見
		key := make([]byte, KeySize)
		if _, err := io.ReadFull(rand.Reader, key); err != nil {
			return fmt.Errorf("masterkey: failed to generate key: %w", err)
		}

		rec = Record{Key: key, CreatedAt: time.Now().UTC()}
		data, err := json.Marshal(&rec)
		if err != nil {
			return fmt.Errorf("masterkey: encode record: %w", err)
		}
		if err := s.kv.Set(ctx, []byte(recordKey), data); err != nil {
			return fmt.Errorf("masterkey: persist record: %w", err)
		}
	}

	s.mu.Lock()
	s.key = rec.Key
	s.createdAt = rec.CreatedAt
	s.initialized = true
	s.mu.Unlock()

	return nil
}

// Key 取得當前主密鑰（防禦性複製）
func (s *Store) Key() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return nil, ErrKeyNotInitialized
	}
	return bytes.Clone(s.key), nil
}

// WrapKey 取得當前的包裝用密鑰（KEK）
// 由主密鑰經 HKDF-SHA256 衍生，與原始主密鑰領域分隔。
func (s *Store) WrapKey() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return nil, ErrKeyNotInitialized
	}
	return deriveWrapKey(s.key)
}

// CreatedAt 取得主密鑰創建時間
func (s *Store) CreatedAt() (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return time.Time{}, ErrKeyNotInitialized
	}
	return s.createdAt, nil
}

// Rotate 輪換主密鑰
// 流程：生成新密鑰 → rewrap 回呼把所有文件密鑰重新包裝，連同新的主
// 密鑰記錄在同一筆交易落地 → activate 原子切換記憶體中的有效密鑰。
// 任一步失敗即中止，舊密鑰（記憶體與持久化）保持有效，不存在可觀察
// 的半輪換狀態。
func (s *Store) Rotate(ctx context.Context, rewrap RewrapFunc) error {
	s.rotateMu.Lock()
	defer s.rotateMu.Unlock()

	s.mu.RLock()
	if !s.initialized {
		s.mu.RUnlock()
		return ErrKeyNotInitialized
	}
	oldKey := bytes.Clone(s.key)
	s.mu.RUnlock()

	newKey := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, newKey); err != nil {
		return fmt.Errorf("%w: failed to generate key: %v", ErrRotationAborted, err)
	}

	oldWrapKey, err := deriveWrapKey(oldKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRotationAborted, err)
	}
	newWrapKey, err := deriveWrapKey(newKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRotationAborted, err)
	}

	rec := Record{Key: newKey, CreatedAt: time.Now().UTC()}
	data, err := json.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("%w: encode record: %v", ErrRotationAborted, err)
	}

	activate := func() {
		s.mu.Lock()
		s.key = newKey
		s.createdAt = rec.CreatedAt
		s.mu.Unlock()
	}

	if rewrap == nil {
		// 沒有文件密鑰要重包裝：只落地新記錄
		if err := s.kv.Set(ctx, []byte(recordKey), data); err != nil {
			return fmt.Errorf("%w: persist record: %v", ErrRotationAborted, err)
		}
		activate()
		return nil
	}

	records := map[string][]byte{recordKey: data}
	if err := rewrap(ctx, oldWrapKey, newWrapKey, records, activate); err != nil {
		return fmt.Errorf("%w: rewrap failed: %v", ErrRotationAborted, err)
	}
	return nil
}

// Export 導出主密鑰（base64，僅供使用者明確的裝置遷移操作）
// 沒有伺服器端託管或找回路徑：主密鑰遺失即資料遺失。
func (s *Store) Export() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return "", ErrKeyNotInitialized
	}
	return base64.StdEncoding.EncodeToString(s.key), nil
}

// Import 導入主密鑰（從另一台裝置遷移）
// 覆寫本地記錄；既有文件密鑰若是在別的主密鑰下包裝的，之後會解不開。
func (s *Store) Import(ctx context.Context, encoded string) error {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("masterkey: invalid key format: %w", err)
	}
	if len(key) != KeySize {
		return fmt.Errorf("masterkey: invalid key length: must be %d bytes, got %d", KeySize, len(key))
	}

	rec := Record{Key: key, CreatedAt: time.Now().UTC()}
	data, err := json.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("masterkey: encode record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.kv.Set(ctx, []byte(recordKey), data); err != nil {
		return fmt.Errorf("masterkey: persist record: %w", err)
	}

	s.key = key
	s.createdAt = rec.CreatedAt
	s.initialized = true

	return nil
}

// deriveWrapKey 從主密鑰衍生包裝用密鑰
func deriveWrapKey(masterKey []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, masterKey, nil, []byte(wrapKeyInfo))

	wrapKey := make([]byte, KeySize)
	if _, err := io.ReadFull(r, wrapKey); err != nil {
		return nil, fmt.Errorf("masterkey: derive wrap key: %w", err)
	}
	return wrapKey, nil
}
