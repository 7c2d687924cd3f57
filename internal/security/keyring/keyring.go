package keyring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"notevault/internal/security/envelope"
	"notevault/internal/security/masterkey"
	"notevault/internal/storage/local"

	lru "github.com/hashicorp/golang-lru/v2"
)

// 文件密鑰環
// 每份文件一把對稱密鑰，以主密鑰衍生的 KEK 包裝後存於本地存儲。
// 解開的密鑰只放在有界 LRU 快取，被逐出不影響持久化的包裝形式。

const (
	// DefaultCacheSize 預設快取上限（已解開密鑰的份數）
	DefaultCacheSize = 256

	// recordPrefix 本地存儲鍵前綴
	recordPrefix = "document_key/"

	// lockStripes 分段鎖數量（依 documentID 雜湊分段，避免全域鎖）
	lockStripes = 64
)

var (
	// ErrKeyUnwrapFailure 包裝形式在當前主密鑰下解不開
	// （資料損毀，或主密鑰輪換時漏掉了這筆記錄）
	ErrKeyUnwrapFailure = errors.New("keyring: cannot unwrap document key under current master key")

	// ErrKeyNotFound 文件沒有密鑰記錄
	ErrKeyNotFound = errors.New("keyring: no key for document")
)

// Record 持久化的文件密鑰記錄（DocumentKeyRecord）
// WrappedKey 是在當前主密鑰的 KEK 下包裝的文件密鑰。
type Record struct {
	DocumentID string    `json:"document_id"`
	WrappedKey []byte    `json:"wrapped_key"`
	Nonce      []byte    `json:"nonce"`
	Version    int       `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
}

// Ring 文件密鑰環
type Ring struct {
	master *masterkey.Store
	kv     local.KV
	cache  *lru.Cache[string, []byte]
	locks  [lockStripes]sync.Mutex

	// rotateMu：一般操作持讀鎖，主密鑰輪換的 RewrapAll 持寫鎖，
	// 避免輪換期間出現用舊 KEK 新包裝的記錄。
	rotateMu sync.RWMutex
}

// New 創建文件密鑰環
func New(master *masterkey.Store, kv local.KV, cacheSize int) (*Ring, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}

	cache, err := lru.New[string, []byte](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("keyring: create cache: %w", err)
	}

	return &Ring{
		master: master,
		kv:     kv,
		cache:  cache,
	}, nil
}

// GetOrCreateKey 取得文件密鑰，沒有則創建
// 創建路徑：生成隨機密鑰 → 用當前 KEK 包裝 → 持久化 → 回傳原始密鑰。
func (r *Ring) GetOrCreateKey(ctx context.Context, documentID string) ([]byte, error) {
	if documentID == "" {
		return nil, fmt.Errorf("keyring: documentID cannot be empty")
	}

	// 快速路徑：快取命中（LRU 本身執行緒安全）
	if key, ok := r.cache.Get(documentID); ok {
		return bytes.Clone(key), nil
	}

	r.rotateMu.RLock()
	defer r.rotateMu.RUnlock()

	// 同一文件的創建/載入序列化，不同文件互不阻塞
	lock := r.stripeFor(documentID)
	lock.Lock()
	defer lock.Unlock()

	// 第二次檢查：等待鎖的期間其他協程可能已經載入
	if key, ok := r.cache.Get(documentID); ok {
		return bytes.Clone(key), nil
	}

	rec, err := r.loadRecord(ctx, documentID)
	if err != nil {
		return nil, err
	}

	if rec != nil {
		key, err := r.unwrapRecord(rec)
		if err != nil {
			return nil, err
		}
		r.cache.Add(documentID, bytes.Clone(key))
		return key, nil
	}

	// 記錄不存在：創建新密鑰
	key, err := envelope.NewKey()
	if err != nil {
		return nil, fmt.Errorf("keyring: %w", err)
	}

	wrapKey, err := r.master.WrapKey()
	if err != nil {
		return nil, err
	}

	wrapped, nonce, err := envelope.WrapKey(wrapKey, key)
	if err != nil {
		return nil, fmt.Errorf("keyring: wrap document key: %w", err)
	}

	rec = &Record{
		DocumentID: documentID,
		WrappedKey: wrapped,
		Nonce:      nonce,
		Version:    envelope.Version,
		CreatedAt:  time.Now().UTC(),
	}
	if err := r.saveRecord(ctx, rec); err != nil {
		return nil, err
	}

	r.cache.Add(documentID, bytes.Clone(key))
	return key, nil
}

// Unwrap 解開已存在的文件密鑰
// 包裝形式在當前主密鑰下解不開時回傳 ErrKeyUnwrapFailure。
func (r *Ring) Unwrap(ctx context.Context, documentID string) ([]byte, error) {
	if key, ok := r.cache.Get(documentID); ok {
		return bytes.Clone(key), nil
	}

	r.rotateMu.RLock()
	defer r.rotateMu.RUnlock()

	lock := r.stripeFor(documentID)
	lock.Lock()
	defer lock.Unlock()

	if key, ok := r.cache.Get(documentID); ok {
		return bytes.Clone(key), nil
	}

	rec, err := r.loadRecord(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrKeyNotFound
	}

	key, err := r.unwrapRecord(rec)
	if err != nil {
		return nil, err
	}

	r.cache.Add(documentID, bytes.Clone(key))
	return key, nil
}

// RewrapAll 把所有文件密鑰從舊 KEK 重新包裝到新 KEK
// 主密鑰輪換專用：先全部解開並重新包裝，連同 records（新的主密鑰
// 記錄）以單一交易落地，落地成功後在釋放寫鎖前呼叫 activate 切換
// 有效密鑰。任何一筆失敗整個操作不生效——重包裝結果與主密鑰記錄
// 分開提交會在兩筆寫入之間留下解不開的狀態。
func (r *Ring) RewrapAll(ctx context.Context, oldWrapKey, newWrapKey []byte, records map[string][]byte, activate func()) error {
	r.rotateMu.Lock()
	defer r.rotateMu.Unlock()

	batch := make(map[string][]byte)
	for k, v := range records {
		batch[k] = v
	}

	err := r.kv.Scan(ctx, []byte(recordPrefix), func(k, v []byte) error {
		var rec Record
		if err := json.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("keyring: corrupted record %q: %w", k, err)
		}

		raw, err := envelope.UnwrapKey(oldWrapKey, rec.WrappedKey, rec.Nonce)
		if err != nil {
			return fmt.Errorf("%w: document %s", ErrKeyUnwrapFailure, rec.DocumentID)
		}

		wrapped, nonce, err := envelope.WrapKey(newWrapKey, raw)
		if err != nil {
			return fmt.Errorf("keyring: rewrap document %s: %w", rec.DocumentID, err)
		}

		rec.WrappedKey = wrapped
		rec.Nonce = nonce

		data, err := json.Marshal(&rec)
		if err != nil {
			return fmt.Errorf("keyring: encode record: %w", err)
		}
		batch[string(k)] = data
		return nil
	})
	if err != nil {
		return err
	}

	if len(batch) > 0 {
		if err := r.kv.SetBatch(ctx, batch); err != nil {
			return err
		}
	}

	// 寫鎖還沒釋放，切換之後開始的讀取只會看到新 KEK 下的記錄
	if activate != nil {
		activate()
	}
	return nil
}

// Evict 丟棄單一文件的快取密鑰（持久化的包裝形式不受影響）
func (r *Ring) Evict(documentID string) {
	r.cache.Remove(documentID)
}

// Purge 清空整個快取
func (r *Ring) Purge() {
	r.cache.Purge()
}

// Len 目前快取中的密鑰數
func (r *Ring) Len() int {
	return r.cache.Len()
}

func (r *Ring) stripeFor(documentID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(documentID))
	return &r.locks[h.Sum32()%lockStripes]
}

func (r *Ring) loadRecord(ctx context.Context, documentID string) (*Record, error) {
	raw, err := r.kv.Get(ctx, []byte(recordPrefix+documentID))
	if err != nil {
		return nil, fmt.Errorf("keyring: load record: %w", err)
	}
	if raw == nil {
		return nil, nil
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("keyring: corrupted record: %w", err)
	}
	return &rec, nil
}

func (r *Ring) saveRecord(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("keyring: encode record: %w", err)
	}
	if err := r.kv.Set(ctx, []byte(recordPrefix+rec.DocumentID), data); err != nil {
		return fmt.Errorf("keyring: persist record: %w", err)
	}
	return nil
}

func (r *Ring) unwrapRecord(rec *Record) ([]byte, error) {
	wrapKey, err := r.master.WrapKey()
	if err != nil {
		return nil, err
	}

	key, err := envelope.UnwrapKey(wrapKey, rec.WrappedKey, rec.Nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: document %s", ErrKeyUnwrapFailure, rec.DocumentID)
	}
	return key, nil
}
