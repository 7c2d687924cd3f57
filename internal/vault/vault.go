package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"notevault/internal/security/envelope"
	"notevault/internal/security/keyring"
	"notevault/internal/security/masterkey"
	"notevault/internal/storage/local"
)

// 客戶端保險庫
// 把主密鑰、文件密鑰環、信封加密組合成單一門面：呼叫方只拿
// documentID 與明文進出，密鑰材料與密文細節都留在這層以下。

const documentPrefix = "document/"

// ErrDocumentNotFound 本地沒有這份文件
var ErrDocumentNotFound = errors.New("vault: document not found")

// documentRecord 本地持久化的文件記錄
type documentRecord struct {
	DocumentID string             `json:"document_id"`
	Title      string             `json:"title"`
	Envelope   *envelope.Envelope `json:"envelope"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

// Vault 客戶端保險庫
type Vault struct {
	kv     local.KV
	master *masterkey.Store
	ring   *keyring.Ring
}

// Open 在指定目錄打開保險庫（生產路徑，Badger 持久化）
func Open(ctx context.Context, dir string) (*Vault, error) {
	kv, err := local.OpenBadger(dir)
	if err != nil {
		return nil, err
	}

	v, err := New(ctx, kv)
	if err != nil {
		kv.Close()
		return nil, err
	}
	return v, nil
}

// New 在給定的本地存儲上創建保險庫
// 初始化主密鑰；存儲不可用時直接失敗，不會以臨時密鑰湊合。
func New(ctx context.Context, kv local.KV) (*Vault, error) {
	master := masterkey.New(kv)
	if err := master.Initialize(ctx); err != nil {
		return nil, err
	}

	ring, err := keyring.New(master, kv, keyring.DefaultCacheSize)
	if err != nil {
		return nil, err
	}

	return &Vault{kv: kv, master: master, ring: ring}, nil
}

// Close 關閉底層存儲
func (v *Vault) Close() error {
	return v.kv.Close()
}

// SaveDocument 加密並保存文件（每次保存替換整個信封）
func (v *Vault) SaveDocument(ctx context.Context, documentID, title string, plaintext []byte) error {
	key, err := v.ring.GetOrCreateKey(ctx, documentID)
	if err != nil {
		return err
	}

	env, err := envelope.Seal(key, documentID, plaintext, nil)
	if err != nil {
		return err
	}

	rec := &documentRecord{
		DocumentID: documentID,
		Title:      title,
		Envelope:   env,
		UpdatedAt:  time.Now().UTC(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("vault: encode document: %w", err)
	}
	if err := v.kv.Set(ctx, []byte(documentPrefix+documentID), data); err != nil {
		return fmt.Errorf("vault: persist document: %w", err)
	}
	return nil
}

// LoadDocument 讀取並解密文件
// 解密失敗（竄改、密鑰不符）原樣上拋，不重試：換密鑰重試只會掩蓋竄改。
func (v *Vault) LoadDocument(ctx context.Context, documentID string) ([]byte, error) {
	rec, err := v.loadRecord(ctx, documentID)
	if err != nil {
		return nil, err
	}

	key, err := v.ring.Unwrap(ctx, documentID)
	if err != nil {
		return nil, err
	}

	return envelope.Open(key, rec.Envelope, nil)
}

// DocumentTitle 讀取文件標題（不解密內容）
func (v *Vault) DocumentTitle(ctx context.Context, documentID string) (string, error) {
	rec, err := v.loadRecord(ctx, documentID)
	if err != nil {
		return "", err
	}
	return rec.Title, nil
}

// DocumentKey 取得文件密鑰（分享時嵌入定位器片段用）
func (v *Vault) DocumentKey(ctx context.Context, documentID string) ([]byte, error) {
	return v.ring.GetOrCreateKey(ctx, documentID)
}

// Snapshot 取得文件當前的密文快照（分享時上傳，伺服器拿不到明文）
func (v *Vault) Snapshot(ctx context.Context, documentID string) (title string, env *envelope.Envelope, err error) {
	rec, err := v.loadRecord(ctx, documentID)
	if err != nil {
		return "", nil, err
	}
	return rec.Title, rec.Envelope, nil
}

// RotateMasterKey 輪換主密鑰
// 所有文件密鑰先在新 KEK 下重新包裝，全部成功才切換；
// 任何一筆失敗整個輪換中止，舊密鑰保持有效。
func (v *Vault) RotateMasterKey(ctx context.Context) error {
	return v.master.Rotate(ctx, v.ring.RewrapAll)
}

// ExportMasterKey 導出主密鑰（裝置遷移用；遺失即資料遺失，沒有找回路徑）
func (v *Vault) ExportMasterKey() (string, error) {
	return v.master.Export()
}

// ImportMasterKey 導入另一台裝置的主密鑰
func (v *Vault) ImportMasterKey(ctx context.Context, encoded string) error {
	if err := v.master.Import(ctx, encoded); err != nil {
		return err
	}
	v.ring.Purge()
	return nil
}

// MasterKeyCreatedAt 主密鑰創建時間
func (v *Vault) MasterKeyCreatedAt() (time.Time, error) {
	return v.master.CreatedAt()
}

func (v *Vault) loadRecord(ctx context.Context, documentID string) (*documentRecord, error) {
	raw, err := v.kv.Get(ctx, []byte(documentPrefix+documentID))
	if err != nil {
		return nil, fmt.Errorf("vault: load document: %w", err)
	}
	if raw == nil {
		return nil, ErrDocumentNotFound
	}

	var rec documentRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("vault: corrupted document record: %w", err)
	}
	return &rec, nil
}
