package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"time"
)

// 信封加密原語：AES-256-GCM (AEAD)
// GCM 模式特點：
// - 機密性與完整性一次完成（密文尾部附帶認證標籤）
// - Nonce 為 96-bit，每次 Seal 內部由 crypto/rand 生成，呼叫方無法指定
// - 任何位元被竄改，Open 都會整體失敗，不會回傳部分明文

const (
	// KeySize 密鑰長度：256 bits.
	KeySize = 32

	// NonceSize GCM 標準 nonce 長度：96 bits.
	NonceSize = 12

	// Version 當前信封格式版本 (AES-256-GCM).
	Version = 1
)

var (
	// ErrAuthenticationFailed 認證標籤驗證失敗（密文被竄改、損毀或密鑰錯誤）.
	ErrAuthenticationFailed = errors.New("envelope: authentication failed")

	// ErrInvalidKeySize 密鑰長度錯誤.
	ErrInvalidKeySize = errors.New("envelope: key must be 32 bytes (256 bits)")

	// ErrInvalidEnvelope 信封格式錯誤.
	ErrInvalidEnvelope = errors.New("envelope: malformed envelope")
)

// Envelope 加密後的文件內容（CiphertextEnvelope）
// Ciphertext 已包含 GCM 認證標籤（尾部 16 bytes）
type Envelope struct {
	DocumentID string    `bson:"document_id" json:"document_id"`
	Nonce      []byte    `bson:"nonce" json:"nonce"`
	Ciphertext []byte    `bson:"ciphertext" json:"ciphertext"`
	Version    int       `bson:"version" json:"version"`
	CreatedAt  time.Time `bson:"created_at" json:"created_at"`
}

// Seal 加密文件內容
// 每次呼叫都從 crypto/rand 生成新 nonce，同一密鑰下 nonce 不會重複。
// 附加資料 (aad) 會與 DocumentID 一起綁定進認證標籤。
func Seal(key []byte, documentID string, plaintext, aad []byte) (*Envelope, error) {
	if documentID == "" {
		return nil, fmt.Errorf("envelope: documentID cannot be empty")
	}

	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	// 生成隨機 nonce（結構上排除重複：呼叫方無法傳入 nonce）
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("envelope: failed to generate nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, plaintext, additionalData(documentID, aad))

	return &Envelope{
		DocumentID: documentID,
		Nonce:      nonce,
		Ciphertext: ciphertext,
		Version:    Version,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// Open 解密信封
// 標籤驗證失敗回傳 ErrAuthenticationFailed，絕不回傳部分明文。
func Open(key []byte, env *Envelope, aad []byte) ([]byte, error) {
	if env == nil {
		return nil, ErrInvalidEnvelope
	}
	if env.Version != Version {
		return nil, fmt.Errorf("envelope: unsupported version %d: %w", env.Version, ErrInvalidEnvelope)
	}
	if len(env.Nonce) != NonceSize {
		return nil, ErrInvalidEnvelope
	}

	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, additionalData(env.DocumentID, aad))
	if err != nil {
		// GCM 不區分竄改、損毀與密鑰錯誤，統一回報認證失敗
		return nil, ErrAuthenticationFailed
	}

	return plaintext, nil
}

// WrapKey 用 KEK 包裝密鑰材料（同一原語套用在密鑰上）
// 回傳包裝後的密文（含認證標籤）與 nonce。
func WrapKey(kek, rawKey []byte) (wrapped, nonce []byte, err error) {
	if len(rawKey) != KeySize {
		return nil, nil, ErrInvalidKeySize
	}

	aead, err := newAEAD(kek)
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("envelope: failed to generate nonce: %w", err)
	}

	wrapped = aead.Seal(nil, nonce, rawKey, nil)
	return wrapped, nonce, nil
}

// UnwrapKey 用 KEK 解開包裝的密鑰材料
func UnwrapKey(kek, wrapped, nonce []byte) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, ErrInvalidEnvelope
	}

	aead, err := newAEAD(kek)
	if err != nil {
		return nil, err
	}

	rawKey, err := aead.Open(nil, nonce, wrapped, nil)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}

	if len(rawKey) != KeySize {
		return nil, ErrInvalidKeySize
	}

	return rawKey, nil
}

// NewKey 生成隨機 256-bit 密鑰
func NewKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("envelope: failed to generate key: %w", err)
	}
	return key, nil
}

// newAEAD 建立 AES-256-GCM AEAD 實例
func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("envelope: failed to create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("envelope: failed to create GCM: %w", err)
	}

	return aead, nil
}

// additionalData 組合 documentID 與呼叫方附加資料
// documentID 經過驗證不含 NUL，用 NUL 分隔避免拼接歧義。
func additionalData(documentID string, aad []byte) []byte {
	ad := make([]byte, 0, len(documentID)+1+len(aad))
	ad = append(ad, documentID...)
	ad = append(ad, 0x00)
	ad = append(ad, aad...)
	return ad
}
