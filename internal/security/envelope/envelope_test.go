package envelope

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
)

func mustKey(t testing.TB) []byte {
	t.Helper()
	key, err := NewKey()
	if err != nil {
		t.Fatal(err)
	}
	return key
}

func TestSealOpen_RoundTrip(t *testing.T) {
	key := mustKey(t)

	testCases := []struct {
		name      string
		plaintext string
	}{
		{"Simple text", "hello world"},
		{"Unicode", "你好世界！🔐"},
		{"Long text", strings.Repeat("This is a long document. ", 1000)},
		{"Special chars", "!@#$%^&*()_+-=[]{}|;':\",./<>?"},
		{"Newlines", "Line 1\nLine 2\nLine 3"},
		{"Binary", "\x00\x01\x02\xff\xfe"},
		{"Empty", ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			env, err := Seal(key, "doc-1", []byte(tc.plaintext), nil)
			if err != nil {
				t.Fatalf("Seal failed: %v", err)
			}

			if len(env.Nonce) != NonceSize {
				t.Errorf("Nonce length = %d, want %d", len(env.Nonce), NonceSize)
			}
			if env.Version != Version {
				t.Errorf("Version = %d, want %d", env.Version, Version)
			}

			plaintext, err := Open(key, env, nil)
			if err != nil {
				t.Fatalf("Open failed: %v", err)
			}

			if string(plaintext) != tc.plaintext {
				t.Errorf("Round trip mismatch.\nWant: %q\nGot: %q", tc.plaintext, plaintext)
			}
		})
	}
}

// TestOpen_TamperDetection 翻轉密文或 nonce 的任一位元都必須導致認證失敗
func TestOpen_TamperDetection(t *testing.T) {
	key := mustKey(t)

	env, err := Seal(key, "doc-1", []byte("sensitive content"), nil)
	if err != nil {
		t.Fatal(err)
	}

	// 翻轉密文（含標籤）的每一個位元組的最低位
	for i := range env.Ciphertext {
		tampered := &Envelope{
			DocumentID: env.DocumentID,
			Nonce:      env.Nonce,
			Ciphertext: bytes.Clone(env.Ciphertext),
			Version:    env.Version,
		}
		tampered.Ciphertext[i] ^= 0x01

		if _, err := Open(key, tampered, nil); !errors.Is(err, ErrAuthenticationFailed) {
			t.Fatalf("Tampered byte %d: got err %v, want ErrAuthenticationFailed", i, err)
		}
	}

	// 翻轉 nonce
	for i := range env.Nonce {
		tampered := &Envelope{
			DocumentID: env.DocumentID,
			Nonce:      bytes.Clone(env.Nonce),
			Ciphertext: env.Ciphertext,
			Version:    env.Version,
		}
		tampered.Nonce[i] ^= 0x01

		if _, err := Open(key, tampered, nil); !errors.Is(err, ErrAuthenticationFailed) {
			t.Fatalf("Tampered nonce byte %d: got err %v, want ErrAuthenticationFailed", i, err)
		}
	}
}

func TestOpen_WrongKey(t *testing.T) {
	key1 := mustKey(t)
	key2 := mustKey(t)

	env, err := Seal(key1, "doc-1", []byte("secret"), nil)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := Open(key2, env, nil); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("Wrong key: got err %v, want ErrAuthenticationFailed", err)
	}
}

func TestOpen_WrongDocumentID(t *testing.T) {
	key := mustKey(t)

	env, err := Seal(key, "doc-1", []byte("secret"), nil)
	if err != nil {
		t.Fatal(err)
	}

	// DocumentID 綁定在認證資料中，搬移信封到別的文件必須失敗
	env.DocumentID = "doc-2"
	if _, err := Open(key, env, nil); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("Relocated envelope: got err %v, want ErrAuthenticationFailed", err)
	}
}

func TestOpen_WrongAAD(t *testing.T) {
	key := mustKey(t)

	env, err := Seal(key, "doc-1", []byte("secret"), []byte("workspace-a"))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := Open(key, env, []byte("workspace-b")); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("Wrong AAD: got err %v, want ErrAuthenticationFailed", err)
	}

	if _, err := Open(key, env, []byte("workspace-a")); err != nil {
		t.Fatalf("Correct AAD should open: %v", err)
	}
}

// TestSeal_NonceUniqueness 同一密鑰下連續 100,000 次加密不得出現重複 nonce
func TestSeal_NonceUniqueness(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping nonce uniqueness sweep in short mode")
	}

	key := mustKey(t)
	seen := make(map[string]struct{}, 100000)

	for i := 0; i < 100000; i++ {
		env, err := Seal(key, "doc-1", []byte("m"), nil)
		if err != nil {
			t.Fatal(err)
		}

		n := hex.EncodeToString(env.Nonce)
		if _, dup := seen[n]; dup {
			t.Fatalf("Duplicate nonce after %d seals: %s", i, n)
		}
		seen[n] = struct{}{}
	}
}

func TestWrapUnwrapKey(t *testing.T) {
	kek := mustKey(t)
	rawKey := mustKey(t)

	wrapped, nonce, err := WrapKey(kek, rawKey)
	if err != nil {
		t.Fatal(err)
	}

	// 包裝形式不得等於原始密鑰
	if bytes.Contains(wrapped, rawKey) {
		t.Error("Wrapped key leaks raw key material")
	}

	unwrapped, err := UnwrapKey(kek, wrapped, nonce)
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(unwrapped, rawKey) {
		t.Error("Unwrap mismatch")
	}

	// 錯誤的 KEK 必須失敗
	otherKek := mustKey(t)
	if _, err := UnwrapKey(otherKek, wrapped, nonce); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("Wrong KEK: got err %v, want ErrAuthenticationFailed", err)
	}
}

func TestSeal_InvalidKey(t *testing.T) {
	testCases := []struct {
		name    string
		keySize int
	}{
		{"Too short 16", 16},
		{"Too short 24", 24},
		{"Too long", 48},
		{"Empty", 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			key := make([]byte, tc.keySize)
			if _, err := Seal(key, "doc-1", []byte("x"), nil); !errors.Is(err, ErrInvalidKeySize) {
				t.Errorf("key size %d: got err %v, want ErrInvalidKeySize", tc.keySize, err)
			}
		})
	}
}

func TestOpen_MalformedEnvelope(t *testing.T) {
	key := mustKey(t)

	testCases := []struct {
		name string
		env  *Envelope
	}{
		{"Nil envelope", nil},
		{"Bad version", &Envelope{DocumentID: "d", Nonce: make([]byte, NonceSize), Version: 99}},
		{"Short nonce", &Envelope{DocumentID: "d", Nonce: make([]byte, 8), Version: Version}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Open(key, tc.env, nil); !errors.Is(err, ErrInvalidEnvelope) {
				t.Errorf("got err %v, want ErrInvalidEnvelope", err)
			}
		})
	}
}

func BenchmarkSeal(b *testing.B) {
	key := mustKey(b)
	plaintext := make([]byte, 4096)
	rand.Read(plaintext)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = Seal(key, "doc-1", plaintext, nil)
	}
}

func BenchmarkOpen(b *testing.B) {
	key := mustKey(b)
	plaintext := make([]byte, 4096)
	rand.Read(plaintext)
	env, _ := Seal(key, "doc-1", plaintext, nil)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = Open(key, env, nil)
	}
}
