package masterkey

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"notevault/internal/storage/local"
)

func TestInitialize_CreatesSingleRecord(t *testing.T) {
	ctx := context.Background()
	kv := local.NewMemoryStore()
	store := New(kv)

	if _, err := store.Key(); !errors.Is(err, ErrKeyNotInitialized) {
		t.Fatalf("Key before Initialize: got err %v, want ErrKeyNotInitialized", err)
	}

	if err := store.Initialize(ctx); err != nil {
		t.Fatal(err)
	}

	key, err := store.Key()
	if err != nil {
		t.Fatal(err)
	}
	if len(key) != KeySize {
		t.Errorf("key length = %d, want %d", len(key), KeySize)
	}

	// 冪等：第二次初始化不得更換密鑰
	if err := store.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	key2, _ := store.Key()
	if !bytes.Equal(key, key2) {
		t.Error("Initialize is not idempotent: key changed")
	}
}

// TestInitialize_ConcurrentFirstCalls 併發首次初始化只能產生一筆主密鑰記錄
func TestInitialize_ConcurrentFirstCalls(t *testing.T) {
	ctx := context.Background()
	kv := local.NewMemoryStore()
	store := New(kv)

	const goroutines = 32
	keys := make([][]byte, goroutines)

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := store.Initialize(ctx); err != nil {
				t.Errorf("Initialize: %v", err)
				return
			}
			key, err := store.Key()
			if err != nil {
				t.Errorf("Key: %v", err)
				return
			}
			keys[i] = key
		}(i)
	}
	wg.Wait()

	for i := 1; i < goroutines; i++ {
		if !bytes.Equal(keys[0], keys[i]) {
			t.Fatalf("goroutine %d observed a different key: single-flight violated", i)
		}
	}
}

func TestInitialize_LoadsExistingRecord(t *testing.T) {
	ctx := context.Background()
	kv := local.NewMemoryStore()

	first := New(kv)
	if err := first.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	key1, _ := first.Key()

	// 新的執行期（同一本地存儲）必須載入同一把密鑰
	second := New(kv)
	if err := second.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	key2, _ := second.Key()

	if !bytes.Equal(key1, key2) {
		t.Error("reload did not return the persisted key")
	}
}

// TestInitialize_StorageUnavailable 存儲不可用必須直接失敗，不得退回臨時密鑰
func TestInitialize_StorageUnavailable(t *testing.T) {
	ctx := context.Background()
	kv := local.NewMemoryStore()
	kv.FailNext = true

	store := New(kv)
	if err := store.Initialize(ctx); !errors.Is(err, local.ErrUnavailable) {
		t.Fatalf("got err %v, want local.ErrUnavailable", err)
	}

	if _, err := store.Key(); !errors.Is(err, ErrKeyNotInitialized) {
		t.Fatal("store must stay uninitialized after a storage failure")
	}

	// 存儲恢復後重試應成功（single-flight 不得黏住失敗結果）
	if err := store.Initialize(ctx); err != nil {
		t.Fatalf("retry after recovery failed: %v", err)
	}
}

func TestWrapKey_DomainSeparation(t *testing.T) {
	ctx := context.Background()
	store := New(local.NewMemoryStore())
	if err := store.Initialize(ctx); err != nil {
		t.Fatal(err)
	}

	key, _ := store.Key()
	wrapKey, err := store.WrapKey()
	if err != nil {
		t.Fatal(err)
	}

	if len(wrapKey) != KeySize {
		t.Errorf("wrap key length = %d, want %d", len(wrapKey), KeySize)
	}
	if bytes.Equal(key, wrapKey) {
		t.Error("wrap key must differ from the raw master key")
	}

	// 衍生必須是確定性的
	wrapKey2, _ := store.WrapKey()
	if !bytes.Equal(wrapKey, wrapKey2) {
		t.Error("wrap key derivation is not deterministic")
	}
}

func TestRotate_SwapsKeyAfterRewrap(t *testing.T) {
	ctx := context.Background()
	kv := local.NewMemoryStore()
	store := New(kv)
	if err := store.Initialize(ctx); err != nil {
		t.Fatal(err)
	}

	oldKey, _ := store.Key()
	oldWrap, _ := store.WrapKey()

	var gotOld, gotNew []byte
	err := store.Rotate(ctx, func(ctx context.Context, oldWrapKey, newWrapKey []byte, records map[string][]byte, activate func()) error {
		gotOld = bytes.Clone(oldWrapKey)
		gotNew = bytes.Clone(newWrapKey)
		if len(records) == 0 {
			t.Error("rewrap callback did not receive the new master record")
		}
		for k, v := range records {
			if err := kv.Set(ctx, []byte(k), v); err != nil {
				return err
			}
		}
		activate()
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(gotOld, oldWrap) {
		t.Error("rewrap callback did not receive the old wrap key")
	}

	newKey, _ := store.Key()
	if bytes.Equal(oldKey, newKey) {
		t.Error("key did not change after rotation")
	}

	newWrap, _ := store.WrapKey()
	if !bytes.Equal(gotNew, newWrap) {
		t.Error("rewrap callback did not receive the new wrap key")
	}
}

// TestRotate_AbortKeepsOldKey 重包裝失敗時整個輪換中止，舊密鑰保持有效
func TestRotate_AbortKeepsOldKey(t *testing.T) {
	ctx := context.Background()
	kv := local.NewMemoryStore()
	store := New(kv)
	if err := store.Initialize(ctx); err != nil {
		t.Fatal(err)
	}

	oldKey, _ := store.Key()

	rewrapErr := errors.New("document 7 cannot be rewrapped")
	err := store.Rotate(ctx, func(ctx context.Context, oldWrapKey, newWrapKey []byte, records map[string][]byte, activate func()) error {
		return rewrapErr
	})
	if !errors.Is(err, ErrRotationAborted) {
		t.Fatalf("got err %v, want ErrRotationAborted", err)
	}

	// 記憶體與持久化都必須還是舊密鑰
	cur, _ := store.Key()
	if !bytes.Equal(oldKey, cur) {
		t.Error("active key changed despite aborted rotation")
	}

	reloaded := New(kv)
	if err := reloaded.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	persisted, _ := reloaded.Key()
	if !bytes.Equal(oldKey, persisted) {
		t.Error("persisted key changed despite aborted rotation")
	}
}

func TestExportImport(t *testing.T) {
	ctx := context.Background()
	src := New(local.NewMemoryStore())
	if err := src.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	key, _ := src.Key()

	encoded, err := src.Export()
	if err != nil {
		t.Fatal(err)
	}

	dst := New(local.NewMemoryStore())
	if err := dst.Import(ctx, encoded); err != nil {
		t.Fatal(err)
	}

	imported, err := dst.Key()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(key, imported) {
		t.Error("imported key differs from exported key")
	}
}

func TestImport_InvalidInput(t *testing.T) {
	ctx := context.Background()
	store := New(local.NewMemoryStore())

	testCases := []struct {
		name    string
		encoded string
	}{
		{"Not base64", "!!!not-base64!!!"},
		{"Wrong length", "c2hvcnQ="},
		{"Empty", ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if err := store.Import(ctx, tc.encoded); err == nil {
				t.Error("expected error for invalid import input")
			}
		})
	}
}
