package local

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryStoreGetMissing(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	value, err := store.Get(context.Background(), []byte("nope"))
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if value != nil {
		t.Fatalf("Get() on missing key = %v, want nil", value)
	}
}

func TestMemoryStoreSetGetDelete(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	if err := store.Set(ctx, []byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	value, err := store.Get(ctx, []byte("k1"))
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(value) != "v1" {
		t.Fatalf("Get() = %q, want %q", value, "v1")
	}

	// 回傳的是副本，改它不影響存儲內容
	value[0] = 'X'
	again, _ := store.Get(ctx, []byte("k1"))
	if string(again) != "v1" {
		t.Fatalf("stored value mutated through returned slice: %q", again)
	}

	if err := store.Delete(ctx, []byte("k1")); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	value, err = store.Get(ctx, []byte("k1"))
	if err != nil || value != nil {
		t.Fatalf("Get() after delete = (%v, %v), want (nil, nil)", value, err)
	}
}

func TestMemoryStoreScanPrefix(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	entries := map[string][]byte{
		"document_key/a": []byte("1"),
		"document_key/b": []byte("2"),
		"master_key":     []byte("3"),
	}
	if err := store.SetBatch(ctx, entries); err != nil {
		t.Fatalf("SetBatch() error = %v", err)
	}

	var keys []string
	err := store.Scan(ctx, []byte("document_key/"), func(key, value []byte) error {
		keys = append(keys, string(key))
		return nil
	})
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}

	if len(keys) != 2 || keys[0] != "document_key/a" || keys[1] != "document_key/b" {
		t.Fatalf("Scan() visited %v, want sorted prefix keys only", keys)
	}
}

func TestMemoryStoreScanCallbackError(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	if err := store.Set(ctx, []byte("k"), []byte("v")); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	sentinel := errors.New("stop here")
	err := store.Scan(ctx, nil, func(key, value []byte) error {
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("Scan() error = %v, want callback error unwrapped", err)
	}
}

func TestMemoryStoreFailNext(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	store.FailNext = true
	if err := store.Set(ctx, []byte("k"), []byte("v")); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Set() with FailNext error = %v, want ErrUnavailable", err)
	}

	// 故障只觸發一次
	if err := store.Set(ctx, []byte("k"), []byte("v")); err != nil {
		t.Fatalf("Set() after failure error = %v", err)
	}
}

func TestMemoryStoreClosed(t *testing.T) {
	store := NewMemoryStore()
	store.Close()

	if _, err := store.Get(context.Background(), []byte("k")); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Get() on closed store error = %v, want ErrUnavailable", err)
	}
}
