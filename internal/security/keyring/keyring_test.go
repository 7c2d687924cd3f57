package keyring

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"notevault/internal/security/envelope"
	"notevault/internal/security/masterkey"
	"notevault/internal/storage/local"
)

// gatedKV 可以讓文件密鑰記錄的讀取停在閘門上，用來把讀取方
// 固定在持有密鑰環讀鎖的位置。
type gatedKV struct {
	local.KV

	mu      sync.Mutex
	gating  bool
	gate    chan struct{}
	entered chan struct{}
}

func newGatedKV(base local.KV) *gatedKV {
	return &gatedKV{
		KV:      base,
		gate:    make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
}

func (g *gatedKV) setGating(on bool) {
	g.mu.Lock()
	g.gating = on
	g.mu.Unlock()
}

func (g *gatedKV) Get(ctx context.Context, key []byte) ([]byte, error) {
	g.mu.Lock()
	blocked := g.gating && bytes.HasPrefix(key, []byte("document_key/"))
	g.mu.Unlock()

	if blocked {
		g.entered <- struct{}{}
		<-g.gate
	}
	return g.KV.Get(ctx, key)
}

// batchFailKV 讓下一次批次寫入失敗（模擬輪換落地時的存儲故障）
type batchFailKV struct {
	local.KV

	failNextBatch bool
	batchKeys     []string
}

func (f *batchFailKV) SetBatch(ctx context.Context, kvs map[string][]byte) error {
	f.batchKeys = f.batchKeys[:0]
	for k := range kvs {
		f.batchKeys = append(f.batchKeys, k)
	}
	if f.failNextBatch {
		f.failNextBatch = false
		return local.ErrUnavailable
	}
	return f.KV.SetBatch(ctx, kvs)
}

func newTestRing(t *testing.T) (*Ring, *masterkey.Store, local.KV) {
	t.Helper()
	ctx := context.Background()

	kv := local.NewMemoryStore()
	master := masterkey.New(kv)
	if err := master.Initialize(ctx); err != nil {
		t.Fatal(err)
	}

	ring, err := New(master, kv, 8)
	if err != nil {
		t.Fatal(err)
	}
	return ring, master, kv
}

func TestGetOrCreateKey(t *testing.T) {
	ctx := context.Background()
	ring, _, _ := newTestRing(t)

	key1, err := ring.GetOrCreateKey(ctx, "doc-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(key1) != envelope.KeySize {
		t.Errorf("key length = %d, want %d", len(key1), envelope.KeySize)
	}

	// 同一文件回傳同一把密鑰
	key1again, err := ring.GetOrCreateKey(ctx, "doc-1")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(key1, key1again) {
		t.Error("same document returned different keys")
	}

	// 不同文件必須是不同密鑰
	key2, err := ring.GetOrCreateKey(ctx, "doc-2")
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(key1, key2) {
		t.Error("different documents share a key")
	}
}

func TestGetOrCreateKey_Concurrent(t *testing.T) {
	ctx := context.Background()
	ring, _, _ := newTestRing(t)

	const goroutines = 16
	keys := make([][]byte, goroutines)

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key, err := ring.GetOrCreateKey(ctx, "doc-1")
			if err != nil {
				t.Errorf("GetOrCreateKey: %v", err)
				return
			}
			keys[i] = key
		}(i)
	}
	wg.Wait()

	for i := 1; i < goroutines; i++ {
		if !bytes.Equal(keys[0], keys[i]) {
			t.Fatal("concurrent creation produced more than one key")
		}
	}
}

// TestCacheEviction_KeepsPersistedWrap 快取逐出只丟記憶體副本，包裝形式仍可解開
func TestCacheEviction_KeepsPersistedWrap(t *testing.T) {
	ctx := context.Background()
	ring, _, _ := newTestRing(t)

	first, err := ring.GetOrCreateKey(ctx, "doc-0")
	if err != nil {
		t.Fatal(err)
	}

	// 快取上限 8，塞滿讓 doc-0 被逐出
	for i := 1; i <= 16; i++ {
		if _, err := ring.GetOrCreateKey(ctx, fmt.Sprintf("doc-%d", i)); err != nil {
			t.Fatal(err)
		}
	}

	recovered, err := ring.Unwrap(ctx, "doc-0")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first, recovered) {
		t.Error("evicted key could not be recovered from the persisted wrap")
	}
}

func TestUnwrap_MissingKey(t *testing.T) {
	ctx := context.Background()
	ring, _, _ := newTestRing(t)

	if _, err := ring.Unwrap(ctx, "no-such-doc"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("got err %v, want ErrKeyNotFound", err)
	}
}

// TestUnwrap_WrongMasterKey 主密鑰換了但記錄沒重包裝時必須回報 ErrKeyUnwrapFailure
func TestUnwrap_WrongMasterKey(t *testing.T) {
	ctx := context.Background()

	kv := local.NewMemoryStore()
	master := masterkey.New(kv)
	if err := master.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	ring, err := New(master, kv, 8)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := ring.GetOrCreateKey(ctx, "doc-1"); err != nil {
		t.Fatal(err)
	}

	// 模擬錯誤操作：直接換掉主密鑰而不重包裝
	other, _ := envelope.NewKey()
	if err := master.Import(ctx, base64encode(other)); err != nil {
		t.Fatal(err)
	}
	ring.Purge()

	if _, err := ring.Unwrap(ctx, "doc-1"); !errors.Is(err, ErrKeyUnwrapFailure) {
		t.Fatalf("got err %v, want ErrKeyUnwrapFailure", err)
	}
}

// TestRewrapAll_RotationAtomicity 輪換後每筆記錄在新主密鑰下解開的密鑰與原本相同
func TestRewrapAll_RotationAtomicity(t *testing.T) {
	ctx := context.Background()

	kv := local.NewMemoryStore()
	master := masterkey.New(kv)
	if err := master.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	ring, err := New(master, kv, 64)
	if err != nil {
		t.Fatal(err)
	}

	before := make(map[string][]byte)
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("doc-%d", i)
		key, err := ring.GetOrCreateKey(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		before[id] = key
	}

	if err := master.Rotate(ctx, ring.RewrapAll); err != nil {
		t.Fatal(err)
	}

	// 清空快取，強迫從持久化的包裝形式解開
	ring.Purge()

	for id, want := range before {
		got, err := ring.Unwrap(ctx, id)
		if err != nil {
			t.Fatalf("document %s after rotation: %v", id, err)
		}
		if !bytes.Equal(want, got) {
			t.Errorf("document %s: key changed across rotation", id)
		}
	}
}

// TestRewrapAll_FailureLeavesOldWraps 重包裝失敗時舊包裝必須原封不動
func TestRewrapAll_FailureLeavesOldWraps(t *testing.T) {
	ctx := context.Background()

	kv := local.NewMemoryStore()
	master := masterkey.New(kv)
	if err := master.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	ring, err := New(master, kv, 64)
	if err != nil {
		t.Fatal(err)
	}

	key, err := ring.GetOrCreateKey(ctx, "doc-1")
	if err != nil {
		t.Fatal(err)
	}

	// 模擬重包裝期間的存儲故障
	kv.FailNext = true
	err = master.Rotate(ctx, ring.RewrapAll)
	if !errors.Is(err, masterkey.ErrRotationAborted) {
		t.Fatalf("got err %v, want ErrRotationAborted", err)
	}

	ring.Purge()
	got, err := ring.Unwrap(ctx, "doc-1")
	if err != nil {
		t.Fatalf("old wrap unusable after aborted rotation: %v", err)
	}
	if !bytes.Equal(key, got) {
		t.Error("key changed despite aborted rotation")
	}
}

// TestRotate_DoesNotBlockKeyAccess 輪換與一般密鑰存取不得互相等待
// 讀取方先持有密鑰環讀鎖停在存儲讀取上，輪換在旁邊等寫鎖；放行後
// 讀取方還要取得包裝密鑰——兩邊都必須在限時內完成。
func TestRotate_DoesNotBlockKeyAccess(t *testing.T) {
	ctx := context.Background()
	kv := newGatedKV(local.NewMemoryStore())

	master := masterkey.New(kv)
	if err := master.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	ring, err := New(master, kv, 8)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := ring.GetOrCreateKey(ctx, "doc-1"); err != nil {
		t.Fatal(err)
	}
	ring.Purge()

	kv.setGating(true)

	unwrapDone := make(chan error, 1)
	go func() {
		_, err := ring.Unwrap(ctx, "doc-1")
		unwrapDone <- err
	}()

	// 讀取方已持有讀鎖、停在閘門上
	<-kv.entered
	kv.setGating(false)

	rotateDone := make(chan error, 1)
	go func() {
		rotateDone <- master.Rotate(ctx, ring.RewrapAll)
	}()

	// 讓輪換走到等待密鑰環寫鎖的位置再放行讀取方
	time.Sleep(50 * time.Millisecond)
	close(kv.gate)

	timeout := time.After(5 * time.Second)
	for i := 0; i < 2; i++ {
		select {
		case err := <-unwrapDone:
			if err != nil {
				t.Fatalf("Unwrap during rotation: %v", err)
			}
		case err := <-rotateDone:
			if err != nil {
				t.Fatalf("Rotate: %v", err)
			}
		case <-timeout:
			t.Fatal("rotation and key access blocked each other")
		}
	}

	// 輪換完成後密鑰仍可從新包裝解開
	ring.Purge()
	if _, err := ring.Unwrap(ctx, "doc-1"); err != nil {
		t.Fatalf("Unwrap after rotation: %v", err)
	}
}

// TestRotate_SingleTransactionCommit 重包裝結果與新主密鑰記錄必須在同一筆
// 批次寫入落地：該筆寫入失敗時，文件密鑰與持久化的主密鑰都保持舊狀態。
func TestRotate_SingleTransactionCommit(t *testing.T) {
	ctx := context.Background()
	kv := &batchFailKV{KV: local.NewMemoryStore()}

	master := masterkey.New(kv)
	if err := master.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	ring, err := New(master, kv, 8)
	if err != nil {
		t.Fatal(err)
	}

	key, err := ring.GetOrCreateKey(ctx, "doc-1")
	if err != nil {
		t.Fatal(err)
	}
	oldMaster, _ := master.Key()

	kv.failNextBatch = true
	err = master.Rotate(ctx, ring.RewrapAll)
	if !errors.Is(err, masterkey.ErrRotationAborted) {
		t.Fatalf("got err %v, want ErrRotationAborted", err)
	}

	// 中止的輪換不得留下任何半成品：文件密鑰在舊主密鑰下照常解開
	ring.Purge()
	got, err := ring.Unwrap(ctx, "doc-1")
	if err != nil {
		t.Fatalf("document key unusable after aborted rotation: %v", err)
	}
	if !bytes.Equal(key, got) {
		t.Error("document key changed despite aborted rotation")
	}

	curMaster, _ := master.Key()
	if !bytes.Equal(oldMaster, curMaster) {
		t.Error("active master key changed despite aborted rotation")
	}

	reloaded := masterkey.New(kv)
	if err := reloaded.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	persisted, _ := reloaded.Key()
	if !bytes.Equal(oldMaster, persisted) {
		t.Error("persisted master key changed despite aborted rotation")
	}

	// 成功的輪換：主密鑰記錄要出現在同一筆批次裡
	if err := master.Rotate(ctx, ring.RewrapAll); err != nil {
		t.Fatal(err)
	}
	found := false
	for _, k := range kv.batchKeys {
		if k == "master_key" {
			found = true
		}
	}
	if !found {
		t.Errorf("master key record not committed in the rewrap batch: %v", kv.batchKeys)
	}
}

// TestKeyIsolation 呼叫方改動回傳的密鑰切片不得汙染快取中的副本
func TestKeyIsolation(t *testing.T) {
	ctx := context.Background()
	ring, _, _ := newTestRing(t)

	key, err := ring.GetOrCreateKey(ctx, "doc-1")
	if err != nil {
		t.Fatal(err)
	}
	want := bytes.Clone(key)

	// 改動創建路徑回傳的切片
	key[0] ^= 0xFF

	hit, err := ring.GetOrCreateKey(ctx, "doc-1")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(want, hit) {
		t.Error("mutation through the returned slice corrupted the cached key")
	}

	// 改動快取命中回傳的切片
	hit[0] ^= 0xFF

	again, err := ring.Unwrap(ctx, "doc-1")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(want, again) {
		t.Error("cache hit returned a shared slice instead of a copy")
	}
}

func base64encode(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}
