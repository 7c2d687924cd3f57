package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"notevault/internal/security/envelope"
	"notevault/internal/security/ratelimit"
	"notevault/internal/share"
	"notevault/internal/vault"
)

// 端到端示範：本地保險庫加密文件，簽發分享定位器，再以接收者的
// 視角從定位器片段還原明文。全程伺服器側（share.Service 模擬）
// 只看得到密文。
func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "demo failed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	dir, err := os.MkdirTemp("", "notevault-demo-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	// 1. 打開本地保險庫（主密鑰首次啟動自動生成）
	v, err := vault.Open(ctx, dir)
	if err != nil {
		return err
	}
	defer v.Close()

	createdAt, _ := v.MasterKeyCreatedAt()
	fmt.Printf("保險庫已開啟，主密鑰創建於 %s\n", createdAt.Format(time.RFC3339))

	// 2. 保存並讀回一份文件
	const documentID = "demo-note-001"
	plaintext := []byte("會議記錄：下一季的發布計畫（機密）")
	if err := v.SaveDocument(ctx, documentID, "發布計畫", plaintext); err != nil {
		return err
	}

	loaded, err := v.LoadDocument(ctx, documentID)
	if err != nil {
		return err
	}
	fmt.Printf("文件已加密保存並成功讀回：%s\n", loaded)

	// 3. 簽發分享：快照與定位器
	svc := share.NewService(
		share.NewMemoryTokenStore(),
		share.NewMemorySnapshotStore(),
		ratelimit.NewMemoryLimiter(nil),
		"https://notes.example.com",
		share.DefaultLimits(),
		nil,
	)

	title, env, err := v.Snapshot(ctx, documentID)
	if err != nil {
		return err
	}
	key, err := v.DocumentKey(ctx, documentID)
	if err != nil {
		return err
	}

	grant, err := svc.Issue(ctx, &share.IssueRequest{
		DocumentID:  documentID,
		WorkspaceID: "demo-workspace",
		OwnerID:     "alice",
		Permission:  share.PermissionView,
		TTL:         time.Hour,
		Title:       title,
		Snapshot:    env,
		DocumentKey: key,
	})
	if err != nil {
		return err
	}
	fmt.Printf("分享定位器（片段在 # 之後，不會送到伺服器）：\n  %s\n", grant.Locator)

	// 4. 接收者：解析定位器，拿密文快照，在本地解密
	tokenID, recvKey, err := share.ParseLocator(grant.Locator)
	if err != nil {
		return err
	}
	res, err := svc.Resolve(ctx, tokenID)
	if err != nil {
		return err
	}
	recovered, err := envelope.Open(recvKey, res.Envelope, nil)
	if err != nil {
		return err
	}
	fmt.Printf("接收者還原明文：%s\n", recovered)

	// 5. 撤銷後連結立即失效
	if err := svc.Revoke(ctx, tokenID, "alice"); err != nil {
		return err
	}
	if _, err := svc.Resolve(ctx, tokenID); err == share.ErrTokenNotFound {
		fmt.Println("撤銷後再解析：令牌已失效（與不存在無法區分）")
	}

	// 6. 主密鑰輪換不影響既有文件
	if err := v.RotateMasterKey(ctx); err != nil {
		return err
	}
	again, err := v.LoadDocument(ctx, documentID)
	if err != nil {
		return err
	}
	fmt.Printf("主密鑰輪換後文件仍可解密：%s\n", again)

	return nil
}
