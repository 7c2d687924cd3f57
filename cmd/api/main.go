package main

import (
	"fmt"
	"os"

	"notevault/internal/platform/server"
)

// NoteVault 共享服務
// 只經手密文信封與分享令牌中繼資料；主密鑰與文件密鑰都留在客戶端
// 保險庫，這裡沒有任何解密能力。
func main() {
	if err := server.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}
