package server

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"notevault/internal/platform/config"
	"notevault/internal/platform/driver"
	"notevault/internal/platform/logger"
	"notevault/internal/storage/database"
)

// Start 啟動伺服器.
func Start() error {
	// 初始化日誌系統
	if err := logger.InitLogger(); err != nil {
		return err
	}
	defer logger.CloseLogger()

	logger.LogInfof("正在啟動 NoteVault API 伺服器...")

	// 載入設定
	if err := config.Load(); err != nil {
		logger.LogErrorf("載入設定失敗: %v", err)
		return err
	}

	cfg := config.Get()
	logger.LogInfof("設定載入成功，環境: %s", config.GetEnv())

	// connect db
	// 連不上時退回記憶體存儲（單機 / 開發模式），令牌不會跨重啟保留
	if err := driver.ConnectMongo(); err != nil {
		logger.LogErrorf("資料庫連接失敗，改用記憶體存儲: %v", err)
	} else {
		database.SetMongoDB(driver.GetMongoDatabase())
		defer func() {
			if err := driver.CloseMongo(); err != nil {
				logger.LogErrorf("關閉 MongoDB 連接失敗: %v", err)
			}
		}()
	}

	// setting router
	router := Router()

	// create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.Timeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.Timeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	if cfg.Server.UseHTTPS {
		tlsConfig, err := LoadTLSConfig(TLSConfig{
			Enabled:  true,
			CertFile: cfg.Server.CertPath,
			KeyFile:  cfg.Server.KeyPath,
			CAFile:   cfg.Security.TLS.CAFile,
		})
		if err != nil {
			logger.LogErrorf("載入 TLS 配置失敗: %v", err)
			return err
		}
		server.TLSConfig = tlsConfig
	}

	// start server
	go func() {
		logger.LogInfof("伺服器正在監聽埠口: %s", cfg.Server.Port)

		var err error
		if cfg.Server.UseHTTPS {
			// 憑證已在 TLSConfig 中
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.LogErrorf("伺服器啟動失敗: %v", err)
			os.Exit(1)
		}
	}()

	// 等待關閉信號
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.LogInfof("收到關閉信號，正在優雅關閉伺服器...")

	// 優雅關閉
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.LogErrorf("伺服器關閉失敗: %v", err)
		return err
	}

	logger.LogInfof("伺服器已優雅關閉")
	return nil
}
