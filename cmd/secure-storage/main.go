package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"secure-storage/internal/platform/config"
	"secure-storage/internal/platform/logger"
	"secure-storage/internal/platform/server"
	"secure-storage/internal/securestore"
)

func main() {
	if err := mainNoExit(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

// legacyKeys 從 LEGACY_KEYS 讀取需要檢查舊格式的金鑰名稱（逗號分隔）
func legacyKeys() []string {
	raw := os.Getenv("LEGACY_KEYS")
	if raw == "" {
		return nil
	}
	var keys []string
	for _, k := range strings.Split(raw, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// mainNoExit 分離主要邏輯以避免 exitAfterDefer 問題，確保 defer 函數正常執行.
func mainNoExit() error {
	// 載入配置.
	if err := config.Load(); err != nil {
		return err
	}

	// 初始化日誌.
	if err := logger.InitLogger(); err != nil {
		return err
	}
	defer logger.CloseLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stack, err := securestore.Open(ctx, config.Get(), securestore.Options{})
	if err != nil {
		logger.Error(ctx, "安全存儲初始化失敗", logger.WithDetails(map[string]interface{}{"error": err.Error()}))
		return fmt.Errorf("secure storage initialization failed")
	}
	defer func() {
		if err := stack.Close(); err != nil {
			logger.Errorf(ctx, "關閉安全存儲失敗: %v", err)
		}
	}()

	res, err := stack.Maintain(ctx, legacyKeys())
	if err != nil {
		// 維護失敗不阻止啟動
		logger.Warningf(ctx, "啟動維護未完成: %v", err)
	}
	logger.Info(ctx, "[System] 啟動維護完成", logger.WithDetails(map[string]interface{}{
		"rotated":      res.Rotated,
		"swept_events": res.SweptEvents,
		"legacy":       res.LegacyResult != nil,
	}))

	if !stack.Config.Server.Enabled {
		logger.Info(ctx, "[System] 管理端點未啟用，維護完成後結束")
		return nil
	}
	return server.Run(ctx, stack)
}
