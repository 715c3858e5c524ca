package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"secure-storage/internal/credential"
	"secure-storage/internal/platform/logger"
	"secure-storage/internal/securestore"
)

// Run 啟動本機管理端點，ctx 取消時優雅關閉.
func Run(ctx context.Context, stack *securestore.Stack) error {
	cfg := stack.Config.Server

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           Router(stack),
		ReadTimeout:       time.Duration(cfg.ReadTimeout) * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof(ctx, "伺服器正在監聽: %s", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Errorf(ctx, "伺服器啟動失敗: %v", err)
		}
		return err
	case <-ctx.Done():
	}

	logger.Infof(ctx, "收到關閉信號，正在優雅關閉伺服器...")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf(ctx, "伺服器關閉失敗: %v", err)
		return err
	}

	logger.Infof(ctx, "伺服器已優雅關閉")
	return nil
}

func isNoCredential(err error) bool {
	return errors.Is(err, credential.ErrNoCredential)
}
