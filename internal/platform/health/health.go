package health

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"

	"secure-storage/internal/constants"
	"secure-storage/internal/platform/logger"
	"secure-storage/internal/security/encryption"
)

const (
	// 健康狀態常數.
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
	statusWarning   = "warning"
	statusDegraded  = "degraded"

	// 記憶體相關常數.
	memoryMB        = 1024 * 1024
	memoryThreshold = 1024 // 1GB

	// 超時常數.
	storeTimeout = 5 * time.Second
)

// StoreProbe 受保護存儲的可達性檢查
type StoreProbe interface {
	Exists(ctx context.Context, key string) (bool, error)
}

// KeyringStatus 加密服務的金鑰狀態
type KeyringStatus interface {
	CurrentVersion() encryption.KeyVersion
	HardwareFallback() bool
	RotationStatus() encryption.RotationStatus
	HasLegacyKey(ctx context.Context) (bool, error)
}

// Handler 健康檢查處理器.
type Handler struct {
	name    string
	version string
	store   StoreProbe
	keyring KeyringStatus
}

// NewHealthHandler 創建新的健康檢查處理器.
func NewHealthHandler(name, version string, store StoreProbe, keyring KeyringStatus) *Handler {
	return &Handler{name: name, version: version, store: store, keyring: keyring}
}

// Register 掛載健康檢查路由
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/health", h.HealthCheck)
}

// HealthCheck 健康檢查端點.
func (h *Handler) HealthCheck(c *gin.Context) {
	ctx := c.Request.Context()
	overall := statusHealthy

	storeStatus := statusHealthy
	storeError := ""
	if err := h.checkStore(ctx); err != nil {
		storeStatus = statusUnhealthy
		storeError = err.Error()
		overall = statusDegraded
		logger.Errorf(ctx, "健康檢查 - 受保護存儲無法存取: %v", err)
	}

	keyring := h.checkKeyring(ctx)
	if keyring.Status != statusHealthy && overall == statusHealthy {
		overall = statusDegraded
	}

	systemStatus := h.checkSystemResources()

	// 即使存儲不健康也回傳 200，狀態在回應中呈現.
	c.JSON(http.StatusOK, gin.H{
		"status":    overall,
		"timestamp": time.Now().Unix(),
		"app": gin.H{
			"name":    h.name,
			"version": h.version,
		},
		"storage": gin.H{
			"status": storeStatus,
			"error":  storeError,
		},
		"keyring": keyring,
		"system": gin.H{
			"status":  systemStatus.Status,
			"details": systemStatus.Details,
			"uptime":  time.Since(startTime).String(),
		},
	})
}

// SystemStatus 系統狀態.
type SystemStatus struct {
	Status  string                 `json:"status"`
	Details map[string]interface{} `json:"details"`
}

// KeyringReport 金鑰狀態摘要，不含任何金鑰材料
type KeyringReport struct {
	Status           string `json:"status"`
	CurrentVersion   uint32 `json:"currentVersion"`
	Source           string `json:"source,omitempty"`
	HardwareFallback bool   `json:"hardwareFallback"`
	RotationNeeded   bool   `json:"rotationNeeded"`
	RotationOverdue  bool   `json:"rotationOverdue"`
	LegacyKeyPresent bool   `json:"legacyKeyPresent"`
	Error            string `json:"error,omitempty"`
}

func (h *Handler) checkKeyring(ctx context.Context) KeyringReport {
	if h.keyring == nil {
		return KeyringReport{Status: statusUnhealthy, Error: "encryption service not configured"}
	}
	current := h.keyring.CurrentVersion()
	rotation := h.keyring.RotationStatus()
	report := KeyringReport{
		Status:           statusHealthy,
		CurrentVersion:   current.Version,
		Source:           string(current.Source),
		HardwareFallback: h.keyring.HardwareFallback(),
		RotationNeeded:   rotation.Needed,
		RotationOverdue:  rotation.Overdue,
	}

	legacy, err := h.keyring.HasLegacyKey(ctx)
	if err != nil {
		report.Status = statusUnhealthy
		report.Error = err.Error()
		return report
	}
	report.LegacyKeyPresent = legacy

	// 逾期或仍有舊金鑰只是警告
	if report.RotationOverdue || report.LegacyKeyPresent || report.HardwareFallback {
		report.Status = statusWarning
	}
	return report
}

// checkSystemResources 檢查系統資源.
func (h *Handler) checkSystemResources() SystemStatus {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	details := map[string]interface{}{
		"goroutines": runtime.NumGoroutine(),
		"memory": gin.H{
			"alloc":  fmt.Sprintf("%.2f MB", float64(m.Alloc)/memoryMB),
			"sys":    fmt.Sprintf("%.2f MB", float64(m.Sys)/memoryMB),
			"num_gc": m.NumGC,
		},
	}

	status := statusHealthy
	if m.Sys/memoryMB > memoryThreshold {
		status = statusWarning
		details["memory_warning"] = "Memory usage is high"
	}

	return SystemStatus{
		Status:  status,
		Details: details,
	}
}

// checkStore 以金鑰環位置探測存儲.
func (h *Handler) checkStore(ctx context.Context) error {
	if h.store == nil {
		return fmt.Errorf("protected store not available")
	}
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	_, err := h.store.Exists(ctx, constants.KeyringStoreKey)
	return err
}

// 記錄服務啟動時間.
var startTime = time.Now()
