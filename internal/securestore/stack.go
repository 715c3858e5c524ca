// Package securestore assembles the security services from configuration.
package securestore

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/trace"

	"secure-storage/internal/credential"
	"secure-storage/internal/platform/config"
	"secure-storage/internal/platform/driver"
	"secure-storage/internal/platform/logger"
	"secure-storage/internal/security/audit"
	secconfig "secure-storage/internal/security/config"
	"secure-storage/internal/security/encryption"
	"secure-storage/internal/security/jwt"
	"secure-storage/internal/security/keymanager"
	"secure-storage/internal/security/migration"
	"secure-storage/internal/security/ratelimit"
)

// Stack 組好的安全服務
type Stack struct {
	Config     *config.Config
	Security   *secconfig.SecurityConfig
	Store      *driver.Store
	KeyManager *keymanager.HardwareKeyManager
	Audit      *audit.Logger
	Encryption *encryption.Service
	Limiter    *ratelimit.Limiter
	Migration  *migration.Service
	Credential *credential.Service
	// Validator JWT 未啟用時為 nil
	Validator *jwt.Validator

	closers []func() error
}

// Options 組裝時可替換的依賴
type Options struct {
	// Keystore 裝置的硬體金鑰庫，nil 時使用存於受保護存儲的軟體模擬
	Keystore       keymanager.Keystore
	Legacy         migration.LegacyStore
	TracerProvider trace.TracerProvider
}

// Open 依配置開啟存儲並建立所有服務
func Open(ctx context.Context, cfg *config.Config, opts Options) (stack *Stack, err error) {
	if cfg == nil {
		return nil, fmt.Errorf("securestore: config is nil")
	}
	sec, err := secconfig.FromPlatform(cfg)
	if err != nil {
		return nil, err
	}

	s := &Stack{Config: cfg, Security: sec}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	s.Store, err = driver.OpenStore(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("securestore: open store: %w", err)
	}
	s.closers = append(s.closers, s.Store.Close)

	sink, err := s.openAuditSink(ctx)
	if err != nil {
		return nil, err
	}
	s.Audit = audit.NewLogger(sink, sec.Audit)

	ks := opts.Keystore
	if ks == nil {
		ks = keymanager.NewSoftwareEnclave(s.Store)
	}
	s.KeyManager = keymanager.NewHardwareKeyManager(ks)

	s.Encryption, err = encryption.Open(ctx, encryption.Options{
		Store:       s.Store,
		KeyManager:  s.KeyManager,
		Audit:       s.Audit,
		Policy:      sec.Rotation,
		DeviceKeyID: sec.DeviceKeyID,
	})
	if err != nil {
		return nil, err
	}

	limiterOpts := []ratelimit.Option{
		ratelimit.WithAudit(s.Audit),
		ratelimit.WithPolicy(credential.AuthenticationOperation, sec.RateLimit),
	}
	if sec.PersistRateLimit {
		limiterOpts = append(limiterOpts, ratelimit.WithStore(s.Store))
	}
	s.Limiter, err = ratelimit.New(sec.RateLimit, limiterOpts...)
	if err != nil {
		return nil, fmt.Errorf("securestore: rate limiter: %w", err)
	}

	s.Migration, err = migration.New(migration.Config{
		Store:          s.Store,
		Cipher:         s.Encryption,
		Audit:          s.Audit,
		Source:         opts.Legacy,
		TracerProvider: opts.TracerProvider,
	})
	if err != nil {
		return nil, err
	}

	s.Credential, err = credential.New(credential.Config{
		Store:         s.Store,
		Encryption:    s.Encryption,
		Limiter:       s.Limiter,
		Migration:     s.Migration,
		Audit:         s.Audit,
		RefreshWindow: sec.RefreshWindow,
	})
	if err != nil {
		return nil, err
	}

	if sec.JWTEnabled {
		s.Validator, err = jwt.NewValidator(sec.JWT)
		if err != nil {
			return nil, fmt.Errorf("securestore: %w", err)
		}
	}

	logger.Info(ctx, "secure storage ready",
		logger.WithOperation("securestore.open"),
		logger.WithDetails(map[string]interface{}{
			"driver":     s.Store.Driver,
			"audit_sink": sec.AuditSink,
			"jwt":        sec.JWTEnabled,
		}))
	return s, nil
}

func (s *Stack) openAuditSink(ctx context.Context) (audit.Sink, error) {
	switch s.Security.AuditSink {
	case secconfig.AuditSinkFile:
		fs, err := audit.NewFileSink(s.Security.AuditFilePath, audit.FileSinkOptions{})
		if err != nil {
			return nil, fmt.Errorf("securestore: audit file sink: %w", err)
		}
		s.closers = append(s.closers, fs.Close)
		return fs, nil
	case secconfig.AuditSinkMongo:
		if s.Store.Mongo == nil {
			return nil, fmt.Errorf("securestore: mongo audit sink requires the mongo storage driver")
		}
		ms, err := audit.NewMongoSink(ctx, s.Store.Mongo)
		if err != nil {
			return nil, fmt.Errorf("securestore: audit mongo sink: %w", err)
		}
		return ms, nil
	default:
		return audit.NewMemorySink(s.Security.Audit.MaxEntries), nil
	}
}

// MaintenanceResult 例行維護結果
type MaintenanceResult struct {
	Rotated      bool
	SweptEvents  int
	LegacyResult *encryption.LegacyMigrationResult
}

// Maintain 執行啟動時的例行工作：必要時輪換金鑰、清理過期審計事件、遷移舊格式資料
func (s *Stack) Maintain(ctx context.Context, legacyKeys []string) (*MaintenanceResult, error) {
	res := &MaintenanceResult{}
	var errs []error

	rotated, err := s.Encryption.RotateIfNeeded(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("rotate: %w", err))
	}
	res.Rotated = rotated

	swept, err := s.Audit.Sweep(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("audit sweep: %w", err))
	}
	res.SweptEvents = swept

	hasLegacy, err := s.Encryption.HasLegacyKey(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("legacy key: %w", err))
	} else if hasLegacy && len(legacyKeys) > 0 {
		res.LegacyResult, err = s.Encryption.MigrateLegacyEncryption(ctx, legacyKeys)
		if err != nil {
			errs = append(errs, fmt.Errorf("legacy migration: %w", err))
		}
	}

	if s.Encryption.IsRotationOverdue() {
		logger.Warning(ctx, "key version is past its maximum age",
			logger.WithOperation("securestore.maintain"))
	}
	return res, errors.Join(errs...)
}

// Close 依反向順序釋放資源
func (s *Stack) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
