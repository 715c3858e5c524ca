package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config 應用程式配置結構.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Log      LogConfig      `mapstructure:"log"`
	Server   ServerConfig   `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Security SecurityConfig `mapstructure:"security"`
}

// AppConfig 應用程式基本配置.
type AppConfig struct {
	Name    string `mapstructure:"name"`
	Version string `mapstructure:"version"`
	Debug   bool   `mapstructure:"debug"`
}

// LogConfig 日誌配置.
type LogConfig struct {
	Path              string `mapstructure:"path"`                // 日誌目錄.
	RotationTimeHours int    `mapstructure:"rotation_time_hours"` // 日誌輪轉時間 (小時).
	MaxAgeDays        int    `mapstructure:"max_age_days"`        // 日誌保留天數.
	MaxSizeMB         int    `mapstructure:"max_size_mb"`         // 單個日誌檔案最大大小 (MB).
	Stdout            bool   `mapstructure:"stdout"`              // 是否同時輸出到 stdout.
}

// ServerConfig 本機管理端點配置.
type ServerConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Addr        string `mapstructure:"addr"`         // 預設只綁定 loopback.
	ReadTimeout int    `mapstructure:"read_timeout"` // 秒.
}

// StorageConfig 受保護存儲配置.
type StorageConfig struct {
	Driver string       `mapstructure:"driver"` // memory, sqlite, mongo
	SQLite SQLiteConfig `mapstructure:"sqlite"`
	Mongo  MongoConfig  `mapstructure:"mongo"`
}

// SQLiteConfig SQLite 配置.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// MongoConfig MongoDB 配置.
type MongoConfig struct {
	URL                    string `mapstructure:"url"`
	Database               string `mapstructure:"database"`
	Username               string `mapstructure:"username"`
	Password               string `mapstructure:"password"`
	MaxPoolSize            uint64 `mapstructure:"max_pool_size"`
	MinPoolSize            uint64 `mapstructure:"min_pool_size"`
	MaxConnIdleTime        int    `mapstructure:"max_conn_idle_time"`
	ConnectTimeout         int    `mapstructure:"connect_timeout"`
	ServerSelectionTimeout int    `mapstructure:"server_selection_timeout"`
	TLSEnabled             bool   `mapstructure:"tls_enabled"`
	TLSCAFile              string `mapstructure:"tls_ca_file"`
	TLSCertFile            string `mapstructure:"tls_cert_file"`
	TLSKeyFile             string `mapstructure:"tls_key_file"`
	TLSInsecureSkipVerify  bool   `mapstructure:"tls_insecure_skip_verify"`
}

// SecurityConfig 安全配置.
type SecurityConfig struct {
	DeviceKeyID string           `mapstructure:"device_key_id"`
	Rotation    RotationConfig   `mapstructure:"rotation"`
	RateLimit   RateLimitConfig  `mapstructure:"rate_limit"`
	JWT         JWTConfig        `mapstructure:"jwt"`
	Audit       AuditConfig      `mapstructure:"audit"`
	Credential  CredentialConfig `mapstructure:"credential"`
}

// RotationConfig 密鑰輪替配置.
type RotationConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	MinKeyAge        time.Duration `mapstructure:"min_key_age"`
	MaxKeyAge        time.Duration `mapstructure:"max_key_age"`
	RotationInterval time.Duration `mapstructure:"rotation_interval"`
	KeepOldKeys      int           `mapstructure:"keep_old_keys"`
}

// RateLimitConfig 認證嘗試限制配置.
type RateLimitConfig struct {
	MaxAttempts           int           `mapstructure:"max_attempts"`
	TimeWindow            time.Duration `mapstructure:"time_window"`
	LockoutDuration       time.Duration `mapstructure:"lockout_duration"`
	MaxLockoutDuration    time.Duration `mapstructure:"max_lockout_duration"`
	UseExponentialBackoff bool          `mapstructure:"use_exponential_backoff"`
	BackoffMultiplier     float64       `mapstructure:"backoff_multiplier"`
	Persist               bool          `mapstructure:"persist"`
}

// JWTConfig JWT 驗證配置.
type JWTConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Issuer            string        `mapstructure:"issuer"`
	Audience          string        `mapstructure:"audience"`
	AllowedAlgorithms []string      `mapstructure:"allowed_algorithms"`
	Secret            string        `mapstructure:"secret"`
	PublicKeyFile     string        `mapstructure:"public_key_file"`
	Leeway            time.Duration `mapstructure:"leeway"`
}

// AuditConfig 審計配置.
type AuditConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Sink            string        `mapstructure:"sink"` // memory, file, mongo
	FilePath        string        `mapstructure:"file_path"`
	RetentionPeriod time.Duration `mapstructure:"retention_period"`
	MaxEntries      int           `mapstructure:"max_entries"`
	EncryptExports  bool          `mapstructure:"encrypt_exports"`
}

// CredentialConfig 憑證配置.
type CredentialConfig struct {
	RefreshWindow time.Duration `mapstructure:"refresh_window"`
}

// 審計保留期下限.
const minAuditRetention = 90 * 24 * time.Hour

var (
	config *Config
	// ENV 當前環境變數.
	ENV string = "local"
)

// Load 載入設定檔.
func Load(testCfg ...*Config) error {
	// 如果直接傳入配置（主要用於測試），設定並驗證
	if len(testCfg) > 0 && testCfg[0] != nil {
		if err := validateConfig(testCfg[0]); err != nil {
			return fmt.Errorf("配置驗證失敗: %w", err)
		}
		config = testCfg[0]
		return nil
	}

	// 可選的 .env 檔案
	if envFile := os.Getenv("ENV_FILE"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("讀取 env 檔案失敗: %w", err)
		}
	}

	v := viper.New()
	setDefaults(v)

	if configPath := os.Getenv("CONFIG_PATH"); configPath != "" {
		v.SetConfigFile(configPath)
		// 從檔案名稱推斷環境
		baseName := filepath.Base(configPath)
		ENV = strings.TrimSuffix(baseName, filepath.Ext(baseName))
	} else {
		v.SetConfigName(ENV)
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
	}

	v.SetEnvPrefix("SECURE_STORAGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("讀取配置檔案失敗: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("解析配置失敗: %w", err)
	}

	if err := validateConfig(cfg); err != nil {
		return fmt.Errorf("配置驗證失敗: %w", err)
	}
	config = cfg

	return nil
}

// setDefaults 與 Default() 保持一致
func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("app.name", d.App.Name)
	v.SetDefault("app.version", d.App.Version)
	v.SetDefault("log.path", d.Log.Path)
	v.SetDefault("log.rotation_time_hours", d.Log.RotationTimeHours)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.stdout", d.Log.Stdout)
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("storage.driver", d.Storage.Driver)
	v.SetDefault("storage.sqlite.path", d.Storage.SQLite.Path)
	v.SetDefault("security.device_key_id", d.Security.DeviceKeyID)
	v.SetDefault("security.rotation.enabled", d.Security.Rotation.Enabled)
	v.SetDefault("security.rotation.min_key_age", d.Security.Rotation.MinKeyAge)
	v.SetDefault("security.rotation.max_key_age", d.Security.Rotation.MaxKeyAge)
	v.SetDefault("security.rotation.rotation_interval", d.Security.Rotation.RotationInterval)
	v.SetDefault("security.rotation.keep_old_keys", d.Security.Rotation.KeepOldKeys)
	v.SetDefault("security.rate_limit.max_attempts", d.Security.RateLimit.MaxAttempts)
	v.SetDefault("security.rate_limit.time_window", d.Security.RateLimit.TimeWindow)
	v.SetDefault("security.rate_limit.lockout_duration", d.Security.RateLimit.LockoutDuration)
	v.SetDefault("security.rate_limit.max_lockout_duration", d.Security.RateLimit.MaxLockoutDuration)
	v.SetDefault("security.rate_limit.use_exponential_backoff", d.Security.RateLimit.UseExponentialBackoff)
	v.SetDefault("security.rate_limit.backoff_multiplier", d.Security.RateLimit.BackoffMultiplier)
	v.SetDefault("security.jwt.allowed_algorithms", d.Security.JWT.AllowedAlgorithms)
	v.SetDefault("security.audit.enabled", d.Security.Audit.Enabled)
	v.SetDefault("security.audit.sink", d.Security.Audit.Sink)
	v.SetDefault("security.audit.retention_period", d.Security.Audit.RetentionPeriod)
	v.SetDefault("security.audit.max_entries", d.Security.Audit.MaxEntries)
	v.SetDefault("security.credential.refresh_window", d.Security.Credential.RefreshWindow)
}

// Default 回傳一份可通過驗證的預設配置.
func Default() *Config {
	return &Config{
		App: AppConfig{
			Name:    "secure-storage",
			Version: "1.0.0",
		},
		Log: LogConfig{
			Path:              "./logs",
			RotationTimeHours: 24,
			MaxAgeDays:        30,
			MaxSizeMB:         100,
			Stdout:            true,
		},
		Server: ServerConfig{
			Addr:        "127.0.0.1:8089",
			ReadTimeout: 15,
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			SQLite: SQLiteConfig{Path: "./data/secure-storage.db"},
		},
		Security: SecurityConfig{
			DeviceKeyID: "device.master",
			Rotation: RotationConfig{
				Enabled:          true,
				MinKeyAge:        24 * time.Hour,
				MaxKeyAge:        90 * 24 * time.Hour,
				RotationInterval: 30 * 24 * time.Hour,
				KeepOldKeys:      5,
			},
			RateLimit: RateLimitConfig{
				MaxAttempts:           5,
				TimeWindow:            15 * time.Minute,
				LockoutDuration:       5 * time.Minute,
				MaxLockoutDuration:    24 * time.Hour,
				UseExponentialBackoff: true,
				BackoffMultiplier:     2,
			},
			JWT: JWTConfig{
				AllowedAlgorithms: []string{"HS256"},
			},
			Audit: AuditConfig{
				Enabled:         true,
				Sink:            "memory",
				RetentionPeriod: minAuditRetention,
				MaxEntries:      10000,
			},
			Credential: CredentialConfig{
				RefreshWindow: 5 * time.Minute,
			},
		},
	}
}

// Get 取得設定.
func Get() *Config {
	return config
}

// SetEnv 設定環境.
func SetEnv(env string) {
	ENV = env
}

// GetEnv 取得當前環境.
func GetEnv() string {
	return ENV
}

// validateConfig 驗證配置的有效性
func validateConfig(cfg *Config) error {
	if cfg.App.Name == "" {
		return fmt.Errorf("應用程式名稱不能為空")
	}

	if cfg.Log.RotationTimeHours <= 0 {
		return fmt.Errorf("日誌輪轉時間必須大於 0")
	}
	if cfg.Log.MaxAgeDays <= 0 {
		return fmt.Errorf("日誌保留天數必須大於 0")
	}
	if cfg.Log.MaxSizeMB <= 0 {
		return fmt.Errorf("日誌檔案最大大小必須大於 0")
	}

	if cfg.Server.Enabled && cfg.Server.Addr == "" {
		return fmt.Errorf("伺服器位址不能為空")
	}

	switch cfg.Storage.Driver {
	case "memory":
	case "sqlite":
		if cfg.Storage.SQLite.Path == "" {
			return fmt.Errorf("SQLite 路徑不能為空")
		}
	case "mongo":
		if cfg.Storage.Mongo.URL == "" {
			return fmt.Errorf("MongoDB URL 不能為空")
		}
		if cfg.Storage.Mongo.Database == "" {
			return fmt.Errorf("MongoDB 資料庫名稱不能為空")
		}
		if cfg.Storage.Mongo.MinPoolSize > cfg.Storage.Mongo.MaxPoolSize {
			return fmt.Errorf("MongoDB 最小連接池大小不能大於最大連接池大小")
		}
	default:
		return fmt.Errorf("不支援的存儲驅動: %q", cfg.Storage.Driver)
	}

	rl := cfg.Security.RateLimit
	if rl.MaxAttempts <= 0 {
		return fmt.Errorf("最大嘗試次數必須大於 0")
	}
	if rl.BackoffMultiplier < 1 {
		return fmt.Errorf("退避倍數不能小於 1")
	}

	if cfg.Security.Audit.RetentionPeriod < minAuditRetention {
		return fmt.Errorf("審計保留期不能少於 90 天")
	}

	if len(cfg.Security.JWT.AllowedAlgorithms) == 0 {
		return fmt.Errorf("JWT 允許演算法不能為空")
	}

	return nil
}

// IsDebug 檢查是否為除錯模式
func IsDebug() bool {
	if config != nil {
		return config.App.Debug
	}
	return false
}
