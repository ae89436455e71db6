package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/navcam/dashcam/internal/models"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server    ServerConfig
	Recording RecordingConfig
	Capture   CaptureConfig
	Backup    BackupConfig
	Remote    RemoteConfig
	Redis     RedisConfig
	Database  DatabaseConfig
	Network   NetworkConfig
	JWT       JWTConfig
	Log       LogConfig
}

// ServerConfig holds HTTP control API settings.
type ServerConfig struct {
	Addr               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, "*" for all, empty for loopback origins
}

// RecordingConfig holds the clip directory and the default recording
// parameters used until the user saves their own.
type RecordingConfig struct {
	Dir           string
	Ext           string
	ClipLengthSec int
	Resolution    string
	FrameRate     int
	MaxStorageMB  int
}

// CaptureConfig selects the capture backend.
type CaptureConfig struct {
	Backend        string // ffmpeg or synthetic
	FFmpegPath     string
	InputFormat    string
	Device         string
	EncoderArgs    []string // space-separated in env
	SyntheticBytes int64    // bytes per second written by the synthetic backend
}

// BackupConfig holds upload coordinator settings.
type BackupConfig struct {
	AutoBackup        bool
	WifiOnly          bool
	FolderName        string
	MaxConcurrent     int
	AttemptTimeoutMin int
	Ledger            string // memory, file or redis
	LedgerPath        string
}

// RemoteConfig addresses the object store uploads go to.
type RemoteConfig struct {
	Provider     string // s3 or minio
	Region       string
	Endpoint     string
	Bucket       string
	UseSSL       bool
	UsePathStyle bool
}

// RedisConfig holds Redis connection settings. An empty Addr disables Redis.
type RedisConfig struct {
	Addr          string
	Password      string
	DB            int
	LedgerPrefix  string
	EventsChannel string
}

// DatabaseConfig holds PostgreSQL settings. An empty URL keeps settings in
// memory.
type DatabaseConfig struct {
	URL      string
	MaxConns int
	DeviceID string
}

// NetworkConfig selects how connectivity is observed.
type NetworkConfig struct {
	Source          string // sysfs or manual
	SysfsRoot       string
	PollIntervalSec int
}

// JWTConfig holds JWT signing and validation settings.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level string
}

// Defaults returns the recording parameters from the environment, falling
// back to the built-in defaults for any value that does not validate.
func (c RecordingConfig) Defaults() models.RecordingConfig {
	def := models.DefaultRecordingConfig()
	out := def
	if d := time.Duration(c.ClipLengthSec) * time.Second; models.ValidateClipLength(d) == nil {
		out.ClipLength = d
	}
	if res, err := models.ParseResolution(c.Resolution); err == nil && res.IsSupported() {
		out.Resolution = res
	}
	if models.SupportedFrameRate(c.FrameRate) {
		out.FrameRate = c.FrameRate
	}
	if n := int64(c.MaxStorageMB) * 1_000_000; models.ValidateMaxStorage(n) == nil {
		out.MaxStorageBytes = n
	}
	return out
}

// AttemptTimeout returns the per-upload timeout.
func (c BackupConfig) AttemptTimeout() time.Duration {
	return time.Duration(c.AttemptTimeoutMin) * time.Minute
}

// PollInterval returns the network detection interval.
func (c NetworkConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	cfg := &Config{
		Server: ServerConfig{
			Addr:               getEnv("NAVCAM_HTTP_ADDR", "127.0.0.1:8686"),
			ReadTimeout:        getEnvInt("NAVCAM_READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("NAVCAM_WRITE_TIMEOUT_SEC", 30),
			CORSAllowedOrigins: getEnv("NAVCAM_CORS_ALLOWED_ORIGINS", ""),
		},
		Recording: RecordingConfig{
			Dir:           getEnv("NAVCAM_CLIP_DIR", "clips"),
			Ext:           getEnv("NAVCAM_CLIP_EXT", ".mp4"),
			ClipLengthSec: getEnvInt("NAVCAM_CLIP_LENGTH_SEC", 30),
			Resolution:    getEnv("NAVCAM_RESOLUTION", "1280x720"),
			FrameRate:     getEnvInt("NAVCAM_FRAME_RATE", 30),
			MaxStorageMB:  getEnvInt("NAVCAM_MAX_STORAGE_MB", 100),
		},
		Capture: CaptureConfig{
			Backend:        getEnv("NAVCAM_CAPTURE_BACKEND", "ffmpeg"),
			FFmpegPath:     getEnv("NAVCAM_FFMPEG_PATH", "ffmpeg"),
			InputFormat:    getEnv("NAVCAM_CAPTURE_INPUT_FORMAT", "v4l2"),
			Device:         getEnv("NAVCAM_CAPTURE_DEVICE", "/dev/video0"),
			EncoderArgs:    strings.Fields(getEnv("NAVCAM_ENCODER_ARGS", "")),
			SyntheticBytes: int64(getEnvInt("NAVCAM_SYNTHETIC_BYTES_PER_SEC", 250_000)),
		},
		Backup: BackupConfig{
			AutoBackup:        getEnvBool("NAVCAM_AUTO_BACKUP", false),
			WifiOnly:          getEnvBool("NAVCAM_WIFI_ONLY", true),
			FolderName:        getEnv("NAVCAM_BACKUP_FOLDER", "NavCam"),
			MaxConcurrent:     getEnvInt("NAVCAM_UPLOAD_CONCURRENCY", 1),
			AttemptTimeoutMin: getEnvInt("NAVCAM_UPLOAD_TIMEOUT_MIN", 10),
			Ledger:            getEnv("NAVCAM_LEDGER", "file"),
			LedgerPath:        getEnv("NAVCAM_LEDGER_PATH", "navcam-ledger.json"),
		},
		Remote: RemoteConfig{
			Provider:     getEnv("NAVCAM_STORAGE_PROVIDER", "s3"),
			Region:       getEnv("AWS_REGION", "us-east-1"),
			Endpoint:     getEnv("NAVCAM_STORAGE_ENDPOINT", ""),
			Bucket:       getEnv("NAVCAM_STORAGE_BUCKET", "navcam-backups"),
			UseSSL:       getEnvBool("NAVCAM_STORAGE_USE_SSL", true),
			UsePathStyle: getEnvBool("NAVCAM_STORAGE_PATH_STYLE", false),
		},
		Redis: RedisConfig{
			Addr:          getEnv("REDIS_ADDR", ""),
			Password:      getEnv("REDIS_PASSWORD", ""),
			DB:            getEnvInt("REDIS_DB", 0),
			LedgerPrefix:  getEnv("NAVCAM_REDIS_LEDGER_PREFIX", "navcam:ledger:"),
			EventsChannel: getEnv("NAVCAM_REDIS_EVENTS_CHANNEL", "navcam:events"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			MaxConns: getEnvInt("NAVCAM_DB_MAX_CONNS", 4),
			DeviceID: getEnv("NAVCAM_DEVICE_ID", defaultDeviceID()),
		},
		Network: NetworkConfig{
			Source:          getEnv("NAVCAM_NETWORK_SOURCE", "sysfs"),
			SysfsRoot:       getEnv("NAVCAM_SYSFS_NET", "/sys/class/net"),
			PollIntervalSec: getEnvInt("NAVCAM_NETWORK_POLL_SEC", 5),
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-me-in-production"),
			ExpireHours: getEnvInt("JWT_EXPIRE_HOURS", 24*30),
		},
		Log: LogConfig{
			Level: getEnv("NAVCAM_LOG_LEVEL", "info"),
		},
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Capture.Backend {
	case "ffmpeg", "synthetic":
	default:
		return fmt.Errorf("NAVCAM_CAPTURE_BACKEND: unknown backend %q", c.Capture.Backend)
	}
	switch c.Backup.Ledger {
	case "memory", "file":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("NAVCAM_LEDGER=redis needs REDIS_ADDR")
		}
	default:
		return fmt.Errorf("NAVCAM_LEDGER: unknown ledger %q", c.Backup.Ledger)
	}
	switch c.Network.Source {
	case "sysfs", "manual":
	default:
		return fmt.Errorf("NAVCAM_NETWORK_SOURCE: unknown source %q", c.Network.Source)
	}
	if !strings.HasPrefix(c.Recording.Ext, ".") {
		return fmt.Errorf("NAVCAM_CLIP_EXT must start with a dot, got %q", c.Recording.Ext)
	}
	return nil
}

func defaultDeviceID() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "navcam"
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
