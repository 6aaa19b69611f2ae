package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the rover link engine and its collaborators
type Config struct {
	DataDir      string
	DevicePrefix string
	LogLevel     string
	HTTPAddr     string

	ScanWindow        time.Duration
	KeepAliveInterval time.Duration
	TransferTimeout   time.Duration

	NATSURL  string
	RedisURL string

	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
}

// Load loads configuration from environment variables.
// Integrations (NATS, Redis, S3) stay disabled unless their address is set.
func Load() *Config {
	return &Config{
		DataDir:           getEnv("ROVERLINK_DIR", defaultDataDir()),
		DevicePrefix:      getEnv("ROVERLINK_DEVICE_PREFIX", "ROVER"),
		LogLevel:          getEnv("ROVERLINK_LOG_LEVEL", "INFO"),
		HTTPAddr:          getEnv("ROVERLINK_HTTP_ADDR", ":8090"),
		ScanWindow:        time.Duration(getEnvAsInt("ROVERLINK_SCAN_SECONDS", 15)) * time.Second,
		KeepAliveInterval: time.Duration(getEnvAsInt("ROVERLINK_KEEPALIVE_MS", 100)) * time.Millisecond,
		TransferTimeout:   time.Duration(getEnvAsInt("ROVERLINK_TRANSFER_TIMEOUT_MS", 6000)) * time.Millisecond,
		NATSURL:           getEnv("NATS_URL", ""),
		RedisURL:          getEnv("REDIS_URL", ""),
		S3Bucket:          getEnv("ROVERLINK_S3_BUCKET", ""),
		S3Region:          getEnv("ROVERLINK_S3_REGION", "us-east-1"),
		S3Endpoint:        getEnv("ROVERLINK_S3_ENDPOINT", ""),
		S3AccessKey:       getEnv("AWS_ACCESS_KEY_ID", ""),
		S3SecretKey:       getEnv("AWS_SECRET_ACCESS_KEY", ""),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil && intVal > 0 {
			return intVal
		}
	}
	return defaultValue
}
