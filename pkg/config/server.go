package config

import (
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ServerConfig holds runtime configuration for the control plane.
type ServerConfig struct {
	Environment string
	Workspace   string
	BindAddress string
	HTTPPort    int
	HTTPSPort   int
	TLSCertPath string
	TLSKeyPath  string

	AdminPassword  string
	AllowedOrigins []string
	StaticDir      string
	LogLevel       string

	ComposeFile        string
	ComposeCommand     []string
	DefaultNetwork     string
	DefaultSubnetBase  string
	MapperFile         string
	ReconcileInterval  time.Duration
	SessionTTL         time.Duration
	LoginAttemptLimit  int
	LoginAttemptWindow time.Duration

	NginxBinary     string
	NginxConfigPath string
	NginxAccessLogs []string
	NginxContainer  string
	ServiceManager  string

	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// LoadServerConfig constructs a ServerConfig from environment variables.
func LoadServerConfig() ServerConfig {
	workspace := getString("DOCKER_WORKSPACE", "")
	if workspace == "" {
		if cwd, err := os.Getwd(); err == nil {
			workspace = cwd
		} else {
			workspace = "."
		}
	}
	if abs, err := filepath.Abs(workspace); err == nil {
		workspace = abs
	}
	composeCmd := strings.Fields(getString("COMPOSE_COMMAND", "docker compose"))
	if len(composeCmd) == 0 {
		composeCmd = []string{"docker", "compose"}
	}
	return ServerConfig{
		Environment: getString("APP_ENV", "development"),
		Workspace:   workspace,
		BindAddress: getString("BIND_ADDRESS", "127.0.0.1"),
		HTTPPort:    getInt("HTTP_PORT", 8000),
		HTTPSPort:   getInt("HTTPS_PORT", 0),
		TLSCertPath: getString("TLS_CERT_PATH", ""),
		TLSKeyPath:  getString("TLS_KEY_PATH", ""),

		AdminPassword:  getString("ADMIN_PASSWORD", ""),
		AllowedOrigins: splitList(getString("ALLOWED_ORIGINS", "")),
		StaticDir:      getString("STATIC_DIR", "public"),
		LogLevel:       getString("LOG_LEVEL", "info"),

		ComposeFile:        getString("COMPOSE_FILE_NAME", "docker-compose.yml"),
		ComposeCommand:     composeCmd,
		DefaultNetwork:     getString("DEFAULT_NETWORK", "dockernet"),
		DefaultSubnetBase:  getString("DEFAULT_SUBNET_BASE", "172.28.0"),
		MapperFile:         getString("MAPPER_FILE", filepath.Join(workspace, "mapper.json")),
		ReconcileInterval:  getDuration("RECONCILE_INTERVAL", time.Second, 5*time.Second),
		SessionTTL:         getDuration("SESSION_TTL", time.Hour, 24*time.Hour),
		LoginAttemptLimit:  getInt("LOGIN_ATTEMPT_LIMIT", 5),
		LoginAttemptWindow: getDuration("LOGIN_ATTEMPT_WINDOW", time.Minute, 15*time.Minute),

		NginxBinary:     getString("NGINX_BINARY", "nginx"),
		NginxConfigPath: getString("NGINX_CONFIG_PATH", "/etc/nginx/nginx.conf"),
		NginxAccessLogs: splitList(getString("NGINX_ACCESS_LOGS", "/var/log/nginx/access.log")),
		NginxContainer:  getString("NGINX_CONTAINER_NAME", ""),
		ServiceManager:  getString("SERVICE_MANAGER", "systemctl"),

		RateLimitRedisAddr: getString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: getString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   getInt("RATE_LIMIT_REDIS_DB", 0),
	}
}

func getString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("invalid value for %s: %v", key, err)
		return fallback
	}
	return parsed
}

// getDuration reads a duration env var. A bare integer is interpreted in
// unit (RECONCILE_INTERVAL=10 means ten seconds); Go duration strings
// like "90s" or "2h" are accepted as written.
func getDuration(key string, unit, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * unit
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	log.Printf("invalid value for %s: %q", key, value)
	return fallback
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
