package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

const (
	SignalingWebsocket = "websocket"
	SignalingRedis     = "redis"
	SignalingMDNS      = "mdns"
	SignalingNone      = "none"

	TransportWebRTC = "webrtc"
	TransportDirect = "direct"
)

type Config struct {
	RoomID    string
	ReplicaID string
	UserName  string

	ServerHost string
	ServerPort string
	// PublicAddress is announced to peers when TransportMode is direct.
	PublicAddress string

	SignalingMode string
	SignalingURL  string
	// SignalingPort is where cmd/signaling listens.
	SignalingPort string
	AutoConnect   bool
	RedisAddr     string
	MDNSService   string

	TransportMode string
	STUNURLs      []string

	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	AwarenessTimeout time.Duration

	// Observability
	JaegerEndpoint string
	TracingEnabled bool
}

func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		RoomID:    getEnv("ROOM_ID", "syncedstore-todos"),
		ReplicaID: getEnv("REPLICA_ID", uuid.NewString()),
		UserName:  getEnv("USER_NAME", "anonymous"),

		ServerHost: getEnv("SERVER_HOST", "localhost"),
		ServerPort: getEnv("SERVER_PORT", "8080"),

		SignalingMode: strings.ToLower(getEnv("SIGNALING_MODE", SignalingWebsocket)),
		SignalingURL:  getEnv("SIGNALING_URL", "ws://localhost:4444/signal"),
		SignalingPort: getEnv("SIGNALING_PORT", "4444"),
		AutoConnect:   getEnvBool("AUTO_CONNECT", true),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		MDNSService:   getEnv("MDNS_SERVICE", "_synced-todos._tcp"),

		TransportMode: strings.ToLower(getEnv("TRANSPORT_MODE", TransportWebRTC)),
		STUNURLs:      getEnvList("STUN_URLS", []string{"stun:stun.l.google.com:19302"}),

		ReconnectInitial: getEnvDuration("RECONNECT_INITIAL", 500*time.Millisecond),
		ReconnectMax:     getEnvDuration("RECONNECT_MAX", 30*time.Second),
		AwarenessTimeout: getEnvDuration("AWARENESS_TIMEOUT", 30*time.Second),

		JaegerEndpoint: getEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
		TracingEnabled: getEnvBool("TRACING_ENABLED", false),
	}
	cfg.PublicAddress = getEnv("PUBLIC_ADDRESS", cfg.ServerHost+":"+cfg.ServerPort)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the combination of settings.
func (c *Config) Validate() error {
	if c.RoomID == "" {
		return fmt.Errorf("ROOM_ID is required")
	}
	switch c.SignalingMode {
	case SignalingWebsocket, SignalingRedis, SignalingMDNS, SignalingNone:
	default:
		return fmt.Errorf("unknown SIGNALING_MODE %q", c.SignalingMode)
	}
	switch c.TransportMode {
	case TransportWebRTC, TransportDirect:
	default:
		return fmt.Errorf("unknown TRANSPORT_MODE %q", c.TransportMode)
	}
	// mDNS can only announce addresses, it can not carry WebRTC handshakes.
	if c.SignalingMode == SignalingMDNS && c.TransportMode != TransportDirect {
		return fmt.Errorf("SIGNALING_MODE mdns requires TRANSPORT_MODE direct")
	}
	if c.ReconnectInitial <= 0 || c.ReconnectMax < c.ReconnectInitial {
		return fmt.Errorf("RECONNECT_INITIAL must be positive and not above RECONNECT_MAX")
	}
	if c.AwarenessTimeout <= 0 {
		return fmt.Errorf("AWARENESS_TIMEOUT must be positive")
	}
	return nil
}

func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%s", c.ServerHost, c.ServerPort)
}

func (c *Config) SignalingListenAddr() string {
	return fmt.Sprintf("%s:%s", c.ServerHost, c.SignalingPort)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var result int
		if n, err := fmt.Sscanf(value, "%d", &result); err == nil && n == 1 {
			return result
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("500ms") or whole milliseconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms := getEnvInt(key, -1); ms >= 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
