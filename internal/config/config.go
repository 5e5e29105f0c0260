package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Fork modes
const (
	ModeRelay  = "relay"
	ModeDirect = "direct"
)

// Outbound start triggers
const (
	TriggerAnswer = "answer"
	TriggerBridge = "bridge"
)

// Config holds all bridge configuration
type Config struct {
	// Event socket
	ESLAddr              string
	ESLPassword          string
	ESLReconnectInterval time.Duration

	// Audio fork
	ForkMode        string // "relay" or "direct"
	RemoteEndpoint  string
	IngestPublicURL string // where the switch reaches our /fork endpoint in relay mode
	HTTPAddr        string
	ChannelVars     map[string]string

	// Playback
	ArtifactDir         string
	MaxQueueSize        int
	PlaybackMargin      time.Duration
	PlaybackDefaultWait time.Duration
	PlaybackMinWait     time.Duration
	PlaybackMaxWait     time.Duration
	PlaybackStrategies  []string

	// Call filtering
	EnabledDirections    []string
	EnabledPatterns      []string
	DisabledPatterns     []string
	OutboundStartTrigger string
	OutboundStartDelay   time.Duration
	MonitorBothLegs      bool

	// Housekeeping
	SessionCheckInterval time.Duration

	// Optional persistence
	MongoURI      string
	MongoDatabase string
	RedisURL      string
	RedisPassword string
	RedisTTL      time.Duration

	LogLevel  string
	LogFormat string
}

// LoadConfig loads configuration from environment variables with defaults
func LoadConfig() (*Config, error) {
	// Load .env file if it exists (doesn't error if missing)
	_ = godotenv.Load()

	config := &Config{
		ESLAddr:              "127.0.0.1:8021",
		ESLPassword:          "ClueCon",
		ESLReconnectInterval: 10 * time.Second,
		ForkMode:             ModeRelay,
		RemoteEndpoint:       "ws://127.0.0.1:8080/audio",
		IngestPublicURL:      "ws://127.0.0.1:8090/fork",
		HTTPAddr:             ":8090",
		ChannelVars: map[string]string{
			"STREAM_BUFFER_SIZE":     "20",
			"STREAM_HEART_BEAT":      "30",
			"STREAM_SUPPRESS_LOG":    "false",
			"STREAM_MESSAGE_DEFLATE": "true",
		},
		ArtifactDir:          filepath.Join(os.TempDir(), "audio-fork"),
		MaxQueueSize:         10,
		PlaybackMargin:       200 * time.Millisecond,
		PlaybackDefaultWait:  2 * time.Second,
		PlaybackMinWait:      500 * time.Millisecond,
		PlaybackMaxWait:      15 * time.Second,
		PlaybackStrategies:   []string{"broadcast", "setvar_playback", "displace"},
		EnabledDirections:    []string{"inbound", "outbound"},
		OutboundStartTrigger: TriggerBridge,
		SessionCheckInterval: 60 * time.Second,
		MongoDatabase:        "audio_fork",
		RedisTTL:             2 * time.Hour,
		LogLevel:             "info",
		LogFormat:            "json",
	}

	// Optional: ESL_HOST / ESL_PORT
	host, port := "127.0.0.1", "8021"
	if v := os.Getenv("ESL_HOST"); v != "" {
		host = v
	}
	if v := os.Getenv("ESL_PORT"); v != "" {
		if _, err := strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("invalid ESL_PORT: %w", err)
		}
		port = v
	}
	config.ESLAddr = host + ":" + port

	if v := os.Getenv("ESL_PASSWORD"); v != "" {
		config.ESLPassword = v
	}

	var err error
	if config.ESLReconnectInterval, err = envSeconds("ESL_RECONNECT_INTERVAL", config.ESLReconnectInterval); err != nil {
		return nil, err
	}

	if v := os.Getenv("FORK_MODE"); v != "" {
		config.ForkMode = strings.ToLower(v)
	}
	if v := os.Getenv("REMOTE_ENDPOINT"); v != "" {
		config.RemoteEndpoint = v
	}
	if v := os.Getenv("INGEST_PUBLIC_URL"); v != "" {
		config.IngestPublicURL = strings.TrimRight(v, "/")
	}
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		config.HTTPAddr = v
	}

	// Optional: STREAM_* channel variables applied before the fork starts
	for name := range config.ChannelVars {
		if v, ok := os.LookupEnv(name); ok {
			config.ChannelVars[name] = v
		}
	}

	if v := os.Getenv("ARTIFACT_DIR"); v != "" {
		config.ArtifactDir = v
	}

	if v := os.Getenv("MAX_QUEUE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid MAX_QUEUE_SIZE: %w", err)
		}
		config.MaxQueueSize = n
	}

	if config.PlaybackMargin, err = envMillis("PLAYBACK_MARGIN_MS", config.PlaybackMargin); err != nil {
		return nil, err
	}
	if config.PlaybackDefaultWait, err = envMillis("PLAYBACK_DEFAULT_WAIT_MS", config.PlaybackDefaultWait); err != nil {
		return nil, err
	}
	if config.PlaybackMinWait, err = envMillis("PLAYBACK_MIN_WAIT_MS", config.PlaybackMinWait); err != nil {
		return nil, err
	}
	if config.PlaybackMaxWait, err = envMillis("PLAYBACK_MAX_WAIT_MS", config.PlaybackMaxWait); err != nil {
		return nil, err
	}

	if v := os.Getenv("PLAYBACK_STRATEGIES"); v != "" {
		config.PlaybackStrategies = splitList(v)
	}

	// Optional: call filters (comma-separated)
	if v, ok := os.LookupEnv("ENABLED_DIRECTIONS"); ok {
		config.EnabledDirections = splitList(v)
	}
	if v := os.Getenv("ENABLED_PATTERNS"); v != "" {
		config.EnabledPatterns = splitList(v)
	}
	if v := os.Getenv("DISABLED_PATTERNS"); v != "" {
		config.DisabledPatterns = splitList(v)
	}
	if v := os.Getenv("OUTBOUND_START_TRIGGER"); v != "" {
		config.OutboundStartTrigger = strings.ToLower(v)
	}
	if config.OutboundStartDelay, err = envMillis("OUTBOUND_START_DELAY_MS", config.OutboundStartDelay); err != nil {
		return nil, err
	}
	if v := os.Getenv("MONITOR_BOTH_LEGS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid MONITOR_BOTH_LEGS: %w", err)
		}
		config.MonitorBothLegs = b
	}

	if config.SessionCheckInterval, err = envSeconds("SESSION_CHECK_INTERVAL", config.SessionCheckInterval); err != nil {
		return nil, err
	}

	// Optional: persistence backends, disabled when unset
	config.MongoURI = os.Getenv("MONGODB_URI")
	if v := os.Getenv("MONGODB_DATABASE"); v != "" {
		config.MongoDatabase = v
	}
	config.RedisURL = os.Getenv("REDIS_URL")
	config.RedisPassword = os.Getenv("REDIS_PASSWORD")
	if config.RedisTTL, err = envSeconds("REDIS_TTL", config.RedisTTL); err != nil {
		return nil, err
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		config.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		config.LogFormat = strings.ToLower(v)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks value ranges and cross-field constraints
func (c *Config) Validate() error {
	switch c.ForkMode {
	case ModeRelay, ModeDirect:
	default:
		return fmt.Errorf("invalid FORK_MODE: must be 'relay' or 'direct'")
	}
	switch c.OutboundStartTrigger {
	case TriggerAnswer, TriggerBridge:
	default:
		return fmt.Errorf("invalid OUTBOUND_START_TRIGGER: must be 'answer' or 'bridge'")
	}
	if c.RemoteEndpoint == "" {
		return fmt.Errorf("REMOTE_ENDPOINT is required")
	}
	if c.MaxQueueSize < 1 {
		return fmt.Errorf("invalid MAX_QUEUE_SIZE: must be at least 1")
	}
	if c.PlaybackMinWait > c.PlaybackMaxWait {
		return fmt.Errorf("invalid playback waits: min %s exceeds max %s", c.PlaybackMinWait, c.PlaybackMaxWait)
	}
	if c.PlaybackDefaultWait < c.PlaybackMinWait || c.PlaybackDefaultWait > c.PlaybackMaxWait {
		return fmt.Errorf("invalid PLAYBACK_DEFAULT_WAIT_MS: must be within [%s, %s]", c.PlaybackMinWait, c.PlaybackMaxWait)
	}
	if len(c.PlaybackStrategies) == 0 {
		return fmt.Errorf("PLAYBACK_STRATEGIES must name at least one strategy")
	}
	for _, d := range c.EnabledDirections {
		if d != "inbound" && d != "outbound" {
			return fmt.Errorf("invalid ENABLED_DIRECTIONS entry %q", d)
		}
	}
	for _, p := range append(append([]string{}, c.EnabledPatterns...), c.DisabledPatterns...) {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("invalid call pattern %q: %w", p, err)
		}
	}
	return nil
}

func envMillis(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func envSeconds(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	s, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return time.Duration(s) * time.Second, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
