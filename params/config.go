package params

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Identity struct {
	PrivateKeyHex string `yaml:"private_key_hex"`
	KeyFile       string `yaml:"key_file"`
}

type Relay struct {
	URLs            []string `yaml:"urls"`
	Libp2pListen    string   `yaml:"libp2p_listen"`
	Libp2pBootstrap []string `yaml:"libp2p_bootstrap"`

	PublishAttempts int           `yaml:"publish_attempts"`
	MinBackoff      time.Duration `yaml:"min_backoff"`
	MaxBackoff      time.Duration `yaml:"max_backoff"`
	PublishRate     float64       `yaml:"publish_rate"` // envelopes per second, 0 disables limiting
	PublishBurst    int           `yaml:"publish_burst"`

	DedupSize int           `yaml:"dedup_size"`
	DedupTTL  time.Duration `yaml:"dedup_ttl"`
}

type Negotiation struct {
	SessionTimeout    time.Duration `yaml:"session_timeout"`
	TerminalRetention time.Duration `yaml:"terminal_retention"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	// MaxDetailRounds caps TradeDetails messages per party in one session.
	MaxDetailRounds int `yaml:"max_detail_rounds"`
	// AllowReopen enables the Accepted -> Negotiating edge.
	AllowReopen bool `yaml:"allow_reopen"`
	// AutoAccept answers every valid OrderTake with accepted instead of
	// waiting for an explicit response.
	AutoAccept bool `yaml:"auto_accept"`
}

type Node struct {
	DataDir    string `yaml:"data_dir"`
	LogFile    string `yaml:"log_file"`
	LogLevel   string `yaml:"log_level"`
	APIAddr    string `yaml:"api_addr"`
	EngineName string `yaml:"engine_name"`
	Verbose    bool   `yaml:"verbose"`
}

type Config struct {
	Identity    Identity    `yaml:"identity"`
	Relay       Relay       `yaml:"relay"`
	Negotiation Negotiation `yaml:"negotiation"`
	Node        Node        `yaml:"node"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/identity.key",
		},
		Relay: Relay{
			URLs:            []string{"ws://127.0.0.1:7447"},
			PublishAttempts: 4,
			MinBackoff:      200 * time.Millisecond,
			MaxBackoff:      5 * time.Second,
			PublishRate:     20,
			PublishBurst:    40,
			DedupSize:       4096,
			DedupTTL:        10 * time.Minute,
		},
		Negotiation: Negotiation{
			SessionTimeout:    15 * time.Minute,
			TerminalRetention: 5 * time.Minute,
			SweepInterval:     5 * time.Second,
			MaxDetailRounds:   8,
			AllowReopen:       false,
		},
		Node: Node{
			DataDir:    "data",
			LogFile:    "data/tradewire.log",
			LogLevel:   "info",
			APIAddr:    ":8080",
			EngineName: "tradewire",
		},
	}
}

// LoadFile overlays a YAML file on top of the defaults.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Load applies the YAML file (when given) and then the environment.
// Priority: ENV > .env file > YAML > defaults
func Load(yamlPath, envPath string) (Config, error) {
	cfg := Default()
	if yamlPath != "" {
		var err error
		if cfg, err = LoadFile(yamlPath); err != nil {
			return cfg, err
		}
	}
	applyEnv(&cfg, envPath)
	return cfg, nil
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()
	applyEnv(&cfg, envPath)
	return cfg
}

func applyEnv(cfg *Config, envPath string) {
	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg.Identity.PrivateKeyHex = getEnv("TW_PRIVATE_KEY", cfg.Identity.PrivateKeyHex)
	cfg.Identity.KeyFile = getEnv("TW_KEY_FILE", cfg.Identity.KeyFile)

	if urls := os.Getenv("TW_RELAYS"); urls != "" {
		cfg.Relay.URLs = splitList(urls)
	}
	cfg.Relay.Libp2pListen = getEnv("TW_LIBP2P_LISTEN", cfg.Relay.Libp2pListen)
	if peers := os.Getenv("TW_LIBP2P_BOOTSTRAP"); peers != "" {
		cfg.Relay.Libp2pBootstrap = splitList(peers)
	}
	setInt(&cfg.Relay.PublishAttempts, "TW_PUBLISH_ATTEMPTS")
	setMillis(&cfg.Relay.MinBackoff, "TW_MIN_BACKOFF_MS")
	setMillis(&cfg.Relay.MaxBackoff, "TW_MAX_BACKOFF_MS")
	if rate := os.Getenv("TW_PUBLISH_RATE"); rate != "" {
		if v, err := strconv.ParseFloat(rate, 64); err == nil {
			cfg.Relay.PublishRate = v
		}
	}
	setInt(&cfg.Relay.PublishBurst, "TW_PUBLISH_BURST")
	setInt(&cfg.Relay.DedupSize, "TW_DEDUP_SIZE")
	setMillis(&cfg.Relay.DedupTTL, "TW_DEDUP_TTL_MS")

	setMillis(&cfg.Negotiation.SessionTimeout, "TW_SESSION_TIMEOUT_MS")
	setMillis(&cfg.Negotiation.TerminalRetention, "TW_TERMINAL_RETENTION_MS")
	setMillis(&cfg.Negotiation.SweepInterval, "TW_SWEEP_INTERVAL_MS")
	setInt(&cfg.Negotiation.MaxDetailRounds, "TW_MAX_DETAIL_ROUNDS")
	if reopen := os.Getenv("TW_ALLOW_REOPEN"); reopen != "" {
		cfg.Negotiation.AllowReopen = reopen == "true"
	}
	if auto := os.Getenv("TW_AUTO_ACCEPT"); auto != "" {
		cfg.Negotiation.AutoAccept = auto == "true"
	}

	cfg.Node.DataDir = getEnv("TW_DATA_DIR", cfg.Node.DataDir)
	cfg.Node.LogFile = getEnv("TW_LOG_FILE", cfg.Node.LogFile)
	cfg.Node.LogLevel = getEnv("TW_LOG_LEVEL", cfg.Node.LogLevel)
	cfg.Node.APIAddr = getEnv("TW_API_ADDR", cfg.Node.APIAddr)
	cfg.Node.EngineName = getEnv("TW_ENGINE_NAME", cfg.Node.EngineName)
	if verbose := os.Getenv("VERBOSE"); verbose != "" {
		cfg.Node.Verbose = verbose == "true"
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setMillis(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(ms) * time.Millisecond
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
