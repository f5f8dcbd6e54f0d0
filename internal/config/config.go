package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type RuntimeConfig struct {
	Bind             string
	Port             string
	CdpURL           string
	Token            string
	StateDir         string
	Headless         bool
	ProfileDir       string
	ChromeBinary     string
	ChromeExtraFlags string
	DevMode          bool

	APIBaseURL     string
	ProfileTimeout time.Duration
	RecordTimeout  time.Duration

	HealthInterval time.Duration
	StuckAfter     time.Duration
	IdleAfter      time.Duration
	LoadTimeout    time.Duration

	PlatformsFile string
	HistoryDB     string

	RedisAddr   string
	RedisPrefix string
	SnapshotTTL time.Duration

	KafkaBroker string
	KafkaTopic  string

	NotificationBuffer int
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func envBoolOr(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

// envDurationOr accepts Go durations ("90s") or bare seconds ("90").
func envDurationOr(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func homeDir() string {
	h, _ := os.UserHomeDir()
	return h
}

func (c *RuntimeConfig) ListenAddr() string {
	return c.Bind + ":" + c.Port
}

type FileConfig struct {
	Port          string `json:"port"`
	CdpURL        string `json:"cdpUrl,omitempty"`
	Token         string `json:"token,omitempty"`
	StateDir      string `json:"stateDir"`
	ProfileDir    string `json:"profileDir"`
	Headless      *bool  `json:"headless,omitempty"`
	APIBaseURL    string `json:"apiBaseUrl,omitempty"`
	PlatformsFile string `json:"platformsFile,omitempty"`
	RedisAddr     string `json:"redisAddr,omitempty"`
	KafkaBroker   string `json:"kafkaBroker,omitempty"`
	HealthSec     int    `json:"healthSec,omitempty"`
	StuckSec      int    `json:"stuckSec,omitempty"`
	IdleSec       int    `json:"idleSec,omitempty"`
}

// Load builds the runtime config. Precedence: process env, then .env file,
// then the JSON config file, then defaults.
func Load() *RuntimeConfig {
	// godotenv never overrides variables that are already set.
	_ = godotenv.Load(envOr("AUTOAPPLY_ENV_FILE", ".env"))

	stateDir := envOr("AUTOAPPLY_STATE_DIR", filepath.Join(homeDir(), ".autoapply"))
	cfg := &RuntimeConfig{
		Bind:             envOr("AUTOAPPLY_BIND", "127.0.0.1"),
		Port:             envOr("AUTOAPPLY_PORT", "9870"),
		CdpURL:           os.Getenv("CDP_URL"),
		Token:            os.Getenv("AUTOAPPLY_TOKEN"),
		StateDir:         stateDir,
		Headless:         envBoolOr("AUTOAPPLY_HEADLESS", false),
		ProfileDir:       envOr("AUTOAPPLY_PROFILE", filepath.Join(stateDir, "chrome-profile")),
		ChromeBinary:     os.Getenv("CHROME_BINARY"),
		ChromeExtraFlags: os.Getenv("CHROME_FLAGS"),
		DevMode:          envBoolOr("AUTOAPPLY_DEV", false),
		APIBaseURL:       envOr("AUTOAPPLY_API_URL", "http://localhost:3000"),
		ProfileTimeout:   envDurationOr("AUTOAPPLY_PROFILE_TIMEOUT", 10*time.Second),
		RecordTimeout:    envDurationOr("AUTOAPPLY_RECORD_TIMEOUT", 10*time.Second),
		HealthInterval:   envDurationOr("AUTOAPPLY_HEALTH_INTERVAL", 60*time.Second),
		StuckAfter:       envDurationOr("AUTOAPPLY_STUCK_AFTER", 5*time.Minute),
		IdleAfter:        envDurationOr("AUTOAPPLY_IDLE_AFTER", 10*time.Minute),
		LoadTimeout:      envDurationOr("AUTOAPPLY_LOAD_TIMEOUT", 30*time.Second),
		PlatformsFile:    os.Getenv("AUTOAPPLY_PLATFORMS_FILE"),
		HistoryDB:        envOr("AUTOAPPLY_HISTORY_DB", filepath.Join(stateDir, "history.db")),
		RedisAddr:        os.Getenv("AUTOAPPLY_REDIS_ADDR"),
		RedisPrefix:      envOr("AUTOAPPLY_REDIS_PREFIX", "autoapply:session:"),
		SnapshotTTL:      envDurationOr("AUTOAPPLY_SNAPSHOT_TTL", 24*time.Hour),
		KafkaBroker:      os.Getenv("AUTOAPPLY_KAFKA_BROKER"),
		KafkaTopic:       envOr("AUTOAPPLY_KAFKA_TOPIC", "autoapply.outcomes"),

		NotificationBuffer: envIntOr("AUTOAPPLY_NOTIFICATIONS", 100),
	}

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		return cfg
	}

	var fc FileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return cfg
	}
	applyFile(cfg, fc)
	return cfg
}

func applyFile(cfg *RuntimeConfig, fc FileConfig) {
	if fc.Port != "" && os.Getenv("AUTOAPPLY_PORT") == "" {
		cfg.Port = fc.Port
	}
	if fc.CdpURL != "" && os.Getenv("CDP_URL") == "" {
		cfg.CdpURL = fc.CdpURL
	}
	if fc.Token != "" && os.Getenv("AUTOAPPLY_TOKEN") == "" {
		cfg.Token = fc.Token
	}
	if fc.StateDir != "" && os.Getenv("AUTOAPPLY_STATE_DIR") == "" {
		cfg.StateDir = fc.StateDir
	}
	if fc.ProfileDir != "" && os.Getenv("AUTOAPPLY_PROFILE") == "" {
		cfg.ProfileDir = fc.ProfileDir
	}
	if fc.Headless != nil && os.Getenv("AUTOAPPLY_HEADLESS") == "" {
		cfg.Headless = *fc.Headless
	}
	if fc.APIBaseURL != "" && os.Getenv("AUTOAPPLY_API_URL") == "" {
		cfg.APIBaseURL = fc.APIBaseURL
	}
	if fc.PlatformsFile != "" && os.Getenv("AUTOAPPLY_PLATFORMS_FILE") == "" {
		cfg.PlatformsFile = fc.PlatformsFile
	}
	if fc.RedisAddr != "" && os.Getenv("AUTOAPPLY_REDIS_ADDR") == "" {
		cfg.RedisAddr = fc.RedisAddr
	}
	if fc.KafkaBroker != "" && os.Getenv("AUTOAPPLY_KAFKA_BROKER") == "" {
		cfg.KafkaBroker = fc.KafkaBroker
	}
	if fc.HealthSec > 0 && os.Getenv("AUTOAPPLY_HEALTH_INTERVAL") == "" {
		cfg.HealthInterval = time.Duration(fc.HealthSec) * time.Second
	}
	if fc.StuckSec > 0 && os.Getenv("AUTOAPPLY_STUCK_AFTER") == "" {
		cfg.StuckAfter = time.Duration(fc.StuckSec) * time.Second
	}
	if fc.IdleSec > 0 && os.Getenv("AUTOAPPLY_IDLE_AFTER") == "" {
		cfg.IdleAfter = time.Duration(fc.IdleSec) * time.Second
	}
}

func ConfigPath() string {
	return envOr("AUTOAPPLY_CONFIG", filepath.Join(homeDir(), ".autoapply", "config.json"))
}

func DefaultFileConfig() FileConfig {
	h := false
	return FileConfig{
		Port:       "9870",
		StateDir:   filepath.Join(homeDir(), ".autoapply"),
		ProfileDir: filepath.Join(homeDir(), ".autoapply", "chrome-profile"),
		Headless:   &h,
		APIBaseURL: "http://localhost:3000",
		HealthSec:  60,
		StuckSec:   300,
		IdleSec:    600,
	}
}

func HandleConfigCommand(cfg *RuntimeConfig, args []string) error {
	if len(args) == 0 {
		fmt.Println("Usage: autoapply config <command>")
		fmt.Println("Commands:")
		fmt.Println("  init    - Create default config file")
		fmt.Println("  show    - Show current configuration")
		return nil
	}

	switch args[0] {
	case "init":
		configPath := ConfigPath()
		if _, err := os.Stat(configPath); err == nil {
			fmt.Printf("Config file already exists at %s\n", configPath)
			fmt.Print("Overwrite? (y/N): ")
			var response string
			_, _ = fmt.Scanln(&response)
			if response != "y" && response != "Y" {
				return nil
			}
		}

		if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
		data, _ := json.MarshalIndent(DefaultFileConfig(), "", "  ")
		if err := os.WriteFile(configPath, data, 0644); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Config file created at %s\n", configPath)

	case "show":
		fmt.Println("Current configuration:")
		fmt.Printf("  Listen:     %s\n", cfg.ListenAddr())
		fmt.Printf("  CDP URL:    %s\n", cfg.CdpURL)
		fmt.Printf("  Token:      %s\n", MaskToken(cfg.Token))
		fmt.Printf("  State Dir:  %s\n", cfg.StateDir)
		fmt.Printf("  Profile:    %s\n", cfg.ProfileDir)
		fmt.Printf("  Headless:   %v\n", cfg.Headless)
		fmt.Printf("  API:        %s\n", cfg.APIBaseURL)
		fmt.Printf("  Health:     every=%v stuck=%v idle=%v\n", cfg.HealthInterval, cfg.StuckAfter, cfg.IdleAfter)
		fmt.Printf("  History DB: %s\n", cfg.HistoryDB)
		fmt.Printf("  Redis:      %s\n", orNone(cfg.RedisAddr))
		fmt.Printf("  Kafka:      %s\n", orNone(cfg.KafkaBroker))

	default:
		return fmt.Errorf("unknown config command: %s", args[0])
	}
	return nil
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

func MaskToken(t string) string {
	if t == "" {
		return "(none)"
	}
	if len(t) <= 8 {
		return "***"
	}
	return t[:4] + "..." + t[len(t)-4:]
}
