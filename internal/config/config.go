package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type EngineConfig struct {
	Path         string        `yaml:"path"`
	HashMB       int           `yaml:"hash_mb"`
	Threads      int           `yaml:"threads"`
	MaxDepth     int           `yaml:"max_depth"`
	PollInterval time.Duration `yaml:"poll_interval"`
	StopTimeout  time.Duration `yaml:"stop_timeout"`
	PoolSize     int           `yaml:"pool_size"`
}

type OpeningBookConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Path      string `yaml:"path"`
	MinWeight uint16 `yaml:"min_weight"`
	MaxPly    int    `yaml:"max_ply"`
}

type TransportConfig struct {
	Mode              string `yaml:"mode"`
	Egress            string `yaml:"egress"`
	RedisURL          string `yaml:"redis_url"`
	RequestKey        string `yaml:"request_key"`
	ReplyKey          string `yaml:"reply_key"`
	WSURL             string `yaml:"ws_url"`
	CallbackURL       string `yaml:"callback_url"`
	ReconnectAttempts int    `yaml:"reconnect_attempts"`
}

type BudgetConfig struct {
	Factor    float64       `yaml:"factor"`
	Increment time.Duration `yaml:"increment"`
}

type LogConfig struct {
	Level   string `yaml:"level"`
	Format  string `yaml:"format"`
	Console bool   `yaml:"console"`
	// Output is stderr or stdout; stdio transport owns stdout.
	Output string `yaml:"output"`
	ToFile bool   `yaml:"to_file"`
	File   string `yaml:"file"`
	Caller bool   `yaml:"caller"`
}

type AppConfig struct {
	Engine      EngineConfig      `yaml:"engine"`
	OpeningBook OpeningBookConfig `yaml:"opening_book"`
	Transport   TransportConfig   `yaml:"transport"`
	Budget      BudgetConfig      `yaml:"budget"`
	RandomSeed  int64             `yaml:"random_seed"`
	Log         LogConfig         `yaml:"log"`
}

const (
	ModeStdio = "stdio"
	ModeRedis = "redis"
	ModeWS    = "ws"
)

func Default() *AppConfig {
	return &AppConfig{
		Engine: EngineConfig{
			HashMB:       16,
			Threads:      1,
			PollInterval: 10 * time.Millisecond,
			StopTimeout:  3 * time.Second,
			PoolSize:     1,
		},
		Transport: TransportConfig{
			Mode:              ModeStdio,
			Egress:            "default",
			RequestKey:        "search:requests",
			ReplyKey:          "search:replies",
			ReconnectAttempts: 5,
		},
		Budget: BudgetConfig{Factor: 0.04},
		Log: LogConfig{
			Level:   "info",
			Format:  "legacy",
			Console: true,
			Output:  "stderr",
			File:    "logs/search-worker.log",
		},
	}
}

// Load reads the optional YAML file at path, then applies environment
// overrides and validates the result.
func Load(path string) (*AppConfig, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := decodeYAML(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeYAML(raw []byte, cfg *AppConfig) error {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func applyEnv(cfg *AppConfig) error {
	if v := strings.TrimSpace(os.Getenv("ENGINE_PATH")); v != "" {
		cfg.Engine.Path = v
	} else if v := strings.TrimSpace(os.Getenv("STOCKFISH_PATH")); v != "" {
		cfg.Engine.Path = v
	}
	if err := envInt("ENGINE_HASH_MB", &cfg.Engine.HashMB); err != nil {
		return err
	}
	if err := envInt("ENGINE_THREADS", &cfg.Engine.Threads); err != nil {
		return err
	}
	if err := envInt("ENGINE_MAX_DEPTH", &cfg.Engine.MaxDepth); err != nil {
		return err
	}
	if err := envInt("ENGINE_POOL_SIZE", &cfg.Engine.PoolSize); err != nil {
		return err
	}
	if err := envDuration("ENGINE_POLL_INTERVAL", &cfg.Engine.PollInterval); err != nil {
		return err
	}

	if v := strings.TrimSpace(os.Getenv("OPENING_BOOK_ENABLED")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("OPENING_BOOK_ENABLED: %w", err)
		}
		cfg.OpeningBook.Enabled = b
	}
	if v := strings.TrimSpace(os.Getenv("OPENING_BOOK_PATH")); v != "" {
		cfg.OpeningBook.Path = v
	}
	if v := strings.TrimSpace(os.Getenv("OPENING_MIN_WEIGHT")); v != "" {
		n, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return fmt.Errorf("OPENING_MIN_WEIGHT: %w", err)
		}
		cfg.OpeningBook.MinWeight = uint16(n)
	}
	if err := envInt("OPENING_MAX_PLY", &cfg.OpeningBook.MaxPly); err != nil {
		return err
	}

	if v := strings.TrimSpace(os.Getenv("TRANSPORT_MODE")); v != "" {
		cfg.Transport.Mode = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("TRANSPORT_EGRESS")); v != "" {
		cfg.Transport.Egress = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("REDIS_URL")); v != "" {
		cfg.Transport.RedisURL = v
	}
	if v := strings.TrimSpace(os.Getenv("REQUEST_KEY")); v != "" {
		cfg.Transport.RequestKey = v
	}
	if v := strings.TrimSpace(os.Getenv("REPLY_KEY")); v != "" {
		cfg.Transport.ReplyKey = v
	}
	if v := strings.TrimSpace(os.Getenv("WS_URL")); v != "" {
		cfg.Transport.WSURL = v
	}
	if v := strings.TrimSpace(os.Getenv("CALLBACK_URL")); v != "" {
		cfg.Transport.CallbackURL = v
	}

	if v := strings.TrimSpace(os.Getenv("BUDGET_FACTOR")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("BUDGET_FACTOR: %w", err)
		}
		cfg.Budget.Factor = f
	}
	if err := envDuration("BUDGET_INCREMENT", &cfg.Budget.Increment); err != nil {
		return err
	}
	if v := strings.TrimSpace(os.Getenv("RANDOM_SEED")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("RANDOM_SEED: %w", err)
		}
		cfg.RandomSeed = n
	}

	if v := strings.TrimSpace(os.Getenv("LOG_LEVEL")); v != "" {
		cfg.Log.Level = v
	}
	if v := strings.TrimSpace(os.Getenv("LOG_FORMAT")); v != "" {
		cfg.Log.Format = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("LOG_TO_CONSOLE")); v != "" {
		cfg.Log.Console = strings.EqualFold(v, "true")
	}
	if v := strings.TrimSpace(os.Getenv("LOG_TO_FILE")); v != "" {
		cfg.Log.ToFile = strings.EqualFold(v, "true")
	}
	if v := strings.TrimSpace(os.Getenv("LOG_FILE")); v != "" {
		cfg.Log.File = v
	}
	if v := strings.TrimSpace(os.Getenv("LOG_CALLER")); v != "" {
		cfg.Log.Caller = strings.EqualFold(v, "true")
	}
	return nil
}

func envInt(key string, dst *int) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

func (c *AppConfig) Validate() error {
	if strings.TrimSpace(c.Engine.Path) == "" {
		return errors.New("engine.path (ENGINE_PATH) is required")
	}
	if c.Engine.HashMB <= 0 {
		return fmt.Errorf("engine.hash_mb must be > 0: %d", c.Engine.HashMB)
	}
	if c.Engine.MaxDepth < 0 || c.Engine.MaxDepth > 255 {
		return fmt.Errorf("engine.max_depth out of range 0-255: %d", c.Engine.MaxDepth)
	}
	if c.OpeningBook.Enabled && strings.TrimSpace(c.OpeningBook.Path) == "" {
		return errors.New("opening_book.path is required when the book is enabled")
	}
	if c.OpeningBook.MaxPly < 0 {
		return fmt.Errorf("opening_book.max_ply must be >= 0: %d", c.OpeningBook.MaxPly)
	}
	if c.Budget.Factor <= 0 || c.Budget.Factor > 1 {
		return fmt.Errorf("budget.factor must be in (0,1]: %v", c.Budget.Factor)
	}
	if c.Budget.Increment < 0 {
		return fmt.Errorf("budget.increment must be >= 0: %v", c.Budget.Increment)
	}

	switch c.Transport.Mode {
	case ModeStdio:
	case ModeRedis:
		if strings.TrimSpace(c.Transport.RedisURL) == "" {
			return errors.New("transport.redis_url (REDIS_URL) is required in redis mode")
		}
	case ModeWS:
		if strings.TrimSpace(c.Transport.WSURL) == "" {
			return errors.New("transport.ws_url (WS_URL) is required in ws mode")
		}
	default:
		return fmt.Errorf("unknown transport.mode %q", c.Transport.Mode)
	}

	switch c.Transport.Egress {
	case "", "default":
	case "http":
		if strings.TrimSpace(c.Transport.CallbackURL) == "" {
			return errors.New("transport.callback_url (CALLBACK_URL) is required for http egress")
		}
	case "auto":
		if c.Transport.Mode != ModeWS || strings.TrimSpace(c.Transport.CallbackURL) == "" {
			return errors.New("auto egress needs ws mode and transport.callback_url")
		}
	default:
		return fmt.Errorf("unknown transport.egress %q", c.Transport.Egress)
	}
	return nil
}
