package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"stockwatch/internal/models"
)

// Defaults applied when fields are absent from the config file.
const (
	DefaultConfirmations      = 2
	DefaultConfirmationWindow = 5 * time.Minute
	DefaultPriceDropPct       = 10.0
	DefaultCooldown           = 10 * time.Minute

	DefaultWorkers     = 4
	DefaultQueueSize   = 256
	DefaultCallTimeout = 10 * time.Second
	DefaultRetryBase   = 2 * time.Second
	DefaultRetryMax    = 60 * time.Second
	DefaultAttempts    = 5
	DefaultGracePeriod = 15 * time.Second

	DefaultPollInterval  = 30 * time.Second
	DefaultSourceTimeout = 10 * time.Second
	DefaultRateRequests  = 10
	DefaultRateWindow    = time.Minute
)

// Config holds application configuration loaded from the YAML topology file
// and environment.
type Config struct {
	Tracker  TrackerConfig  `yaml:"tracker"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Products []Product      `yaml:"products"`
	Sources  []Source       `yaml:"sources"`
	Channels []Channel      `yaml:"channels"`

	DB struct {
		DSN string
	} `yaml:"-"`
	Redis struct {
		Addr     string
		Password string
		DB       int
	} `yaml:"-"`
	Kafka struct {
		Brokers          []string
		ObservationTopic string
		GroupID          string
	} `yaml:"-"`
	API struct {
		Port     string
		BasePath string
	} `yaml:"-"`
	Logging struct {
		Dir   string
		Level string
	} `yaml:"-"`
}

// TrackerConfig tunes transition detection and debouncing.
type TrackerConfig struct {
	Confirmations      int           `yaml:"confirmations"`
	ConfirmationWindow time.Duration `yaml:"confirmation_window"`
	PriceDropPct       float64       `yaml:"price_drop_pct"`
	Cooldown           time.Duration `yaml:"cooldown"`
}

// DispatchConfig tunes alert fan-out.
type DispatchConfig struct {
	Workers     int           `yaml:"workers"`
	QueueSize   int           `yaml:"queue_size"`
	CallTimeout time.Duration `yaml:"call_timeout"`
	Retry       RetryPolicy   `yaml:"retry"`
	GracePeriod time.Duration `yaml:"grace_period"`
}

// RetryPolicy is bounded exponential backoff.
type RetryPolicy struct {
	Base     time.Duration `yaml:"base"`
	Max      time.Duration `yaml:"max"`
	Attempts int           `yaml:"attempts"`
}

// Product is one tracked item.
type Product struct {
	Retailer string `yaml:"retailer"`
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	URL      string `yaml:"url"`
	// Match lists lower-case terms that must all appear in a listing title.
	Match []string `yaml:"match"`
}

// Key returns the product's ProductKey.
func (p Product) Key() models.ProductKey {
	return models.ProductKey{RetailerID: p.Retailer, ProductID: p.ID}
}

// Source describes one availability endpoint.
type Source struct {
	ID       string `yaml:"id"`
	Retailer string `yaml:"retailer"`
	// Type selects the parser: nvidia | html | json.
	Type     string            `yaml:"type"`
	Endpoint string            `yaml:"endpoint"`
	Headers  map[string]string `yaml:"headers"`
	// Products restricts the source to these product IDs. Empty means every
	// product of the retailer.
	Products []string `yaml:"products"`

	Interval time.Duration `yaml:"interval"`
	// Schedule is an optional cron expression that replaces Interval.
	Schedule  string        `yaml:"schedule"`
	Jitter    time.Duration `yaml:"jitter"`
	Timeout   time.Duration `yaml:"timeout"`
	RateLimit RateLimit     `yaml:"rate_limit"`

	Fields JSONFields `yaml:"fields"`
}

// RateLimit allows Requests per rolling Window.
type RateLimit struct {
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}

// JSONFields are dotted paths used by the generic json parser.
type JSONFields struct {
	Items   string `yaml:"items"`
	ID      string `yaml:"id"`
	InStock string `yaml:"in_stock"`
	Price   string `yaml:"price"`
}

// Channel configures one delivery channel. Only the fields relevant to Type
// are read.
type Channel struct {
	ID       string        `yaml:"id"`
	Type     string        `yaml:"type"`
	Enabled  *bool         `yaml:"enabled"`
	Dedup    bool          `yaml:"dedup"`
	DedupTTL time.Duration `yaml:"dedup_ttl"`

	URL    string `yaml:"url"`
	Format string `yaml:"format"`
	Token  string `yaml:"token"`
	User   string `yaml:"user"`
	Event  string `yaml:"event"`

	ChatID     int64 `yaml:"chat_id"`
	RatePerSec int   `yaml:"rate_per_sec"`

	To         []string `yaml:"to"`
	From       string   `yaml:"from"`
	SMTPServer string   `yaml:"smtp_server"`
	SMTPPort   int      `yaml:"smtp_port"`
	Username   string   `yaml:"username"`
	Password   string   `yaml:"password"`

	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`

	DeviceToken string `yaml:"device_token"`

	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// IsEnabled defaults to true when the field is omitted.
func (c Channel) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Load reads .env, the YAML file at path, and environment overrides, then
// applies defaults and validates. Every failure wraps models.ErrConfiguration.
func Load(path string) (*Config, error) {
	// Load .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: failed to load .env file: %v", models.ErrConfiguration, err)
	}

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "config.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", models.ErrConfiguration, path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse builds a Config from YAML bytes. ${VAR} references are expanded from
// the environment before parsing.
func Parse(data []byte) (*Config, error) {
	cfg := defaults()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("%w: parse yaml: %v", models.ErrConfiguration, err)
	}
	applyEnv(cfg)
	fillSourceDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrConfiguration, err)
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Tracker: TrackerConfig{
			Confirmations:      DefaultConfirmations,
			ConfirmationWindow: DefaultConfirmationWindow,
			PriceDropPct:       DefaultPriceDropPct,
			Cooldown:           DefaultCooldown,
		},
		Dispatch: DispatchConfig{
			Workers:     DefaultWorkers,
			QueueSize:   DefaultQueueSize,
			CallTimeout: DefaultCallTimeout,
			Retry: RetryPolicy{
				Base:     DefaultRetryBase,
				Max:      DefaultRetryMax,
				Attempts: DefaultAttempts,
			},
			GracePeriod: DefaultGracePeriod,
		},
	}
}

// applyEnv reads infrastructure settings that stay out of the topology file.
func applyEnv(cfg *Config) {
	cfg.DB.DSN = os.Getenv("DB_DSN")

	cfg.Redis.Addr = os.Getenv("REDIS_ADDR")
	cfg.Redis.Password = os.Getenv("REDIS_PASSWORD")
	if n, err := strconv.Atoi(os.Getenv("REDIS_DB")); err == nil {
		cfg.Redis.DB = n
	}

	if brokers := os.Getenv("KAFKA_BROKER"); brokers != "" {
		cfg.Kafka.Brokers = strings.Split(brokers, ",")
	}
	cfg.Kafka.ObservationTopic = os.Getenv("KAFKA_OBSERVATION_TOPIC")
	cfg.Kafka.GroupID = os.Getenv("KAFKA_GROUP_ID")
	if cfg.Kafka.GroupID == "" {
		cfg.Kafka.GroupID = "stockwatch"
	}

	cfg.API.Port = os.Getenv("API_PORT")
	if cfg.API.Port == "" {
		cfg.API.Port = ":8080"
	}
	cfg.API.BasePath = os.Getenv("API_BASE_PATH")
	if cfg.API.BasePath == "" {
		cfg.API.BasePath = "/api/v0"
	}

	cfg.Logging.Dir = os.Getenv("LOG_DIR")
	cfg.Logging.Level = os.Getenv("LOG_LEVEL")
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

func fillSourceDefaults(cfg *Config) {
	for i := range cfg.Sources {
		src := &cfg.Sources[i]
		if src.Interval <= 0 && src.Schedule == "" {
			src.Interval = DefaultPollInterval
		}
		if src.Timeout <= 0 {
			src.Timeout = DefaultSourceTimeout
		}
		if src.RateLimit.Requests <= 0 {
			src.RateLimit.Requests = DefaultRateRequests
		}
		if src.RateLimit.Window <= 0 {
			src.RateLimit.Window = DefaultRateWindow
		}
	}
}

func validate(cfg *Config) error {
	t := cfg.Tracker
	if t.Confirmations < 1 {
		return fmt.Errorf("tracker.confirmations must be at least 1")
	}
	if t.ConfirmationWindow <= 0 || t.Cooldown < 0 {
		return fmt.Errorf("tracker windows must be positive")
	}
	if t.PriceDropPct <= 0 || t.PriceDropPct >= 100 {
		return fmt.Errorf("tracker.price_drop_pct must be in (0, 100)")
	}

	d := cfg.Dispatch
	if d.Workers <= 0 || d.QueueSize <= 0 {
		return fmt.Errorf("dispatch.workers and dispatch.queue_size must be positive")
	}
	if d.CallTimeout <= 0 || d.GracePeriod <= 0 {
		return fmt.Errorf("dispatch timeouts must be positive")
	}
	if d.Retry.Attempts < 1 || d.Retry.Base <= 0 || d.Retry.Max < d.Retry.Base {
		return fmt.Errorf("dispatch.retry: attempts >= 1 and 0 < base <= max required")
	}

	products := make(map[models.ProductKey]bool, len(cfg.Products))
	for i, p := range cfg.Products {
		if p.Retailer == "" || p.ID == "" {
			return fmt.Errorf("products[%d]: retailer and id are required", i)
		}
		if products[p.Key()] {
			return fmt.Errorf("products[%d]: duplicate product %s", i, p.Key())
		}
		products[p.Key()] = true
	}

	sources := make(map[string]bool, len(cfg.Sources))
	for i, src := range cfg.Sources {
		if src.ID == "" {
			return fmt.Errorf("sources[%d]: id is required", i)
		}
		if sources[src.ID] {
			return fmt.Errorf("sources[%d]: duplicate id %q", i, src.ID)
		}
		sources[src.ID] = true
		if src.Endpoint == "" {
			return fmt.Errorf("sources[%d] %q: endpoint is required", i, src.ID)
		}
		if src.Retailer == "" {
			return fmt.Errorf("sources[%d] %q: retailer is required", i, src.ID)
		}
		switch src.Type {
		case "nvidia", "html":
		case "json":
			if src.Fields.ID == "" || src.Fields.InStock == "" {
				return fmt.Errorf("sources[%d] %q: json sources need fields.id and fields.in_stock", i, src.ID)
			}
		default:
			return fmt.Errorf("sources[%d] %q: unknown type %q", i, src.ID, src.Type)
		}
		for _, pid := range src.Products {
			if !products[models.ProductKey{RetailerID: src.Retailer, ProductID: pid}] {
				return fmt.Errorf("sources[%d] %q: unknown product %q", i, src.ID, pid)
			}
		}
	}

	channels := make(map[string]bool, len(cfg.Channels))
	for i, ch := range cfg.Channels {
		if ch.ID == "" {
			return fmt.Errorf("channels[%d]: id is required", i)
		}
		if channels[ch.ID] {
			return fmt.Errorf("channels[%d]: duplicate id %q", i, ch.ID)
		}
		channels[ch.ID] = true
		switch ch.Type {
		case "webhook", "push", "pushover", "ifttt", "telegram", "email", "sms", "kafka", "nats", "websocket":
		default:
			return fmt.Errorf("channels[%d] %q: unknown type %q", i, ch.ID, ch.Type)
		}
	}
	return nil
}

// ProductsFor returns the products a source reports on.
func (c *Config) ProductsFor(src Source) []Product {
	var out []Product
	for _, p := range c.Products {
		if p.Retailer != src.Retailer {
			continue
		}
		if len(src.Products) == 0 {
			out = append(out, p)
			continue
		}
		for _, id := range src.Products {
			if id == p.ID {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

// Product looks up a product by key.
func (c *Config) Product(key models.ProductKey) (Product, bool) {
	for _, p := range c.Products {
		if p.Key() == key {
			return p, true
		}
	}
	return Product{}, false
}
